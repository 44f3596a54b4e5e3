// Command taghelper watches hashtag timelines across the Fediverse and asks
// the local instance to resolve every new post it finds, so small instances
// see the conversation on the tags their users follow.
//
// Usage:
//
//	taghelper [flags] [config files...]   Run the discovery loop
//	taghelper plan [config files...]      Print the fetch plan for one pass
//	taghelper stats [config files...]     Seen-store summary
//	taghelper events [config files...]    JSONL event log viewer
//	taghelper version                     Print version information
//
// Config files are JSON or YAML and are applied in order, later files
// winning per key. With none given, hashtag_helper_settings.json in the
// working directory and taghelper/config.{yaml,yml,json} in the XDG config
// directories are used.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/abelbrown/taghelper/internal/config"
)

var (
	flagOneshot bool
	flagNoToots bool
	flagQuiet   bool
	flagSilent  bool
	flagVerbose bool
	flagNoPace  bool
	flagSeed    int64
)

var rootCmd = &cobra.Command{
	Use:   "taghelper [flags] [config files...]",
	Short: "Fediverse hashtag discovery helper",
	Long: `taghelper polls the public hashtag timelines of other servers and asks the
local instance to resolve every post it has not seen before, so those posts
show up in the local federated timeline.`,
	Args:          cobra.ArbitraryArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runLoop,
}

func init() {
	f := rootCmd.Flags()
	f.BoolVarP(&flagOneshot, "oneshot", "1", false, "run one pass and exit (good for cron)")
	f.BoolVarP(&flagNoToots, "notoots", "n", false, "do not post progress to the instance, only log it")
	f.BoolVarP(&flagQuiet, "quiet", "q", false, "do not print progress reports")
	f.BoolVarP(&flagSilent, "silent", "s", false, "do not print error messages either (implies --quiet)")
	f.BoolVarP(&flagVerbose, "verbose", "v", false, "print per-post detail")
	f.BoolVar(&flagNoPace, "nopace", false, "do not spread fetches over the loop time")
	f.Int64Var(&flagSeed, "seed", 0, "seed the work-list shuffle (for reproducible runs)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(eventsCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "taghelper %s\n", config.Version)
	},
}

// configPaths returns the config files named on the command line, or the
// default locations when there are none.
func configPaths(args []string) []string {
	if len(args) > 0 {
		return args
	}
	return config.DefaultPaths()
}

// loadConfig builds the loader for args and reads the first snapshot.
func loadConfig(args []string) (*config.Loader, config.Snapshot, error) {
	loader := config.NewLoader(configPaths(args)...)
	snap, err := loader.Load()
	if err != nil {
		return nil, config.Snapshot{}, fmt.Errorf("loading config: %w", err)
	}
	return loader, snap, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "taghelper: %v\n", err)
		os.Exit(1)
	}
}
