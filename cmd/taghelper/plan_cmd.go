package main

import (
	"fmt"
	"io"
	"math/rand"
	"time"

	"github.com/spf13/cobra"

	"github.com/abelbrown/taghelper/internal/config"
	"github.com/abelbrown/taghelper/internal/filter"
	"github.com/abelbrown/taghelper/internal/plan"
)

var (
	flagPlanShuffle bool
	flagPlanSeed    int64
)

var planCmd = &cobra.Command{
	Use:   "plan [config files...]",
	Short: "Print the fetch plan for one pass",
	Long: `Print every timeline one pass would fetch for the current settings, with
each fetch's share of the loop time and any problems with the ignore rules.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, snap, err := loadConfig(args)
		if err != nil {
			return err
		}

		work := plan.Build(snap)
		if flagPlanShuffle {
			seed := flagPlanSeed
			if !cmd.Flags().Changed("seed") {
				seed = time.Now().UnixNano()
			}
			plan.Shuffle(work, rand.New(rand.NewSource(seed)))
		}

		renderPlan(cmd.OutOrStdout(), snap, work)
		return nil
	},
}

func init() {
	planCmd.Flags().BoolVar(&flagPlanShuffle, "shuffle", false, "shuffle the plan as a pass would")
	planCmd.Flags().Int64Var(&flagPlanSeed, "seed", 0, "seed for --shuffle")
}

func renderPlan(w io.Writer, snap config.Snapshot, work []plan.WorkItem) {
	fmt.Fprintln(w, titleStyle.Render("Fetch plan"))
	fmt.Fprintln(w, row("Tags", len(snap.Tags)))
	fmt.Fprintln(w, row("Sources", len(snap.Sources)))
	fmt.Fprintln(w, row("Source URLs", fmt.Sprintf("%d x%d", len(snap.SourceURLs), snap.SourceURLsRepeat)))
	fmt.Fprintln(w, row("Local timelines", len(snap.LocalTimelines)))
	fmt.Fprintln(w, row("Loop time", snap.LoopDuration()))
	fmt.Fprintln(w, row("Work items", len(work)))
	if len(work) > 0 {
		fmt.Fprintln(w, row("Share per item", (snap.LoopDuration()/time.Duration(len(work))).Round(time.Second)))
	} else {
		fmt.Fprintln(w, warnStyle.Render("nothing to fetch: no tags, sources or source URLs configured"))
	}

	threshold, _ := snap.ManyTagsThreshold()
	f, warnings := filter.New(snap.Ignore, threshold)
	if rules := f.Rules(); len(rules) > 0 || threshold > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, titleStyle.Render("Ignore rules"))
		if threshold > 0 {
			fmt.Fprintln(w, row("More tags than", threshold))
		}
		for _, r := range rules {
			fmt.Fprintln(w, row(ruleKind(r), r.String()))
		}
	}
	for _, warn := range warnings {
		fmt.Fprintln(w, warnStyle.Render("warning: "+warn.Error()))
	}

	if len(work) == 0 {
		return
	}
	fmt.Fprintln(w)
	for i, item := range work {
		fmt.Fprintf(w, "%4d  %-40s %s\n", i+1, item.String(), dimStyle.Render(item.URL))
	}
}

func ruleKind(r filter.Rule) string {
	switch r.(type) {
	case filter.TagRule:
		return "Tag"
	case filter.UserRule:
		return "Account"
	default:
		return "Content"
	}
}
