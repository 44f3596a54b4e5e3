package main

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/abelbrown/taghelper/internal/config"
	"github.com/abelbrown/taghelper/internal/store"
)

var flagStatsTop int

var statsCmd = &cobra.Command{
	Use:   "stats [config files...]",
	Short: "Show seen-store statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, snap, err := loadConfig(args)
		if err != nil {
			return err
		}

		path := snap.Resolve(snap.SeenFile)
		p, err := store.Open(path)
		if err != nil {
			return fmt.Errorf("opening seen store: %w", err)
		}
		seen := store.NewSeen(p)
		defer seen.Close()

		corrupt := false
		if err := seen.Load(cmd.Context()); err != nil {
			if !errors.Is(err, store.ErrCorrupt) {
				return err
			}
			corrupt = true
		}

		st := summarizeSeen(seen.Entries(), time.Now(), snap.SeenMaxAge(), flagStatsTop)
		renderStats(cmd.OutOrStdout(), path, snap, st, corrupt)
		return nil
	},
}

func init() {
	statsCmd.Flags().IntVar(&flagStatsTop, "top", 10, "number of origin hosts to list")
}

type hostCount struct {
	Host  string
	Count int
}

type seenStats struct {
	Total  int
	Oldest time.Time
	Newest time.Time
	Stale  int // would be expired at the start of the next pass
	Hosts  []hostCount
}

// summarizeSeen computes store statistics. Hosts are sorted by count, then
// name, and cut to top.
func summarizeSeen(entries map[string]time.Time, now time.Time, maxAge time.Duration, top int) seenStats {
	st := seenStats{Total: len(entries)}
	cutoff := now.Add(-maxAge)
	hosts := map[string]int{}

	for id, ts := range entries {
		if st.Oldest.IsZero() || ts.Before(st.Oldest) {
			st.Oldest = ts
		}
		if ts.After(st.Newest) {
			st.Newest = ts
		}
		if ts.Before(cutoff) {
			st.Stale++
		}
		hosts[hostOf(id)]++
	}

	for h, n := range hosts {
		st.Hosts = append(st.Hosts, hostCount{Host: h, Count: n})
	}
	sort.Slice(st.Hosts, func(i, j int) bool {
		if st.Hosts[i].Count != st.Hosts[j].Count {
			return st.Hosts[i].Count > st.Hosts[j].Count
		}
		return st.Hosts[i].Host < st.Hosts[j].Host
	})
	if top >= 0 && len(st.Hosts) > top {
		st.Hosts = st.Hosts[:top]
	}
	return st
}

// hostOf returns the host of an identity URI, or "?" if it has none.
func hostOf(id string) string {
	u, err := url.Parse(id)
	if err != nil || u.Host == "" {
		return "?"
	}
	return u.Host
}

func renderStats(w io.Writer, path string, snap config.Snapshot, st seenStats, corrupt bool) {
	fmt.Fprintln(w, titleStyle.Render("Seen store"))
	fmt.Fprintln(w, row("Path", path))
	if corrupt {
		fmt.Fprintln(w, warnStyle.Render("store was corrupt; a copy was saved as "+path+".broken"))
	}
	fmt.Fprintln(w, row("Identities", st.Total))
	fmt.Fprintln(w, row("Retention", snap.SeenMaxAge()))
	if st.Total == 0 {
		return
	}
	fmt.Fprintln(w, row("Oldest", st.Oldest.Format(time.DateTime)))
	fmt.Fprintln(w, row("Newest", st.Newest.Format(time.DateTime)))
	fmt.Fprintln(w, row("Stale", st.Stale))

	if len(st.Hosts) == 0 {
		return
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("Origins (top %d)", len(st.Hosts))))
	for _, h := range st.Hosts {
		fmt.Fprintf(w, "  %-35s %d\n", h.Host, h.Count)
	}
}
