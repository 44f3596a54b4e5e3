package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	flagEventsTail   int
	flagEventsFollow bool
	flagEventsKind   string
	flagEventsLevel  string
	flagEventsComp   string
	flagEventsIter   int
	flagEventsJSON   bool
)

var eventsCmd = &cobra.Command{
	Use:   "events [config files...]",
	Short: "Show the JSONL event log",
	RunE:  runEvents,
}

func init() {
	f := eventsCmd.Flags()
	f.IntVar(&flagEventsTail, "tail", 50, "number of recent lines to show")
	f.BoolVarP(&flagEventsFollow, "follow", "f", false, "follow mode (like tail -f)")
	f.StringVar(&flagEventsKind, "kind", "", "filter by event kind prefix (e.g. 'promote')")
	f.StringVar(&flagEventsLevel, "level", "", "minimum level: debug, info, warn, error")
	f.StringVar(&flagEventsComp, "comp", "", "filter by component name")
	f.IntVar(&flagEventsIter, "iter", 0, "filter by pass number")
	f.BoolVar(&flagEventsJSON, "json", false, "output raw JSON lines")
}

// eventRecord mirrors otel.Event for JSON decoding.
// We decode from JSONL rather than importing otel to keep this
// subcommand usable even if the event schema evolves.
type eventRecord struct {
	Time      time.Time      `json:"t"`
	Level     string         `json:"level"`
	Kind      string         `json:"kind"`
	Comp      string         `json:"comp"`
	SessionID string         `json:"session_id"`
	Iteration int            `json:"iter"`
	DurMs     float64        `json:"dur_ms"`
	Count     int            `json:"count"`
	Source    string         `json:"source"`
	Identity  string         `json:"identity"`
	Err       string         `json:"err"`
	Msg       string         `json:"msg"`
	Extra     map[string]any `json:"extra"`
}

// levelRank returns a numeric rank for filtering (higher = more severe).
func levelRank(level string) int {
	switch level {
	case "debug":
		return 0
	case "info":
		return 1
	case "warn":
		return 2
	case "error":
		return 3
	default:
		return 0
	}
}

// eventFilter holds the selection flags.
type eventFilter struct {
	kind  string
	level string
	comp  string
	iter  int
}

func (f eventFilter) match(ev eventRecord) bool {
	if f.kind != "" && !strings.HasPrefix(ev.Kind, f.kind) {
		return false
	}
	if f.level != "" && levelRank(ev.Level) < levelRank(f.level) {
		return false
	}
	if f.comp != "" && ev.Comp != f.comp {
		return false
	}
	if f.iter != 0 && ev.Iteration != f.iter {
		return false
	}
	return true
}

func formatEvent(ev eventRecord, raw []byte, rawJSON bool) string {
	if rawJSON {
		return string(raw)
	}
	ts := ev.Time.Format("15:04:05.000")
	lvl := strings.ToUpper(ev.Level)
	if lvl == "" {
		lvl = "?"
	}

	parts := []string{fmt.Sprintf("%s %-5s [%-6s] %-18s", ts, lvl, ev.Comp, ev.Kind)}

	if ev.Iteration > 0 {
		parts = append(parts, fmt.Sprintf("#%d", ev.Iteration))
	}
	if ev.Msg != "" {
		parts = append(parts, "- "+ev.Msg)
	}
	if ev.DurMs > 0 {
		parts = append(parts, fmt.Sprintf("(%.*fms)", durPrecision(ev.DurMs), ev.DurMs))
	}
	if ev.Count > 0 {
		parts = append(parts, fmt.Sprintf("n=%d", ev.Count))
	}
	if ev.Source != "" {
		parts = append(parts, "src="+ev.Source)
	}
	if ev.Identity != "" {
		parts = append(parts, "uri="+ev.Identity)
	}
	if ev.Err != "" {
		parts = append(parts, "err="+ev.Err)
	}

	return strings.Join(parts, " ")
}

func runEvents(cmd *cobra.Command, args []string) error {
	_, snap, err := loadConfig(args)
	if err != nil {
		return err
	}
	logPath := snap.Resolve(snap.EventLog)

	f, err := os.Open(logPath)
	if err != nil {
		return fmt.Errorf("event log not found at %s (run taghelper first to generate events): %w", logPath, err)
	}
	defer f.Close()

	filter := eventFilter{
		kind:  flagEventsKind,
		level: flagEventsLevel,
		comp:  flagEventsComp,
		iter:  flagEventsIter,
	}
	out := cmd.OutOrStdout()

	// Print the last N matching lines
	for _, l := range readTailLines(f, flagEventsTail, filter.match) {
		fmt.Fprintln(out, formatEvent(l.ev, l.raw, flagEventsJSON))
	}
	if !flagEventsFollow {
		return nil
	}

	// Follow mode: poll for new lines until interrupted
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()
	return followLines(ctx, f, out, filter.match)
}

// followLines prints matching lines appended to f until ctx is done.
func followLines(ctx context.Context, f io.Reader, out io.Writer, match func(eventRecord) bool) error {
	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err != io.EOF {
				return err
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}
		line = trimLine(line)
		if len(line) == 0 {
			continue
		}
		var ev eventRecord
		if json.Unmarshal(line, &ev) != nil {
			continue
		}
		if match(ev) {
			fmt.Fprintln(out, formatEvent(ev, line, flagEventsJSON))
		}
	}
}

type parsedLine struct {
	ev  eventRecord
	raw []byte
}

// readTailLines reads the file and returns the last n lines matching the filter.
func readTailLines(r io.Reader, n int, match func(eventRecord) bool) []parsedLine {
	scanner := bufio.NewScanner(r)
	// Allow large lines (some events may have big Extra maps)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)

	var ring []parsedLine
	if n > 0 {
		ring = make([]parsedLine, 0, n)
	}

	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var ev eventRecord
		if json.Unmarshal(raw, &ev) != nil {
			continue
		}
		if !match(ev) || n <= 0 {
			continue
		}
		// Make a copy of raw since scanner reuses the buffer
		rawCopy := make([]byte, len(raw))
		copy(rawCopy, raw)

		if len(ring) < n {
			ring = append(ring, parsedLine{ev: ev, raw: rawCopy})
		} else {
			// Shift left
			copy(ring, ring[1:])
			ring[n-1] = parsedLine{ev: ev, raw: rawCopy}
		}
	}

	return ring
}

func trimLine(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}

func durPrecision(ms float64) int {
	if ms >= 100 {
		return 0
	}
	if ms >= 1 {
		return 1
	}
	return 2
}
