package otel

import (
	"os"
	"sync/atomic"
)

// traceEnabled is set once at package init. Atomic for safe concurrent access
// (production reads in the loop goroutine, test writes via setTraceEnabled).
var traceEnabled atomic.Bool

func init() {
	traceEnabled.Store(os.Getenv("TAGHELPER_TRACE") != "")
}

// TraceEnabled reports whether TAGHELPER_TRACE is set. When it is, per-item
// events are written to the event log even if the console is not verbose.
func TraceEnabled() bool {
	return traceEnabled.Load()
}

// setTraceEnabled overrides the traceEnabled flag for testing.
// Not exported: test-only helper.
func setTraceEnabled(v bool) {
	traceEnabled.Store(v)
}
