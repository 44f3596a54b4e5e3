package otel

// Goroutine safety:
// The drain goroutine is the sole reader of l.ch and the sole writer to l.w.
// Logger.mu protects only the l.console pointer (read by Emit, written by
// SetConsole). The console logger serialises its own writes.

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
)

const (
	// writerChanSize is the capacity of the async write channel.
	// At ~200 bytes/event, 4096 events buffers ~800KB.
	writerChanSize = 4096
)

// Logger serializes events as JSONL via an async background writer.
// Goroutine-safe. All emitted events flow through a buffered channel
// to a drain goroutine that writes to the event log.
type Logger struct {
	mu        sync.Mutex
	console   *log.Logger   // nil until SetConsole
	sessionID string        // random hex, set once at creation
	ch        chan []byte   // buffered channel for async writes
	w         io.Writer     // destination (event log file)
	dropped   atomic.Uint64 // events dropped due to full channel, encode failure, or write error
	closed    atomic.Bool   // true after Close(); prevents send-on-closed-channel panic
	done      chan struct{} // closed when drain goroutine exits
	closeOnce sync.Once
}

// NewLogger creates a Logger writing JSONL to w asynchronously.
// Starts a background drain goroutine. Call Close() to flush and stop.
func NewLogger(w io.Writer) *Logger {
	var sid [8]byte
	_, _ = rand.Read(sid[:])

	l := &Logger{
		sessionID: fmt.Sprintf("%x", sid[:]),
		ch:        make(chan []byte, writerChanSize),
		w:         w,
		done:      make(chan struct{}),
	}
	go l.drain()
	return l
}

// NewNullLogger creates a Logger that discards output.
// Callers should still call Close() to stop the drain goroutine.
func NewNullLogger() *Logger {
	return NewLogger(io.Discard)
}

// drain is the background goroutine that reads from ch and writes to disk.
func (l *Logger) drain() {
	defer close(l.done)
	for data := range l.ch {
		if _, err := l.w.Write(data); err != nil {
			l.dropped.Add(1)
		}
	}
}

// SetConsole attaches a console logger that mirrors every event at its level.
func (l *Logger) SetConsole(c *log.Logger) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.console = c
}

// Emit writes an event to the JSONL log (and the console if attached).
// Sets Time (if zero) and SessionID. Goroutine-safe. Non-blocking: if the
// channel is full or the logger is closed, the event is dropped and the
// drop counter is incremented.
//
// Safe to call concurrently with Close(). If Close() races between the
// closed-flag check and the channel send, the resulting panic is recovered
// and the event is counted as dropped.
func (l *Logger) Emit(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	l.mirror(e)
	l.write(e)
}

// Trace records a per-item debug event. It always reaches a verbose console
// but is only written to the event log when TraceEnabled.
func (l *Logger) Trace(e Event) {
	e.Level = LevelDebug
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	l.mirror(e)
	if TraceEnabled() {
		l.write(e)
	}
}

func (l *Logger) write(e Event) {
	defer func() {
		if recover() != nil {
			l.dropped.Add(1)
		}
	}()

	if l.closed.Load() {
		l.dropped.Add(1)
		return
	}

	e.SessionID = l.sessionID

	data, err := json.Marshal(e)
	if err != nil {
		l.dropped.Add(1)
		return
	}
	data = append(data, '\n')

	select {
	case l.ch <- data:
	default:
		l.dropped.Add(1)
	}
}

// mirror prints e on the console logger, if any.
func (l *Logger) mirror(e Event) {
	l.mu.Lock()
	c := l.console
	l.mu.Unlock()
	if c == nil {
		return
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Kind)
	}
	kv := []any{"kind", string(e.Kind)}
	if e.Source != "" {
		kv = append(kv, "src", e.Source)
	}
	if e.Identity != "" {
		kv = append(kv, "uri", e.Identity)
	}
	if e.Count != 0 {
		kv = append(kv, "count", e.Count)
	}
	if e.Dur > 0 {
		kv = append(kv, "dur", e.Dur.Round(time.Millisecond))
	}
	if e.Err != "" {
		kv = append(kv, "err", e.Err)
	}
	c.Log(consoleLevel(e.Level), msg, kv...)
}

func consoleLevel(lv Level) log.Level {
	switch lv {
	case LevelDebug:
		return log.DebugLevel
	case LevelWarn:
		return log.WarnLevel
	case LevelError:
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}

// Info emits an info-level event.
func (l *Logger) Info(kind EventKind, comp string, msg string) {
	l.Emit(Event{Level: LevelInfo, Kind: kind, Comp: comp, Msg: msg})
}

// Error emits an error-level event. Nil err is safe (logged as empty string).
func (l *Logger) Error(kind EventKind, comp string, err error) {
	errStr := ""
	if err != nil {
		errStr = err.Error()
	}
	l.Emit(Event{Level: LevelError, Kind: kind, Comp: comp, Err: errStr})
}

// Warn emits a warn-level event.
func (l *Logger) Warn(kind EventKind, comp string, msg string) {
	l.Emit(Event{Level: LevelWarn, Kind: kind, Comp: comp, Msg: msg})
}

// Dropped returns the number of events dropped since creation.
func (l *Logger) Dropped() uint64 {
	return l.dropped.Load()
}

// Close flushes pending events, stops the drain goroutine, and reports
// any dropped events to stderr. Safe to call from goroutines that may
// still be calling Emit() — those calls will be dropped, not panicked.
func (l *Logger) Close() {
	l.closeOnce.Do(func() {
		l.closed.Store(true)
		close(l.ch)
		<-l.done

		if d := l.dropped.Load(); d > 0 {
			fmt.Fprintf(os.Stderr, "taghelper: %d events dropped during session %s\n", d, l.sessionID)
		}
	})
}
