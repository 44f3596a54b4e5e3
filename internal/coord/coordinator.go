// Package coord runs the discovery loop.
//
// Each pass reloads the settings, plans and shuffles the fetch work, expires
// old seen entries, then works through the plan one source at a time: fetch,
// walk the posts oldest-first, promote the ones that are new and not
// ignored, save the seen store, and wait out the source's share of the pass.
// Everything runs on the caller's goroutine. Context cancellation is the only
// stop mechanism; the seen store is always flushed before Run returns.
package coord

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/abelbrown/taghelper/internal/config"
	"github.com/abelbrown/taghelper/internal/filter"
	"github.com/abelbrown/taghelper/internal/model"
	"github.com/abelbrown/taghelper/internal/otel"
	"github.com/abelbrown/taghelper/internal/pace"
	"github.com/abelbrown/taghelper/internal/plan"
	"github.com/abelbrown/taghelper/internal/store"
)

// Greeting is announced once at startup.
const Greeting = "Good morning, Fediverse!"

// defaultAnnounceTimeout bounds the summary announce made while stopping.
const defaultAnnounceTimeout = 10 * time.Second

// ErrNotConfigured is returned by New when a required dependency is missing.
var ErrNotConfigured = errors.New("coordinator not configured")

// ConfigSource produces a fresh settings snapshot.
type ConfigSource interface {
	Load() (config.Snapshot, error)
}

// Fetcher retrieves the posts at a URL. It never fails; problems yield an
// empty result.
type Fetcher interface {
	Fetch(ctx context.Context, url string) []model.Item
}

// Promoter makes a remote post known to the local instance. Errors wrapping
// model.ErrTransient signal temporary unavailability.
type Promoter interface {
	Promote(ctx context.Context, uri string) error
}

// Announcer posts a status.
type Announcer interface {
	Announce(ctx context.Context, text string) error
}

// SeenStore is the dedup store. *store.Seen implements it.
type SeenStore interface {
	IsNew(id string) bool
	Touch(id string, now time.Time)
	Expire(now time.Time, maxAge time.Duration) int
	Len() int
	Load(ctx context.Context) error
	Save(ctx context.Context) error
}

// State is the lifecycle state of a Coordinator.
type State int32

const (
	StateStarting State = iota
	StateRunning
	StateBackingOff
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateBackingOff:
		return "backing-off"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Options tune a Coordinator. The zero value runs continuously, paces, and
// only logs announcements.
type Options struct {
	Once     bool // stop after one pass
	Announce bool // post greeting and summaries through the Announcer
	NoPace   bool // do not wait between sources

	Logger *otel.Logger

	// Injected for tests. Nil means math/rand seeded from the clock,
	// time.Now and pace.Sleep.
	Rand  *rand.Rand
	Now   func() time.Time
	Sleep pace.SleepFunc

	AnnounceTimeout time.Duration
}

// Stats describes one pass.
type Stats struct {
	Iteration int
	Sources   int // work items processed
	Fetched   int
	Promoted  int
	Ignored   int
	Failed    int
}

// Coordinator owns the discovery loop.
type Coordinator struct {
	configs   ConfigSource
	fetcher   Fetcher
	promoter  Promoter
	announcer Announcer
	seen      SeenStore
	opts      Options

	logger *otel.Logger
	rng    *rand.Rand
	now    func() time.Time
	sleep  pace.SleepFunc
	pacer  *pace.Pacer

	state  atomic.Int32
	cfg    config.Snapshot // current snapshot, replaced on every successful reload
	filter *filter.Filter
	iter   int
}

// New creates a Coordinator. initial is used until the first successful
// reload. announcer may be nil when opts.Announce is false.
func New(configs ConfigSource, initial config.Snapshot, f Fetcher, p Promoter, a Announcer, seen SeenStore, opts Options) (*Coordinator, error) {
	switch {
	case configs == nil:
		return nil, fmt.Errorf("%w: no config source", ErrNotConfigured)
	case f == nil:
		return nil, fmt.Errorf("%w: no fetcher", ErrNotConfigured)
	case p == nil:
		return nil, fmt.Errorf("%w: no promoter", ErrNotConfigured)
	case seen == nil:
		return nil, fmt.Errorf("%w: no seen store", ErrNotConfigured)
	case opts.Announce && a == nil:
		return nil, fmt.Errorf("%w: announcing enabled without an announcer", ErrNotConfigured)
	}

	c := &Coordinator{
		configs:   configs,
		fetcher:   f,
		promoter:  p,
		announcer: a,
		seen:      seen,
		opts:      opts,
		logger:    opts.Logger,
		rng:       opts.Rand,
		now:       opts.Now,
		sleep:     opts.Sleep,
	}
	if c.logger == nil {
		c.logger = otel.NewNullLogger()
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.sleep == nil {
		c.sleep = pace.Sleep
	}
	if c.rng == nil {
		c.rng = rand.New(rand.NewSource(c.now().UnixNano()))
	}
	if c.opts.AnnounceTimeout <= 0 {
		c.opts.AnnounceTimeout = defaultAnnounceTimeout
	}
	c.pacer = pace.New(!opts.NoPace).WithClock(c.now, c.sleep)
	c.apply(initial)
	return c, nil
}

// State returns the current lifecycle state.
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

func (c *Coordinator) setState(s State) {
	c.state.Store(int32(s))
}

// Run executes passes until ctx is cancelled, or once with Options.Once.
// It returns nil when stopped by cancellation and an error only when the
// seen store cannot be loaded or saved.
func (c *Coordinator) Run(ctx context.Context) error {
	c.setState(StateStarting)

	if err := c.seen.Load(ctx); err != nil {
		if !errors.Is(err, store.ErrCorrupt) {
			c.setState(StateStopped)
			c.logger.Error(otel.KindStoreError, "coord", err)
			return err
		}
		c.logger.Emit(otel.Event{Level: otel.LevelWarn, Kind: otel.KindStoreError, Comp: "coord",
			Msg: "seen store was corrupt, starting empty", Err: err.Error()})
	}
	c.logger.Emit(otel.Event{Level: otel.LevelInfo, Kind: otel.KindStartup, Comp: "coord",
		Count: c.seen.Len(), Msg: Greeting})
	c.announce(ctx, Greeting)

	c.setState(StateRunning)
	for {
		if ctx.Err() != nil {
			return c.stop(ctx, nil)
		}

		stats, err := c.runPass(ctx)
		if err != nil {
			c.stop(ctx, nil)
			return err
		}
		if ctx.Err() != nil {
			return c.stop(ctx, &stats)
		}

		c.summarize(ctx, stats)
		if c.opts.Once {
			return c.stop(ctx, nil)
		}
	}
}

// stop flushes the seen store on a context that outlives ctx and, when a
// pass was interrupted, makes a best-effort summary announcement.
func (c *Coordinator) stop(ctx context.Context, interrupted *Stats) error {
	c.setState(StateStopping)
	defer c.setState(StateStopped)

	detached := context.WithoutCancel(ctx)
	err := c.save(detached)

	if interrupted != nil {
		actx, cancel := context.WithTimeout(detached, c.opts.AnnounceTimeout)
		c.summarize(actx, *interrupted)
		cancel()
	}

	c.logger.Emit(otel.Event{Level: otel.LevelInfo, Kind: otel.KindShutdown, Comp: "coord",
		Count: c.seen.Len(), Msg: "stopped"})
	return err
}

// reload swaps in a fresh snapshot. On failure the previous one stays.
func (c *Coordinator) reload() {
	snap, err := c.configs.Load()
	if err != nil {
		c.logger.Emit(otel.Event{Level: otel.LevelWarn, Kind: otel.KindConfigError, Comp: "coord",
			Iteration: c.iter, Msg: "keeping previous settings", Err: err.Error()})
		return
	}
	c.apply(snap)
}

func (c *Coordinator) apply(snap config.Snapshot) {
	threshold, _ := snap.ManyTagsThreshold()
	f, warnings := filter.New(snap.Ignore, threshold)
	for _, w := range warnings {
		c.logger.Emit(otel.Event{Level: otel.LevelWarn, Kind: otel.KindConfigWarn, Comp: "filter",
			Iteration: c.iter, Msg: w.Error()})
	}
	c.cfg = snap
	c.filter = f
}

// runPass executes one pass. A non-nil error means the seen store could not
// be saved. Cancellation ends the pass early with a nil error.
func (c *Coordinator) runPass(ctx context.Context) (Stats, error) {
	c.iter++
	c.reload()
	cfg := c.cfg

	work := plan.Build(cfg)
	plan.Shuffle(work, c.rng)

	start := c.now()
	end := start.Add(cfg.LoopDuration())
	stats := Stats{Iteration: c.iter}

	if n := c.seen.Expire(start, cfg.SeenMaxAge()); n > 0 {
		c.logger.Emit(otel.Event{Level: otel.LevelDebug, Kind: otel.KindSeenExpire, Comp: "coord",
			Iteration: c.iter, Count: n})
	}
	c.logger.Emit(otel.Event{Level: otel.LevelInfo, Kind: otel.KindLoopStart, Comp: "coord",
		Iteration: c.iter, Count: len(work), Dur: cfg.LoopDuration()})

	if len(work) == 0 {
		c.logger.Emit(otel.Event{Level: otel.LevelWarn, Kind: otel.KindConfigWarn, Comp: "coord",
			Iteration: c.iter, Msg: "nothing to fetch: no tags, sources or source URLs configured"})
		// Wait out the pass, paced or not, so a continuous loop never spins.
		if !c.opts.Once {
			_ = c.sleep(ctx, end.Sub(c.now()))
		}
		return stats, nil
	}

	for i, w := range work {
		if ctx.Err() != nil {
			return stats, nil
		}
		deadline := pace.Deadline(c.now(), end, len(work)-i)

		c.logger.Emit(otel.Event{Level: otel.LevelDebug, Kind: otel.KindFetchStart, Comp: "coord",
			Iteration: c.iter, Source: w.String(), Msg: w.URL})
		fetchStart := c.now()
		items := c.fetcher.Fetch(ctx, w.URL)
		stats.Sources++
		stats.Fetched += len(items)
		c.logger.Emit(otel.Event{Level: otel.LevelInfo, Kind: otel.KindFetchComplete, Comp: "coord",
			Iteration: c.iter, Source: w.String(), Count: len(items), Dur: c.now().Sub(fetchStart)})

		for _, it := range model.OldestFirst(items) {
			if ctx.Err() != nil {
				break
			}
			c.process(ctx, w, it, &stats)
		}

		if err := c.save(context.WithoutCancel(ctx)); err != nil {
			return stats, err
		}
		if err := c.pacer.Wait(ctx, deadline); err != nil {
			return stats, nil
		}
	}
	return stats, nil
}

// process handles one observed post. A post is marked seen when it was
// already known, when it is ignored, and when it was promoted. A failed
// promote leaves it unmarked so it is retried when it reappears.
func (c *Coordinator) process(ctx context.Context, w plan.WorkItem, it model.Item, stats *Stats) {
	if !c.seen.IsNew(it.Identity) {
		c.seen.Touch(it.Identity, c.now())
		c.logger.Trace(otel.Event{Kind: otel.KindItemKnown, Comp: "coord", Iteration: c.iter,
			Source: w.String(), Identity: it.Identity})
		return
	}

	if ignore, reason := c.filter.ShouldIgnore(it); ignore {
		c.seen.Touch(it.Identity, c.now())
		stats.Ignored++
		c.logger.Trace(otel.Event{Kind: otel.KindItemIgnored, Comp: "coord", Iteration: c.iter,
			Source: w.String(), Identity: it.Identity, Msg: reason})
		return
	}

	err := c.promoter.Promote(ctx, it.Identity)
	switch {
	case err == nil:
		c.seen.Touch(it.Identity, c.now())
		stats.Promoted++
		c.logger.Emit(otel.Event{Level: otel.LevelInfo, Kind: otel.KindPromoteNew, Comp: "coord",
			Iteration: c.iter, Source: w.String(), Identity: it.Identity, Count: stats.Promoted,
			Msg: fmt.Sprintf("new/%d", stats.Promoted)})
	case ctx.Err() != nil:
		// Interrupted mid-call; the post will be seen again next run.
	case errors.Is(err, model.ErrUnresolved):
		// The instance is healthy; retry when the post reappears.
		stats.Failed++
		c.logger.Emit(otel.Event{Level: otel.LevelWarn, Kind: otel.KindPromoteUnresolved, Comp: "coord",
			Iteration: c.iter, Source: w.String(), Identity: it.Identity, Err: err.Error()})
	case model.IsTransient(err):
		stats.Failed++
		c.logger.Emit(otel.Event{Level: otel.LevelWarn, Kind: otel.KindPromoteTransient, Comp: "coord",
			Iteration: c.iter, Source: w.String(), Identity: it.Identity, Err: err.Error()})
	default:
		stats.Failed++
		c.logger.Emit(otel.Event{Level: otel.LevelError, Kind: otel.KindPromoteError, Comp: "coord",
			Iteration: c.iter, Source: w.String(), Identity: it.Identity, Err: err.Error()})
		c.backoff(ctx)
	}
}

// backoff pauses after an unclassified promote failure.
func (c *Coordinator) backoff(ctx context.Context) {
	d := c.cfg.BackoffDuration()
	if d <= 0 {
		return
	}
	c.setState(StateBackingOff)
	c.logger.Emit(otel.Event{Level: otel.LevelWarn, Kind: otel.KindBackoff, Comp: "coord",
		Iteration: c.iter, Dur: d, Msg: "pausing after promote failure"})
	_ = c.sleep(ctx, d)
	c.setState(StateRunning)
}

func (c *Coordinator) save(ctx context.Context) error {
	start := c.now()
	if err := c.seen.Save(ctx); err != nil {
		c.logger.Error(otel.KindStoreError, "coord", err)
		return err
	}
	c.logger.Emit(otel.Event{Level: otel.LevelDebug, Kind: otel.KindSeenSave, Comp: "coord",
		Iteration: c.iter, Count: c.seen.Len(), Dur: c.now().Sub(start)})
	return nil
}

// Summary renders the end-of-pass report.
func Summary(promoted, seen, tags, sources int) string {
	return fmt.Sprintf("Discovered %d/%d posts in %d tags, via %d instances.", promoted, seen, tags, sources)
}

func (c *Coordinator) summarize(ctx context.Context, stats Stats) {
	text := Summary(stats.Promoted, c.seen.Len(), len(c.cfg.Tags), len(c.cfg.Sources))
	c.logger.Emit(otel.Event{Level: otel.LevelInfo, Kind: otel.KindLoopSummary, Comp: "coord",
		Iteration: stats.Iteration, Count: stats.Promoted, Msg: text,
		Extra: map[string]any{
			"sources": stats.Sources, "fetched": stats.Fetched,
			"ignored": stats.Ignored, "failed": stats.Failed,
		}})
	c.announce(ctx, text)
}

// announce posts text when announcing is enabled. Failures are logged and
// otherwise ignored.
func (c *Coordinator) announce(ctx context.Context, text string) {
	if !c.opts.Announce || c.announcer == nil {
		return
	}
	if err := c.announcer.Announce(ctx, text); err != nil {
		c.logger.Emit(otel.Event{Level: otel.LevelWarn, Kind: otel.KindAnnounceError, Comp: "coord",
			Iteration: c.iter, Msg: text, Err: err.Error()})
		return
	}
	c.logger.Emit(otel.Event{Level: otel.LevelDebug, Kind: otel.KindAnnounce, Comp: "coord",
		Iteration: c.iter, Msg: text})
}
