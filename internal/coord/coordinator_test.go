package coord

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/abelbrown/taghelper/internal/config"
	"github.com/abelbrown/taghelper/internal/model"
	"github.com/abelbrown/taghelper/internal/otel"
	"github.com/abelbrown/taghelper/internal/plan"
	"github.com/abelbrown/taghelper/internal/store"
)

// mockConfig returns a fixed snapshot or error on every Load.
type mockConfig struct {
	snap config.Snapshot
	err  error
}

func (m *mockConfig) Load() (config.Snapshot, error) {
	return m.snap, m.err
}

// mockFetcher serves canned items per URL.
type mockFetcher struct {
	mu      sync.Mutex
	items   map[string][]model.Item
	fetched []string
	onFetch func(url string)
}

func (m *mockFetcher) Fetch(ctx context.Context, url string) []model.Item {
	m.mu.Lock()
	m.fetched = append(m.fetched, url)
	items := m.items[url]
	hook := m.onFetch
	m.mu.Unlock()
	if hook != nil {
		hook(url)
	}
	return items
}

func (m *mockFetcher) getFetched() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.fetched...)
}

// mockPromoter records calls and fails identities listed in errs.
type mockPromoter struct {
	mu    sync.Mutex
	calls []string
	errs  map[string]error
}

func (m *mockPromoter) Promote(ctx context.Context, uri string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, uri)
	return m.errs[uri]
}

func (m *mockPromoter) count(uri string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c == uri {
			n++
		}
	}
	return n
}

// mockAnnouncer records texts and whether their context was still live.
type mockAnnouncer struct {
	mu      sync.Mutex
	texts   []string
	liveCtx []bool
	err     error
}

func (m *mockAnnouncer) Announce(ctx context.Context, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.texts = append(m.texts, text)
	m.liveCtx = append(m.liveCtx, ctx.Err() == nil)
	return m.err
}

// mockPersister counts saves and can be told to fail them.
type mockPersister struct {
	mu      sync.Mutex
	saved   map[string]int64
	saves   int
	saveErr error
	loadErr error
}

func (m *mockPersister) Load(ctx context.Context) (map[string]int64, error) {
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	return map[string]int64{}, nil
}

func (m *mockPersister) Save(ctx context.Context, seen map[string]int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saves++
	m.saved = seen
	return nil
}

func (m *mockPersister) Close() error { return nil }

// fakeClock advances only when slept on.
type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	slept   []time.Duration
	onSleep func(d time.Duration)
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.slept = append(c.slept, d)
	c.now = c.now.Add(d)
	hook := c.onSleep
	c.mu.Unlock()
	if hook != nil {
		hook(d)
	}
	return ctx.Err()
}

func (c *fakeClock) sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.slept...)
}

func testSnapshot() config.Snapshot {
	s := config.Defaults()
	s.Tags = []string{"foss"}
	s.Sources = []string{"a.example", "b.example"}
	s.LoopTime = 100
	s.PromoteBackoff = 60
	return s
}

func urlFor(server string) string {
	return plan.TimelineURL(server, "foss", 10)
}

func post(id string, tags ...string) model.Item {
	return model.Item{Identity: "https://origin.example/statuses/" + id, Tags: tags, Content: "<p>post " + id + "</p>"}
}

type harness struct {
	cfg       *mockConfig
	fetcher   *mockFetcher
	promoter  *mockPromoter
	announcer *mockAnnouncer
	persister *mockPersister
	seen      *store.Seen
	clock     *fakeClock
}

func newHarness(snap config.Snapshot) *harness {
	p := &mockPersister{}
	return &harness{
		cfg:       &mockConfig{snap: snap},
		fetcher:   &mockFetcher{items: map[string][]model.Item{}},
		promoter:  &mockPromoter{errs: map[string]error{}},
		announcer: &mockAnnouncer{},
		persister: p,
		seen:      store.NewSeen(p),
		clock:     newFakeClock(),
	}
}

func (h *harness) coordinator(t *testing.T, opts Options) *Coordinator {
	t.Helper()
	opts.Rand = rand.New(rand.NewSource(1))
	opts.Now = h.clock.Now
	opts.Sleep = h.clock.Sleep
	c, err := New(h.cfg, h.cfg.snap, h.fetcher, h.promoter, h.announcer, h.seen, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestNewRequiresDependencies(t *testing.T) {
	h := newHarness(testSnapshot())
	tests := []struct {
		name string
		fn   func() error
	}{
		{"config", func() error {
			_, err := New(nil, h.cfg.snap, h.fetcher, h.promoter, nil, h.seen, Options{})
			return err
		}},
		{"fetcher", func() error {
			_, err := New(h.cfg, h.cfg.snap, nil, h.promoter, nil, h.seen, Options{})
			return err
		}},
		{"promoter", func() error {
			_, err := New(h.cfg, h.cfg.snap, h.fetcher, nil, nil, h.seen, Options{})
			return err
		}},
		{"seen", func() error {
			_, err := New(h.cfg, h.cfg.snap, h.fetcher, h.promoter, nil, nil, Options{})
			return err
		}},
		{"announcer", func() error {
			_, err := New(h.cfg, h.cfg.snap, h.fetcher, h.promoter, nil, h.seen, Options{Announce: true})
			return err
		}},
	}
	for _, tc := range tests {
		if err := tc.fn(); !errors.Is(err, ErrNotConfigured) {
			t.Errorf("%s: err = %v, want ErrNotConfigured", tc.name, err)
		}
	}
}

func TestSinglePassPromotesOncePerIdentity(t *testing.T) {
	h := newHarness(testSnapshot())
	p1, p2 := post("1", "foss"), post("2", "foss")
	// Sources list newest first; b also carries p1.
	h.fetcher.items[urlFor("a.example")] = []model.Item{p2, p1}
	h.fetcher.items[urlFor("b.example")] = []model.Item{p1}

	c := h.coordinator(t, Options{Once: true, Announce: true})
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if c.State() != StateStopped {
		t.Errorf("State = %v, want stopped", c.State())
	}
	if len(h.fetcher.getFetched()) != 2 {
		t.Errorf("fetched %d sources, want 2", len(h.fetcher.getFetched()))
	}
	if h.promoter.count(p1.Identity) != 1 || h.promoter.count(p2.Identity) != 1 {
		t.Errorf("each identity should be promoted once, calls = %v", h.promoter.calls)
	}
	// Oldest first regardless of which source came first.
	if len(h.promoter.calls) != 2 || h.promoter.calls[0] != p1.Identity {
		t.Errorf("promote order = %v, want oldest first", h.promoter.calls)
	}

	want := []string{Greeting, "Discovered 2/2 posts in 1 tags, via 2 instances."}
	if fmt.Sprint(h.announcer.texts) != fmt.Sprint(want) {
		t.Errorf("announcements = %q, want %q", h.announcer.texts, want)
	}
	if h.persister.saves < 2 {
		t.Errorf("expected a save per source, got %d", h.persister.saves)
	}
	if len(h.persister.saved) != 2 {
		t.Errorf("persisted %d identities, want 2", len(h.persister.saved))
	}
}

func TestNoAnnounceOnlyLogs(t *testing.T) {
	h := newHarness(testSnapshot())
	h.fetcher.items[urlFor("a.example")] = []model.Item{post("1")}

	var buf bytes.Buffer
	logger := otel.NewLogger(&buf)
	c := h.coordinator(t, Options{Once: true, Logger: logger})
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	logger.Close()

	if len(h.announcer.texts) != 0 {
		t.Errorf("announcer called with announcing disabled: %v", h.announcer.texts)
	}
	if !strings.Contains(buf.String(), "Discovered 1/1 posts in 1 tags, via 2 instances.") {
		t.Errorf("summary not logged: %s", buf.String())
	}
}

func TestSeenPolicy(t *testing.T) {
	snap := testSnapshot()
	snap.Sources = []string{"a.example"}
	snap.Ignore = []string{"#nsfw"}
	h := newHarness(snap)

	known := post("known")
	ignored := post("ignored", "NSFW")
	transient := post("transient")
	broken := post("broken")
	fresh := post("fresh")
	h.fetcher.items[urlFor("a.example")] = []model.Item{fresh, broken, transient, ignored, known}
	h.promoter.errs[transient.Identity] = fmt.Errorf("resolve: %w", model.ErrTransient)
	h.promoter.errs[broken.Identity] = errors.New("boom")

	start := h.clock.Now()
	h.seen.Touch(known.Identity, start.Add(-time.Minute))

	var c *Coordinator
	var backoffStates []State
	h.clock.onSleep = func(d time.Duration) {
		if d == 60*time.Second {
			backoffStates = append(backoffStates, c.State())
		}
	}
	c = h.coordinator(t, Options{Once: true})

	stats, err := c.runPass(context.Background())
	if err != nil {
		t.Fatalf("runPass: %v", err)
	}

	if h.seen.IsNew(known.Identity) {
		t.Error("known item should stay seen")
	}
	if ts, _ := h.seen.LastSeen(known.Identity); !ts.After(start.Add(-time.Minute)) {
		t.Error("known item should have its timestamp refreshed")
	}
	if h.seen.IsNew(ignored.Identity) {
		t.Error("ignored item should be marked seen")
	}
	if h.promoter.count(ignored.Identity) != 0 {
		t.Error("ignored item must not be promoted")
	}
	if !h.seen.IsNew(transient.Identity) {
		t.Error("transient failure must leave the item unmarked")
	}
	if !h.seen.IsNew(broken.Identity) {
		t.Error("other failure must leave the item unmarked")
	}
	if h.seen.IsNew(fresh.Identity) {
		t.Error("promoted item should be marked seen")
	}

	if stats.Promoted != 1 || stats.Ignored != 1 || stats.Failed != 2 {
		t.Errorf("stats = %+v", stats)
	}
	if len(backoffStates) != 1 || backoffStates[0] != StateBackingOff {
		t.Errorf("backoff states = %v, want [backing-off]", backoffStates)
	}
	if c.State() == StateBackingOff {
		t.Error("state should return to running after backoff")
	}

	// The failed items are retried on the next pass; the others are not.
	if _, err := c.runPass(context.Background()); err != nil {
		t.Fatalf("second runPass: %v", err)
	}
	if h.promoter.count(transient.Identity) != 2 || h.promoter.count(broken.Identity) != 2 {
		t.Errorf("failed items should be retried, calls = %v", h.promoter.calls)
	}
	if h.promoter.count(fresh.Identity) != 1 {
		t.Errorf("promoted item retried, calls = %v", h.promoter.calls)
	}
}

func TestTransientFailureDoesNotBackOff(t *testing.T) {
	snap := testSnapshot()
	snap.Sources = []string{"a.example"}
	h := newHarness(snap)
	item := post("1")
	h.fetcher.items[urlFor("a.example")] = []model.Item{item}
	h.promoter.errs[item.Identity] = fmt.Errorf("%w: 503", model.ErrTransient)

	c := h.coordinator(t, Options{Once: true, NoPace: true})
	if _, err := c.runPass(context.Background()); err != nil {
		t.Fatalf("runPass: %v", err)
	}
	if len(h.clock.sleeps()) != 0 {
		t.Errorf("transient failure should not sleep, slept %v", h.clock.sleeps())
	}
}

func TestUnresolvedIsRetriedWithoutBackoff(t *testing.T) {
	snap := testSnapshot()
	snap.Sources = []string{"a.example"}
	h := newHarness(snap)
	item := post("gone")
	h.fetcher.items[urlFor("a.example")] = []model.Item{item}
	h.promoter.errs[item.Identity] = fmt.Errorf("resolve: %w", model.ErrUnresolved)

	var buf bytes.Buffer
	logger := otel.NewLogger(&buf)
	c := h.coordinator(t, Options{Once: true, NoPace: true, Logger: logger})
	stats, err := c.runPass(context.Background())
	logger.Close()
	if err != nil {
		t.Fatalf("runPass: %v", err)
	}

	if stats.Failed != 1 || stats.Promoted != 0 {
		t.Errorf("stats = %+v, want one failure", stats)
	}
	if len(h.clock.sleeps()) != 0 {
		t.Errorf("unresolved post should not back off, slept %v", h.clock.sleeps())
	}
	if !h.seen.IsNew(item.Identity) {
		t.Error("unresolved post should stay unmarked")
	}
	if !strings.Contains(buf.String(), `"kind":"promote.unresolved"`) {
		t.Errorf("unresolved event not logged: %s", buf.String())
	}
}

func TestExpireAtPassStart(t *testing.T) {
	h := newHarness(testSnapshot())
	now := h.clock.Now()
	h.seen.Touch("old", now.Add(-201*time.Second))
	h.seen.Touch("recent", now.Add(-199*time.Second))

	c := h.coordinator(t, Options{Once: true, NoPace: true})
	if _, err := c.runPass(context.Background()); err != nil {
		t.Fatalf("runPass: %v", err)
	}
	if !h.seen.IsNew("old") {
		t.Error("entry older than 2x looptime should be expired")
	}
	if h.seen.IsNew("recent") {
		t.Error("entry within 2x looptime should survive")
	}
}

func TestExpireAtPassStartSubSecond(t *testing.T) {
	h := newHarness(testSnapshot())
	h.clock.now = h.clock.now.Add(500 * time.Millisecond)
	now := h.clock.Now()
	// Stored as whole seconds: exactly 2x looptime old at the second, 200.5s
	// old at the pass start.
	h.seen.Touch("edge", now.Truncate(time.Second).Add(-200*time.Second))

	c := h.coordinator(t, Options{Once: true, NoPace: true})
	if _, err := c.runPass(context.Background()); err != nil {
		t.Fatalf("runPass: %v", err)
	}
	if !h.seen.IsNew("edge") {
		t.Error("entry older than 2x looptime by a fraction of a second should be expired")
	}
}

func TestPacingSpreadsSources(t *testing.T) {
	h := newHarness(testSnapshot())
	c := h.coordinator(t, Options{Once: true})
	if _, err := c.runPass(context.Background()); err != nil {
		t.Fatalf("runPass: %v", err)
	}

	sleeps := h.clock.sleeps()
	if len(sleeps) != 2 {
		t.Fatalf("sleeps = %v, want 2", sleeps)
	}
	var total time.Duration
	for _, d := range sleeps {
		total += d
	}
	if sleeps[0] != 50*time.Second || total != 100*time.Second {
		t.Errorf("sleeps = %v, want 50s each", sleeps)
	}

	h2 := newHarness(testSnapshot())
	c2 := h2.coordinator(t, Options{Once: true, NoPace: true})
	if _, err := c2.runPass(context.Background()); err != nil {
		t.Fatalf("runPass: %v", err)
	}
	if len(h2.clock.sleeps()) != 0 {
		t.Errorf("unpaced pass slept %v", h2.clock.sleeps())
	}
}

func TestEmptyPlanWaitsOutPass(t *testing.T) {
	snap := testSnapshot()
	snap.Tags = nil
	snap.Sources = nil
	h := newHarness(snap)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.clock.onSleep = func(time.Duration) { cancel() }

	c := h.coordinator(t, Options{NoPace: true})
	if err := c.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	sleeps := h.clock.sleeps()
	if len(sleeps) != 1 || sleeps[0] != 100*time.Second {
		t.Errorf("sleeps = %v, want one 100s wait", sleeps)
	}
	if len(h.fetcher.getFetched()) != 0 {
		t.Error("nothing should be fetched")
	}
}

func TestInterruptFlushesAndSummarizes(t *testing.T) {
	h := newHarness(testSnapshot())
	item := post("1")
	h.fetcher.items[urlFor("a.example")] = []model.Item{item}
	h.fetcher.items[urlFor("b.example")] = []model.Item{item}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.fetcher.onFetch = func(string) { cancel() }

	c := h.coordinator(t, Options{Announce: true})
	if err := c.Run(ctx); err != nil {
		t.Fatalf("Run should return nil on interruption, got %v", err)
	}

	if c.State() != StateStopped {
		t.Errorf("State = %v, want stopped", c.State())
	}
	if got := len(h.fetcher.getFetched()); got != 1 {
		t.Errorf("fetched %d sources after interrupt, want 1", got)
	}
	if h.persister.saves == 0 {
		t.Error("store not flushed on interruption")
	}
	if len(h.announcer.texts) != 2 || !strings.HasPrefix(h.announcer.texts[1], "Discovered 0/0 posts") {
		t.Errorf("announcements = %q", h.announcer.texts)
	}
	if !h.announcer.liveCtx[1] {
		t.Error("summary announce should run on a live context")
	}
}

func TestCancelledBeforeStart(t *testing.T) {
	h := newHarness(testSnapshot())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := h.coordinator(t, Options{})
	if err := c.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(h.fetcher.getFetched()) != 0 {
		t.Error("no fetch expected after cancellation")
	}
	if h.persister.saves != 1 {
		t.Errorf("saves = %d, want one final flush", h.persister.saves)
	}
}

func TestSaveFailureAbortsRun(t *testing.T) {
	h := newHarness(testSnapshot())
	h.persister.saveErr = errors.New("disk full")

	c := h.coordinator(t, Options{})
	err := c.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("Run error = %v, want save failure", err)
	}
	if c.State() != StateStopped {
		t.Errorf("State = %v, want stopped", c.State())
	}
}

func TestLoadFailureAbortsRun(t *testing.T) {
	h := newHarness(testSnapshot())
	h.persister.loadErr = errors.New("permission denied")

	c := h.coordinator(t, Options{Once: true})
	if err := c.Run(context.Background()); err == nil {
		t.Fatal("expected load error")
	}
	if len(h.fetcher.getFetched()) != 0 {
		t.Error("no fetch expected when the store cannot be loaded")
	}
}

func TestCorruptStoreStartsEmpty(t *testing.T) {
	h := newHarness(testSnapshot())
	h.persister.loadErr = fmt.Errorf("%w: bad json", store.ErrCorrupt)

	c := h.coordinator(t, Options{Once: true, NoPace: true})
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(h.fetcher.getFetched()) != 2 {
		t.Error("run should continue after a corrupt store")
	}
}

func TestReloadFailureKeepsPreviousSnapshot(t *testing.T) {
	h := newHarness(testSnapshot())
	h.cfg.err = errors.New("parse config: unexpected EOF")

	var buf bytes.Buffer
	logger := otel.NewLogger(&buf)
	c := h.coordinator(t, Options{Once: true, NoPace: true, Logger: logger})
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	logger.Close()

	if len(h.fetcher.getFetched()) != 2 {
		t.Errorf("previous snapshot not used, fetched %v", h.fetcher.getFetched())
	}
	if !strings.Contains(buf.String(), `"kind":"config.error"`) {
		t.Error("reload failure should be reported")
	}
}

func TestReloadPicksUpNewSettings(t *testing.T) {
	h := newHarness(testSnapshot())
	c := h.coordinator(t, Options{Once: true, NoPace: true})

	next := testSnapshot()
	next.Sources = []string{"c.example"}
	h.cfg.snap = next

	if _, err := c.runPass(context.Background()); err != nil {
		t.Fatalf("runPass: %v", err)
	}
	fetched := h.fetcher.getFetched()
	if len(fetched) != 1 || fetched[0] != urlFor("c.example") {
		t.Errorf("fetched %v, want the reloaded source", fetched)
	}
}

func TestAnnounceFailureIsSwallowed(t *testing.T) {
	h := newHarness(testSnapshot())
	h.announcer.err = errors.New("422")

	c := h.coordinator(t, Options{Once: true, NoPace: true, Announce: true})
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(h.announcer.texts) != 2 {
		t.Errorf("announcements attempted = %d, want 2", len(h.announcer.texts))
	}
}

func TestSummary(t *testing.T) {
	got := Summary(3, 120, 2, 4)
	if got != "Discovered 3/120 posts in 2 tags, via 4 instances." {
		t.Errorf("Summary = %q", got)
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{
		StateStarting:   "starting",
		StateRunning:    "running",
		StateBackingOff: "backing-off",
		StateStopping:   "stopping",
		StateStopped:    "stopped",
	} {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", s, s.String(), want)
		}
	}
}
