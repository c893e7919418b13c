package attendance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/presence/internal/beacon"
	"github.com/banshee-data/presence/internal/monitoring"
	"github.com/banshee-data/presence/internal/presence"
	"github.com/banshee-data/presence/internal/timeutil"
)

var (
	siteUUID = uuid.MustParse("f7826da6-4fa2-4e98-8024-bc5b71e0893e")
	t0       = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
)

func init() {
	monitoring.SetLogger(nil)
}

func major(v uint16) *uint16 { return &v }

func testSites(t *testing.T) *beacon.SiteSet {
	t.Helper()
	sites, err := beacon.NewSiteSet(
		beacon.Site{ID: "HQ-A", UUID: siteUUID, Major: major(1)},
		beacon.Site{ID: "LAB", UUID: siteUUID, Major: major(2)},
	)
	require.NoError(t, err)
	return sites
}

type fakeRanging struct {
	mu       sync.Mutex
	started  []string
	stopped  []string
	startErr error
}

func (p *fakeRanging) StartRanging(t beacon.Target) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.startErr != nil {
		return p.startErr
	}
	p.started = append(p.started, t.String())
	return nil
}

func (p *fakeRanging) StopRanging(t beacon.Target) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = append(p.stopped, t.String())
	return nil
}

func (p *fakeRanging) starts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.started)
}

type fakeRegion struct {
	requested []string
	fail      map[string]bool
}

func (r *fakeRegion) RequestState(siteID string) error {
	r.requested = append(r.requested, siteID)
	if r.fail[siteID] {
		return errors.New("region unavailable")
	}
	return nil
}

type harness struct {
	c      *Coordinator
	clock  *timeutil.MockClock
	rng    *fakeRanging
	region *fakeRegion
	sink   *MemorySink
}

func newHarness(t *testing.T, mutate ...func(*Config)) *harness {
	t.Helper()
	h := &harness{
		clock:  timeutil.NewMockClock(t0),
		rng:    &fakeRanging{},
		region: &fakeRegion{},
		sink:   NewMemorySink(),
	}
	cfg := DefaultConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	c, err := New(cfg, Deps{
		Clock:   h.clock,
		Sites:   testSites(t),
		Ranging: h.rng,
		Region:  h.region,
		Sink:    h.sink,
	})
	require.NoError(t, err)
	h.c = c
	return h
}

func reading(majorVal uint16, rssi int) beacon.RangedSample {
	return beacon.RangedSample{
		Key:        beacon.FullKey{UUID: siteUUID, Major: majorVal, Minor: 7},
		RSSI:       rssi,
		Proximity:  beacon.ProximityNear,
		ObservedAt: t0,
	}
}

type brief struct {
	Kind   Kind
	SiteID string
	Reason presence.Reason
}

func briefs(records []Record) []brief {
	out := make([]brief, 0, len(records))
	for _, r := range records {
		out = append(out, brief{r.Kind, r.SiteID, r.Reason})
	}
	return out
}

// ---------------------------------------------------------------------------
// Construction
// ---------------------------------------------------------------------------

func TestNewRequiresDeps(t *testing.T) {
	t.Parallel()
	sites := testSites(t)
	empty, err := beacon.NewSiteSet()
	require.NoError(t, err)

	tests := []struct {
		name string
		deps Deps
	}{
		{"no sites", Deps{Sites: empty, Ranging: &fakeRanging{}, Sink: NewMemorySink()}},
		{"no ranging", Deps{Sites: sites, Sink: NewMemorySink()}},
		{"no sink", Deps{Sites: sites, Ranging: &fakeRanging{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(DefaultConfig(), tt.deps)
			assert.Error(t, err)
		})
	}
}

// ---------------------------------------------------------------------------
// Scenarios
// ---------------------------------------------------------------------------

func TestScenarioStrongSignalKeepsVisitOpen(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.c.Entered("HQ-A")
	h.c.DeliverSamples([]beacon.RangedSample{reading(1, -55)})

	assert.Equal(t, presence.State{Kind: presence.Inside, SiteID: "HQ-A"}, h.c.State())
	assert.Equal(t, 1, h.sink.Count(CheckIn))
	assert.Equal(t, 0, h.sink.Count(CheckOut))
	assert.Equal(t, 1, h.rng.starts())

	// Burst ends on a strong snapshot; nothing changes.
	h.clock.Advance(time.Minute)
	assert.Equal(t, presence.Inside, h.c.State().Kind)
	assert.Len(t, h.sink.Records(), 1)
}

func TestScenarioSignalLostThenConfirmedExit(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.c.Entered("HQ-A")
	h.c.DeliverSamples([]beacon.RangedSample{reading(1, -55)})
	h.clock.Advance(2 * time.Second)
	h.c.DeliverSamples(nil)

	st := h.c.State()
	assert.Equal(t, presence.SoftExitPending, st.Kind)
	assert.Equal(t, "HQ-A", st.SiteID)
	assert.Equal(t, t0.Add(2*time.Second), st.StartedAt)

	h.clock.Advance(10 * time.Second)
	h.c.Exited("HQ-A")

	want := []brief{
		{CheckIn, "HQ-A", presence.ReasonEnterRegion},
		{CheckOut, "HQ-A", presence.ReasonExitRegion},
	}
	if diff := cmp.Diff(want, briefs(h.sink.Records())); diff != "" {
		t.Errorf("records mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, presence.State{Kind: presence.Idle}, h.c.State())

	h.clock.Advance(time.Minute)
	assert.Len(t, h.sink.Records(), 2, "grace timer must not fire after the exit")
}

func TestScenarioSilentBurstTriggersSoftExit(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.c.Entered("HQ-A")
	h.clock.Advance(8 * time.Second)

	st := h.c.State()
	assert.Equal(t, presence.SoftExitPending, st.Kind)
	assert.Equal(t, t0.Add(8*time.Second), st.StartedAt)
	assert.Equal(t, 1, h.c.Stats().SoftExits)
}

func TestScenarioDuplicateEnter(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.c.Entered("HQ-A")
	h.c.Entered("HQ-A")

	assert.Equal(t, 1, h.sink.Count(CheckIn))
	assert.Equal(t, 1, h.rng.starts())
	assert.Equal(t, 1, h.c.Stats().RangingStarts)
}

// ---------------------------------------------------------------------------
// Ranging outcomes
// ---------------------------------------------------------------------------

func TestGraceElapsesWithoutRecovery(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.c.Entered("HQ-A")
	h.c.DeliverSamples([]beacon.RangedSample{reading(1, -85)})
	require.Equal(t, presence.SoftExitPending, h.c.State().Kind)

	h.clock.Advance(30 * time.Second)

	records := h.sink.Records()
	require.Len(t, records, 2)
	assert.Equal(t, presence.ReasonSoftExitGrace, records[1].Reason)
	assert.Equal(t, t0.Add(30*time.Second), records[1].At)
	assert.Equal(t, presence.Idle, h.c.State().Kind)
}

func TestStrongSnapshotCancelsSoftExit(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.c.Entered("HQ-A")
	h.c.DeliverSamples(nil)
	require.Equal(t, presence.SoftExitPending, h.c.State().Kind)

	h.c.DeliverSamples([]beacon.RangedSample{reading(1, -60)})
	assert.Equal(t, presence.State{Kind: presence.Inside, SiteID: "HQ-A"}, h.c.State())
	assert.Equal(t, 1, h.c.Stats().SoftExitsCanceled)

	h.clock.Advance(time.Minute)
	assert.Len(t, h.sink.Records(), 1)
}

func TestOtherSiteSamplesAreIgnored(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.c.Entered("HQ-A")
	// Only LAB's emitter is heard; HQ-A's burst sees nothing of its own.
	h.c.DeliverSamples([]beacon.RangedSample{reading(2, -50)})
	assert.Equal(t, presence.SoftExitPending, h.c.State().Kind)
}

// ---------------------------------------------------------------------------
// Region events
// ---------------------------------------------------------------------------

func TestStateDeterminedOutside(t *testing.T) {
	t.Parallel()

	t.Run("ignored while inside", func(t *testing.T) {
		h := newHarness(t)
		h.c.Entered("HQ-A")
		h.c.StateDetermined("HQ-A", false)
		assert.Equal(t, presence.Inside, h.c.State().Kind)
		assert.Equal(t, 0, h.sink.Count(CheckOut))
	})

	t.Run("confirms a pending soft exit", func(t *testing.T) {
		h := newHarness(t)
		h.c.Entered("HQ-A")
		h.c.DeliverSamples(nil)
		h.c.StateDetermined("HQ-A", false)

		records := h.sink.Records()
		require.Len(t, records, 2)
		assert.Equal(t, presence.ReasonExitRegion, records[1].Reason)
		assert.Equal(t, presence.Idle, h.c.State().Kind)
		assert.Len(t, h.rng.stopped, 1)
	})

	t.Run("ignored for another site", func(t *testing.T) {
		h := newHarness(t)
		h.c.Entered("HQ-A")
		h.c.DeliverSamples(nil)
		h.c.StateDetermined("LAB", false)
		assert.Equal(t, presence.SoftExitPending, h.c.State().Kind)
	})
}

func TestStateDeterminedInsideActsAsEnter(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.c.StateDetermined("HQ-A", true)
	assert.Equal(t, presence.State{Kind: presence.Inside, SiteID: "HQ-A"}, h.c.State())
	assert.Equal(t, 1, h.rng.starts())
}

func TestExitStopsRanging(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.c.Entered("HQ-A")
	h.c.Exited("HQ-A")
	assert.Len(t, h.rng.stopped, 1)

	// Samples after the exit have nowhere to go.
	h.c.DeliverSamples(nil)
	h.clock.Advance(time.Minute)
	assert.Equal(t, presence.Idle, h.c.State().Kind)
	assert.Len(t, h.sink.Records(), 2)
}

func TestSiteSwitchClosesPreviousVisit(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.c.Entered("HQ-A")
	h.clock.Advance(time.Second)
	h.c.Entered("LAB")

	want := []brief{
		{CheckIn, "HQ-A", presence.ReasonEnterRegion},
		{CheckOut, "HQ-A", presence.ReasonSiteSwitch},
		{CheckIn, "LAB", presence.ReasonEnterRegion},
	}
	if diff := cmp.Diff(want, briefs(h.sink.Records())); diff != "" {
		t.Errorf("records mismatch (-want +got):\n%s", diff)
	}
	assert.Len(t, h.rng.stopped, 1, "HQ-A burst stops on switch")
}

func TestUnknownSiteIgnored(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.c.Entered("nowhere")
	h.c.Exited("nowhere")
	h.c.StateDetermined("nowhere", false)

	assert.Empty(t, h.sink.Records())
	assert.Equal(t, 3, h.c.Stats().UnknownSites)
	assert.Equal(t, 0, h.rng.starts())
}

func TestSignificantLocationChange(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.region.fail = map[string]bool{"LAB": true}

	h.c.Entered("HQ-A")
	h.c.SignificantLocationChange()

	assert.Equal(t, []string{"HQ-A", "LAB"}, h.region.requested)
	assert.Equal(t, presence.Inside, h.c.State().Kind, "no direct state change")
	stats := h.c.Stats()
	assert.Equal(t, 1, stats.ProviderFailures)
	assert.Contains(t, stats.LastProviderError, "LAB")
}

// ---------------------------------------------------------------------------
// Debounce
// ---------------------------------------------------------------------------

func TestDebounceSuppressesBurstAfterTimeout(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.c.Entered("HQ-A")
	h.c.DeliverSamples([]beacon.RangedSample{reading(1, -55)})
	h.clock.Advance(8 * time.Second) // burst over

	h.c.StateDetermined("HQ-A", true)
	assert.Equal(t, 1, h.rng.starts())
	assert.Equal(t, 1, h.c.Stats().RangingDebounced)

	h.clock.Advance(12 * time.Second) // 20s since the first start
	h.c.StateDetermined("HQ-A", true)
	assert.Equal(t, 2, h.rng.starts())
	assert.Equal(t, 1, h.sink.Count(CheckIn))
}

func TestReenterDuringGraceWithinDebounce(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.c.Entered("HQ-A")
	h.c.DeliverSamples(nil) // soft exit at t0, grace until t0+30s
	h.clock.Advance(10 * time.Second)

	// Region says we are inside again before grace and before debounce
	// allows a new burst: the soft exit is cancelled without ranging.
	h.c.Entered("HQ-A")
	assert.Equal(t, presence.State{Kind: presence.Inside, SiteID: "HQ-A"}, h.c.State())
	assert.Equal(t, 1, h.rng.starts())

	h.clock.Advance(time.Minute)
	assert.Len(t, h.sink.Records(), 1)
}

func TestGraceCommitsWhileDebounced(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(c *Config) {
		c.GracePeriod = 10 * time.Second
		c.RangingDebounce = time.Minute
	})

	h.c.Entered("HQ-A")
	h.c.DeliverSamples(nil)
	h.clock.Advance(10 * time.Second)
	require.Equal(t, presence.Idle, h.c.State().Kind)

	// A fresh entry is a new visit even though ranging stays debounced.
	h.c.Entered("HQ-A")
	assert.Equal(t, 2, h.sink.Count(CheckIn))
	assert.Equal(t, 1, h.rng.starts())

	// Without a burst there is nothing to soft-exit on.
	h.clock.Advance(time.Minute)
	assert.Equal(t, presence.Inside, h.c.State().Kind)
}

// ---------------------------------------------------------------------------
// Failures
// ---------------------------------------------------------------------------

func TestRangingStartFailureKeepsVisit(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.rng.startErr = errors.New("adapter busy")

	h.c.Entered("HQ-A")
	assert.Equal(t, presence.Inside, h.c.State().Kind)
	assert.Equal(t, 1, h.sink.Count(CheckIn))
	assert.Equal(t, 1, h.c.Stats().ProviderFailures)
	assert.Equal(t, 0, h.c.Stats().RangingStarts)
}

func TestProviderFailedPreservesState(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.c.Entered("HQ-A")
	h.c.ProviderFailed("ranging", errors.New("radio reset"))

	assert.Equal(t, presence.Inside, h.c.State().Kind)
	assert.Equal(t, "ranging: radio reset", h.c.Stats().LastProviderError)
}

type failingSink struct{}

func (failingSink) HandleCheckIn(context.Context, string, presence.Reason, time.Time) error {
	return errors.New("offline")
}

func (failingSink) HandleCheckOut(context.Context, string, presence.Reason, time.Time) error {
	return errors.New("offline")
}

func TestSinkErrorsDoNotRollBack(t *testing.T) {
	t.Parallel()
	mem := NewMemorySink()
	c, err := New(DefaultConfig(), Deps{
		Clock:   timeutil.NewMockClock(t0),
		Sites:   testSites(t),
		Ranging: &fakeRanging{},
		Sink:    FanOut{failingSink{}, mem},
	})
	require.NoError(t, err)

	c.Entered("HQ-A")
	c.Exited("HQ-A")

	assert.Equal(t, 2, c.Stats().SinkErrors)
	assert.Equal(t, presence.Idle, c.State().Kind)
	assert.Len(t, mem.Records(), 2, "remaining sinks still receive every record")
}

// ---------------------------------------------------------------------------
// Concurrency
// ---------------------------------------------------------------------------

func TestConcurrentInputsStayPaired(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(c *Config) { c.RangingDebounce = 0 })

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			site := []string{"HQ-A", "LAB"}[g%2]
			for i := 0; i < 200; i++ {
				switch i % 5 {
				case 0:
					h.c.Entered(site)
				case 1:
					h.c.DeliverSamples([]beacon.RangedSample{reading(uint16(g%2+1), -60-i%30)})
				case 2:
					h.c.DeliverSamples(nil)
				case 3:
					h.clock.Advance(3 * time.Second)
				case 4:
					h.c.Exited(site)
				}
			}
		}(g)
	}
	wg.Wait()

	open := ""
	for i, r := range h.sink.Records() {
		if r.Kind == CheckIn {
			require.Empty(t, open, "record %d: check-in while %s open", i, open)
			open = r.SiteID
			continue
		}
		require.Equal(t, open, r.SiteID, "record %d: unmatched check-out", i)
		open = ""
	}
}

// ---------------------------------------------------------------------------
// Sinks
// ---------------------------------------------------------------------------

func TestFanOutJoinsErrors(t *testing.T) {
	t.Parallel()
	mem := NewMemorySink()
	f := FanOut{failingSink{}, mem, failingSink{}}

	err := f.HandleCheckIn(context.Background(), "HQ-A", presence.ReasonEnterRegion, t0)
	require.Error(t, err)
	assert.Equal(t, "offline\noffline", err.Error())
	assert.Equal(t, 1, mem.Count(CheckIn))

	assert.NoError(t, FanOut{mem}.HandleCheckOut(context.Background(), "HQ-A", presence.ReasonExitRegion, t0))
	assert.Equal(t, 1, mem.Count(CheckOut))
}
