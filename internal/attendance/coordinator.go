package attendance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/presence/internal/beacon"
	"github.com/banshee-data/presence/internal/config"
	"github.com/banshee-data/presence/internal/monitoring"
	"github.com/banshee-data/presence/internal/presence"
	"github.com/banshee-data/presence/internal/ranging"
	"github.com/banshee-data/presence/internal/smoothing"
	"github.com/banshee-data/presence/internal/timeutil"
)

var logf = monitoring.Tagged("coordinator")

// Config holds the coordinator's tunables.
type Config struct {
	RangingDuration     time.Duration
	RangingDebounce     time.Duration
	GracePeriod         time.Duration
	WeakSignalThreshold float64 // dBm; a nearest smoothed value below this is weak
	SinkTimeout         time.Duration
	Smoothing           smoothing.Config
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		RangingDuration:     ranging.DefaultDuration,
		RangingDebounce:     20 * time.Second,
		GracePeriod:         30 * time.Second,
		WeakSignalThreshold: -75,
		SinkTimeout:         10 * time.Second,
		Smoothing:           smoothing.DefaultConfig(),
	}
}

// ConfigFromTuning builds a Config from a loaded TuningConfig.
func ConfigFromTuning(tc *config.TuningConfig) Config {
	cfg := DefaultConfig()
	cfg.RangingDuration = tc.GetRangingDuration()
	cfg.RangingDebounce = tc.GetRangingDebounce()
	cfg.GracePeriod = tc.GetGracePeriod()
	cfg.WeakSignalThreshold = tc.GetWeakSignalThreshold()
	cfg.Smoothing = smoothing.ConfigFromTuning(tc)
	return cfg
}

// Deps are the coordinator's collaborators.
type Deps struct {
	Clock   timeutil.Clock
	Sites   *beacon.SiteSet
	Ranging ranging.Provider
	Region  RegionProvider
	Sink    Sink
}

// Stats counts coordinator activity since start.
type Stats struct {
	CheckIns          int       `json:"check_ins"`
	CheckOuts         int       `json:"check_outs"`
	RangingStarts     int       `json:"ranging_starts"`
	RangingDebounced  int       `json:"ranging_debounced"`
	SoftExits         int       `json:"soft_exits"`
	SoftExitsCanceled int       `json:"soft_exits_canceled"`
	UnknownSites      int       `json:"unknown_sites"`
	ProviderFailures  int       `json:"provider_failures"`
	SinkErrors        int       `json:"sink_errors"`
	LastProviderError string    `json:"last_provider_error,omitempty"`
	LastRangingStart  time.Time `json:"last_ranging_start,omitempty"`
}

// Coordinator funnels every input through one mutex. Sink calls are
// made after the mutex is released, in the order the machine emitted
// them.
type Coordinator struct {
	cfg    Config
	clock  timeutil.Clock
	sites  *beacon.SiteSet
	region RegionProvider
	sink   Sink

	mu          sync.Mutex
	machine     *presence.Machine
	session     *ranging.Session
	rangingRun  uint64
	rangingSite string // site of the active burst, empty when none
	lastStart   time.Time
	stats       Stats
	outbox      []Record

	deliverMu sync.Mutex
}

// New creates a coordinator in the Idle state.
func New(cfg Config, deps Deps) (*Coordinator, error) {
	if deps.Clock == nil {
		deps.Clock = timeutil.RealClock{}
	}
	if deps.Sites == nil || deps.Sites.Len() == 0 {
		return nil, errors.New("attendance: no sites configured")
	}
	if deps.Ranging == nil {
		return nil, errors.New("attendance: ranging provider is required")
	}
	if deps.Sink == nil {
		return nil, errors.New("attendance: sink is required")
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = DefaultConfig().SinkTimeout
	}

	c := &Coordinator{
		cfg:    cfg,
		clock:  deps.Clock,
		sites:  deps.Sites,
		region: deps.Region,
		sink:   deps.Sink,
	}
	c.machine = presence.NewMachine(deps.Clock, emitter{c}, presence.WithSerializer(c.do))
	c.session = ranging.NewSession(deps.Clock, deps.Ranging, smoothing.New(cfg.Smoothing), ranging.Callbacks{
		OnSnapshot: c.onSnapshot,
		OnFinished: c.onFinished,
	})
	return c, nil
}

// do runs fn under the coordinator lock, then flushes the outbox.
func (c *Coordinator) do(fn func()) {
	c.mu.Lock()
	fn()
	c.mu.Unlock()
	c.flush()
}

// Entered handles a region entry for siteID.
func (c *Coordinator) Entered(siteID string) {
	c.do(func() { c.enterLocked(siteID, "entered") })
}

// Exited handles a confirmed region exit for siteID.
func (c *Coordinator) Exited(siteID string) {
	c.do(func() {
		if !c.knownLocked(siteID, "exited") {
			return
		}
		c.stopRangingLocked()
		c.machine.OnConfirmedExit(siteID)
	})
}

// StateDetermined handles a proactive region state report. An outside
// report only acts when it confirms a pending soft exit for siteID.
func (c *Coordinator) StateDetermined(siteID string, inside bool) {
	c.do(func() {
		if inside {
			c.enterLocked(siteID, "state inside")
			return
		}
		if !c.knownLocked(siteID, "state outside") {
			return
		}
		st := c.machine.State()
		if st.Kind != presence.SoftExitPending || st.SiteID != siteID {
			logf("outside %s while %s, ignored", siteID, st)
			return
		}
		c.stopRangingLocked()
		c.machine.OnConfirmedExit(siteID)
	})
}

// SignificantLocationChange asks the region provider to re-determine
// every configured site. It never changes state directly.
func (c *Coordinator) SignificantLocationChange() {
	if c.region == nil {
		logf("significant location change with no region provider")
		return
	}
	for _, id := range c.sites.IDs() {
		if err := c.region.RequestState(id); err != nil {
			c.ProviderFailed("region", fmt.Errorf("request state %s: %w", id, err))
		}
	}
}

// ProviderFailed records a provider-level failure. Presence state is
// left untouched.
func (c *Coordinator) ProviderFailed(source string, err error) {
	c.do(func() {
		c.stats.ProviderFailures++
		c.stats.LastProviderError = fmt.Sprintf("%s: %v", source, err)
		logf("provider failure from %s: %v", source, err)
	})
}

// DeliverSamples forwards a ranging batch to the active session. Must
// not be called from inside a provider's StartRanging or StopRanging.
func (c *Coordinator) DeliverSamples(batch []beacon.RangedSample) {
	c.session.Deliver(batch)
}

// State returns the current presence state.
func (c *Coordinator) State() presence.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.machine.State()
}

// Stats returns a copy of the activity counters.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Close stops any active ranging burst.
func (c *Coordinator) Close() {
	c.do(c.stopRangingLocked)
}

func (c *Coordinator) knownLocked(siteID, event string) bool {
	if _, ok := c.sites.Lookup(siteID); ok {
		return true
	}
	c.stats.UnknownSites++
	logf("%s for unknown site %q ignored", event, siteID)
	return false
}

func (c *Coordinator) enterLocked(siteID, event string) {
	site, ok := c.sites.Lookup(siteID)
	if !ok {
		c.knownLocked(siteID, event)
		return
	}
	if st := c.machine.State(); st.Kind != presence.Idle && st.SiteID != siteID {
		// The burst belongs to the site being left.
		c.stopRangingLocked()
	}
	c.machine.OnEnter(siteID)
	c.maybeStartRangingLocked(site)
}

// maybeStartRangingLocked starts a burst for site unless one is active or
// the previous burst started within the debounce interval.
func (c *Coordinator) maybeStartRangingLocked(site beacon.Site) {
	if c.session.Active() {
		return
	}
	now := c.clock.Now()
	if !c.lastStart.IsZero() && now.Sub(c.lastStart) < c.cfg.RangingDebounce {
		c.stats.RangingDebounced++
		logf("ranging for %s debounced, last burst %s ago", site.ID, now.Sub(c.lastStart))
		return
	}

	run, err := c.session.Start([]beacon.Target{site.Target()}, c.cfg.RangingDuration)
	if err != nil {
		c.stats.ProviderFailures++
		c.stats.LastProviderError = fmt.Sprintf("ranging: %v", err)
		logf("start ranging for %s: %v", site.ID, err)
		return
	}
	c.rangingRun = run
	c.rangingSite = site.ID
	c.lastStart = now
	c.stats.RangingStarts++
	c.stats.LastRangingStart = now
}

func (c *Coordinator) stopRangingLocked() {
	c.session.Stop()
	c.rangingSite = ""
}

func (c *Coordinator) onSnapshot(run uint64, snap ranging.Snapshot) {
	c.do(func() {
		if run != c.rangingRun || c.rangingSite == "" {
			return
		}
		c.evaluateLocked(c.rangingSite, &snap)
	})
}

func (c *Coordinator) onFinished(run uint64, last *ranging.Snapshot) {
	c.do(func() {
		if run != c.rangingRun || c.rangingSite == "" {
			return
		}
		site := c.rangingSite
		c.rangingSite = ""
		c.evaluateLocked(site, last)
	})
}

// evaluateLocked turns a ranging outcome into a soft exit signal or a
// soft exit cancellation for site.
func (c *Coordinator) evaluateLocked(site string, snap *ranging.Snapshot) {
	st := c.machine.State()
	if st.SiteID != site {
		return
	}
	if ranging.IsWeak(snap, c.cfg.WeakSignalThreshold) {
		if c.machine.OnSoftExitSignal(site, c.cfg.GracePeriod) {
			c.stats.SoftExits++
		}
		return
	}
	if c.machine.CancelSoftExitIfBackInside(site) {
		c.stats.SoftExitsCanceled++
	}
}

// emitter adapts the coordinator to presence.Emitter. Its methods run
// with c.mu held and only queue records.
type emitter struct {
	c *Coordinator
}

func (e emitter) CheckIn(siteID string, reason presence.Reason, at time.Time) {
	e.c.stats.CheckIns++
	e.c.outbox = append(e.c.outbox, Record{Kind: CheckIn, SiteID: siteID, Reason: reason, At: at})
	logf("check-in %s (%s)", siteID, reason)
}

func (e emitter) CheckOut(siteID string, reason presence.Reason, at time.Time) {
	e.c.stats.CheckOuts++
	e.c.outbox = append(e.c.outbox, Record{Kind: CheckOut, SiteID: siteID, Reason: reason, At: at})
	logf("check-out %s (%s)", siteID, reason)
}

// flush hands queued records to the sink. deliverMu keeps concurrent
// flushes from reordering records.
func (c *Coordinator) flush() {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()

	c.mu.Lock()
	pending := c.outbox
	c.outbox = nil
	c.mu.Unlock()

	for _, r := range pending {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.SinkTimeout)
		var err error
		if r.Kind == CheckIn {
			err = c.sink.HandleCheckIn(ctx, r.SiteID, r.Reason, r.At)
		} else {
			err = c.sink.HandleCheckOut(ctx, r.SiteID, r.Reason, r.At)
		}
		cancel()
		if err != nil {
			logf("sink %s %s: %v", r.Kind, r.SiteID, err)
			c.mu.Lock()
			c.stats.SinkErrors++
			c.mu.Unlock()
		}
	}
}
