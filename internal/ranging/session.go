// Package ranging runs bounded ranging bursts against a beacon ranging
// provider and reports smoothed snapshots, strongest emitter first.
package ranging

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/banshee-data/presence/internal/beacon"
	"github.com/banshee-data/presence/internal/monitoring"
	"github.com/banshee-data/presence/internal/smoothing"
	"github.com/banshee-data/presence/internal/timeutil"
)

// Burst length bounds. Requests outside them are clamped.
const (
	MinDuration     = 5 * time.Second
	MaxDuration     = 12 * time.Second
	DefaultDuration = 8 * time.Second
)

var ErrNoTargets = errors.New("ranging: no targets")

var logf = monitoring.Tagged("ranging")

// Provider is the platform ranging facility. Sample batches must be
// delivered to Session.Deliver asynchronously, never from inside
// StartRanging or StopRanging.
type Provider interface {
	StartRanging(beacon.Target) error
	StopRanging(beacon.Target) error
}

// Callbacks receive session output. Both run without the session lock
// held; run identifies the burst that produced the output.
type Callbacks struct {
	// OnSnapshot is called once per delivered batch.
	OnSnapshot func(run uint64, snap Snapshot)
	// OnFinished is called when a burst times out. last is nil when no
	// batch arrived during the burst.
	OnFinished func(run uint64, last *Snapshot)
}

// Session runs at most one ranging burst at a time.
type Session struct {
	mu       sync.Mutex
	clock    timeutil.Clock
	provider Provider
	smoother *smoothing.Smoother
	cb       Callbacks

	run       uint64
	active    bool
	targets   []beacon.Target
	timer     timeutil.Timer
	startedAt time.Time
	last      *Snapshot
}

// NewSession creates an idle session. The smoother is owned by the
// session from here on and is reset at the end of every burst.
func NewSession(clock timeutil.Clock, provider Provider, smoother *smoothing.Smoother, cb Callbacks) *Session {
	return &Session{
		clock:    clock,
		provider: provider,
		smoother: smoother,
		cb:       cb,
	}
}

// ClampDuration maps a requested burst length into [MinDuration, MaxDuration].
// Non-positive requests get DefaultDuration.
func ClampDuration(d time.Duration) time.Duration {
	switch {
	case d <= 0:
		return DefaultDuration
	case d < MinDuration:
		return MinDuration
	case d > MaxDuration:
		return MaxDuration
	}
	return d
}

// Start begins a burst for targets, stopping any burst already running.
// It returns the run id that tags this burst's callbacks.
func (s *Session) Start(targets []beacon.Target, duration time.Duration) (uint64, error) {
	if len(targets) == 0 {
		return 0, ErrNoTargets
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active {
		logf("run %d superseded before timeout", s.run)
		s.teardownLocked()
	}

	registered := make([]beacon.Target, 0, len(targets))
	for _, t := range targets {
		if err := s.provider.StartRanging(t); err != nil {
			for _, r := range registered {
				if stopErr := s.provider.StopRanging(r); stopErr != nil {
					logf("rollback stop %s: %v", r, stopErr)
				}
			}
			s.smoother.ResetAll()
			return 0, fmt.Errorf("start ranging %s: %w", t, err)
		}
		registered = append(registered, t)
	}

	d := ClampDuration(duration)
	s.run++
	run := s.run
	s.active = true
	s.targets = registered
	s.startedAt = s.clock.Now()
	s.last = nil
	s.timer = s.clock.AfterFunc(d, func() { s.expire(run) })

	logf("run %d started for %d target(s), %s", run, len(registered), d)
	return run, nil
}

// Deliver folds one provider batch into the active burst. A batch is the
// provider's full report of emitters currently visible, so an empty or
// all-sentinel batch yields an empty snapshot.
func (s *Session) Deliver(batch []beacon.RangedSample) {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}

	run := s.run
	snap := s.foldLocked(batch)
	s.last = &snap
	onSnapshot := s.cb.OnSnapshot
	s.mu.Unlock()

	if onSnapshot != nil {
		onSnapshot(run, snap)
	}
}

// foldLocked runs the batch through the smoother in arrival order and
// keeps the newest reading per emitter key.
func (s *Session) foldLocked(batch []beacon.RangedSample) Snapshot {
	readings := make([]Reading, 0, len(batch))
	index := make(map[beacon.EmitterKey]int, len(batch))

	for _, sample := range batch {
		if !sample.HasSignal() || !beacon.MatchesAny(s.targets, sample.Key) {
			continue
		}
		key := sample.Key.EmitterKey()
		smoothed, accepted := s.smoother.Observe(key, sample.RSSI)
		r := Reading{
			Sample:     sample,
			Smoothed:   smoothed,
			Accepted:   accepted,
			Confidence: s.smoother.Confidence(key),
		}
		if i, ok := index[key]; ok {
			readings[i] = r
			continue
		}
		index[key] = len(readings)
		readings = append(readings, r)
	}

	sort.SliceStable(readings, func(i, j int) bool {
		return readings[i].Smoothed > readings[j].Smoothed
	})
	return Snapshot{Samples: readings}
}

func (s *Session) expire(run uint64) {
	s.mu.Lock()
	if !s.active || s.run != run {
		s.mu.Unlock()
		return
	}
	last := s.last
	elapsed := s.clock.Since(s.startedAt)
	s.teardownLocked()
	onFinished := s.cb.OnFinished
	s.mu.Unlock()

	if last == nil {
		logf("run %d finished after %s with no samples", run, elapsed)
	} else {
		logf("run %d finished after %s, %d emitter(s) in last snapshot", run, elapsed, len(last.Samples))
	}
	if onFinished != nil {
		onFinished(run, last)
	}
}

// Stop ends the active burst without reporting. Safe to call at any time.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return
	}
	logf("run %d stopped", s.run)
	s.teardownLocked()
}

func (s *Session) teardownLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	for _, t := range s.targets {
		if err := s.provider.StopRanging(t); err != nil {
			logf("stop %s: %v", t, err)
		}
	}
	s.smoother.ResetAll()
	s.active = false
	s.targets = nil
	s.last = nil
}

// Active reports whether a burst is running.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Run returns the id of the most recently started burst.
func (s *Session) Run() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.run
}
