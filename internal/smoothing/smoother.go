// Package smoothing turns bursty per-emitter RSSI samples into a stable
// scalar using an exponential moving average with single-sample outlier
// rejection and a short raw-value window for stability checks.
package smoothing

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/presence/internal/beacon"
	"github.com/banshee-data/presence/internal/config"
)

// Signal range used to normalise a smoothed value into [0, 1].
const (
	normFloorDBm   = -100.0
	normCeilingDBm = -30.0
)

// Config holds the smoother parameters.
type Config struct {
	Alpha            float64 // EMA weight of the newest sample
	OutlierThreshold float64 // max |raw - smoothed| before a sample is ignored
	Capacity         int     // raw samples retained per emitter
	StableVariance   float64 // population variance at or below which a window is stable
	NoSignalFloor    float64 // substituted for the platform's 0 "no reading" value
}

// DefaultConfig returns the production smoother parameters.
func DefaultConfig() Config {
	return Config{
		Alpha:            0.4,
		OutlierThreshold: 20,
		Capacity:         5,
		StableVariance:   5.0,
		NoSignalFloor:    -100,
	}
}

// ConfigFromTuning builds a Config from a loaded TuningConfig.
func ConfigFromTuning(cfg *config.TuningConfig) Config {
	return Config{
		Alpha:            cfg.GetSmoothingAlpha(),
		OutlierThreshold: cfg.GetOutlierThreshold(),
		Capacity:         cfg.GetWindowCapacity(),
		StableVariance:   cfg.GetStableVariance(),
		NoSignalFloor:    cfg.GetNoSignalFloor(),
	}
}

type record struct {
	smoothed float64
	window   []float64 // oldest first, len <= Capacity
}

// Smoother keeps one record per emitter key.
type Smoother struct {
	mu      sync.Mutex
	cfg     Config
	records map[beacon.EmitterKey]*record
}

// New creates an empty Smoother. A non-positive capacity falls back to
// the default.
func New(cfg Config) *Smoother {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultConfig().Capacity
	}
	return &Smoother{
		cfg:     cfg,
		records: make(map[beacon.EmitterKey]*record),
	}
}

// Observe folds a raw sample into the emitter's history and returns the
// smoothed value. accepted is false when the sample was rejected as an
// outlier; the returned value is then the unchanged previous value.
func (s *Smoother) Observe(key beacon.EmitterKey, raw int) (smoothed float64, accepted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := float64(raw)
	if raw == beacon.NoSignal {
		v = s.cfg.NoSignalFloor
	}

	rec, ok := s.records[key]
	if !ok {
		rec = &record{smoothed: v, window: make([]float64, 0, s.cfg.Capacity)}
		rec.push(v, s.cfg.Capacity)
		s.records[key] = rec
		return v, true
	}

	if math.Abs(v-rec.smoothed) > s.cfg.OutlierThreshold {
		return rec.smoothed, false
	}

	rec.smoothed = s.cfg.Alpha*v + (1-s.cfg.Alpha)*rec.smoothed
	rec.push(v, s.cfg.Capacity)
	return rec.smoothed, true
}

func (r *record) push(v float64, capacity int) {
	if len(r.window) == capacity {
		copy(r.window, r.window[1:])
		r.window = r.window[:capacity-1]
	}
	r.window = append(r.window, v)
}

// Smoothed returns the current smoothed value for key.
func (s *Smoother) Smoothed(key beacon.EmitterKey) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return 0, false
	}
	return rec.smoothed, true
}

// Average returns the mean of the retained raw window.
func (s *Smoother) Average(key beacon.EmitterKey) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok || len(rec.window) == 0 {
		return 0, false
	}
	return stat.Mean(rec.window, nil), true
}

// IsStable reports whether the window holds at least three samples and
// their population variance is at most varianceThreshold.
func (s *Smoother) IsStable(key beacon.EmitterKey, varianceThreshold float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isStableLocked(key, varianceThreshold)
}

func (s *Smoother) isStableLocked(key beacon.EmitterKey, varianceThreshold float64) bool {
	rec, ok := s.records[key]
	if !ok || len(rec.window) < 3 {
		return false
	}
	return stat.PopVariance(rec.window, nil) <= varianceThreshold
}

// Confidence blends normalised strength (70%) with stability (30%).
// Unknown keys score 0.
func (s *Smoother) Confidence(key beacon.EmitterKey) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return 0
	}

	norm := (rec.smoothed - normFloorDBm) / (normCeilingDBm - normFloorDBm)
	norm = math.Max(0, math.Min(1, norm))

	stability := 0.5
	if s.isStableLocked(key, s.cfg.StableVariance) {
		stability = 1.0
	}
	return 0.7*norm + 0.3*stability
}

// Reset drops the history for one key.
func (s *Smoother) Reset(key beacon.EmitterKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
}

// ResetAll drops every tracked history.
func (s *Smoother) ResetAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[beacon.EmitterKey]*record)
}

// Len returns the number of emitters with history.
func (s *Smoother) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// StableVariance returns the configured stability threshold.
func (s *Smoother) StableVariance() float64 {
	return s.cfg.StableVariance
}
