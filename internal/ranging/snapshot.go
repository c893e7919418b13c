package ranging

import "github.com/banshee-data/presence/internal/beacon"

// Reading is one emitter's entry in a snapshot.
type Reading struct {
	Sample     beacon.RangedSample
	Smoothed   float64
	Accepted   bool // false when the smoother ignored the raw value as an outlier
	Confidence float64
}

// Snapshot is an immutable view of one batch, sorted by smoothed
// strength, strongest first.
type Snapshot struct {
	Samples []Reading
}

// Nearest returns the strongest reading.
func (s Snapshot) Nearest() (Reading, bool) {
	if len(s.Samples) == 0 {
		return Reading{}, false
	}
	return s.Samples[0], true
}

// Empty reports whether the snapshot holds no readings.
func (s Snapshot) Empty() bool {
	return len(s.Samples) == 0
}

// IsWeak reports whether a snapshot should be read as "signal lost":
// nil, empty, or a nearest smoothed strength below threshold.
func IsWeak(snap *Snapshot, threshold float64) bool {
	if snap == nil {
		return true
	}
	nearest, ok := snap.Nearest()
	if !ok {
		return true
	}
	return nearest.Smoothed < threshold
}
