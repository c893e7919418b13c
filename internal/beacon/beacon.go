// Package beacon defines beacon identities, ranged samples and the
// configured site set used by the presence pipeline.
package beacon

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NoSignal is the RSSI value a ranging provider reports when it has no
// reading for an emitter. It is never a real strength.
const NoSignal = 0

// Proximity is the coarse distance class reported with each sample.
type Proximity string

const (
	ProximityUnknown   Proximity = "unknown"
	ProximityImmediate Proximity = "immediate"
	ProximityNear      Proximity = "near"
	ProximityFar       Proximity = "far"
)

// ParseProximity maps a provider string onto a Proximity. Anything
// unrecognised is ProximityUnknown.
func ParseProximity(s string) Proximity {
	switch Proximity(strings.ToLower(strings.TrimSpace(s))) {
	case ProximityImmediate:
		return ProximityImmediate
	case ProximityNear:
		return ProximityNear
	case ProximityFar:
		return ProximityFar
	default:
		return ProximityUnknown
	}
}

// EmitterKey identifies an emitter for smoothing purposes. The minor
// value is left out on purpose: it may rotate between advertisements.
type EmitterKey struct {
	UUID  uuid.UUID
	Major uint16
}

func (k EmitterKey) String() string {
	return fmt.Sprintf("%s:%d", k.UUID, k.Major)
}

// FullKey is the complete advertised identity of one emitter.
type FullKey struct {
	UUID  uuid.UUID
	Major uint16
	Minor uint16
}

// EmitterKey drops the minor value.
func (k FullKey) EmitterKey() EmitterKey {
	return EmitterKey{UUID: k.UUID, Major: k.Major}
}

func (k FullKey) String() string {
	return fmt.Sprintf("%s:%d:%d", k.UUID, k.Major, k.Minor)
}

// RangedSample is one raw observation delivered by a ranging provider.
type RangedSample struct {
	Key        FullKey
	RSSI       int // dBm; NoSignal means no reading
	Proximity  Proximity
	ObservedAt time.Time
}

// HasSignal reports whether the sample carries a real reading.
func (s RangedSample) HasSignal() bool {
	return s.RSSI != NoSignal
}
