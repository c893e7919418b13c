// Package attendance wires region and ranging events to the presence state
// machine and reports the resulting check-ins and check-outs to a Sink.
package attendance

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/banshee-data/presence/internal/presence"
)

// Sink receives paired check-in/check-out calls. Implementations own
// persistence and delivery and make their own deliveries idempotent.
type Sink interface {
	HandleCheckIn(ctx context.Context, siteID string, reason presence.Reason, at time.Time) error
	HandleCheckOut(ctx context.Context, siteID string, reason presence.Reason, at time.Time) error
}

// RegionProvider re-requests the determined state of a monitored region.
// The answer arrives later through Coordinator.StateDetermined.
type RegionProvider interface {
	RequestState(siteID string) error
}

// Kind distinguishes the two record types.
type Kind string

const (
	CheckIn  Kind = "check_in"
	CheckOut Kind = "check_out"
)

// Record is one attendance side effect.
type Record struct {
	Kind   Kind            `json:"type"`
	SiteID string          `json:"site_id"`
	Reason presence.Reason `json:"reason"`
	At     time.Time       `json:"at"`
}

// MemorySink keeps every record in memory.
type MemorySink struct {
	mu      sync.Mutex
	records []Record
}

// NewMemorySink returns an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (m *MemorySink) HandleCheckIn(_ context.Context, siteID string, reason presence.Reason, at time.Time) error {
	m.append(Record{Kind: CheckIn, SiteID: siteID, Reason: reason, At: at})
	return nil
}

func (m *MemorySink) HandleCheckOut(_ context.Context, siteID string, reason presence.Reason, at time.Time) error {
	m.append(Record{Kind: CheckOut, SiteID: siteID, Reason: reason, At: at})
	return nil
}

func (m *MemorySink) append(r Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, r)
}

// Records returns a copy of all records in arrival order.
func (m *MemorySink) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, len(m.records))
	copy(out, m.records)
	return out
}

// Count returns the number of records of the given kind.
func (m *MemorySink) Count(kind Kind) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.records {
		if r.Kind == kind {
			n++
		}
	}
	return n
}

// FanOut delivers every call to all sinks in order. A failing sink does
// not stop delivery to the rest; the errors are joined.
type FanOut []Sink

func (f FanOut) HandleCheckIn(ctx context.Context, siteID string, reason presence.Reason, at time.Time) error {
	var errs []error
	for _, s := range f {
		if err := s.HandleCheckIn(ctx, siteID, reason, at); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f FanOut) HandleCheckOut(ctx context.Context, siteID string, reason presence.Reason, at time.Time) error {
	var errs []error
	for _, s := range f {
		if err := s.HandleCheckOut(ctx, siteID, reason, at); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
