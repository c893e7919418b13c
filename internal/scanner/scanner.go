// Package scanner drives a serial BLE scanner dongle. It is the region
// monitoring and beacon ranging provider for the coordinator and turns
// the dongle's line protocol into coordinator calls.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/banshee-data/presence/internal/beacon"
	"github.com/banshee-data/presence/internal/monitoring"
	"github.com/banshee-data/presence/internal/serialmux"
	"github.com/banshee-data/presence/internal/timeutil"
)

var logf = monitoring.Tagged("scanner")

// Handler receives decoded scanner events. *attendance.Coordinator
// satisfies it.
type Handler interface {
	Entered(siteID string)
	Exited(siteID string)
	StateDetermined(siteID string, inside bool)
	SignificantLocationChange()
	ProviderFailed(source string, err error)
	DeliverSamples(batch []beacon.RangedSample)
}

// Stats counts lines seen by Run.
type Stats struct {
	Lines     int64 `json:"lines"`
	Malformed int64 `json:"malformed"`
}

// Scanner talks to the dongle through a serial mux.
type Scanner struct {
	mux   serialmux.Mux
	sites *beacon.SiteSet
	clock timeutil.Clock

	lines     atomic.Int64
	malformed atomic.Int64
}

// New returns a Scanner for the given sites.
func New(mux serialmux.Mux, sites *beacon.SiteSet, clock timeutil.Clock) *Scanner {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Scanner{mux: mux, sites: sites, clock: clock}
}

// Initialise registers every site's region with the dongle.
func (s *Scanner) Initialise() error {
	for _, site := range s.sites.Sites() {
		if err := s.mux.SendCommand(regionCommand(site)); err != nil {
			return fmt.Errorf("register region %s: %w", site.ID, err)
		}
	}
	logf("registered %d region(s)", s.sites.Len())
	return nil
}

// StartRanging implements ranging.Provider.
func (s *Scanner) StartRanging(t beacon.Target) error {
	return s.mux.SendCommand(rangeStartCommand(t))
}

// StopRanging implements ranging.Provider.
func (s *Scanner) StopRanging(t beacon.Target) error {
	return s.mux.SendCommand(rangeStopCommand(t))
}

// RequestState implements attendance.RegionProvider.
func (s *Scanner) RequestState(siteID string) error {
	if _, ok := s.sites.Lookup(siteID); !ok {
		return fmt.Errorf("%w: %q", beacon.ErrUnknownSite, siteID)
	}
	return s.mux.SendCommand(stateCommand(siteID))
}

// Run subscribes to the mux and dispatches events to h, in arrival order,
// until ctx is done or the mux closes.
func (s *Scanner) Run(ctx context.Context, h Handler) error {
	id, lines := s.mux.Subscribe()
	defer s.mux.Unsubscribe(id)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			s.handleLine(line, h)
		}
	}
}

func (s *Scanner) handleLine(line string, h Handler) {
	if strings.TrimSpace(line) == "" {
		return
	}
	s.lines.Add(1)

	ev, err := ParseLine(line, s.clock.Now())
	if err != nil {
		s.malformed.Add(1)
		logf("%v", err)
		return
	}

	switch ev.Kind {
	case EventEnter:
		h.Entered(ev.Site)
	case EventExit:
		h.Exited(ev.Site)
	case EventState:
		h.StateDetermined(ev.Site, ev.Inside)
	case EventRange:
		h.DeliverSamples(ev.Samples)
	case EventSLC:
		h.SignificantLocationChange()
	case EventError:
		h.ProviderFailed(ev.Source, errors.New(ev.Message))
	}
}

// Stats returns line counters.
func (s *Scanner) Stats() Stats {
	return Stats{Lines: s.lines.Load(), Malformed: s.malformed.Load()}
}
