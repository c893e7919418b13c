// Package presence holds the site presence state machine. It decides when
// a visit starts, when a soft exit grace period begins and when a
// check-out is committed, and reports each decision to an Emitter.
package presence

import (
	"fmt"
	"time"

	"github.com/banshee-data/presence/internal/monitoring"
	"github.com/banshee-data/presence/internal/timeutil"
)

var logf = monitoring.Tagged("presence")

// Kind is the presence state tag.
type Kind string

const (
	Idle            Kind = "idle"              // no site association
	Inside          Kind = "inside"            // visit open at SiteID
	SoftExitPending Kind = "soft_exit_pending" // grace period running for SiteID
)

// State is the machine's single state value. StartedAt is only set for
// SoftExitPending and records when the grace period began.
type State struct {
	Kind      Kind      `json:"kind"`
	SiteID    string    `json:"site_id,omitempty"`
	StartedAt time.Time `json:"started_at,omitzero"`
}

func (s State) String() string {
	switch s.Kind {
	case Inside:
		return fmt.Sprintf("inside(%s)", s.SiteID)
	case SoftExitPending:
		return fmt.Sprintf("soft_exit_pending(%s since %s)", s.SiteID, s.StartedAt.Format(time.RFC3339))
	default:
		return string(Idle)
	}
}

func (s State) at(kind Kind, site string) bool {
	return s.Kind == kind && s.SiteID == site
}

// Reason tags a check-in or check-out.
type Reason string

const (
	ReasonEnterRegion   Reason = "enter-region"
	ReasonExitRegion    Reason = "exit-region"
	ReasonSoftExitGrace Reason = "soft-exit-grace"
	ReasonSiteSwitch    Reason = "site-switch"
)

// Emitter receives the machine's side effects, in order.
type Emitter interface {
	CheckIn(siteID string, reason Reason, at time.Time)
	CheckOut(siteID string, reason Reason, at time.Time)
}

// Option configures a Machine.
type Option func(*Machine)

// WithSerializer routes grace timer fires through fn, which must run the
// given function inside the owner's serialized execution context.
func WithSerializer(fn func(func())) Option {
	return func(m *Machine) {
		m.serialize = fn
	}
}

// Machine is not safe for concurrent use. The owner serialises every
// call, and grace timer fires re-enter through the serializer.
type Machine struct {
	clock     timeutil.Clock
	emit      Emitter
	serialize func(func())

	state    State
	grace    timeutil.Timer
	graceGen uint64
}

// NewMachine returns a machine in the Idle state.
func NewMachine(clock timeutil.Clock, emit Emitter, opts ...Option) *Machine {
	m := &Machine{
		clock:     clock,
		emit:      emit,
		serialize: func(fn func()) { fn() },
		state:     State{Kind: Idle},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the current state.
func (m *Machine) State() State {
	return m.state
}

// OnEnter opens a visit at site. Re-entering the current site is a no-op;
// re-entering a site whose soft exit is pending cancels the soft exit.
// Entering a different site first checks out of the previous one.
func (m *Machine) OnEnter(site string) bool {
	switch {
	case m.state.at(Inside, site):
		return false
	case m.state.at(SoftExitPending, site):
		logf("enter %s during grace period, visit continues", site)
		m.cancelGrace()
		m.state = State{Kind: Inside, SiteID: site}
		return true
	case m.state.Kind != Idle:
		logf("enter %s while %s, closing previous visit", site, m.state)
		m.commit(ReasonSiteSwitch)
	}

	m.state = State{Kind: Inside, SiteID: site}
	m.emit.CheckIn(site, ReasonEnterRegion, m.clock.Now())
	return true
}

// OnSoftExitSignal starts the grace period for site. It only applies
// while Inside(site); a pending grace period is never restarted.
func (m *Machine) OnSoftExitSignal(site string, grace time.Duration) bool {
	if !m.state.at(Inside, site) {
		return false
	}

	now := m.clock.Now()
	m.state = State{Kind: SoftExitPending, SiteID: site, StartedAt: now}
	m.graceGen++
	gen := m.graceGen
	m.grace = m.clock.AfterFunc(grace, func() {
		m.serialize(func() { m.graceElapsed(site, gen) })
	})
	logf("soft exit for %s, committing in %s", site, grace)
	return true
}

// OnConfirmedExit checks out of site from Inside or SoftExitPending.
func (m *Machine) OnConfirmedExit(site string) bool {
	if !m.state.at(Inside, site) && !m.state.at(SoftExitPending, site) {
		if m.state.Kind != Idle {
			logf("ignoring exit for %s while %s", site, m.state)
		}
		return false
	}
	m.commit(ReasonExitRegion)
	return true
}

// CancelSoftExitIfBackInside returns SoftExitPending(site) to Inside(site)
// without a new check-in.
func (m *Machine) CancelSoftExitIfBackInside(site string) bool {
	if !m.state.at(SoftExitPending, site) {
		return false
	}
	m.cancelGrace()
	m.state = State{Kind: Inside, SiteID: site}
	logf("signal recovered at %s, soft exit cancelled", site)
	return true
}

func (m *Machine) graceElapsed(site string, gen uint64) {
	if gen != m.graceGen || !m.state.at(SoftExitPending, site) {
		return
	}
	m.grace = nil
	m.commit(ReasonSoftExitGrace)
}

// commit closes the open visit and returns to Idle.
func (m *Machine) commit(reason Reason) {
	m.cancelGrace()
	site := m.state.SiteID
	m.state = State{Kind: Idle}
	m.emit.CheckOut(site, reason, m.clock.Now())
}

func (m *Machine) cancelGrace() {
	m.graceGen++
	if m.grace != nil {
		m.grace.Stop()
		m.grace = nil
	}
}
