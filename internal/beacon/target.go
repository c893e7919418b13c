package beacon

import (
	"fmt"

	"github.com/google/uuid"
)

// Target selects the emitters a ranging request is interested in.
// Implementations are Exact, MajorOnly and UUIDOnly.
type Target interface {
	// Matches reports whether an advertised identity belongs to the target.
	Matches(FullKey) bool
	// String renders the target in the scanner command form
	// "<uuid> <major|*> <minor|*>".
	String() string

	isTarget()
}

// Exact matches a single uuid/major/minor triple.
type Exact struct {
	UUID  uuid.UUID
	Major uint16
	Minor uint16
}

func (t Exact) Matches(k FullKey) bool {
	return k.UUID == t.UUID && k.Major == t.Major && k.Minor == t.Minor
}

func (t Exact) String() string {
	return fmt.Sprintf("%s %d %d", t.UUID, t.Major, t.Minor)
}

func (Exact) isTarget() {}

// MajorOnly matches every minor under one uuid/major pair.
type MajorOnly struct {
	UUID  uuid.UUID
	Major uint16
}

func (t MajorOnly) Matches(k FullKey) bool {
	return k.UUID == t.UUID && k.Major == t.Major
}

func (t MajorOnly) String() string {
	return fmt.Sprintf("%s %d *", t.UUID, t.Major)
}

func (MajorOnly) isTarget() {}

// UUIDOnly matches every emitter sharing a proximity uuid.
type UUIDOnly struct {
	UUID uuid.UUID
}

func (t UUIDOnly) Matches(k FullKey) bool {
	return k.UUID == t.UUID
}

func (t UUIDOnly) String() string {
	return fmt.Sprintf("%s * *", t.UUID)
}

func (UUIDOnly) isTarget() {}

// MatchesAny reports whether k matches at least one of targets.
func MatchesAny(targets []Target, k FullKey) bool {
	for _, t := range targets {
		if t.Matches(k) {
			return true
		}
	}
	return false
}
