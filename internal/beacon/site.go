package beacon

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrDuplicateSite = errors.New("duplicate site id")
	ErrUnknownSite   = errors.New("unknown site id")
)

// Site is a monitored location identified by its beacon uuid and an
// optional major value.
type Site struct {
	ID    string
	UUID  uuid.UUID
	Major *uint16
}

// Target returns the ranging target covering the site's emitters.
func (s Site) Target() Target {
	if s.Major == nil {
		return UUIDOnly{UUID: s.UUID}
	}
	return MajorOnly{UUID: s.UUID, Major: *s.Major}
}

// Validate checks the site has an id and a non-nil uuid.
func (s Site) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return errors.New("site id must not be empty")
	}
	if s.UUID == uuid.Nil {
		return fmt.Errorf("site %q: emitter uuid must not be nil", s.ID)
	}
	return nil
}

// SiteSet is the immutable set of configured sites, kept in
// configuration order.
type SiteSet struct {
	sites []Site
	byID  map[string]int
}

// NewSiteSet validates sites and rejects duplicate ids.
func NewSiteSet(sites ...Site) (*SiteSet, error) {
	set := &SiteSet{
		sites: make([]Site, 0, len(sites)),
		byID:  make(map[string]int, len(sites)),
	}
	for _, s := range sites {
		if err := s.Validate(); err != nil {
			return nil, err
		}
		if _, ok := set.byID[s.ID]; ok {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateSite, s.ID)
		}
		if s.Major != nil {
			major := *s.Major
			s.Major = &major
		}
		set.byID[s.ID] = len(set.sites)
		set.sites = append(set.sites, s)
	}
	return set, nil
}

// Lookup returns the site with the given id.
func (s *SiteSet) Lookup(id string) (Site, bool) {
	i, ok := s.byID[id]
	if !ok {
		return Site{}, false
	}
	return s.sites[i], true
}

// IDs returns the site ids in configuration order.
func (s *SiteSet) IDs() []string {
	ids := make([]string, len(s.sites))
	for i, site := range s.sites {
		ids[i] = site.ID
	}
	return ids
}

// Sites returns a copy of the configured sites.
func (s *SiteSet) Sites() []Site {
	out := make([]Site, len(s.sites))
	copy(out, s.sites)
	return out
}

// Len returns the number of configured sites.
func (s *SiteSet) Len() int {
	return len(s.sites)
}
