package scanner

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/presence/internal/beacon"
)

// ErrMalformedLine wraps every line the parser cannot turn into an Event.
var ErrMalformedLine = errors.New("malformed scanner line")

// EventKind names a scanner line type.
type EventKind string

const (
	EventEnter EventKind = "enter"
	EventExit  EventKind = "exit"
	EventState EventKind = "state"
	EventRange EventKind = "range"
	EventSLC   EventKind = "slc"
	EventError EventKind = "error"
)

// Event is one decoded scanner line.
type Event struct {
	Kind    EventKind
	Site    string
	Inside  bool
	Samples []beacon.RangedSample
	Source  string
	Message string
}

type wireLine struct {
	Event   string       `json:"event"`
	Site    string       `json:"site"`
	Inside  *bool        `json:"inside"`
	TS      *int64       `json:"ts"` // unix milliseconds
	Beacons []wireBeacon `json:"beacons"`
	Source  string       `json:"source"`
	Message string       `json:"message"`
}

type wireBeacon struct {
	UUID      string `json:"uuid"`
	Major     uint16 `json:"major"`
	Minor     uint16 `json:"minor"`
	RSSI      int    `json:"rssi"`
	Proximity string `json:"proximity"`
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedLine, fmt.Sprintf(format, args...))
}

// ParseLine decodes one JSON line from the scanner. now stamps range
// samples when the line carries no ts.
func ParseLine(line string, now time.Time) (Event, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "{") {
		return Event{}, malformed("not a JSON object: %q", line)
	}

	var w wireLine
	if err := json.Unmarshal([]byte(line), &w); err != nil {
		return Event{}, malformed("%v", err)
	}

	ev := Event{Kind: EventKind(w.Event), Site: strings.TrimSpace(w.Site)}
	switch ev.Kind {
	case EventEnter, EventExit:
		if ev.Site == "" {
			return Event{}, malformed("%s without site", w.Event)
		}
	case EventState:
		if ev.Site == "" {
			return Event{}, malformed("state without site")
		}
		if w.Inside == nil {
			return Event{}, malformed("state for %s without inside", ev.Site)
		}
		ev.Inside = *w.Inside
	case EventRange:
		at := now
		if w.TS != nil {
			at = time.UnixMilli(*w.TS).UTC()
		}
		samples := make([]beacon.RangedSample, 0, len(w.Beacons))
		for i, b := range w.Beacons {
			id, err := uuid.Parse(b.UUID)
			if err != nil {
				return Event{}, malformed("beacons[%d]: uuid %q: %v", i, b.UUID, err)
			}
			samples = append(samples, beacon.RangedSample{
				Key:        beacon.FullKey{UUID: id, Major: b.Major, Minor: b.Minor},
				RSSI:       b.RSSI,
				Proximity:  beacon.ParseProximity(b.Proximity),
				ObservedAt: at,
			})
		}
		ev.Samples = samples
	case EventSLC:
	case EventError:
		ev.Source = w.Source
		if ev.Source == "" {
			ev.Source = "scanner"
		}
		ev.Message = w.Message
	default:
		return Event{}, malformed("unknown event %q", w.Event)
	}
	return ev, nil
}

// Command lines sent to the scanner.

func regionCommand(site beacon.Site) string {
	major := "*"
	if site.Major != nil {
		major = fmt.Sprint(*site.Major)
	}
	return fmt.Sprintf("REGION %s %s %s", site.ID, site.UUID, major)
}

func rangeStartCommand(t beacon.Target) string { return "RANGE START " + t.String() }

func rangeStopCommand(t beacon.Target) string { return "RANGE STOP " + t.String() }

func stateCommand(siteID string) string { return "STATE? " + siteID }
