// Package api serves the read-only HTTP status API of the presence daemon.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"tailscale.com/tsweb"

	"github.com/banshee-data/presence/internal/attendance"
	"github.com/banshee-data/presence/internal/db"
	"github.com/banshee-data/presence/internal/httputil"
	"github.com/banshee-data/presence/internal/monitoring"
	"github.com/banshee-data/presence/internal/presence"
	"github.com/banshee-data/presence/internal/scanner"
	"github.com/banshee-data/presence/internal/timeutil"
)

// ANSI escape codes for request logging
const (
	colorCyan      = "\033[36m"
	colorReset     = "\033[0m"
	colorYellow    = "\033[33m"
	colorBoldGreen = "\033[1;32m"
	colorBoldRed   = "\033[1;31m"
)

const (
	defaultVisitLimit = 50
	maxVisitLimit     = 1000
)

var logf = monitoring.Tagged("http")

// PresenceSource reports the live presence state. *attendance.Coordinator
// satisfies it.
type PresenceSource interface {
	State() presence.State
	Stats() attendance.Stats
}

// VisitStore lists recorded visits. *db.Store satisfies it.
type VisitStore interface {
	Visits(ctx context.Context, limit int) ([]db.Visit, error)
	OpenVisits(ctx context.Context) ([]db.Visit, error)
	VisitsForSite(ctx context.Context, siteID string) ([]db.Visit, error)
}

// LineStats reports scanner line counters. *scanner.Scanner satisfies it.
type LineStats interface {
	Stats() scanner.Stats
}

type Server struct {
	presence PresenceSource
	visits   VisitStore
	lines    LineStats
	clock    timeutil.Clock
}

// NewServer returns a Server. lines may be nil.
func NewServer(p PresenceSource, v VisitStore, lines LineStats, clock timeutil.Clock) *Server {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Server{presence: p, visits: v, lines: lines, clock: clock}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/presence", s.showPresence)
	mux.HandleFunc("/api/visits", s.listVisits)
	return mux
}

// AttachAdminRoutes mounts /debug/presence.
func (s *Server) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.HandleFunc("presence", "presence state and counters", func(w http.ResponseWriter, r *http.Request) {
		st := s.presence.State()
		stats := s.presence.Stats()
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintf(w, "state: %s\n", st)
		if st.Kind == presence.SoftExitPending {
			fmt.Fprintf(w, "grace since: %s (%s ago)\n", st.StartedAt.Format(time.RFC3339), s.clock.Since(st.StartedAt).Truncate(time.Second))
		}
		fmt.Fprintf(w, "check-ins: %d  check-outs: %d\n", stats.CheckIns, stats.CheckOuts)
		fmt.Fprintf(w, "ranging starts: %d  debounced: %d\n", stats.RangingStarts, stats.RangingDebounced)
		fmt.Fprintf(w, "soft exits: %d  canceled: %d\n", stats.SoftExits, stats.SoftExitsCanceled)
		fmt.Fprintf(w, "unknown sites: %d  sink errors: %d\n", stats.UnknownSites, stats.SinkErrors)
		fmt.Fprintf(w, "provider failures: %d", stats.ProviderFailures)
		if stats.LastProviderError != "" {
			fmt.Fprintf(w, " (last: %s)", stats.LastProviderError)
		}
		fmt.Fprintln(w)
		if s.lines != nil {
			ls := s.lines.Stats()
			fmt.Fprintf(w, "scanner lines: %d  malformed: %d\n", ls.Lines, ls.Malformed)
		}
	})
}

type presenceResponse struct {
	State   presence.State   `json:"state"`
	Stats   attendance.Stats `json:"stats"`
	Scanner *scanner.Stats   `json:"scanner,omitempty"`
}

func (s *Server) showPresence(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}

	resp := presenceResponse{State: s.presence.State(), Stats: s.presence.Stats()}
	if s.lines != nil {
		ls := s.lines.Stats()
		resp.Scanner = &ls
	}
	httputil.WriteJSONOK(w, resp)
}

type visitResponse struct {
	db.Visit
	DurationSeconds float64 `json:"duration_seconds"`
}

func (s *Server) listVisits(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	q := r.URL.Query()

	limit := defaultVisitLimit
	if l := q.Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed < 1 || parsed > maxVisitLimit {
			httputil.BadRequest(w, fmt.Sprintf("Invalid 'limit' parameter (1-%d)", maxVisitLimit))
			return
		}
		limit = parsed
	}

	var (
		visits []db.Visit
		err    error
	)
	switch {
	case q.Get("open") == "true":
		visits, err = s.visits.OpenVisits(r.Context())
	case q.Get("site") != "":
		visits, err = s.visits.VisitsForSite(r.Context(), q.Get("site"))
	default:
		visits, err = s.visits.Visits(r.Context(), limit)
	}
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to retrieve visits: %v", err))
		return
	}
	if len(visits) > limit {
		visits = visits[:limit]
	}

	now := s.clock.Now()
	out := make([]visitResponse, len(visits))
	for i, v := range visits {
		out[i] = visitResponse{Visit: v, DurationSeconds: v.Duration(now).Seconds()}
	}
	httputil.WriteJSONOK(w, out)
}
