package api

import (
	"cmp"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/nugget/dwell/internal/session"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "tracker not running")
		return
	}
	snap, err := s.status.Status(r.Context())
	if err != nil {
		s.errorResponse(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, snap, s.logger)
}

// handleSessions lists session rows. Query parameters: stream, from, to
// (RFC 3339 or YYYY-MM-DD), and limit.
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "session store not configured")
		return
	}
	q := r.URL.Query()

	stream, err := parseStream(q.Get("stream"), "")
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	from, err := s.parseTime(q.Get("from"))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "from: "+err.Error())
		return
	}
	to, err := s.parseTime(q.Get("to"))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "to: "+err.Error())
		return
	}
	limit := min(parseIntParam(r, "limit", defaultListLimit), maxListLimit)

	rows, err := s.sessions.List(r.Context(), session.Filter{
		Stream: stream,
		From:   from,
		To:     to,
		Limit:  limit,
	})
	if err != nil {
		s.logger.Error("list sessions failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "list sessions failed")
		return
	}
	if rows == nil {
		rows = []session.Session{}
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"sessions": rows,
		"count":    len(rows),
	}, s.logger)
}

// LabelTotal is one row of a totals response.
type LabelTotal struct {
	Label      string `json:"label"`
	DurationMS int64  `json:"duration_ms"`
}

// handleTotals sums closed sessions per label. Query parameters: stream
// (default activity), and either day (YYYY-MM-DD, default today) or
// from and to.
func (s *Server) handleTotals(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "session store not configured")
		return
	}
	q := r.URL.Query()

	stream, err := parseStream(q.Get("stream"), session.StreamActivity)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	var from, to time.Time
	if q.Get("from") != "" || q.Get("to") != "" {
		if from, err = s.parseTime(q.Get("from")); err != nil {
			s.errorResponse(w, http.StatusBadRequest, "from: "+err.Error())
			return
		}
		if to, err = s.parseTime(q.Get("to")); err != nil {
			s.errorResponse(w, http.StatusBadRequest, "to: "+err.Error())
			return
		}
		if from.IsZero() || to.IsZero() {
			s.errorResponse(w, http.StatusBadRequest, "from and to must be given together")
			return
		}
	} else {
		day := time.Now().In(s.location)
		if v := q.Get("day"); v != "" {
			if day, err = time.ParseInLocation(time.DateOnly, v, s.location); err != nil {
				s.errorResponse(w, http.StatusBadRequest, "day: "+err.Error())
				return
			}
		}
		from = time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, s.location)
		to = from.AddDate(0, 0, 1)
	}

	totals, err := s.sessions.Totals(r.Context(), stream, from, to)
	if err != nil {
		s.logger.Error("session totals failed", "stream", stream, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "totals failed")
		return
	}

	out := make([]LabelTotal, 0, len(totals))
	var sum time.Duration
	for label, d := range totals {
		out = append(out, LabelTotal{Label: label, DurationMS: d.Milliseconds()})
		sum += d
	}
	slices.SortFunc(out, func(a, b LabelTotal) int {
		if c := cmp.Compare(b.DurationMS, a.DurationMS); c != 0 {
			return c
		}
		return cmp.Compare(a.Label, b.Label)
	})

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"stream":   stream,
		"from":     from,
		"to":       to,
		"total_ms": sum.Milliseconds(),
		"labels":   out,
	}, s.logger)
}

func parseStream(v string, def session.Stream) (session.Stream, error) {
	if v == "" {
		return def, nil
	}
	switch st := session.Stream(v); st {
	case session.StreamActivity, session.StreamCall, session.StreamMedia, session.StreamIdle:
		return st, nil
	default:
		return "", fmt.Errorf("unknown stream %q", v)
	}
}

// parseTime accepts RFC 3339 timestamps and dates. Empty means zero.
func (s *Server) parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.ParseInLocation(time.DateOnly, v, s.location)
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}
