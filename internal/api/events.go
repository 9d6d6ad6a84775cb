package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/decaynet/cloud/internal/store"
)

const (
	defaultPageSize = 100
	maxPageSize     = 1000
	maxRecentLimit  = 1000
)

// handleListEvents serves paginated events. The total count comes through
// the counter cache, so it may trail the listing by up to the cache TTL.
func (s *APIServer) handleListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	opts := store.ListOptions{
		Page:     intParam(q.Get("page"), 1),
		PageSize: intParam(q.Get("page_size"), defaultPageSize),
	}
	if opts.PageSize > maxPageSize {
		opts.PageSize = maxPageSize
	}

	var start, end time.Time
	if q.Get("start") != "" || q.Get("end") != "" {
		var err error
		start, end, err = parseWindow(r)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		opts.Start, opts.End = &start, &end
	}

	events, err := s.events.ListEvents(r.Context(), opts)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	resp := map[string]interface{}{
		"events":    events,
		"page":      opts.Page,
		"page_size": opts.PageSize,
	}
	if opts.Start != nil {
		total, err := store.CountInWindowCached(r.Context(), s.events, s.cache, start, end)
		if err == nil {
			resp["total"] = total
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *APIServer) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	limit := intParam(r.URL.Query().Get("limit"), 100)
	if limit > maxRecentLimit {
		limit = maxRecentLimit
	}

	events, err := s.events.RecentEvents(r.Context(), limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events, "limit": limit})
}

func intParam(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
