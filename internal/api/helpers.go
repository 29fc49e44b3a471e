package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/fleetcore/control-plane/internal/repository"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 200
)

// paginationOpts parses ?limit=&offset= query params into ListOptions,
// clamping limit into [1, maxPageLimit] and defaulting it when absent.
func paginationOpts(r *http.Request) repository.ListOptions {
	limit := defaultPageLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	offset := 0
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return repository.ListOptions{Limit: limit, Offset: offset}
}

// uuidParam parses a Chi URL path parameter as a UUID, writing a 400 and
// returning false if it doesn't parse.
func uuidParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		ErrBadRequest(w, "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

// parseUUIDField parses a UUID from a decoded request body field, writing a
// 400 and returning false if it doesn't parse.
func parseUUIDField(w http.ResponseWriter, raw, fieldName string) (uuid.UUID, bool) {
	id, err := uuid.Parse(raw)
	if err != nil {
		ErrBadRequest(w, "invalid "+fieldName)
		return uuid.Nil, false
	}
	return id, true
}
