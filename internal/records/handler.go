package records

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
)

// Default and maximum page sizes for record listings.
const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// Handler serves the record lookup API:
//
//	GET /api/records/{id}             one record with presigned URLs
//	GET /api/records?user=ID&limit=N  a user's records, newest first
//	GET /api/sessions/{id}/turns      a session's archived transcript
type Handler struct {
	lookup *Lookup
	repo   Repository
	log    *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(lookup *Lookup, repo Repository, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{lookup: lookup, repo: repo, log: log}
}

// Register adds the API routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/records/{id}", h.get)
	mux.HandleFunc("GET /api/records", h.list)
	mux.HandleFunc("GET /api/sessions/{id}/turns", h.turns)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	rec, err := h.lookup.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	user := q.Get("user")
	if user == "" {
		writeError(w, http.StatusBadRequest, "user is required")
		return
	}
	limit := defaultListLimit
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxListLimit)
	}
	recs, err := h.lookup.List(r.Context(), user, limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if recs == nil {
		recs = []Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": recs})
}

func (h *Handler) turns(w http.ResponseWriter, r *http.Request) {
	turns, err := h.repo.Turns(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if turns == nil {
		turns = []Turn{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"turns": turns})
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	h.log.Error("records: request failed", "path", r.URL.Path, "err", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
