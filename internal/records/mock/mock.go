// Package mock provides in-memory test doubles for the records package
// interfaces.
package mock

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dadfix/homefix/internal/records"
)

// ─── Repository ───────────────────────────────────────────────────────────────

// Repository is an in-memory [records.Repository].
type Repository struct {
	mu      sync.Mutex
	records map[string]records.Record
	turns   map[string][]records.Turn

	// Err, when non-nil, is returned by every method.
	Err error

	// SaveCalls counts SaveTurn invocations.
	SaveCalls int
}

// Put adds or replaces a record.
func (r *Repository) Put(rec records.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.records == nil {
		r.records = make(map[string]records.Record)
	}
	r.records[rec.ID] = rec
}

// Get implements [records.Repository].
func (r *Repository) Get(_ context.Context, id string) (records.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return records.Record{}, r.Err
	}
	rec, ok := r.records[id]
	if !ok {
		return records.Record{}, fmt.Errorf("mock: %s: %w", id, records.ErrNotFound)
	}
	return rec, nil
}

// List implements [records.Repository].
func (r *Repository) List(_ context.Context, userID string, limit int) ([]records.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return nil, r.Err
	}
	var out []records.Record
	for _, rec := range r.records {
		if rec.UserID == userID {
			out = append(out, rec)
		}
	}
	slices.SortFunc(out, func(a, b records.Record) int { return b.CreatedAt.Compare(a.CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SaveTurn implements [records.Repository].
func (r *Repository) SaveTurn(_ context.Context, t records.Turn) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.SaveCalls++
	if r.Err != nil {
		return r.Err
	}
	if r.turns == nil {
		r.turns = make(map[string][]records.Turn)
	}
	turns := r.turns[t.SessionID]
	for i := range turns {
		if turns[i].Index == t.Index {
			turns[i] = t
			return nil
		}
	}
	r.turns[t.SessionID] = append(turns, t)
	return nil
}

// Turns implements [records.Repository].
func (r *Repository) Turns(_ context.Context, sessionID string) ([]records.Turn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return nil, r.Err
	}
	out := slices.Clone(r.turns[sessionID])
	slices.SortFunc(out, func(a, b records.Turn) int { return a.Index - b.Index })
	return out, nil
}

// ─── Objects ──────────────────────────────────────────────────────────────────

// Objects is an in-memory [records.Objects]. Presigned URLs have the form
// "https://signed.example/<key>?ttl=<seconds>".
type Objects struct {
	mu sync.Mutex

	// Data maps object keys to contents.
	Data map[string]string

	// PresignErr and ReadErr are returned by the respective methods when set.
	PresignErr error
	ReadErr    error
}

// ReadText implements [records.Objects].
func (o *Objects) ReadText(_ context.Context, key string, limit int64) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ReadErr != nil {
		return "", o.ReadErr
	}
	s, ok := o.Data[key]
	if !ok {
		return "", fmt.Errorf("mock: no object %q", key)
	}
	b, _ := io.ReadAll(io.LimitReader(strings.NewReader(s), limit))
	return string(b), nil
}

// PresignGet implements [records.Objects].
func (o *Objects) PresignGet(_ context.Context, key string, ttl time.Duration) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.PresignErr != nil {
		return "", o.PresignErr
	}
	return fmt.Sprintf("https://signed.example/%s?ttl=%d", key, int(ttl.Seconds())), nil
}
