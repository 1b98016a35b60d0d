// Package records resolves the upload records a voice chat is grounded on and
// persists the resulting transcripts.
//
// A record names two objects in the upload bucket: the photo and the text
// analysis produced for it. Record metadata and transcripts live in
// PostgreSQL ([Store]); object bytes and presigned URLs come from S3
// ([S3Objects]). [Lookup] combines the two.
package records

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrNotFound is returned when no record exists for an id.
var ErrNotFound = errors.New("records: not found")

// Record is one uploaded item.
type Record struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId,omitempty"`
	ImageKey    string    `json:"imageKey"`
	AnalysisKey string    `json:"analysisKey"`
	CreatedAt   time.Time `json:"createdAt"`

	// ImageURL and AnalysisURL are presigned and filled by [Lookup.Get].
	ImageURL    string `json:"imageUrl,omitempty"`
	AnalysisURL string `json:"analysisUrl,omitempty"`
}

// Turn is one persisted transcript turn.
type Turn struct {
	SessionID string    `json:"sessionId"`
	RecordID  string    `json:"recordId,omitempty"`
	Index     int       `json:"index"`
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Repository stores record metadata and transcripts.
type Repository interface {
	// Get returns the record for id, or an error wrapping [ErrNotFound].
	Get(ctx context.Context, id string) (Record, error)

	// List returns the most recent records for userID, newest first.
	List(ctx context.Context, userID string, limit int) ([]Record, error)

	// SaveTurn inserts or replaces the turn at (SessionID, Index).
	SaveTurn(ctx context.Context, t Turn) error

	// Turns returns a session's turns in order.
	Turns(ctx context.Context, sessionID string) ([]Turn, error)
}

// Objects reads and signs objects in the upload bucket.
type Objects interface {
	// ReadText returns the object at key as text, truncated to limit bytes.
	ReadText(ctx context.Context, key string, limit int64) (string, error)

	// PresignGet returns a time-limited GET URL for key.
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// Default limits for [Lookup].
const (
	DefaultURLTTL        = 15 * time.Minute
	DefaultAnalysisLimit = 64 << 10
)

// LookupOption is a functional option for [NewLookup].
type LookupOption func(*Lookup)

// WithURLTTL sets the lifetime of presigned URLs.
func WithURLTTL(d time.Duration) LookupOption {
	return func(l *Lookup) { l.ttl = d }
}

// WithAnalysisLimit caps the analysis text size.
func WithAnalysisLimit(n int64) LookupOption {
	return func(l *Lookup) { l.limit = n }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) LookupOption {
	return func(l *Lookup) { l.log = log }
}

// Lookup resolves records to presigned URLs and analysis text.
type Lookup struct {
	repo    Repository
	objects Objects
	ttl     time.Duration
	limit   int64
	log     *slog.Logger
}

// NewLookup creates a Lookup.
func NewLookup(repo Repository, objects Objects, opts ...LookupOption) *Lookup {
	l := &Lookup{
		repo:    repo,
		objects: objects,
		ttl:     DefaultURLTTL,
		limit:   DefaultAnalysisLimit,
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Get returns the record for id with presigned image and analysis URLs. A
// signing failure for one URL leaves it empty rather than failing the call.
func (l *Lookup) Get(ctx context.Context, id string) (Record, error) {
	rec, err := l.repo.Get(ctx, id)
	if err != nil {
		return Record{}, err
	}
	if rec.ImageKey != "" {
		if u, err := l.objects.PresignGet(ctx, rec.ImageKey, l.ttl); err != nil {
			l.log.Warn("records: presign image", "record_id", id, "err", err)
		} else {
			rec.ImageURL = u
		}
	}
	if rec.AnalysisKey != "" {
		if u, err := l.objects.PresignGet(ctx, rec.AnalysisKey, l.ttl); err != nil {
			l.log.Warn("records: presign analysis", "record_id", id, "err", err)
		} else {
			rec.AnalysisURL = u
		}
	}
	return rec, nil
}

// Analysis returns the analysis text for record id.
func (l *Lookup) Analysis(ctx context.Context, id string) (string, error) {
	rec, err := l.repo.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if rec.AnalysisKey == "" {
		return "", fmt.Errorf("records: %s has no analysis: %w", id, ErrNotFound)
	}
	text, err := l.objects.ReadText(ctx, rec.AnalysisKey, l.limit)
	if err != nil {
		return "", fmt.Errorf("records: read analysis %s: %w", id, err)
	}
	return text, nil
}

// List returns userID's records with presigned URLs.
func (l *Lookup) List(ctx context.Context, userID string, limit int) ([]Record, error) {
	recs, err := l.repo.List(ctx, userID, limit)
	if err != nil {
		return nil, err
	}
	for i := range recs {
		if u, err := l.objects.PresignGet(ctx, recs[i].ImageKey, l.ttl); err == nil {
			recs[i].ImageURL = u
		}
		if u, err := l.objects.PresignGet(ctx, recs[i].AnalysisKey, l.ttl); err == nil {
			recs[i].AnalysisURL = u
		}
	}
	return recs, nil
}
