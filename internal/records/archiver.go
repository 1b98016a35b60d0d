package records

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// Archiver persists transcript turns off the audio path. Save never blocks;
// turns are written by [Archiver.Run] in arrival order.
type Archiver struct {
	repo    Repository
	log     *slog.Logger
	ch      chan Turn
	dropped atomic.Int64
}

// NewArchiver creates an Archiver that buffers up to backlog turns.
func NewArchiver(repo Repository, backlog int, log *slog.Logger) *Archiver {
	if backlog <= 0 {
		backlog = 256
	}
	if log == nil {
		log = slog.Default()
	}
	return &Archiver{repo: repo, log: log, ch: make(chan Turn, backlog)}
}

// Save queues t. When the buffer is full the turn is dropped and counted.
func (a *Archiver) Save(t Turn) {
	select {
	case a.ch <- t:
	default:
		a.dropped.Add(1)
		a.log.Warn("records: archive backlog full, dropping turn", "session_id", t.SessionID, "index", t.Index)
	}
}

// Dropped returns the number of turns dropped so far.
func (a *Archiver) Dropped() int64 { return a.dropped.Load() }

// Run writes queued turns until ctx is cancelled, then flushes what is
// already buffered with a detached context. It always returns nil.
func (a *Archiver) Run(ctx context.Context) error {
	for {
		select {
		case t := <-a.ch:
			a.write(ctx, t)
		case <-ctx.Done():
			flush := context.WithoutCancel(ctx)
			for {
				select {
				case t := <-a.ch:
					a.write(flush, t)
				default:
					return nil
				}
			}
		}
	}
}

func (a *Archiver) write(ctx context.Context, t Turn) {
	if err := a.repo.SaveTurn(ctx, t); err != nil {
		a.log.Warn("records: save turn", "session_id", t.SessionID, "index", t.Index, "err", err)
	}
}
