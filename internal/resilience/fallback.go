package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dadfix/homefix/pkg/provider/s2s"
)

// ErrAllFailed is returned by [Failover.Open] when no transport could open a
// stream.
var ErrAllFailed = errors.New("resilience: all transports failed")

// Failover opens streams on the first healthy transport of an ordered list.
// Each entry has its own [Breaker].
type Failover struct {
	entries []entry
	cfg     BreakerConfig
	log     *slog.Logger
}

type entry struct {
	transport s2s.Transport
	breaker   *Breaker
}

var _ s2s.Transport = (*Failover)(nil)

// NewFailover creates a [Failover] with primary as the preferred transport.
// cfg is the template for every entry's breaker; its Name is replaced.
func NewFailover(name string, primary s2s.Transport, cfg BreakerConfig) *Failover {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	f := &Failover{cfg: cfg, log: cfg.Logger}
	f.Add(name, primary)
	return f
}

// Add appends a fallback transport. Entries are tried in the order added.
func (f *Failover) Add(name string, t s2s.Transport) {
	cfg := f.cfg
	cfg.Name = name
	f.entries = append(f.entries, entry{transport: t, breaker: NewBreaker(cfg)})
}

// Breakers returns the entries' breakers in order.
func (f *Failover) Breakers() []*Breaker {
	out := make([]*Breaker, len(f.entries))
	for i, e := range f.entries {
		out[i] = e.breaker
	}
	return out
}

// Open implements [s2s.Transport]. Errors that no other transport can fix
// (missing credentials, cancellation) are returned at once.
//
// Transports may consume outbound envelopes before failing, so with more than
// one entry each attempt reads through a replay of req.Outbound and starts
// from the first envelope.
func (f *Failover) Open(ctx context.Context, req s2s.OpenRequest) (s2s.Stream, error) {
	var rp *replay
	if len(f.entries) > 1 && req.Outbound != nil {
		rp = newReplay(req.Outbound)
	}
	var errs []error
	for _, e := range f.entries {
		attempt := req
		if rp != nil {
			attempt.Outbound = rp.cursor()
		}
		var st s2s.Stream
		err := e.breaker.Do(ctx, func(ctx context.Context) error {
			var err error
			st, err = e.transport.Open(ctx, attempt)
			return err
		})
		if err == nil {
			if rp != nil {
				rp.commit(attempt.Outbound)
			}
			return st, nil
		}
		if ctx.Err() != nil || errors.Is(err, s2s.ErrNoCredentials) {
			return nil, err
		}
		if errors.Is(err, ErrOpen) {
			f.log.Debug("resilience: skipping transport", "transport", e.breaker.Name())
		} else {
			f.log.Warn("resilience: transport failed, trying next", "transport", e.breaker.Name(), "err", err)
		}
		errs = append(errs, fmt.Errorf("%s: %w", e.breaker.Name(), err))
	}
	return nil, fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}
