// Package reconcile runs the background loop that keeps the in-memory
// session cache consistent with the sessions table. Each cycle sweeps
// expired session rows from the store and then replaces the cache with the
// authoritative token set. A failed cycle leaves the cache at its previous
// state; stale-but-safe beats empty.
package reconcile

import (
	"context"
	"log"
	"time"

	"github.com/parley/chat-relay/internal/metrics"
	"github.com/parley/chat-relay/internal/session"
)

// DefaultInterval is how often reconciliation runs unless configured
// otherwise.
const DefaultInterval = time.Hour

// Source is the store surface the reconciler needs.
type Source interface {
	DeleteExpiredSessions(ctx context.Context) (int64, error)
	ListValidTokens(ctx context.Context) ([]string, error)
}

// Config holds reconciler settings.
type Config struct {
	Interval time.Duration
}

// DefaultConfig returns the default reconciler configuration.
func DefaultConfig() Config {
	return Config{Interval: DefaultInterval}
}

// Reconciler periodically resynchronizes a session cache from a Source.
type Reconciler struct {
	cache    *session.Cache
	source   Source
	interval time.Duration
}

// New creates a Reconciler. A zero or negative interval falls back to
// DefaultInterval.
func New(cache *session.Cache, source Source, config Config) *Reconciler {
	interval := config.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Reconciler{cache: cache, source: source, interval: interval}
}

// Run executes reconciliation cycles at the configured interval until the
// context is cancelled. Cycle failures are logged and the loop continues on
// the same cadence.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	log.Printf("[reconcile] loop started, interval=%s", r.interval)
	for {
		select {
		case <-ctx.Done():
			log.Printf("[reconcile] loop stopped")
			return
		case <-ticker.C:
			if err := r.RunOnce(ctx); err != nil {
				log.Printf("[reconcile] cycle failed: %v", err)
			}
		}
	}
}

// RunOnce performs a single reconciliation cycle: sweep expired rows, fetch
// the valid token set, swap it into the cache. The sweep failing does not
// stop the fetch; the fetch failing leaves the cache untouched. The token
// list is fetched before the cache's exclusive section is entered, so
// readers are never held across a database call.
func (r *Reconciler) RunOnce(ctx context.Context) error {
	deleted, err := r.source.DeleteExpiredSessions(ctx)
	if err != nil {
		log.Printf("[reconcile] expiry sweep failed: %v", err)
	} else if deleted > 0 {
		metrics.SessionsExpired.Add(float64(deleted))
		log.Printf("[reconcile] deleted %d expired sessions", deleted)
	}

	tokens, err := r.source.ListValidTokens(ctx)
	if err != nil {
		metrics.ReconcileRuns.WithLabelValues("list_failed").Inc()
		return err
	}

	r.cache.ReplaceAll(tokens)
	metrics.ReconcileRuns.WithLabelValues("ok").Inc()
	metrics.SessionCacheSize.Set(float64(r.cache.Len()))
	return nil
}
