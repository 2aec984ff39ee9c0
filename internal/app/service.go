/**
 * @description
 * Shared wiring for the ledger and order services: the collaborators both depend on
 * and the helpers that build audit lines and escalate broken invariants.
 *
 * @dependencies
 * - log/slog: Structured logging.
 * - github.com/google/uuid: For record identifiers.
 * - internal/domain, internal/store: For domain models and persistence.
 */

package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/escrow-service/internal/domain"
	"github.com/transfa/escrow-service/internal/store"
)

const defaultLockWait = 3 * time.Second

// Options carries the collaborators shared by Ledger and OrderService. Zero values are
// replaced with in-process defaults.
type Options struct {
	Locker      Locker
	Sink        Sink
	Directory   Directory
	GrabLimiter GrabLimiter
	Metrics     *Metrics
	Logger      *slog.Logger
	Clock       func() time.Time
}

func (o Options) withDefaults(st store.Store) Options {
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if o.Locker == nil {
		o.Locker = NewMemoryLocker(defaultLockWait)
	}
	if o.Sink == nil {
		o.Sink = NewLogSink(o.Logger)
	}
	if o.Directory == nil {
		o.Directory = NewStoreDirectory(st)
	}
	if o.Clock == nil {
		o.Clock = func() time.Time { return time.Now().UTC() }
	}
	return o
}

func (o Options) dispatcher() dispatcher {
	return dispatcher{sink: o.Sink, logger: o.Logger, metrics: o.Metrics}
}

func newAudit(action string, actor domain.Actor, at time.Time) domain.AuditEntry {
	return domain.AuditEntry{
		ID:        uuid.New(),
		Action:    action,
		ActorID:   actor.ID,
		ActorRole: actor.Role,
		CreatedAt: at,
	}
}

// acquire takes the locks for keys and counts lock timeouts.
func acquire(ctx context.Context, locker Locker, metrics *Metrics, keys []string) (func(), error) {
	release, err := locker.Acquire(ctx, keys)
	if err != nil {
		if errors.Is(err, domain.ErrBusy) {
			metrics.busy()
		}
		return nil, err
	}
	return release, nil
}
