package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"bountyboard-backend/core/bounty"
	"bountyboard-backend/core/ledger"
	"bountyboard-backend/core/retry"
	"bountyboard-backend/metrics"
	bstore "bountyboard-backend/storage/bounty"
)

// ReconcilerCursor names the reconciler's row in the cursor table.
const ReconcilerCursor = "gateway.reconciler"

// Reconciler follows the ledger event stream and materializes ledger facts
// into the metadata store. The cursor is saved only after an event applied,
// so a crash replays at most the event in flight, and every apply is
// idempotent.
type Reconciler struct {
	store   bstore.Store
	src     ledger.Source
	backoff retry.Backoff
}

// NewReconciler builds a reconciler with a 1s..1m retry backoff.
func NewReconciler(store bstore.Store, src ledger.Source) *Reconciler {
	return &Reconciler{
		store:   store,
		src:     src,
		backoff: retry.Backoff{Min: time.Second, Max: time.Minute},
	}
}

// Run blocks until ctx is done, resuming from the stored cursor after every
// interruption.
func (r *Reconciler) Run(ctx context.Context) error {
	log.Printf("reconciler: started")
	for {
		err := r.follow(ctx)
		if ctx.Err() != nil {
			log.Printf("reconciler: stopped")
			return ctx.Err()
		}
		delay := r.backoff.Next()
		log.Printf("reconciler: stream interrupted: %v (retry in %s)", err, delay)
		if err := retry.Sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func (r *Reconciler) follow(ctx context.Context) error {
	cursor, err := r.store.LoadCursor(ctx, ReconcilerCursor)
	if err != nil {
		return fmt.Errorf("load cursor: %w", err)
	}
	if cursor == 0 {
		cursor = 1
	}
	metrics.ReconcilerCursor.Set(float64(cursor))

	err = r.src.Follow(ctx, cursor, func(evt bounty.Event) error {
		if err := r.Apply(ctx, evt); err != nil {
			return err
		}
		r.backoff.Reset()
		return nil
	})
	if errors.Is(err, bounty.ErrCursorTooOld) {
		base, cerr := r.src.CursorAt(ctx, time.Time{})
		if cerr != nil {
			return cerr
		}
		log.Printf("reconciler: CRITICAL: cursor %d precedes retained stream, skipping to %d", cursor, base)
		if serr := r.store.SaveCursor(ctx, ReconcilerCursor, base); serr != nil {
			return serr
		}
	}
	return err
}

// Apply materializes one event and advances the cursor past it.
func (r *Reconciler) Apply(ctx context.Context, evt bounty.Event) error {
	switch evt.Kind {
	case bounty.EventCreated:
		isNew, err := r.store.ObserveCreated(ctx, evt)
		if err != nil {
			return fmt.Errorf("observe created %s: %w", evt.BountyID.Short(), err)
		}
		if isNew {
			log.Printf("reconciler: %s created by %s (amount=%d)", evt.BountyID.Short(), evt.Creator.Short(), evt.Amount)
		}
	case bounty.EventCompleted, bounty.EventCancelled:
		applied, err := r.store.ObserveResolved(ctx, evt)
		if errors.Is(err, bounty.ErrNotFound) {
			log.Printf("reconciler: %s for unknown bounty %s, skipping", evt.Kind, evt.BountyID.Short())
		} else if err != nil {
			return fmt.Errorf("observe %s %s: %w", evt.Kind, evt.BountyID.Short(), err)
		} else if applied {
			log.Printf("reconciler: %s %s", evt.BountyID.Short(), evt.Kind)
		}
	default:
		log.Printf("reconciler: ignoring unknown event kind %q at %d", evt.Kind, evt.Position)
	}
	if err := r.store.SaveCursor(ctx, ReconcilerCursor, evt.Position+1); err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	metrics.ReconcilerApplied.WithLabelValues(string(evt.Kind)).Inc()
	metrics.ReconcilerCursor.Set(float64(evt.Position + 1))
	return nil
}

// Cursor reports the next position the reconciler will apply.
func (r *Reconciler) Cursor(ctx context.Context) (uint64, error) {
	return r.store.LoadCursor(ctx, ReconcilerCursor)
}
