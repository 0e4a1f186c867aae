package bounty

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"bountyboard-backend/core/bounty"
)

// Store persists the gateway's metadata view and the submissions. It is the
// only place ledger facts are cached off-ledger.
type Store interface {
	// ObserveCreated records that the ledger holds id. Replays are no-ops;
	// the boolean reports whether the record was new.
	ObserveCreated(ctx context.Context, evt bounty.Event) (bool, error)
	// ObserveResolved caches a terminal status, the winner and the
	// resolution time. Only the first terminal event for an id applies.
	ObserveResolved(ctx context.Context, evt bounty.Event) (bool, error)
	// AttachMetadata stores the descriptive fields for a bounty whose ledger
	// facts are carried in m. Returns ErrAlreadyExists when metadata is
	// already attached.
	AttachMetadata(ctx context.Context, m bounty.Metadata) (bounty.Metadata, error)
	UpdateMetadata(ctx context.Context, id bounty.ID, title, description string, attachments []string) (bounty.Metadata, error)
	Get(ctx context.Context, id bounty.ID) (bounty.Metadata, error)
	List(ctx context.Context, filter bounty.BacklogFilter) ([]bounty.Metadata, error)

	// AddSubmission appends a submission while the cached status is Open.
	AddSubmission(ctx context.Context, sub bounty.Submission) (bounty.Submission, error)
	ListSubmissions(ctx context.Context, id bounty.ID) ([]bounty.Submission, error)

	LoadCursor(ctx context.Context, name string) (uint64, error)
	SaveCursor(ctx context.Context, name string, position uint64) error

	Close()
}

// resolutionFields maps a terminal event onto the cached status and winner.
func resolutionFields(evt bounty.Event) (bounty.Status, bounty.Address, error) {
	switch evt.Kind {
	case bounty.EventCompleted:
		return bounty.StatusCompleted, evt.Recipient, nil
	case bounty.EventCancelled:
		return bounty.StatusCancelled, "", nil
	default:
		return 0, "", fmt.Errorf("%w: %s is not a terminal event", bounty.ErrInvalidInput, evt.Kind)
	}
}

// markAfterResolution flags submissions accepted after the ledger resolved
// the bounty, which happens while the cached status still lags.
func markAfterResolution(subs []bounty.Submission, resolvedAt *time.Time) {
	if resolvedAt == nil {
		return
	}
	for i := range subs {
		subs[i].AfterResolution = subs[i].SubmittedAt.After(*resolvedAt)
	}
}

// wrapPG translates driver errors into the store's error taxonomy.
func wrapPG(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return bounty.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", bounty.ErrAlreadyExists, pgErr.ConstraintName)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", bounty.ErrUnavailable, err)
}
