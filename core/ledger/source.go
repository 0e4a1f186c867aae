package ledger

import (
	"context"
	"time"

	"bountyboard-backend/core/bounty"
)

// Source is the read side of a ledger as seen by the gateway and the agents.
// The in-process ledger and the HTTP client both satisfy it.
type Source interface {
	Lookup(ctx context.Context, id bounty.ID) (bounty.Bounty, bool, error)
	Range(ctx context.Context, filter bounty.EventFilter) ([]bounty.Event, error)
	Follow(ctx context.Context, from uint64, handle func(bounty.Event) error) error
	CursorAt(ctx context.Context, since time.Time) (uint64, error)
}

type localSource struct {
	l *Ledger
}

// Source adapts the ledger to the Source interface.
func (l *Ledger) Source() Source {
	return localSource{l: l}
}

func (s localSource) Lookup(ctx context.Context, id bounty.ID) (bounty.Bounty, bool, error) {
	b, ok := s.l.Get(ctx, id)
	return b, ok, nil
}

func (s localSource) Range(ctx context.Context, filter bounty.EventFilter) ([]bounty.Event, error) {
	return s.l.events.Range(ctx, filter)
}

func (s localSource) Follow(ctx context.Context, from uint64, handle func(bounty.Event) error) error {
	return s.l.events.Follow(ctx, from, handle)
}

func (s localSource) CursorAt(ctx context.Context, since time.Time) (uint64, error) {
	return s.l.events.CursorAt(since), nil
}
