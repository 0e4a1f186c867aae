package bounty

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"bountyboard-backend/core/bounty"
)

var (
	creatorA = bounty.Address("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	workerB  = bounty.Address("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	workerC  = bounty.Address("0xcccccccccccccccccccccccccccccccccccccccc")
)

func testID(n byte) bounty.ID {
	return bounty.IDFromBytes([32]byte{n})
}

func created(id bounty.ID, at time.Time) bounty.Event {
	return bounty.Event{Kind: bounty.EventCreated, BountyID: id, Creator: creatorA, Amount: 100, Timestamp: at}
}

func withMeta(id bounty.ID, at time.Time, title string) bounty.Metadata {
	return bounty.Metadata{
		ID:             id,
		Title:          title,
		Description:    "do the thing",
		Attachments:    []string{"https://example.com/a"},
		CreatorAddress: creatorA,
		Amount:         100,
		Status:         bounty.StatusOpen,
		CreatedAt:      at,
	}
}

// runStoreSuite exercises the Store contract against any implementation.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("observe created is idempotent", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		id := testID(1)
		isNew, err := s.ObserveCreated(ctx, created(id, base))
		if err != nil || !isNew {
			t.Fatalf("expected new record, got %v (%v)", isNew, err)
		}
		isNew, err = s.ObserveCreated(ctx, created(id, base))
		if err != nil || isNew {
			t.Fatalf("expected replay to be a no-op, got %v (%v)", isNew, err)
		}
		m, err := s.Get(ctx, id)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if !m.MetadataPending || m.CreatorAddress != creatorA || m.Amount != 100 {
			t.Fatalf("unexpected record: %+v", m)
		}
		list, _ := s.List(ctx, bounty.BacklogFilter{})
		if len(list) != 0 {
			t.Fatalf("records without metadata must not be listed, got %d", len(list))
		}
	})

	t.Run("metadata before and after observation converge", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		early, late := testID(2), testID(3)

		if _, err := s.AttachMetadata(ctx, withMeta(early, base, "early")); err != nil {
			t.Fatalf("attach before observe: %v", err)
		}
		if _, err := s.ObserveCreated(ctx, created(early, base)); err != nil {
			t.Fatalf("observe after attach: %v", err)
		}
		if _, err := s.ObserveCreated(ctx, created(late, base)); err != nil {
			t.Fatalf("observe: %v", err)
		}
		if _, err := s.AttachMetadata(ctx, withMeta(late, base, "late")); err != nil {
			t.Fatalf("attach after observe: %v", err)
		}
		for _, id := range []bounty.ID{early, late} {
			m, err := s.Get(ctx, id)
			if err != nil {
				t.Fatalf("get %s: %v", id, err)
			}
			if m.MetadataPending || m.Title == "" {
				t.Fatalf("expected metadata on %s, got %+v", id, m)
			}
		}
		if _, err := s.AttachMetadata(ctx, withMeta(late, base, "again")); !errors.Is(err, bounty.ErrAlreadyExists) {
			t.Fatalf("expected ErrAlreadyExists, got %v", err)
		}
		m, err := s.UpdateMetadata(ctx, late, "renamed", "new text", nil)
		if err != nil {
			t.Fatalf("update: %v", err)
		}
		if m.Title != "renamed" || len(m.Attachments) != 0 {
			t.Fatalf("expected replaced fields, got %+v", m)
		}
	})

	t.Run("backlog listing", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		for i := 0; i < 4; i++ {
			id := testID(byte(10 + i))
			at := base.Add(time.Duration(i) * time.Minute)
			s.ObserveCreated(ctx, created(id, at))
			if _, err := s.AttachMetadata(ctx, withMeta(id, at, "task")); err != nil {
				t.Fatalf("attach: %v", err)
			}
		}
		s.ObserveResolved(ctx, bounty.Event{Kind: bounty.EventCancelled, BountyID: testID(13), Timestamp: base.Add(time.Hour)})

		open := bounty.StatusOpen
		list, err := s.List(ctx, bounty.BacklogFilter{Status: &open, CreatedBefore: base.Add(2*time.Minute + time.Second)})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		want := []bounty.ID{testID(12), testID(11), testID(10)}
		if len(list) != len(want) {
			t.Fatalf("expected %d records, got %d", len(want), len(list))
		}
		for i, m := range list {
			if m.ID != want[i] {
				t.Fatalf("expected newest first %v, got %s at %d", want, m.ID, i)
			}
		}
		limited, _ := s.List(ctx, bounty.BacklogFilter{Status: &open, Limit: 1})
		if len(limited) != 1 || limited[0].ID != testID(12) {
			t.Fatalf("expected only the newest open record, got %+v", limited)
		}
	})

	t.Run("submissions follow cached status", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		id := testID(20)
		if _, err := s.AddSubmission(ctx, bounty.Submission{BountyID: id, AgentWallet: workerB, Result: "x"}); !errors.Is(err, bounty.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		s.ObserveCreated(ctx, created(id, base))

		first, err := s.AddSubmission(ctx, bounty.Submission{BountyID: id, AgentWallet: workerB, Result: "b", SubmittedAt: base.Add(time.Minute)})
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		second, err := s.AddSubmission(ctx, bounty.Submission{BountyID: id, AgentWallet: workerC, Result: "c", SubmittedAt: base.Add(3 * time.Minute)})
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		if first.Sequence != 1 || second.Sequence != 2 {
			t.Fatalf("expected sequences 1,2 got %d,%d", first.Sequence, second.Sequence)
		}

		// ledger resolved at +2m; the gateway only learns about it now
		resolved := bounty.Event{Kind: bounty.EventCompleted, BountyID: id, Recipient: workerB, Timestamp: base.Add(2 * time.Minute)}
		applied, err := s.ObserveResolved(ctx, resolved)
		if err != nil || !applied {
			t.Fatalf("expected resolution applied, got %v (%v)", applied, err)
		}
		applied, _ = s.ObserveResolved(ctx, bounty.Event{Kind: bounty.EventCancelled, BountyID: id, Timestamp: base.Add(time.Hour)})
		if applied {
			t.Fatalf("second terminal event must not apply")
		}

		if _, err := s.AddSubmission(ctx, bounty.Submission{BountyID: id, AgentWallet: workerC, Result: "late"}); !errors.Is(err, bounty.ErrNotOpen) {
			t.Fatalf("expected ErrNotOpen, got %v", err)
		}
		subs, err := s.ListSubmissions(ctx, id)
		if err != nil {
			t.Fatalf("list submissions: %v", err)
		}
		if len(subs) != 2 || subs[0].AfterResolution || !subs[1].AfterResolution {
			t.Fatalf("expected only the second submission flagged, got %+v", subs)
		}
		m, _ := s.Get(ctx, id)
		if m.Status != bounty.StatusCompleted || m.HunterAddress != workerB || m.CompletedAt == nil || m.SubmissionCount != 2 {
			t.Fatalf("unexpected resolved record: %+v", m)
		}
	})

	t.Run("cursor", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		pos, err := s.LoadCursor(ctx, "reconciler")
		if err != nil || pos != 0 {
			t.Fatalf("expected empty cursor, got %d (%v)", pos, err)
		}
		if err := s.SaveCursor(ctx, "reconciler", 42); err != nil {
			t.Fatalf("save: %v", err)
		}
		if pos, _ := s.LoadCursor(ctx, "reconciler"); pos != 42 {
			t.Fatalf("expected 42, got %d", pos)
		}
	})

	t.Run("attach and observe converge in any order", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		const n = 20
		var wg sync.WaitGroup
		errs := make(chan error, 2*n)
		for i := 0; i < n; i++ {
			id := testID(byte(100 + i))
			wg.Add(2)
			go func() {
				defer wg.Done()
				if _, err := s.ObserveCreated(ctx, created(id, base)); err != nil {
					errs <- err
				}
			}()
			go func() {
				defer wg.Done()
				if _, err := s.AttachMetadata(ctx, withMeta(id, base, "raced")); err != nil {
					errs <- err
				}
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Errorf("concurrent write failed: %v", err)
		}
		for i := 0; i < n; i++ {
			m, err := s.Get(ctx, testID(byte(100+i)))
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if m.MetadataPending || m.Title != "raced" || !m.LedgerObserved {
				t.Fatalf("record did not converge: %+v", m)
			}
		}
		if _, err := s.AttachMetadata(ctx, withMeta(testID(100), base, "again")); !errors.Is(err, bounty.ErrAlreadyExists) {
			t.Fatalf("expected a real duplicate to conflict, got %v", err)
		}
	})

	t.Run("listing pages by key without gaps", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		// Ties on created_at must be broken by id.
		for i := 0; i < 7; i++ {
			at := base.Add(time.Duration(i/3) * time.Minute)
			if _, err := s.AttachMetadata(ctx, withMeta(testID(byte(200+i)), at, "paged")); err != nil {
				t.Fatalf("attach: %v", err)
			}
		}
		all, err := s.List(ctx, bounty.BacklogFilter{})
		if err != nil || len(all) != 7 {
			t.Fatalf("expected 7 records, got %d (%v)", len(all), err)
		}

		var (
			got    []bounty.ID
			before *bounty.PageKey
		)
		for page := 0; page < 10; page++ {
			list, err := s.List(ctx, bounty.BacklogFilter{Before: before, Limit: 3})
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			for _, m := range list {
				got = append(got, m.ID)
			}
			if len(list) < 3 {
				break
			}
			before = bounty.KeyOf(list[len(list)-1])
		}
		if len(got) != len(all) {
			t.Fatalf("paged %d records, want %d", len(got), len(all))
		}
		for i := range all {
			if got[i] != all[i].ID {
				t.Fatalf("page order differs at %d: %s vs %s", i, got[i], all[i].ID)
			}
		}
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store { return NewMemoryStore() })
}
