package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"bountyboard-backend/core/bounty"
	"bountyboard-backend/core/ledger"
	bstore "bountyboard-backend/storage/bounty"
)

var (
	creatorA = bounty.Address("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	workerB  = bounty.Address("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	workerC  = bounty.Address("0xcccccccccccccccccccccccccccccccccccccccc")
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	clock   *fakeClock
	ledger  *ledger.Ledger
	store   *bstore.MemoryStore
	gateway *GatewayService
	recon   *Reconciler
}

func newHarness(t *testing.T, delay time.Duration) *harness {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	l, err := ledger.Open(ledger.Config{
		Genesis: map[bounty.Address]int64{creatorA: 1000},
		Now:     clock.Now,
	})
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	store := bstore.NewMemoryStore()
	return &harness{
		clock:  clock,
		ledger: l,
		store:  store,
		gateway: NewGatewayService(store, l.Source(), GatewayConfig{
			BacklogDelay: delay,
			Decimals:     2,
			Limiter:      bstore.NewRateLimiter(100, 10),
			Now:          clock.Now,
		}),
		recon: NewReconciler(store, l.Source()),
	}
}

func (h *harness) create(t *testing.T, amount int64) bounty.ID {
	t.Helper()
	ctx := context.Background()
	if err := h.ledger.Approve(ctx, creatorA, amount); err != nil {
		t.Fatalf("approve: %v", err)
	}
	id, err := h.ledger.Create(ctx, creatorA, amount)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return id
}

// reconcile applies every event past the stored cursor synchronously.
func (h *harness) reconcile(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	cursor, _ := h.store.LoadCursor(ctx, ReconcilerCursor)
	evts, err := h.ledger.Source().Range(ctx, bounty.EventFilter{From: cursor})
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	for _, evt := range evts {
		if err := h.recon.Apply(ctx, evt); err != nil {
			t.Fatalf("apply %d: %v", evt.Position, err)
		}
	}
}

func (h *harness) attach(t *testing.T, id bounty.ID, title string) bounty.Metadata {
	t.Helper()
	m, err := h.gateway.AttachMetadata(context.Background(), MetadataInput{
		ID:          id,
		Title:       title,
		Description: "describe " + title,
		Attachments: []string{"https://files.example/a.txt"},
	})
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	return m
}

func TestReconciliationIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 15*time.Minute)
	id := h.create(t, 100)

	h.reconcile(t)
	evts, _ := h.ledger.Source().Range(ctx, bounty.EventFilter{BountyID: id})
	// replay the Created event a second time
	if err := h.recon.Apply(ctx, evts[0]); err != nil {
		t.Fatalf("replay: %v", err)
	}
	h.attach(t, id, "summarize")

	if _, err := h.gateway.AttachMetadata(ctx, MetadataInput{ID: id, Title: "again", Description: "again"}); !errors.Is(err, bounty.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists on double POST, got %v", err)
	}
	h.clock.Advance(time.Hour)
	list, err := h.gateway.Backlog(ctx, 0)
	if err != nil {
		t.Fatalf("backlog: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected exactly one record, got %d", len(list))
	}
	if list[0].AmountDisplay != 1.0 {
		t.Fatalf("expected display amount 1.00, got %v", list[0].AmountDisplay)
	}
}

func TestMetadataWritePaths(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, time.Minute)

	t.Run("unknown to the ledger", func(t *testing.T) {
		_, err := h.gateway.AttachMetadata(ctx, MetadataInput{ID: bounty.IDFromBytes([32]byte{9}), Title: "t", Description: "d"})
		if !errors.Is(err, bounty.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("before the reconciler catches up", func(t *testing.T) {
		id := h.create(t, 50)
		m := h.attach(t, id, "early")
		if m.CreatorAddress != creatorA || m.Amount != 50 {
			t.Fatalf("expected ledger facts copied, got %+v", m)
		}
		h.reconcile(t)
		got, err := h.gateway.Get(ctx, id)
		if err != nil || got.MetadataPending || got.Title != "early" {
			t.Fatalf("expected converged record, got %+v (%v)", got, err)
		}
	})

	t.Run("mismatched ledger facts", func(t *testing.T) {
		id := h.create(t, 20)
		wrong := int64(21)
		if _, err := h.gateway.AttachMetadata(ctx, MetadataInput{ID: id, Title: "t", Description: "d", Amount: &wrong}); !errors.Is(err, bounty.ErrLedgerMismatch) {
			t.Fatalf("expected ErrLedgerMismatch for amount, got %v", err)
		}
		if _, err := h.gateway.AttachMetadata(ctx, MetadataInput{ID: id, Title: "t", Description: "d", CreatorAddress: workerB}); !errors.Is(err, bounty.ErrLedgerMismatch) {
			t.Fatalf("expected ErrLedgerMismatch for creator, got %v", err)
		}
	})

	t.Run("pending metadata by id", func(t *testing.T) {
		id := h.create(t, 10)
		m, err := h.gateway.Get(ctx, id)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if !m.MetadataPending || m.Amount != 10 {
			t.Fatalf("expected pending record from the ledger, got %+v", m)
		}
	})

	t.Run("update by creator only", func(t *testing.T) {
		id := h.create(t, 10)
		h.attach(t, id, "first")
		if _, err := h.gateway.UpdateMetadata(ctx, id, workerB, "x", "y", nil); !errors.Is(err, bounty.ErrNotCreator) {
			t.Fatalf("expected ErrNotCreator, got %v", err)
		}
		m, err := h.gateway.UpdateMetadata(ctx, id, creatorA, "second", "new text", []string{"a,b"})
		if err != nil {
			t.Fatalf("update: %v", err)
		}
		if m.Title != "second" || len(m.Attachments) != 2 {
			t.Fatalf("expected replaced metadata, got %+v", m)
		}
	})
}

func TestBacklogDelay(t *testing.T) {
	ctx := context.Background()
	delay := 15 * time.Minute
	h := newHarness(t, delay)
	id := h.create(t, 100)
	h.reconcile(t)
	h.attach(t, id, "delayed")

	h.clock.Advance(time.Second)
	list, _ := h.gateway.Backlog(ctx, 0)
	if len(list) != 0 {
		t.Fatalf("expected bounty hidden from backlog at T+1s, got %d", len(list))
	}
	m, err := h.gateway.Get(ctx, id)
	if err != nil {
		t.Fatalf("expected bounty visible by id at T+1s: %v", err)
	}
	if m.VisibleInBacklog == nil || !m.VisibleInBacklog.Equal(m.CreatedAt.Add(delay)) {
		t.Fatalf("expected visible_in_backlog_at = created+delay, got %v", m.VisibleInBacklog)
	}

	h.clock.Advance(delay)
	list, _ = h.gateway.Backlog(ctx, 0)
	if len(list) != 1 || list[0].ID != id {
		t.Fatalf("expected bounty in backlog at T+delay+1s, got %+v", list)
	}

	mine, _ := h.gateway.ByCreator(ctx, creatorA, 0)
	if len(mine) != 1 {
		t.Fatalf("expected creator listing without delay, got %d", len(mine))
	}
}

func TestReleaseScenario(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 0)
	id := h.create(t, 100)
	h.reconcile(t)
	h.attach(t, id, "translate")

	for _, w := range []bounty.Address{workerB, workerC} {
		if _, err := h.gateway.Submit(ctx, id, w, "answer from "+string(w)); err != nil {
			t.Fatalf("submit %s: %v", w, err)
		}
	}
	if err := h.ledger.Release(ctx, creatorA, id, workerC); err != nil {
		t.Fatalf("release: %v", err)
	}
	if got := h.ledger.Balance(workerC); got != 100 {
		t.Fatalf("expected C paid 100, got %d", got)
	}
	if err := h.ledger.Release(ctx, creatorA, id, workerB); !errors.Is(err, bounty.ErrNotOpen) {
		t.Fatalf("expected ErrNotOpen on second release, got %v", err)
	}

	// a submission that lands before the gateway sees Completed is accepted
	h.clock.Advance(time.Second)
	if _, err := h.gateway.Submit(ctx, id, workerB, "late answer"); err != nil {
		t.Fatalf("expected cache-lag submission accepted, got %v", err)
	}
	h.reconcile(t)
	if _, err := h.gateway.Submit(ctx, id, workerB, "too late"); !errors.Is(err, bounty.ErrNotOpen) {
		t.Fatalf("expected ErrNotOpen after reconcile, got %v", err)
	}

	m, subs, err := h.gateway.Submissions(ctx, id)
	if err != nil {
		t.Fatalf("submissions: %v", err)
	}
	if m.Status != bounty.StatusCompleted || m.HunterAddress != workerC {
		t.Fatalf("expected completed with hunter C, got %+v", m)
	}
	if len(subs) != 3 || subs[0].AfterResolution || subs[1].AfterResolution || !subs[2].AfterResolution {
		t.Fatalf("expected only the late submission flagged, got %+v", subs)
	}
}

func TestCancelScenario(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 0)
	before := h.ledger.Balance(creatorA)
	id := h.create(t, 100)
	h.reconcile(t)
	h.attach(t, id, "cancel me")

	if err := h.ledger.Cancel(ctx, creatorA, id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	h.reconcile(t)
	if h.ledger.Balance(creatorA) != before {
		t.Fatalf("expected refund, got %d want %d", h.ledger.Balance(creatorA), before)
	}
	if _, err := h.gateway.Submit(ctx, id, workerB, "result"); !errors.Is(err, bounty.ErrNotOpen) {
		t.Fatalf("expected ErrNotOpen, got %v", err)
	}
	list, _ := h.gateway.Backlog(ctx, 0)
	if len(list) != 0 {
		t.Fatalf("cancelled bounty must leave the backlog")
	}
}

func TestSubmitValidationAndRateLimit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 0)
	h.gateway.cfg.Limiter = bstore.NewRateLimiter(2, 1)
	id := h.create(t, 100)
	h.reconcile(t)

	if _, err := h.gateway.Submit(ctx, id, workerB, "  "); !errors.Is(err, bounty.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := h.gateway.Submit(ctx, bounty.IDFromBytes([32]byte{7}), workerB, "r"); !errors.Is(err, bounty.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := h.gateway.Submit(ctx, id, workerB, "r"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := h.gateway.Submit(ctx, id, workerB, "r"); !errors.Is(err, bounty.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if _, err := h.gateway.Submit(ctx, id, workerC, "r"); err != nil {
		t.Fatalf("other workers are not throttled: %v", err)
	}
}

func TestReconcilerRunFollowsStream(t *testing.T) {
	h := newHarness(t, 0)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.recon.Run(ctx) }()

	id := h.create(t, 30)
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := h.store.Get(context.Background(), id); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("reconciler never observed %s", id)
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	cursor, _ := h.recon.Cursor(context.Background())
	if cursor != h.ledger.Events().Head()+1 {
		t.Fatalf("expected cursor past head, got %d", cursor)
	}
}
