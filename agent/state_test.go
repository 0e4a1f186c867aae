package agent

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"bountyboard-backend/core/bounty"
)

func openTestState(t *testing.T, path string) *State {
	t.Helper()
	s, err := OpenState(context.Background(), path, nil)
	if err != nil {
		t.Fatalf("open state: %v", err)
	}
	return s
}

func TestStateRecordAndQueue(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "agent.db")
	s := openTestState(t, path)
	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	id := bounty.ID("0x1111111111111111111111111111111111111111111111111111111111111111")

	if _, found, err := s.Cursor(ctx); err != nil || found {
		t.Fatalf("fresh state should have no cursor: %v %v", found, err)
	}

	if err := s.Record(ctx, bounty.Event{Position: 1, Kind: bounty.EventCreated, BountyID: id}, now); err != nil {
		t.Fatalf("record created: %v", err)
	}
	due, err := s.Due(ctx, now, 10)
	if err != nil || len(due) != 1 || due[0].BountyID != id || due[0].Position != 1 {
		t.Fatalf("expected one due bounty, got %+v %v", due, err)
	}
	if pos, _, _ := s.Cursor(ctx); pos != 2 {
		t.Fatalf("expected cursor 2, got %d", pos)
	}

	if err := s.Reschedule(ctx, id, 1, now.Add(time.Minute), "metadata not attached yet"); err != nil {
		t.Fatal(err)
	}
	if due, _ := s.Due(ctx, now, 10); len(due) != 0 {
		t.Fatalf("rescheduled bounty should not be due yet: %+v", due)
	}
	due, _ = s.Due(ctx, now.Add(time.Minute), 10)
	if len(due) != 1 || due[0].Attempts != 1 || due[0].LastError == "" {
		t.Fatalf("unexpected rescheduled entry %+v", due)
	}

	if err := s.Record(ctx, bounty.Event{Position: 2, Kind: bounty.EventCancelled, BountyID: id}, now); err != nil {
		t.Fatalf("record cancelled: %v", err)
	}
	if n, _ := s.PendingCount(ctx); n != 0 {
		t.Fatalf("cancelled bounty should leave the queue, %d pending", n)
	}
	if outcome, _ := s.Outcome(ctx, id); outcome != "resolved_cancelled" {
		t.Fatalf("unexpected outcome %q", outcome)
	}

	// Replaying an old Created must neither requeue nor move the cursor back.
	if err := s.Record(ctx, bounty.Event{Position: 1, Kind: bounty.EventCreated, BountyID: id}, now); err != nil {
		t.Fatal(err)
	}
	if n, _ := s.PendingCount(ctx); n != 0 {
		t.Fatalf("handled bounty was requeued")
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s = openTestState(t, path)
	defer s.Close()
	if pos, found, _ := s.Cursor(ctx); !found || pos != 3 {
		t.Fatalf("cursor should survive a restart at 3, got %d (%v)", pos, found)
	}
}

func TestStateFinishRecordsSubmission(t *testing.T) {
	ctx := context.Background()
	s := openTestState(t, filepath.Join(t.TempDir(), "agent.db"))
	defer s.Close()
	now := time.Now()
	id := bounty.ID("0x2222222222222222222222222222222222222222222222222222222222222222")

	if err := s.Enqueue(ctx, id, 0, now); err != nil {
		t.Fatal(err)
	}
	subID := int64(7)
	if err := s.Finish(ctx, id, OutcomeSubmitted, &subID, now); err != nil {
		t.Fatal(err)
	}
	if ok, _ := s.Submitted(ctx, id); !ok {
		t.Fatal("expected submission to be remembered")
	}
	if err := s.Enqueue(ctx, id, 0, now); err != nil {
		t.Fatal(err)
	}
	if n, _ := s.PendingCount(ctx); n != 0 {
		t.Fatalf("finished bounty should not be enqueued again")
	}
}

func TestLoadCapabilities(t *testing.T) {
	path := filepath.Join(t.TempDir(), "caps.yaml")
	data := []byte("skip_keywords: [video]\nrequire_good: true\ngood_keywords: [translate]\nmin_amount: 50\n")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	caps, err := LoadCapabilities(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	tests := []struct {
		name string
		caps Capabilities
		meta bounty.Metadata
		want bool
	}{
		{"default accepts writing", DefaultCapabilities(), bounty.Metadata{Title: "Summarize this paper"}, true},
		{"default skips physical work", DefaultCapabilities(), bounty.Metadata{Title: "Ship a parcel", Description: "to Berlin"}, false},
		{"default accepts unknown work", DefaultCapabilities(), bounty.Metadata{Title: "Paint"}, true},
		{"file skip keyword", caps, bounty.Metadata{Title: "Translate a video", Amount: 100}, false},
		{"file requires good keyword", caps, bounty.Metadata{Title: "Paint", Amount: 100}, false},
		{"file minimum amount", caps, bounty.Metadata{Title: "Translate this", Amount: 10}, false},
		{"file accepts", caps, bounty.Metadata{Title: "Translate this", Amount: 100}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got, reason := tt.caps.CanHandle(tt.meta); got != tt.want {
				t.Fatalf("CanHandle = %v (%s), want %v", got, reason, tt.want)
			}
		})
	}

	if _, err := LoadCapabilities(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for a missing file")
	}
}
