package main

import (
	"testing"
	"time"

	"github.com/go-co-op/gocron/v2"

	bstore "bountyboard-backend/storage/bounty"
)

func TestSchedulePrune(t *testing.T) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		t.Fatalf("scheduler: %v", err)
	}
	defer sched.Shutdown()

	limiter := bstore.NewRateLimiter(10, 1)
	if err := schedulePrune(sched, limiter, 0, time.Minute); err == nil {
		t.Fatal("a zero interval should be rejected")
	}

	if !limiter.CheckRateLimit("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", 1) {
		t.Fatal("first request should pass")
	}
	if err := schedulePrune(sched, limiter, 20*time.Millisecond, 0); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	sched.Start()

	deadline := time.Now().Add(2 * time.Second)
	for limiter.Clients() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("idle bucket was never pruned (%d left)", limiter.Clients())
		}
		time.Sleep(10 * time.Millisecond)
	}
}
