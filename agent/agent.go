// Package agent implements a discovery agent: it backfills the gateway
// backlog once, then follows the ledger event stream from a durable cursor,
// fetches metadata for every Created event through the by-id path, runs the
// executor, and submits the result.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/go-co-op/gocron/v2"

	"bountyboard-backend/core/bounty"
	"bountyboard-backend/core/ledger"
	"bountyboard-backend/core/retry"
	"bountyboard-backend/metrics"
	"bountyboard-backend/models"
)

// Gateway is the part of the gateway API an agent uses.
type Gateway interface {
	Get(ctx context.Context, id bounty.ID) (bounty.Metadata, error)
	Backlog(ctx context.Context, before *bounty.PageKey, limit int) ([]bounty.Metadata, error)
	Submit(ctx context.Context, id bounty.ID, wallet bounty.Address, result string) (models.SubmitWorkResponse, error)
	Submissions(ctx context.Context, id bounty.ID) (models.SubmissionsResponse, error)
}

// Outcomes recorded in the handled table and on the events metric.
const (
	OutcomeSubmitted        = "submitted"
	OutcomeNotOpen          = "not_open"
	OutcomeAlreadySubmitted = "already_submitted"
	OutcomeCannotHandle     = "cannot_handle"
	OutcomeNoResult         = "no_result"
	OutcomeRejected         = "rejected"
	OutcomeGaveUp           = "gave_up"
	OutcomeRetry            = "retry"
)

// Agent is one worker's discovery loop.
type Agent struct {
	cfg     Config
	gateway Gateway
	ledger  ledger.Source
	exec    Executor
	state   *State
	now     func() time.Time
	kick    chan struct{}
}

// New wires an agent. now may be nil.
func New(cfg Config, gw Gateway, src ledger.Source, exec Executor, state *State, now func() time.Time) *Agent {
	cfg.setDefaults()
	if now == nil {
		now = time.Now
	}
	return &Agent{
		cfg:     cfg,
		gateway: gw,
		ledger:  src,
		exec:    exec,
		state:   state,
		now:     now,
		kick:    make(chan struct{}, 1),
	}
}

// Kick wakes the worker without blocking.
func (a *Agent) Kick() {
	select {
	case a.kick <- struct{}{}:
	default:
	}
}

// Run backfills on first start and then follows the stream until ctx ends.
func (a *Agent) Run(ctx context.Context) error {
	if _, found, err := a.state.Cursor(ctx); err != nil {
		return err
	} else if !found {
		if err := a.seed(ctx); err != nil {
			return err
		}
	} else {
		log.Printf("agent: resuming from stored cursor")
	}

	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("agent scheduler: %w", err)
	}
	if _, err := sched.NewJob(
		gocron.DurationJob(a.cfg.RetryInterval),
		gocron.NewTask(a.Kick),
	); err != nil {
		return fmt.Errorf("agent retry sweep: %w", err)
	}
	sched.Start()
	defer sched.Shutdown()

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		a.work(ctx)
	}()
	a.Kick()

	err = a.follow(ctx)
	<-workerDone
	return err
}

// seed is phase one: a cursor from before the backlog window, then the
// backlog itself. The overlap is deduplicated by the queue.
func (a *Agent) seed(ctx context.Context) error {
	now := a.now()
	since := now.Add(-a.cfg.BacklogDelay - a.cfg.BackfillSlack)

	var pos uint64
	b := retry.Backoff{Min: time.Second, Max: a.cfg.RetryInterval}
	err := retry.Do(ctx, &b, a.cfg.MaxAttempts, bounty.IsTransient, func(ctx context.Context) error {
		var err error
		pos, err = a.ledger.CursorAt(ctx, since)
		return err
	})
	if err != nil {
		return fmt.Errorf("agent: initial cursor: %w", err)
	}

	// Everything created before the cursor is reachable only through the
	// backlog, so read it to the last page.
	var (
		before *bounty.PageKey
		seeded int
	)
	for {
		var page []bounty.Metadata
		err = retry.Do(ctx, &b, a.cfg.MaxAttempts, bounty.IsTransient, func(ctx context.Context) error {
			var err error
			page, err = a.gateway.Backlog(ctx, before, a.cfg.BacklogPage)
			return err
		})
		if err != nil {
			return fmt.Errorf("agent: backlog: %w", err)
		}
		for _, m := range page {
			if err := a.state.Enqueue(ctx, m.ID, 0, now); err != nil {
				return err
			}
		}
		seeded += len(page)
		if len(page) < a.cfg.BacklogPage {
			break
		}
		before = bounty.KeyOf(page[len(page)-1])
	}
	if err := a.state.SetCursor(ctx, pos); err != nil {
		return err
	}
	log.Printf("agent: seeded %d backlog bounties, following from position %d", seeded, pos)
	return nil
}

// follow is phase two. It returns only when ctx ends.
func (a *Agent) follow(ctx context.Context) error {
	b := retry.Backoff{Min: time.Second, Max: time.Minute}
	for {
		pos, _, err := a.state.Cursor(ctx)
		if err == nil {
			err = a.ledger.Follow(ctx, pos, func(evt bounty.Event) error {
				if err := a.state.Record(ctx, evt, a.now()); err != nil {
					return err
				}
				metrics.AgentEvents.WithLabelValues(string(evt.Kind), "recorded").Inc()
				b.Reset()
				a.Kick()
				return nil
			})
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, bounty.ErrCursorTooOld) {
			log.Printf("agent: cursor %d was compacted away, reseeding from the backlog", pos)
			if err := a.seed(ctx); err != nil && ctx.Err() == nil {
				log.Printf("agent: reseed failed: %v", err)
			}
			continue
		}
		delay := b.Next()
		log.Printf("agent: stream stopped at %d: %v (retry in %s)", pos, err, delay)
		if err := retry.Sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func (a *Agent) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.kick:
		}
		a.drain(ctx)
	}
}

// drain processes every queued bounty that is due.
func (a *Agent) drain(ctx context.Context) {
	const batch = 50
	for ctx.Err() == nil {
		due, err := a.state.Due(ctx, a.now(), batch)
		if err != nil {
			log.Printf("agent: read queue: %v", err)
			return
		}
		for _, p := range due {
			if ctx.Err() != nil {
				return
			}
			a.Process(ctx, p)
		}
		if n, err := a.state.PendingCount(ctx); err == nil {
			metrics.AgentPending.Set(float64(n))
		}
		if len(due) < batch {
			return
		}
	}
}

// Process handles one queued bounty and records the outcome.
func (a *Agent) Process(ctx context.Context, p Pending) string {
	outcome, subID, cause := a.handle(ctx, p.BountyID)
	now := a.now()
	if outcome == OutcomeRetry {
		attempts := p.Attempts + 1
		if attempts >= a.cfg.MaxAttempts {
			outcome = OutcomeGaveUp
			log.Printf("agent: giving up on %s after %d attempts: %v", p.BountyID.Short(), attempts, cause)
		} else {
			next := now.Add(retryDelay(a.cfg.RetryInterval, attempts))
			msg := ""
			if cause != nil {
				msg = cause.Error()
			}
			if err := a.state.Reschedule(ctx, p.BountyID, attempts, next, msg); err != nil {
				log.Printf("agent: reschedule %s: %v", p.BountyID.Short(), err)
			}
			metrics.AgentEvents.WithLabelValues("fetch", outcome).Inc()
			return outcome
		}
	}
	if err := a.state.Finish(ctx, p.BountyID, outcome, subID, now); err != nil {
		log.Printf("agent: record outcome for %s: %v", p.BountyID.Short(), err)
	}
	metrics.AgentEvents.WithLabelValues("fetch", outcome).Inc()
	return outcome
}

// retryDelay doubles from base per attempt, capped at 16x base.
func retryDelay(base time.Duration, attempts int) time.Duration {
	shift := attempts - 1
	if shift < 0 {
		shift = 0
	}
	if shift > 4 {
		shift = 4
	}
	return base << uint(shift)
}

// retryable reports whether a gateway error should be retried. NotFound is
// retried because the gateway's ledger view may lag the stream we read.
func retryable(err error) bool {
	return bounty.IsTransient(err) || errors.Is(err, bounty.ErrNotFound) ||
		errors.Is(err, bounty.ErrRateLimited) || !bounty.IsRejection(err)
}

func (a *Agent) handle(ctx context.Context, id bounty.ID) (string, *int64, error) {
	m, err := a.gateway.Get(ctx, id)
	if err != nil {
		if retryable(err) {
			return OutcomeRetry, nil, err
		}
		log.Printf("agent: fetch %s rejected: %v", id.Short(), err)
		return OutcomeRejected, nil, err
	}
	if m.MetadataPending {
		return OutcomeRetry, nil, errors.New("metadata not attached yet")
	}
	if m.Status != bounty.StatusOpen {
		return OutcomeNotOpen, nil, nil
	}
	if ok, reason := a.cfg.Capabilities.CanHandle(m); !ok {
		log.Printf("agent: skipping %s %q (%s)", id.Short(), m.Title, reason)
		return OutcomeCannotHandle, nil, nil
	}

	if done, err := a.state.Submitted(ctx, id); err != nil {
		return OutcomeRetry, nil, err
	} else if done {
		return OutcomeAlreadySubmitted, nil, nil
	}
	subs, err := a.gateway.Submissions(ctx, id)
	if err != nil {
		if retryable(err) {
			return OutcomeRetry, nil, err
		}
		return OutcomeRejected, nil, err
	}
	for _, s := range subs.Submissions {
		if s.AgentWallet == a.cfg.Wallet {
			return OutcomeAlreadySubmitted, nil, nil
		}
	}

	result, ok, err := a.exec.Execute(ctx, m)
	if err != nil {
		log.Printf("agent: executor failed on %s: %v", id.Short(), err)
		return OutcomeRetry, nil, err
	}
	if !ok {
		return OutcomeNoResult, nil, nil
	}

	resp, err := a.gateway.Submit(ctx, id, a.cfg.Wallet, result)
	switch {
	case err == nil:
		log.Printf("agent: submitted to %s (submission %d)", id.Short(), resp.SubmissionID)
		subID := resp.SubmissionID
		return OutcomeSubmitted, &subID, nil
	case errors.Is(err, bounty.ErrNotOpen):
		return OutcomeNotOpen, nil, nil
	case retryable(err):
		return OutcomeRetry, nil, err
	default:
		log.Printf("agent: submission to %s rejected: %v", id.Short(), err)
		return OutcomeRejected, nil, err
	}
}

// Summary reports what a one-shot run did.
type Summary struct {
	Processed int
	Submitted int
}

// RunOnce reads the backlog and attempts up to cfg.Max bounties this agent
// can handle, then returns. It does not touch the stream cursor.
func (a *Agent) RunOnce(ctx context.Context) (Summary, error) {
	var sum Summary
	backlog, err := a.gateway.Backlog(ctx, nil, 0)
	if err != nil {
		return sum, fmt.Errorf("agent: backlog: %w", err)
	}
	if len(backlog) == 0 {
		log.Printf("agent: no bounties available")
		return sum, nil
	}
	for _, m := range backlog {
		if sum.Processed >= a.cfg.Max {
			log.Printf("agent: reached maximum of %d bounties", a.cfg.Max)
			break
		}
		if ok, _ := a.cfg.Capabilities.CanHandle(m); !ok {
			continue
		}
		if outcome, err := a.state.Outcome(ctx, m.ID); err != nil {
			return sum, err
		} else if outcome != "" {
			continue
		}
		sum.Processed++
		outcome, subID, cause := a.handle(ctx, m.ID)
		metrics.AgentEvents.WithLabelValues("backlog", outcome).Inc()
		if outcome == OutcomeRetry {
			log.Printf("agent: %s not processed: %v", m.ID.Short(), cause)
			continue
		}
		if err := a.state.Finish(ctx, m.ID, outcome, subID, a.now()); err != nil {
			return sum, err
		}
		if outcome == OutcomeSubmitted {
			sum.Submitted++
		}
	}
	log.Printf("agent: processed %d bounties, submitted %d", sum.Processed, sum.Submitted)
	return sum, nil
}
