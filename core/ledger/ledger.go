package ledger

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"bountyboard-backend/core/bounty"
	"bountyboard-backend/metrics"
)

// EscrowAddress is the account the ledger holds locked value in. Creators
// authorize it as spender before calling Create.
const EscrowAddress bounty.Address = "0x000000000000000000000000000000000000e5c0"

// Config controls how a Ledger is opened.
type Config struct {
	// Token defaults to a fresh MemoryToken. With a journal it must start empty,
	// since replay re-applies every movement.
	Token       Token
	JournalPath string
	IDKey       []byte
	// Genesis balances are minted only when the journal is empty.
	Genesis map[bounty.Address]int64
	Now     func() time.Time
}

type entry struct {
	mu sync.Mutex
	b  bounty.Bounty
}

// Ledger custodies locked value and owns bounty status. Each bounty is an
// independent state machine guarded by its own mutex; the map lock is held
// only for lookups and inserts.
type Ledger struct {
	mu      sync.RWMutex
	entries map[bounty.ID]*entry

	// valueMu is the only ledger-wide lock. It spans a token movement and
	// its journal append, never the per-bounty checks.
	valueMu sync.Mutex
	token   Token
	ids     *IDGenerator
	events  *EventLog
	journal *Journal
	now     func() time.Time
}

// Open builds a ledger, replaying the journal when one is configured.
func Open(cfg Config) (*Ledger, error) {
	if cfg.Token == nil {
		cfg.Token = NewMemoryToken()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	ids, err := NewIDGenerator(cfg.IDKey)
	if err != nil {
		return nil, err
	}
	l := &Ledger{
		entries: make(map[bounty.ID]*entry),
		token:   cfg.Token,
		ids:     ids,
		events:  NewEventLog(),
		now:     cfg.Now,
	}
	l.events.now = cfg.Now

	replayed := 0
	if cfg.JournalPath != "" {
		j, records, err := OpenJournal(cfg.JournalPath)
		if err != nil {
			return nil, err
		}
		l.journal = j
		for _, rec := range records {
			if err := l.replay(rec); err != nil {
				j.Close()
				return nil, fmt.Errorf("replay journal: %w", err)
			}
		}
		replayed = len(records)
		if replayed > 0 {
			log.Printf("ledger: replayed %d journal records (head=%d, locked=%d)", replayed, l.events.Head(), l.Locked())
		}
	}
	if replayed == 0 {
		for addr, amount := range cfg.Genesis {
			if err := l.Mint(context.Background(), addr, amount); err != nil {
				return nil, fmt.Errorf("genesis mint %s: %w", addr, err)
			}
		}
	}
	metrics.EscrowLocked.Set(float64(l.Locked()))
	metrics.EventHead.Set(float64(l.events.Head()))
	return l, nil
}

// Close releases the journal.
func (l *Ledger) Close() error {
	if l.journal == nil {
		return nil
	}
	return l.journal.Close()
}

// Events exposes the ledger's event stream for readers.
func (l *Ledger) Events() *EventLog { return l.events }

// Token exposes the custodied token for balance reads.
func (l *Ledger) Token() Token { return l.token }

// Create locks amount from caller into escrow and opens a new bounty.
func (l *Ledger) Create(ctx context.Context, caller bounty.Address, amount int64) (id bounty.ID, err error) {
	defer func() { metrics.LedgerOps.WithLabelValues("create", metrics.Result(err)).Inc() }()
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if amount <= 0 {
		return "", bounty.ErrInvalidAmount
	}
	if caller.IsZero() {
		return "", bounty.ErrInvalidAddress
	}

	var evt bounty.Event
	err = l.journaled(func() error {
		if err := l.token.TransferFrom(EscrowAddress, caller, EscrowAddress, amount); err != nil {
			return err
		}
		newID, counter := l.ids.Next(l.now(), caller)
		var err error
		evt, err = l.events.Append(bounty.Event{
			Kind:     bounty.EventCreated,
			BountyID: newID,
			Creator:  caller,
			Amount:   amount,
		}, l.persist(counter))
		if err != nil {
			// hand the deposit and the spent allowance back
			if rerr := l.token.Transfer(EscrowAddress, caller, amount); rerr != nil {
				log.Printf("ledger: CRITICAL: refund after failed create %s: %v", newID, rerr)
			}
			l.token.Approve(caller, EscrowAddress, l.token.Allowance(caller, EscrowAddress)+amount)
			return fmt.Errorf("%w: %v", bounty.ErrUnavailable, err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	id = evt.BountyID

	l.mu.Lock()
	l.entries[id] = &entry{b: bounty.Bounty{
		ID:        id,
		Creator:   caller,
		Amount:    amount,
		Status:    bounty.StatusOpen,
		CreatedAt: evt.Timestamp,
	}}
	l.mu.Unlock()

	l.observe()
	return id, nil
}

// Release marks the bounty Completed and pays recipient the full amount. If the
// payout fails the bounty goes back to Open and no event is emitted.
func (l *Ledger) Release(ctx context.Context, caller bounty.Address, id bounty.ID, recipient bounty.Address) (err error) {
	defer func() { metrics.LedgerOps.WithLabelValues("release", metrics.Result(err)).Inc() }()
	if err := ctx.Err(); err != nil {
		return err
	}
	e := l.lookup(id)
	if e == nil {
		return bounty.ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.b.Creator != caller {
		return bounty.ErrNotCreator
	}
	if e.b.Status != bounty.StatusOpen {
		return bounty.ErrNotOpen
	}
	if recipient.IsZero() {
		return bounty.ErrInvalidRecipient
	}

	e.b.Status = bounty.StatusCompleted
	err = l.journaled(func() error {
		if err := l.token.Transfer(EscrowAddress, recipient, e.b.Amount); err != nil {
			return fmt.Errorf("release payout: %w", err)
		}
		_, err := l.events.Append(bounty.Event{
			Kind:      bounty.EventCompleted,
			BountyID:  id,
			Creator:   e.b.Creator,
			Recipient: recipient,
			Amount:    e.b.Amount,
		}, l.persist(0))
		if err != nil {
			if rerr := l.token.Transfer(recipient, EscrowAddress, e.b.Amount); rerr != nil {
				log.Printf("ledger: CRITICAL: reverse payout for %s: %v", id, rerr)
			}
			return fmt.Errorf("%w: %v", bounty.ErrUnavailable, err)
		}
		return nil
	})
	if err != nil {
		e.b.Status = bounty.StatusOpen
		return err
	}
	l.observe()
	return nil
}

// Cancel marks the bounty Cancelled and refunds the creator.
func (l *Ledger) Cancel(ctx context.Context, caller bounty.Address, id bounty.ID) (err error) {
	defer func() { metrics.LedgerOps.WithLabelValues("cancel", metrics.Result(err)).Inc() }()
	if err := ctx.Err(); err != nil {
		return err
	}
	e := l.lookup(id)
	if e == nil {
		return bounty.ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.b.Creator != caller {
		return bounty.ErrNotCreator
	}
	if e.b.Status != bounty.StatusOpen {
		return bounty.ErrNotOpen
	}

	e.b.Status = bounty.StatusCancelled
	err = l.journaled(func() error {
		if err := l.token.Transfer(EscrowAddress, e.b.Creator, e.b.Amount); err != nil {
			return fmt.Errorf("cancel refund: %w", err)
		}
		_, err := l.events.Append(bounty.Event{
			Kind:     bounty.EventCancelled,
			BountyID: id,
			Creator:  e.b.Creator,
			Amount:   e.b.Amount,
		}, l.persist(0))
		if err != nil {
			if rerr := l.token.Transfer(e.b.Creator, EscrowAddress, e.b.Amount); rerr != nil {
				log.Printf("ledger: CRITICAL: reverse refund for %s: %v", id, rerr)
			}
			return fmt.Errorf("%w: %v", bounty.ErrUnavailable, err)
		}
		return nil
	})
	if err != nil {
		e.b.Status = bounty.StatusOpen
		return err
	}
	l.observe()
	return nil
}

// Get returns a snapshot of the bounty. Unknown ids report false, never an error.
func (l *Ledger) Get(ctx context.Context, id bounty.ID) (bounty.Bounty, bool) {
	e := l.lookup(id)
	if e == nil {
		return bounty.Bounty{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.b, true
}

// Approve sets owner's allowance for the escrow account.
func (l *Ledger) Approve(ctx context.Context, owner bounty.Address, amount int64) (err error) {
	defer func() { metrics.LedgerOps.WithLabelValues("approve", metrics.Result(err)).Inc() }()
	if owner.IsZero() {
		return bounty.ErrInvalidAddress
	}
	l.valueMu.Lock()
	defer l.valueMu.Unlock()

	prev := l.token.Allowance(owner, EscrowAddress)
	if err := l.token.Approve(owner, EscrowAddress, amount); err != nil {
		return err
	}
	if l.journal != nil {
		if err := l.journal.append(journalRecord{Op: opApprove, Owner: owner, Amount: amount, At: l.now().UTC()}); err != nil {
			l.token.Approve(owner, EscrowAddress, prev)
			return fmt.Errorf("%w: %v", bounty.ErrUnavailable, err)
		}
	}
	return nil
}

type minter interface {
	Mint(to bounty.Address, amount int64) error
}

// Mint creates supply on tokens that allow it (MemoryToken).
func (l *Ledger) Mint(ctx context.Context, to bounty.Address, amount int64) (err error) {
	defer func() { metrics.LedgerOps.WithLabelValues("mint", metrics.Result(err)).Inc() }()
	m, ok := l.token.(minter)
	if !ok {
		return fmt.Errorf("token does not support minting")
	}
	l.valueMu.Lock()
	defer l.valueMu.Unlock()

	if err := m.Mint(to, amount); err != nil {
		return err
	}
	if l.journal != nil {
		if err := l.journal.append(journalRecord{Op: opMint, Owner: to, Amount: amount, At: l.now().UTC()}); err != nil {
			// the supply stays minted in memory; the next restart drops it
			return fmt.Errorf("%w: %v", bounty.ErrUnavailable, err)
		}
	}
	return nil
}

// Balance is owner's spendable token balance.
func (l *Ledger) Balance(owner bounty.Address) int64 {
	return l.token.BalanceOf(owner)
}

// Allowance is owner's remaining authorization for the escrow account.
func (l *Ledger) Allowance(owner bounty.Address) int64 {
	return l.token.Allowance(owner, EscrowAddress)
}

// Locked is the value currently held in escrow.
func (l *Ledger) Locked() int64 {
	return l.token.BalanceOf(EscrowAddress)
}

// Count returns the number of bounties per status.
func (l *Ledger) Count() map[bounty.Status]int {
	l.mu.RLock()
	entries := make([]*entry, 0, len(l.entries))
	for _, e := range l.entries {
		entries = append(entries, e)
	}
	l.mu.RUnlock()

	out := make(map[bounty.Status]int, 3)
	for _, e := range entries {
		e.mu.Lock()
		out[e.b.Status]++
		e.mu.Unlock()
	}
	return out
}

func (l *Ledger) lookup(id bounty.ID) *entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.entries[id]
}

// journaled runs one token movement and its journal append under valueMu.
// Replay re-applies movements in journal order, so a movement and its record
// must not interleave with another's.
func (l *Ledger) journaled(fn func() error) error {
	l.valueMu.Lock()
	defer l.valueMu.Unlock()
	return fn()
}

func (l *Ledger) persist(counter uint64) func(bounty.Event) error {
	if l.journal == nil {
		return nil
	}
	return func(evt bounty.Event) error {
		return l.journal.append(journalRecord{Op: opEvent, Event: &evt, Counter: counter, At: evt.Timestamp})
	}
}

func (l *Ledger) observe() {
	metrics.EscrowLocked.Set(float64(l.Locked()))
	metrics.EventHead.Set(float64(l.events.Head()))
}

// replay re-applies one journal record. Records were only written after the
// operation succeeded, so every step here is expected to succeed too.
func (l *Ledger) replay(rec journalRecord) error {
	switch rec.Op {
	case opMint:
		m, ok := l.token.(minter)
		if !ok {
			return fmt.Errorf("token does not support minting")
		}
		return m.Mint(rec.Owner, rec.Amount)
	case opApprove:
		return l.token.Approve(rec.Owner, EscrowAddress, rec.Amount)
	case opEvent:
		if rec.Event == nil {
			return fmt.Errorf("event record without event")
		}
		evt := *rec.Event
		switch evt.Kind {
		case bounty.EventCreated:
			if err := l.token.TransferFrom(EscrowAddress, evt.Creator, EscrowAddress, evt.Amount); err != nil {
				return fmt.Errorf("created %s: %w", evt.BountyID, err)
			}
			l.ids.Restore(rec.Counter)
			l.entries[evt.BountyID] = &entry{b: bounty.Bounty{
				ID:        evt.BountyID,
				Creator:   evt.Creator,
				Amount:    evt.Amount,
				Status:    bounty.StatusOpen,
				CreatedAt: evt.Timestamp,
			}}
		case bounty.EventCompleted, bounty.EventCancelled:
			e, ok := l.entries[evt.BountyID]
			if !ok {
				return fmt.Errorf("%s for unknown bounty %s", evt.Kind, evt.BountyID)
			}
			to := evt.Recipient
			e.b.Status = bounty.StatusCompleted
			if evt.Kind == bounty.EventCancelled {
				to = e.b.Creator
				e.b.Status = bounty.StatusCancelled
			}
			if err := l.token.Transfer(EscrowAddress, to, e.b.Amount); err != nil {
				return fmt.Errorf("%s %s: %w", evt.Kind, evt.BountyID, err)
			}
		default:
			return fmt.Errorf("unknown event kind %q", evt.Kind)
		}
		l.events.restore(evt)
		return nil
	default:
		return fmt.Errorf("unknown journal op %d", rec.Op)
	}
}
