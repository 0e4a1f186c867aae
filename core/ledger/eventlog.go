package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"bountyboard-backend/core/bounty"
)

// EventLog is the ordered, replayable stream of ledger transitions. There is a
// single producer (the ledger) and any number of readers, each holding its own
// cursor. Positions start at 1 and are strictly increasing with no gaps.
type EventLog struct {
	mu     sync.RWMutex
	base   uint64 // position of events[0]
	next   uint64
	events []bounty.Event
	notify chan struct{}
	now    func() time.Time
}

// NewEventLog returns an empty log.
func NewEventLog() *EventLog {
	return &EventLog{
		base:   1,
		next:   1,
		notify: make(chan struct{}),
		now:    time.Now,
	}
}

// Append assigns the next position and a timestamp to evt, hands it to
// persist, and only publishes it once persist succeeds. A failed persist
// leaves the log untouched.
func (l *EventLog) Append(evt bounty.Event, persist func(bounty.Event) error) (bounty.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	evt.Position = l.next
	evt.Timestamp = l.now().UTC()
	if n := len(l.events); n > 0 && evt.Timestamp.Before(l.events[n-1].Timestamp) {
		// keep timestamps non-decreasing so CursorAt can binary search
		evt.Timestamp = l.events[n-1].Timestamp
	}
	if persist != nil {
		if err := persist(evt); err != nil {
			return bounty.Event{}, err
		}
	}
	l.publishLocked(evt)
	return evt, nil
}

// restore re-inserts a journaled event verbatim.
func (l *EventLog) restore(evt bounty.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.events) == 0 && evt.Position > l.next {
		l.base = evt.Position
	}
	l.publishLocked(evt)
}

func (l *EventLog) publishLocked(evt bounty.Event) {
	l.events = append(l.events, evt)
	l.next = evt.Position + 1
	close(l.notify)
	l.notify = make(chan struct{})
}

// Head is the position of the newest event, 0 when the log is empty.
func (l *EventLog) Head() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.next - 1
}

// Base is the oldest position still readable.
func (l *EventLog) Base() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.base
}

// Range returns the events selected by f in position order.
func (l *EventLog) Range(ctx context.Context, f bounty.EventFilter) ([]bounty.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	from := f.From
	if from == 0 {
		from = l.base
	}
	if from < l.base {
		return nil, bounty.ErrCursorTooOld
	}
	out := make([]bounty.Event, 0)
	for i := int(from - l.base); i < len(l.events); i++ {
		evt := l.events[i]
		if f.Before > 0 && evt.Position >= f.Before {
			break
		}
		if !f.Matches(evt) {
			continue
		}
		out = append(out, evt)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

// Follow delivers every event at or after from, in order, then blocks for new
// ones. It returns when ctx is done or handle returns an error.
func (l *EventLog) Follow(ctx context.Context, from uint64, handle func(bounty.Event) error) error {
	for {
		l.mu.RLock()
		if from == 0 {
			from = l.base
		}
		if from < l.base {
			l.mu.RUnlock()
			return bounty.ErrCursorTooOld
		}
		var batch []bounty.Event
		if idx := int(from - l.base); idx < len(l.events) {
			batch = make([]bounty.Event, len(l.events)-idx)
			copy(batch, l.events[idx:])
		}
		wait := l.notify
		l.mu.RUnlock()

		for _, evt := range batch {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := handle(evt); err != nil {
				return err
			}
			from = evt.Position + 1
		}
		if len(batch) > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait:
		}
	}
}

// CursorAt returns the first position whose timestamp is at or after since.
// When every retained event is older, the position the next event will get
// is returned.
func (l *EventLog) CursorAt(since time.Time) uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	i := sort.Search(len(l.events), func(i int) bool {
		return !l.events[i].Timestamp.Before(since)
	})
	if i == len(l.events) {
		return l.next
	}
	return l.events[i].Position
}

// Compact drops retained events below position before. The journal is not
// touched; reads below the new base fail with ErrCursorTooOld.
func (l *EventLog) Compact(before uint64) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if before > l.next {
		before = l.next
	}
	if before <= l.base {
		return 0
	}
	drop := int(before - l.base)
	l.events = append([]bounty.Event(nil), l.events[drop:]...)
	l.base = before
	return drop
}
