package bounty

import (
	"context"
	"sort"
	"sync"
	"time"

	"bountyboard-backend/core/bounty"
)

// MemoryStore holds gateway state in memory. The single RWMutex keeps the
// metadata map and the submission lists consistent with each other.
type MemoryStore struct {
	mu          sync.RWMutex
	metadata    map[bounty.ID]*bounty.Metadata
	submissions map[bounty.ID][]bounty.Submission
	cursors     map[string]uint64
	nextSubID   int64
	now         func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		metadata:    make(map[bounty.ID]*bounty.Metadata),
		submissions: make(map[bounty.ID][]bounty.Submission),
		cursors:     make(map[string]uint64),
		now:         time.Now,
	}
}

func (s *MemoryStore) Close() {}

func (s *MemoryStore) ObserveCreated(ctx context.Context, evt bounty.Event) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m, ok := s.metadata[evt.BountyID]; ok {
		m.LedgerObserved = true
		return false, nil
	}
	s.metadata[evt.BountyID] = &bounty.Metadata{
		ID:             evt.BountyID,
		CreatorAddress: evt.Creator,
		Amount:         evt.Amount,
		Status:         bounty.StatusOpen,
		CreatedAt:      evt.Timestamp,
		UpdatedAt:      s.now().UTC(),
		LedgerObserved: true,
	}
	return true, nil
}

func (s *MemoryStore) ObserveResolved(ctx context.Context, evt bounty.Event) (bool, error) {
	status, hunter, err := resolutionFields(evt)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.metadata[evt.BountyID]
	if !ok {
		return false, bounty.ErrNotFound
	}
	if m.ResolvedAt() != nil {
		return false, nil
	}
	at := evt.Timestamp
	m.Status = status
	m.HunterAddress = hunter
	if status == bounty.StatusCompleted {
		m.CompletedAt = &at
	} else {
		m.CancelledAt = &at
	}
	m.UpdatedAt = s.now().UTC()
	return true, nil
}

func (s *MemoryStore) AttachMetadata(ctx context.Context, in bounty.Metadata) (bounty.Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	m, ok := s.metadata[in.ID]
	if ok {
		if m.MetadataAttached {
			return bounty.Metadata{}, bounty.ErrAlreadyExists
		}
		m.Title = in.Title
		m.Description = in.Description
		m.Attachments = append([]string(nil), in.Attachments...)
		m.MetadataAttached = true
		m.UpdatedAt = now
		return s.snapshotLocked(m), nil
	}
	rec := in
	rec.Attachments = append([]string(nil), in.Attachments...)
	rec.MetadataAttached = true
	rec.UpdatedAt = now
	s.metadata[in.ID] = &rec
	return s.snapshotLocked(&rec), nil
}

func (s *MemoryStore) UpdateMetadata(ctx context.Context, id bounty.ID, title, description string, attachments []string) (bounty.Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.metadata[id]
	if !ok || !m.MetadataAttached {
		return bounty.Metadata{}, bounty.ErrNotFound
	}
	m.Title = title
	m.Description = description
	m.Attachments = append([]string(nil), attachments...)
	m.UpdatedAt = s.now().UTC()
	return s.snapshotLocked(m), nil
}

func (s *MemoryStore) Get(ctx context.Context, id bounty.ID) (bounty.Metadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.metadata[id]
	if !ok {
		return bounty.Metadata{}, bounty.ErrNotFound
	}
	return s.snapshotLocked(m), nil
}

func (s *MemoryStore) List(ctx context.Context, filter bounty.BacklogFilter) ([]bounty.Metadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]bounty.Metadata, 0)
	for _, m := range s.metadata {
		if !m.MetadataAttached {
			continue
		}
		if filter.Status != nil && m.Status != *filter.Status {
			continue
		}
		if !filter.CreatedBefore.IsZero() && !m.CreatedAt.Before(filter.CreatedBefore) {
			continue
		}
		if filter.Creator != "" && m.CreatorAddress != filter.Creator {
			continue
		}
		if filter.Before != nil && !filter.Before.Follows(m.CreatedAt, m.ID) {
			continue
		}
		out = append(out, s.snapshotLocked(m))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) AddSubmission(ctx context.Context, sub bounty.Submission) (bounty.Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.metadata[sub.BountyID]
	if !ok {
		return bounty.Submission{}, bounty.ErrNotFound
	}
	if m.Status != bounty.StatusOpen {
		return bounty.Submission{}, bounty.ErrNotOpen
	}
	s.nextSubID++
	sub.ID = s.nextSubID
	sub.Sequence = len(s.submissions[sub.BountyID]) + 1
	if sub.SubmittedAt.IsZero() {
		sub.SubmittedAt = s.now().UTC()
	}
	s.submissions[sub.BountyID] = append(s.submissions[sub.BountyID], sub)
	return sub, nil
}

func (s *MemoryStore) ListSubmissions(ctx context.Context, id bounty.ID) ([]bounty.Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.metadata[id]
	if !ok {
		return nil, bounty.ErrNotFound
	}
	subs := append([]bounty.Submission{}, s.submissions[id]...)
	markAfterResolution(subs, m.ResolvedAt())
	return subs, nil
}

func (s *MemoryStore) LoadCursor(ctx context.Context, name string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cursors[name], nil
}

func (s *MemoryStore) SaveCursor(ctx context.Context, name string, position uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[name] = position
	return nil
}

func (s *MemoryStore) snapshotLocked(m *bounty.Metadata) bounty.Metadata {
	out := *m
	out.Attachments = append([]string{}, m.Attachments...)
	out.SubmissionCount = len(s.submissions[m.ID])
	out.MetadataPending = !m.MetadataAttached
	return out
}
