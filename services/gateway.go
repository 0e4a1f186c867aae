package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"bountyboard-backend/core/bounty"
	"bountyboard-backend/core/ledger"
	"bountyboard-backend/metrics"
	bstore "bountyboard-backend/storage/bounty"
)

// GatewayConfig tunes the gateway read and write paths.
type GatewayConfig struct {
	BacklogDelay time.Duration
	Decimals     int
	// Limiter throttles submissions per worker wallet. Nil disables it.
	Limiter *bstore.RateLimiter
	Now     func() time.Time
}

// GatewayService is the reconciliation gateway: it serves metadata, accepts
// metadata and submissions, and checks unobserved ids against the ledger.
type GatewayService struct {
	store  bstore.Store
	ledger ledger.Source
	cfg    GatewayConfig
}

// MetadataInput is a validated-at-the-edge metadata write.
type MetadataInput struct {
	ID             bounty.ID
	Title          string
	Description    string
	Attachments    []string
	CreatorAddress bounty.Address
	Amount         *int64
}

// NewGatewayService wires a gateway over store and the ledger read side.
func NewGatewayService(store bstore.Store, src ledger.Source, cfg GatewayConfig) *GatewayService {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Decimals < 0 {
		cfg.Decimals = 0
	}
	return &GatewayService{store: store, ledger: src, cfg: cfg}
}

// BacklogDelay is the configured visibility delay.
func (s *GatewayService) BacklogDelay() time.Duration {
	return s.cfg.BacklogDelay
}

// Backlog lists Open bounties created more than the backlog delay ago,
// newest first.
func (s *GatewayService) Backlog(ctx context.Context, limit int) ([]bounty.Metadata, error) {
	return s.BacklogPage(ctx, nil, limit)
}

// BacklogPage continues a backlog listing after before. A nil key starts
// from the newest record.
func (s *GatewayService) BacklogPage(ctx context.Context, before *bounty.PageKey, limit int) ([]bounty.Metadata, error) {
	open := bounty.StatusOpen
	list, err := s.store.List(ctx, bounty.BacklogFilter{
		Status:        &open,
		CreatedBefore: s.cfg.Now().Add(-s.cfg.BacklogDelay),
		Before:        before,
		Limit:         limit,
	})
	if err != nil {
		return nil, err
	}
	for i := range list {
		s.decorate(&list[i])
	}
	return list, nil
}

// ByCreator lists a creator's Open bounties with no delay.
func (s *GatewayService) ByCreator(ctx context.Context, creator bounty.Address, limit int) ([]bounty.Metadata, error) {
	open := bounty.StatusOpen
	list, err := s.store.List(ctx, bounty.BacklogFilter{Status: &open, Creator: creator, Limit: limit})
	if err != nil {
		return nil, err
	}
	for i := range list {
		s.decorate(&list[i])
	}
	return list, nil
}

// Get returns one record regardless of age. An id the ledger holds but the
// gateway has not stored yet comes back with MetadataPending set.
func (s *GatewayService) Get(ctx context.Context, id bounty.ID) (bounty.Metadata, error) {
	m, err := s.store.Get(ctx, id)
	if err == nil {
		s.decorate(&m)
		return m, nil
	}
	if !errors.Is(err, bounty.ErrNotFound) {
		return bounty.Metadata{}, err
	}
	b, ok, lerr := s.ledger.Lookup(ctx, id)
	if lerr != nil {
		return bounty.Metadata{}, fmt.Errorf("%w: ledger lookup: %v", bounty.ErrUnavailable, lerr)
	}
	if !ok {
		return bounty.Metadata{}, bounty.ErrNotFound
	}
	m = fromLedger(b)
	m.MetadataPending = true
	s.decorate(&m)
	return m, nil
}

// AttachMetadata stores the descriptive fields for a bounty the ledger holds.
// Existence is first-writer-wins; supplied ledger facts must agree with the
// ledger.
func (s *GatewayService) AttachMetadata(ctx context.Context, in MetadataInput) (bounty.Metadata, error) {
	title, description, attachments, err := bstore.ValidateMetadataInput(in.Title, in.Description, in.Attachments)
	if err != nil {
		return bounty.Metadata{}, err
	}

	truth, err := s.ledgerTruth(ctx, in.ID)
	if err != nil {
		return bounty.Metadata{}, err
	}
	if in.CreatorAddress != "" && in.CreatorAddress != truth.CreatorAddress {
		return bounty.Metadata{}, fmt.Errorf("%w: creator is %s", bounty.ErrLedgerMismatch, truth.CreatorAddress)
	}
	if in.Amount != nil && *in.Amount != truth.Amount {
		return bounty.Metadata{}, fmt.Errorf("%w: amount is %d", bounty.ErrLedgerMismatch, truth.Amount)
	}

	truth.Title = title
	truth.Description = description
	truth.Attachments = attachments
	m, err := s.store.AttachMetadata(ctx, truth)
	if err != nil {
		return bounty.Metadata{}, err
	}
	log.Printf("gateway: metadata attached to %s (%q)", in.ID.Short(), title)
	s.decorate(&m)
	return m, nil
}

// ledgerTruth returns the ledger facts for id, from the store when the
// reconciler has already seen it, otherwise straight from the ledger.
func (s *GatewayService) ledgerTruth(ctx context.Context, id bounty.ID) (bounty.Metadata, error) {
	m, err := s.store.Get(ctx, id)
	switch {
	case err == nil && m.MetadataAttached:
		return bounty.Metadata{}, bounty.ErrAlreadyExists
	case err == nil && m.LedgerObserved:
		return m, nil
	case err != nil && !errors.Is(err, bounty.ErrNotFound):
		return bounty.Metadata{}, err
	}
	b, ok, lerr := s.ledger.Lookup(ctx, id)
	if lerr != nil {
		return bounty.Metadata{}, fmt.Errorf("%w: ledger lookup: %v", bounty.ErrUnavailable, lerr)
	}
	if !ok {
		return bounty.Metadata{}, fmt.Errorf("%w: %s is not on the ledger", bounty.ErrNotFound, id)
	}
	return fromLedger(b), nil
}

// UpdateMetadata replaces title, description and attachments. Last writer
// wins; only the creator may update.
func (s *GatewayService) UpdateMetadata(ctx context.Context, id bounty.ID, caller bounty.Address, title, description string, attachments []string) (bounty.Metadata, error) {
	title, description, attachments, err := bstore.ValidateMetadataInput(title, description, attachments)
	if err != nil {
		return bounty.Metadata{}, err
	}
	cur, err := s.store.Get(ctx, id)
	if err != nil {
		return bounty.Metadata{}, err
	}
	if cur.CreatorAddress != caller {
		return bounty.Metadata{}, bounty.ErrNotCreator
	}
	m, err := s.store.UpdateMetadata(ctx, id, title, description, attachments)
	if err != nil {
		return bounty.Metadata{}, err
	}
	s.decorate(&m)
	return m, nil
}

// Submit appends a worker's result while the cached status is Open.
func (s *GatewayService) Submit(ctx context.Context, id bounty.ID, wallet bounty.Address, result string) (sub bounty.Submission, err error) {
	defer func() { metrics.Submissions.WithLabelValues(metrics.Result(err)).Inc() }()

	result, err = bstore.ValidateResult(result)
	if err != nil {
		return bounty.Submission{}, err
	}
	if wallet.IsZero() {
		return bounty.Submission{}, fmt.Errorf("%w: wallet address required", bounty.ErrInvalidAddress)
	}
	if s.cfg.Limiter != nil && !s.cfg.Limiter.CheckRateLimit(string(wallet), 1) {
		return bounty.Submission{}, bounty.ErrRateLimited
	}
	sub, err = s.store.AddSubmission(ctx, bounty.Submission{
		BountyID:    id,
		AgentWallet: wallet,
		Result:      result,
		SubmittedAt: s.cfg.Now().UTC(),
	})
	if err != nil {
		return bounty.Submission{}, err
	}
	log.Printf("gateway: submission #%d for %s from %s", sub.Sequence, id.Short(), wallet.Short())
	return sub, nil
}

// Submissions returns the record and its submissions, oldest first.
func (s *GatewayService) Submissions(ctx context.Context, id bounty.ID) (bounty.Metadata, []bounty.Submission, error) {
	m, err := s.store.Get(ctx, id)
	if err != nil {
		return bounty.Metadata{}, nil, err
	}
	subs, err := s.store.ListSubmissions(ctx, id)
	if err != nil {
		return bounty.Metadata{}, nil, err
	}
	s.decorate(&m)
	return m, subs, nil
}

// DisplayAmount converts base units to whole tokens.
func (s *GatewayService) DisplayAmount(amount int64) float64 {
	return float64(amount) / math.Pow10(s.cfg.Decimals)
}

func (s *GatewayService) decorate(m *bounty.Metadata) {
	m.AmountDisplay = s.DisplayAmount(m.Amount)
	m.VisibleInBacklog = nil
	if m.Status == bounty.StatusOpen && m.MetadataAttached {
		at := m.CreatedAt.Add(s.cfg.BacklogDelay)
		m.VisibleInBacklog = &at
	}
	if m.Attachments == nil {
		m.Attachments = []string{}
	}
}

func fromLedger(b bounty.Bounty) bounty.Metadata {
	return bounty.Metadata{
		ID:             b.ID,
		CreatorAddress: b.Creator,
		Amount:         b.Amount,
		Status:         b.Status,
		CreatedAt:      b.CreatedAt,
		UpdatedAt:      b.CreatedAt,
		Attachments:    []string{},
	}
}
