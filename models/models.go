package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"bountyboard-backend/core/bounty"
)

// Attachments decodes from either a JSON list or a single comma-joined string.
type Attachments []string

func (a *Attachments) UnmarshalJSON(b []byte) error {
	var list []string
	if err := json.Unmarshal(b, &list); err == nil {
		*a = list
		return nil
	}
	var joined string
	if err := json.Unmarshal(b, &joined); err != nil {
		return fmt.Errorf("attachments must be a list or a comma separated string")
	}
	if strings.TrimSpace(joined) == "" {
		*a = nil
		return nil
	}
	*a = strings.Split(joined, ",")
	return nil
}

// CreateBountyRequest attaches metadata to a bounty that exists on the ledger.
type CreateBountyRequest struct {
	ID             string      `json:"id"`
	Title          string      `json:"title"`
	Description    string      `json:"description"`
	Attachments    Attachments `json:"attachments"`
	CreatorAddress string      `json:"creator_address,omitempty"`
	Amount         *int64      `json:"amount,omitempty"`
}

// UpdateBountyRequest replaces the descriptive fields of a bounty.
type UpdateBountyRequest struct {
	Title          string      `json:"title"`
	Description    string      `json:"description"`
	Attachments    Attachments `json:"attachments"`
	CreatorAddress string      `json:"creator_address"`
}

// SubmitWorkRequest is a worker's result for a bounty.
type SubmitWorkRequest struct {
	WalletAddress string `json:"wallet_address"`
	Result        string `json:"result"`
}

// SubmitWorkResponse acknowledges a stored submission.
type SubmitWorkResponse struct {
	SubmissionID int64     `json:"submission_id"`
	BountyID     bounty.ID `json:"bounty_id"`
	Sequence     int       `json:"sequence"`
	Message      string    `json:"message"`
}

// SubmissionsResponse lists submissions with the cached status they were
// judged against.
type SubmissionsResponse struct {
	BountyID    bounty.ID           `json:"bounty_id"`
	Status      bounty.Status       `json:"status"`
	ResolvedAt  *time.Time          `json:"resolved_at,omitempty"`
	Submissions []bounty.Submission `json:"submissions"`
	Total       int                 `json:"total"`
}

// BountyListResponse wraps backlog and per-creator listings.
type BountyListResponse struct {
	Bounties []bounty.Metadata `json:"bounties"`
	Total    int               `json:"total"`
	// Next is the ?before= value of the following page; empty on the last.
	Next string `json:"next,omitempty"`
}

// HealthResponse represents health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Message   string            `json:"message"`
	Timestamp int64             `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// CreateLedgerBountyRequest locks value in a new ledger bounty.
type CreateLedgerBountyRequest struct {
	Amount int64 `json:"amount"`
}

// CreateLedgerBountyResponse carries the generated id.
type CreateLedgerBountyResponse struct {
	ID bounty.ID `json:"id"`
}

// ReleaseRequest names the winner.
type ReleaseRequest struct {
	Recipient string `json:"recipient"`
}

// AmountRequest is used by approve and mint.
type AmountRequest struct {
	To     string `json:"to,omitempty"`
	Amount int64  `json:"amount"`
}

// BalanceResponse reports token state for one address.
type BalanceResponse struct {
	Address   bounty.Address `json:"address"`
	Balance   int64          `json:"balance"`
	Allowance int64          `json:"allowance"`
}

// EventsResponse is a range read of the ledger event stream.
type EventsResponse struct {
	Events []bounty.Event `json:"events"`
	Total  int            `json:"total"`
	Next   uint64         `json:"next"`
}

// CursorResponse answers a cursor-at-time query.
type CursorResponse struct {
	Position uint64 `json:"position"`
}
