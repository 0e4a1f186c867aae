package bounty

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Status is the ledger-owned lifecycle state of a bounty. The numeric values
// are part of the wire format (0=Open, 1=Completed, 2=Cancelled).
type Status uint8

const (
	StatusOpen      Status = 0
	StatusCompleted Status = 1
	StatusCancelled Status = 2
)

func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusCompleted:
		return "completed"
	case StatusCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// ParseStatus accepts either the numeric or the named form.
func ParseStatus(raw string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "0", "open":
		return StatusOpen, nil
	case "1", "completed":
		return StatusCompleted, nil
	case "2", "cancelled", "canceled":
		return StatusCancelled, nil
	}
	return 0, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, raw)
}

// Address is an opaque, comparable account identity (0x + 40 hex, lower case).
type Address string

// ZeroAddress is never a valid payee.
const ZeroAddress Address = "0x0000000000000000000000000000000000000000"

// ParseAddress normalizes and validates an address.
func ParseAddress(raw string) (Address, error) {
	v := strings.ToLower(strings.TrimSpace(raw))
	if len(v) != 42 || !strings.HasPrefix(v, "0x") {
		return "", fmt.Errorf("%w: %q (must be 0x + 40 hex chars)", ErrInvalidAddress, raw)
	}
	if _, err := hex.DecodeString(v[2:]); err != nil {
		return "", fmt.Errorf("%w: %q is not hex", ErrInvalidAddress, raw)
	}
	return Address(v), nil
}

// IsZero reports whether a is empty or the zero address.
func (a Address) IsZero() bool {
	return a == "" || a == ZeroAddress
}

// Short is used in log lines.
func (a Address) Short() string {
	if len(a) <= 10 {
		return string(a)
	}
	return string(a[:10]) + "..."
}

// ID is the 256-bit bounty identifier rendered as 0x + 64 hex.
type ID string

// ParseID normalizes and validates a bounty id.
func ParseID(raw string) (ID, error) {
	v := strings.ToLower(strings.TrimSpace(raw))
	if len(v) != 66 || !strings.HasPrefix(v, "0x") {
		return "", fmt.Errorf("%w: %q (expected 0x + 64 hex chars)", ErrInvalidID, raw)
	}
	if _, err := hex.DecodeString(v[2:]); err != nil {
		return "", fmt.Errorf("%w: %q is not hex", ErrInvalidID, raw)
	}
	return ID(v), nil
}

// IDFromBytes renders a 32-byte digest as an ID.
func IDFromBytes(b [32]byte) ID {
	return ID("0x" + hex.EncodeToString(b[:]))
}

func (id ID) Short() string {
	if len(id) <= 10 {
		return string(id)
	}
	return string(id[:10]) + "..."
}

// Bounty is the ledger-side record. Everything but Status is immutable.
type Bounty struct {
	ID        ID        `json:"id"`
	Creator   Address   `json:"creator"`
	Amount    int64     `json:"amount"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// EventKind names a ledger state transition.
type EventKind string

const (
	EventCreated   EventKind = "created"
	EventCompleted EventKind = "completed"
	EventCancelled EventKind = "cancelled"
)

// ParseEventKind validates a kind name.
func ParseEventKind(raw string) (EventKind, error) {
	switch k := EventKind(strings.ToLower(strings.TrimSpace(raw))); k {
	case EventCreated, EventCompleted, EventCancelled:
		return k, nil
	}
	return "", fmt.Errorf("%w: unknown event kind %q", ErrInvalidInput, raw)
}

// Event is one entry of the ledger event stream. It carries everything a
// consumer needs to act without re-reading the ledger.
type Event struct {
	Position  uint64    `json:"position" cbor:"1,keyasint"`
	Kind      EventKind `json:"kind" cbor:"2,keyasint"`
	BountyID  ID        `json:"bounty_id" cbor:"3,keyasint"`
	Creator   Address   `json:"creator,omitempty" cbor:"4,keyasint,omitempty"`
	Recipient Address   `json:"recipient,omitempty" cbor:"5,keyasint,omitempty"`
	Amount    int64     `json:"amount,omitempty" cbor:"6,keyasint,omitempty"`
	Timestamp time.Time `json:"timestamp" cbor:"7,keyasint"`
}

// EventFilter selects a contiguous range of the stream plus optional
// field filters. From is inclusive, Before exclusive; zero means unbounded.
type EventFilter struct {
	From      uint64
	Before    uint64
	Kinds     []EventKind
	BountyID  ID
	Creator   Address
	Recipient Address
	Limit     int
}

// Matches applies the field filters (not the position bounds).
func (f EventFilter) Matches(evt Event) bool {
	if len(f.Kinds) > 0 {
		found := false
		for _, k := range f.Kinds {
			if k == evt.Kind {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.BountyID != "" && f.BountyID != evt.BountyID {
		return false
	}
	if f.Creator != "" && f.Creator != evt.Creator {
		return false
	}
	if f.Recipient != "" && f.Recipient != evt.Recipient {
		return false
	}
	return true
}

// Metadata is the gateway's off-chain view of a bounty. Status is a cached
// copy of the ledger status and is never authoritative.
type Metadata struct {
	ID               ID         `json:"id"`
	Title            string     `json:"title"`
	Description      string     `json:"description"`
	Attachments      []string   `json:"attachments"`
	CreatorAddress   Address    `json:"creator_address"`
	Amount           int64      `json:"amount"`
	AmountDisplay    float64    `json:"amount_display"`
	Status           Status     `json:"status"`
	HunterAddress    Address    `json:"hunter_address,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	CancelledAt      *time.Time `json:"cancelled_at,omitempty"`
	MetadataPending  bool       `json:"metadata_pending,omitempty"`
	SubmissionCount  int        `json:"submission_count"`
	VisibleInBacklog *time.Time `json:"visible_in_backlog_at,omitempty"`
	LedgerObserved   bool       `json:"-"`
	MetadataAttached bool       `json:"-"`
}

// ResolvedAt returns the time the gateway recorded the terminal event.
func (m Metadata) ResolvedAt() *time.Time {
	if m.CompletedAt != nil {
		return m.CompletedAt
	}
	return m.CancelledAt
}

// Submission is one worker's candidate result. Submissions are append-only.
type Submission struct {
	ID              int64     `json:"id"`
	BountyID        ID        `json:"bounty_id"`
	Sequence        int       `json:"sequence"`
	AgentWallet     Address   `json:"agent_wallet"`
	Result          string    `json:"result"`
	SubmittedAt     time.Time `json:"submitted_at"`
	AfterResolution bool      `json:"after_resolution,omitempty"`
}

// BacklogFilter selects metadata records for listing.
type BacklogFilter struct {
	Status        *Status
	CreatedBefore time.Time
	Creator       Address
	// Before resumes a newest-first listing after the given record.
	Before *PageKey
	Limit  int
}

// PageKey is a keyset position in a newest-first listing ordered by
// (CreatedAt, ID) descending.
type PageKey struct {
	CreatedAt time.Time
	ID        ID
}

// KeyOf returns the page key that resumes a listing after m.
func KeyOf(m Metadata) *PageKey {
	return &PageKey{CreatedAt: m.CreatedAt, ID: m.ID}
}

// Follows reports whether a record at (createdAt, id) comes after k in a
// newest-first listing.
func (k PageKey) Follows(createdAt time.Time, id ID) bool {
	if createdAt.Equal(k.CreatedAt) {
		return id < k.ID
	}
	return createdAt.Before(k.CreatedAt)
}

// String renders the key as "RFC3339Nano,id" for the ?before= parameter.
func (k PageKey) String() string {
	return k.CreatedAt.UTC().Format(time.RFC3339Nano) + "," + string(k.ID)
}

// ParsePageKey reads the form produced by String.
func ParsePageKey(raw string) (*PageKey, error) {
	ts, rawID, ok := strings.Cut(strings.TrimSpace(raw), ",")
	if !ok {
		return nil, fmt.Errorf("%w: page key %q (expected time,id)", ErrInvalidInput, raw)
	}
	at, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, fmt.Errorf("%w: page key time %q", ErrInvalidInput, ts)
	}
	id, err := ParseID(rawID)
	if err != nil {
		return nil, err
	}
	return &PageKey{CreatedAt: at, ID: id}, nil
}
