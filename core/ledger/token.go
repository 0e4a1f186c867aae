package ledger

import (
	"fmt"
	"sync"

	"bountyboard-backend/core/bounty"
)

// Token is the external value token the ledger escrows. The ledger only ever
// moves value through this interface.
type Token interface {
	BalanceOf(owner bounty.Address) int64
	Allowance(owner, spender bounty.Address) int64
	Approve(owner, spender bounty.Address, amount int64) error
	Transfer(from, to bounty.Address, amount int64) error
	TransferFrom(spender, from, to bounty.Address, amount int64) error
}

// MemoryToken is an in-process fungible token with explicit allowances.
type MemoryToken struct {
	mu         sync.Mutex
	balances   map[bounty.Address]int64
	allowances map[bounty.Address]map[bounty.Address]int64
	supply     int64
}

// NewMemoryToken returns an empty token.
func NewMemoryToken() *MemoryToken {
	return &MemoryToken{
		balances:   make(map[bounty.Address]int64),
		allowances: make(map[bounty.Address]map[bounty.Address]int64),
	}
}

// Mint creates new supply. Used for genesis balances and the dev faucet only.
func (t *MemoryToken) Mint(to bounty.Address, amount int64) error {
	if amount <= 0 {
		return bounty.ErrInvalidAmount
	}
	if to.IsZero() {
		return bounty.ErrInvalidRecipient
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.balances[to] += amount
	t.supply += amount
	return nil
}

// TotalSupply is the sum of all balances.
func (t *MemoryToken) TotalSupply() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.supply
}

func (t *MemoryToken) BalanceOf(owner bounty.Address) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.balances[owner]
}

func (t *MemoryToken) Allowance(owner, spender bounty.Address) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.allowances[owner][spender]
}

// Approve sets (not adds to) the allowance of spender over owner's balance.
func (t *MemoryToken) Approve(owner, spender bounty.Address, amount int64) error {
	if amount < 0 {
		return bounty.ErrInvalidAmount
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.allowances[owner]
	if !ok {
		m = make(map[bounty.Address]int64)
		t.allowances[owner] = m
	}
	m[spender] = amount
	return nil
}

func (t *MemoryToken) Transfer(from, to bounty.Address, amount int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.move(from, to, amount)
}

// TransferFrom moves amount from `from` to `to` on behalf of spender, spending
// the allowance from granted to spender.
func (t *MemoryToken) TransferFrom(spender, from, to bounty.Address, amount int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if amount <= 0 {
		return bounty.ErrInvalidAmount
	}
	allowed := t.allowances[from][spender]
	if allowed < amount {
		return fmt.Errorf("%w: allowance %d < %d", bounty.ErrInsufficientAuthorization, allowed, amount)
	}
	if err := t.move(from, to, amount); err != nil {
		return err
	}
	t.allowances[from][spender] = allowed - amount
	return nil
}

func (t *MemoryToken) move(from, to bounty.Address, amount int64) error {
	if amount <= 0 {
		return bounty.ErrInvalidAmount
	}
	if to.IsZero() {
		return bounty.ErrInvalidRecipient
	}
	if t.balances[from] < amount {
		return fmt.Errorf("%w: balance %d < %d", bounty.ErrInsufficientFunds, t.balances[from], amount)
	}
	t.balances[from] -= amount
	t.balances[to] += amount
	return nil
}
