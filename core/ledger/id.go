package ledger

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/zeebo/blake3"

	"bountyboard-backend/core/bounty"
)

// IDGenerator derives bounty ids from (creation time, creator, counter) with a
// BLAKE3 keyed hash. The counter makes ids unique within a ledger; the secret
// key makes them unguessable before the create call returns.
type IDGenerator struct {
	key     [32]byte
	counter atomic.Uint64
}

// NewIDGenerator uses key when it is exactly 32 bytes, otherwise a random key.
func NewIDGenerator(key []byte) (*IDGenerator, error) {
	g := &IDGenerator{}
	switch len(key) {
	case 32:
		copy(g.key[:], key)
	case 0:
		if _, err := rand.Read(g.key[:]); err != nil {
			return nil, fmt.Errorf("generate id key: %w", err)
		}
	default:
		return nil, fmt.Errorf("id key must be 32 bytes, got %d", len(key))
	}
	return g, nil
}

// Next returns a fresh id and the counter value that produced it.
func (g *IDGenerator) Next(now time.Time, creator bounty.Address) (bounty.ID, uint64) {
	n := g.counter.Add(1)
	return g.derive(now, creator, n), n
}

// Counter is the last counter value handed out.
func (g *IDGenerator) Counter() uint64 {
	return g.counter.Load()
}

// Restore raises the counter to at least n. Used on journal replay.
func (g *IDGenerator) Restore(n uint64) {
	for {
		cur := g.counter.Load()
		if cur >= n || g.counter.CompareAndSwap(cur, n) {
			return
		}
	}
}

func (g *IDGenerator) derive(now time.Time, creator bounty.Address, n uint64) bounty.ID {
	hasher, err := blake3.NewKeyed(g.key[:])
	if err != nil {
		panic("ledger: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(now.UnixNano()))
	hasher.Write(buf[:])
	hasher.Write([]byte(creator))
	binary.BigEndian.PutUint64(buf[:], n)
	hasher.Write(buf[:])
	var sum [32]byte
	copy(sum[:], hasher.Sum(nil))
	return bounty.IDFromBytes(sum)
}
