// Package credential hashes and verifies login secrets with bcrypt.
package credential

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/crypto/bcrypt"
)

// DefaultCost is the bcrypt cost used when none is configured.
const DefaultCost = 12

// Hasher hashes and verifies secrets. Callers must not log or persist the
// plaintext.
type Hasher struct {
	cost int
	seed []byte
	// observed is the cost of the last stored hash passed to Verify; the
	// dummy comparison runs at that cost so both failure paths match even
	// when stored hashes predate a cost change.
	observed atomic.Int32
	dummies  sync.Map // cost -> []byte
}

// NewHasher returns a Hasher with cost clamped to bcrypt's valid range.
// It also prepares a hash of a random secret that VerifyDummy compares against.
func NewHasher(cost int) (*Hasher, error) {
	if cost <= 0 {
		cost = DefaultCost
	}
	if cost < bcrypt.MinCost {
		cost = bcrypt.MinCost
	}
	if cost > bcrypt.MaxCost {
		cost = bcrypt.MaxCost
	}

	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("dummy secret: %w", err)
	}
	h := &Hasher{cost: cost, seed: []byte(base64.RawStdEncoding.EncodeToString(raw))}

	dummy, err := bcrypt.GenerateFromPassword(h.seed, cost)
	if err != nil {
		return nil, fmt.Errorf("dummy hash: %w", err)
	}
	h.dummies.Store(cost, dummy)
	h.observed.Store(int32(cost))

	return h, nil
}

// Cost returns the effective bcrypt cost.
func (h *Hasher) Cost() int { return h.cost }

// Hash returns a bcrypt hash of plain suitable for storage.
func (h *Hasher) Hash(plain string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(plain), h.cost)
	if err != nil {
		return "", fmt.Errorf("bcrypt: %w", err)
	}
	return string(b), nil
}

// Verify reports whether plain matches storedHash. The comparison is
// constant-time; a malformed hash is a mismatch.
func (h *Hasher) Verify(plain, storedHash string) bool {
	if c, err := bcrypt.Cost([]byte(storedHash)); err == nil {
		h.observed.Store(int32(c))
	}
	return bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(plain)) == nil
}

// VerifyDummy runs a full comparison against a hash no secret can match, at
// the cost of the most recently verified stored hash. Used on the
// unknown-identity path so it costs the same as a wrong secret.
func (h *Hasher) VerifyDummy(plain string) {
	_ = bcrypt.CompareHashAndPassword(h.dummyFor(h.dummyCost()), []byte(plain))
}

func (h *Hasher) dummyCost() int {
	return int(h.observed.Load())
}

func (h *Hasher) dummyFor(cost int) []byte {
	if v, ok := h.dummies.Load(cost); ok {
		return v.([]byte)
	}
	dummy, err := bcrypt.GenerateFromPassword(h.seed, cost)
	if err != nil {
		v, _ := h.dummies.Load(h.cost)
		return v.([]byte)
	}
	v, _ := h.dummies.LoadOrStore(cost, dummy)
	return v.([]byte)
}
