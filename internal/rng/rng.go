// Package rng holds the session-wide pseudo random generator. Every peer
// seeds it from the same combined value, so every draw is identical across
// the match as long as it is part of the saved state.
package rng

import (
	crand "crypto/rand"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
)

// NewSeed draws this peer's contribution to the shared seed.
func NewSeed() (uint64, error) {
	var b [8]byte
	if _, err := crand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("read random seed: %w", err)
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

// CombineSeeds folds every peer's seed into the session seed. XOR is
// order-independent, so peers agree regardless of arrival order.
func CombineSeeds(seeds ...uint64) uint64 {
	var shared uint64
	for _, s := range seeds {
		shared ^= s
	}
	return shared
}

// DerivedSeed labels a sub-stream of a root seed, e.g. per test scenario.
func DerivedSeed(root uint64, label string) uint64 {
	hasher := fnv.New64a()
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], root)
	hasher.Write(b[:])
	hasher.Write([]byte{0})
	hasher.Write([]byte(label))
	sum := hasher.Sum64()
	if sum == 0 {
		sum = 1
	}
	return sum
}

// Shared is a PCG generator that only produces integers. Its whole state
// round-trips through MarshalBinary so it can live in a snapshot.
type Shared struct {
	pcg *rand.PCG
}

// New seeds a generator.
func New(seed uint64) *Shared {
	return &Shared{pcg: rand.NewPCG(seed, DerivedSeed(seed, "stream"))}
}

// Seed resets the generator to the state New(seed) would produce.
func (s *Shared) Seed(seed uint64) {
	if s.pcg == nil {
		s.pcg = rand.NewPCG(0, 0)
	}
	s.pcg.Seed(seed, DerivedSeed(seed, "stream"))
}

// Uint64 returns the next value.
func (s *Shared) Uint64() uint64 {
	if s.pcg == nil {
		s.Seed(0)
	}
	return s.pcg.Uint64()
}

// Below returns a value in [0, n). n must be positive.
func (s *Shared) Below(n uint64) uint64 {
	if n == 0 {
		panic("rng: Below called with n == 0")
	}
	// Reject the low values that would bias the modulo.
	threshold := -n % n
	for {
		v := s.Uint64()
		if v >= threshold {
			return v % n
		}
	}
}

// Shuffle permutes n elements with swap, Fisher-Yates style.
func (s *Shared) Shuffle(n int, swap func(i, j int)) {
	for i := n - 1; i > 0; i-- {
		j := int(s.Below(uint64(i + 1)))
		swap(i, j)
	}
}

func (s *Shared) MarshalBinary() ([]byte, error) {
	if s.pcg == nil {
		s.Seed(0)
	}
	return s.pcg.MarshalBinary()
}

func (s *Shared) UnmarshalBinary(data []byte) error {
	if s.pcg == nil {
		s.pcg = rand.NewPCG(0, 0)
	}
	if err := s.pcg.UnmarshalBinary(data); err != nil {
		return fmt.Errorf("rng: restore state: %w", err)
	}
	return nil
}
