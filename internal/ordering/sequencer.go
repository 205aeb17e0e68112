package ordering

import (
	"context"
	"fmt"
	"sync"
)

// SeedFunc returns the highest arrival sequence already stored for an auction.
type SeedFunc func(ctx context.Context, auctionID string) (int64, error)

// Sequencer hands out arrival sequence numbers, monotonic per auction. The
// first call for an auction seeds from storage so a restart never reuses a
// number.
type Sequencer struct {
	seed SeedFunc

	mu   sync.Mutex
	last map[string]int64
}

// NewSequencer creates a sequencer seeded by seed.
func NewSequencer(seed SeedFunc) *Sequencer {
	return &Sequencer{seed: seed, last: make(map[string]int64)}
}

// Next returns the next arrival sequence for auctionID.
func (s *Sequencer) Next(ctx context.Context, auctionID string) (int64, error) {
	s.mu.Lock()
	last, ok := s.last[auctionID]
	s.mu.Unlock()

	if !ok {
		seeded, err := s.seed(ctx, auctionID)
		if err != nil {
			return 0, fmt.Errorf("seed arrival sequence for %s: %w", auctionID, err)
		}
		last = seeded
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.last[auctionID]; ok && current > last {
		last = current
	}
	last++
	s.last[auctionID] = last
	return last, nil
}

// Forget drops the cached sequence of an auction that will not receive bids anymore.
func (s *Sequencer) Forget(auctionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.last, auctionID)
}

// Len returns the number of auctions with a cached sequence.
func (s *Sequencer) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.last)
}
