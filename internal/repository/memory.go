package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"gavel.io/gavel/internal/domain"
	apperrors "gavel.io/gavel/internal/pkg/errors"
)

// MemoryStore keeps auctions and bids in process memory. It hands out and
// stores copies, never shared pointers.
type MemoryStore struct {
	mu        sync.RWMutex
	auctions  map[string]*domain.Auction
	bids      map[string]*domain.Bid
	byAuction map[string][]string
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		auctions:  make(map[string]*domain.Auction),
		bids:      make(map[string]*domain.Bid),
		byAuction: make(map[string][]string),
	}
}

func (s *MemoryStore) CreateAuction(_ context.Context, a *domain.Auction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.auctions[a.ID]; ok {
		return errAuctionExists(a.ID)
	}
	s.auctions[a.ID] = a.Clone()
	return nil
}

func (s *MemoryStore) GetAuction(_ context.Context, id string) (*domain.Auction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.auctions[id]
	if !ok {
		return nil, apperrors.ErrAuctionNotFoundf(id)
	}
	return a.Clone(), nil
}

func (s *MemoryStore) SaveAuction(_ context.Context, a *domain.Auction, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkVersion(a.ID, expectedVersion); err != nil {
		return err
	}
	s.auctions[a.ID] = a.Clone()
	return nil
}

func (s *MemoryStore) RecordBids(_ context.Context, a *domain.Auction, expectedVersion int64, bids []*domain.Bid) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkVersion(a.ID, expectedVersion); err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(bids))
	for _, b := range bids {
		if _, ok := s.bids[b.ID]; ok {
			return errBidExists(b.ID)
		}
		if _, ok := seen[b.ID]; ok {
			return errBidExists(b.ID)
		}
		seen[b.ID] = struct{}{}
	}
	for _, b := range bids {
		c := *b
		s.bids[b.ID] = &c
		s.byAuction[b.AuctionID] = append(s.byAuction[b.AuctionID], b.ID)
	}
	s.auctions[a.ID] = a.Clone()
	return nil
}

func (s *MemoryStore) checkVersion(id string, expected int64) error {
	current, ok := s.auctions[id]
	if !ok {
		return apperrors.ErrAuctionNotFoundf(id)
	}
	if current.Version != expected {
		return apperrors.ErrVersionConflictf(id, expected)
	}
	return nil
}

func (s *MemoryStore) ListExpired(_ context.Context, now time.Time, limit int) ([]*domain.Auction, error) {
	return s.list(limit, func(a *domain.Auction) bool { return a.IsExpired(now) }, byCloseAt), nil
}

func (s *MemoryStore) ListDuePending(_ context.Context, now time.Time, limit int) ([]*domain.Auction, error) {
	return s.list(limit, func(a *domain.Auction) bool {
		return a.Status == domain.StatusPending && !now.Before(a.OpenAt)
	}, byOpenAt), nil
}

func (s *MemoryStore) ListUnarchived(_ context.Context, limit int) ([]*domain.Auction, error) {
	return s.list(limit, func(a *domain.Auction) bool {
		return a.Status.IsTerminal() && a.ArchivedAt == nil
	}, byUpdatedAt), nil
}

func byCloseAt(a, b *domain.Auction) bool   { return a.CloseAt.Before(b.CloseAt) }
func byOpenAt(a, b *domain.Auction) bool    { return a.OpenAt.Before(b.OpenAt) }
func byUpdatedAt(a, b *domain.Auction) bool { return a.UpdatedAt.Before(b.UpdatedAt) }

func (s *MemoryStore) list(limit int, match func(*domain.Auction) bool, less func(a, b *domain.Auction) bool) []*domain.Auction {
	s.mu.RLock()
	var out []*domain.Auction
	for _, a := range s.auctions {
		if match(a) {
			out = append(out, a.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if less(out[i], out[j]) {
			return true
		}
		if less(out[j], out[i]) {
			return false
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *MemoryStore) MarkArchived(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.auctions[id]
	if !ok {
		return apperrors.ErrAuctionNotFoundf(id)
	}
	archivedAt := at.UTC()
	a.ArchivedAt = &archivedAt
	return nil
}

func (s *MemoryStore) GetBid(_ context.Context, id string) (*domain.Bid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bids[id]
	if !ok {
		return nil, errBidNotFound(id)
	}
	c := *b
	return &c, nil
}

func (s *MemoryStore) ListBids(_ context.Context, auctionID string) ([]*domain.Bid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byAuction[auctionID]
	out := make([]*domain.Bid, 0, len(ids))
	for _, id := range ids {
		c := *s.bids[id]
		out = append(out, &c)
	}
	return out, nil
}

func (s *MemoryStore) MaxArrivalSeq(_ context.Context, auctionID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var max int64
	for _, id := range s.byAuction[auctionID] {
		if seq := s.bids[id].ArrivalSeq; seq > max {
			max = seq
		}
	}
	return max, nil
}
