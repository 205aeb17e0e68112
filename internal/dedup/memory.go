package dedup

import (
	"container/list"
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps records in process memory, bounded by both Purge and a
// maximum entry count. When full, the oldest record is evicted.
type MemoryStore struct {
	maxEntries int

	mu      sync.Mutex
	order   *list.List
	entries map[string]*list.Element
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a store holding at most maxEntries records (0 means unbounded).
func NewMemoryStore(maxEntries int) *MemoryStore {
	return &MemoryStore{
		maxEntries: maxEntries,
		order:      list.New(),
		entries:    make(map[string]*list.Element),
	}
}

func (s *MemoryStore) RecordIfNew(_ context.Context, rec Record) (Result, error) {
	key := recordKey(rec.AuctionID, rec.EventID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.entries[key]; ok {
		prev := cloneRecord(el.Value.(*Record))
		return Result{Status: StatusDuplicate, Previous: prev}, nil
	}

	s.entries[key] = s.order.PushBack(cloneRecord(&rec))
	for s.maxEntries > 0 && s.order.Len() > s.maxEntries {
		oldest := s.order.Front()
		r := oldest.Value.(*Record)
		delete(s.entries, recordKey(r.AuctionID, r.EventID))
		s.order.Remove(oldest)
	}
	return Result{Status: StatusNew}, nil
}

func (s *MemoryStore) Lookup(_ context.Context, auctionID, eventID string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.entries[recordKey(auctionID, eventID)]
	if !ok {
		return nil, nil
	}
	return cloneRecord(el.Value.(*Record)), nil
}

func (s *MemoryStore) MarkPublished(_ context.Context, auctionID, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.entries[recordKey(auctionID, eventID)]; ok {
		el.Value.(*Record).Published = true
	}
	return nil
}

func (s *MemoryStore) ListUnpublished(_ context.Context, limit int) ([]Record, error) {
	s.mu.Lock()
	var out []Record
	for el := s.order.Front(); el != nil; el = el.Next() {
		if r := el.Value.(*Record); !r.Published {
			out = append(out, *cloneRecord(r))
		}
	}
	s.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].RecordedAt.Before(out[j].RecordedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Purge(_ context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	purged := 0
	for el := s.order.Front(); el != nil; {
		next := el.Next()
		if r := el.Value.(*Record); r.RecordedAt.Before(olderThan) {
			delete(s.entries, recordKey(r.AuctionID, r.EventID))
			s.order.Remove(el)
			purged++
		}
		el = next
	}
	return purged, nil
}

// Len returns the number of retained records.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}

func cloneRecord(r *Record) *Record {
	c := *r
	c.Outcomes = append(c.Outcomes[:0:0], r.Outcomes...)
	return &c
}
