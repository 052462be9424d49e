package assembly

import (
	"sort"
	"sync"
	"time"

	"github.com/tus-placer/backend/internal/models"
)

// Record is the assembly state of one group.
type Record struct {
	GroupID    string
	TotalParts int
	// Parts maps a 1-based part index to its staging blob id.
	Parts    map[int]string
	Metadata models.PartMetadata
	State    models.GroupState

	// Appended is the highest part index whose bytes are in the anchor blob.
	// AnchorSize is the anchor's byte size at that point.
	Appended   int
	AnchorSize int64

	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (r *Record) clone() *Record {
	c := *r
	c.Parts = make(map[int]string, len(r.Parts))
	for k, v := range r.Parts {
		c.Parts[k] = v
	}
	return &c
}

func (r *Record) status() models.GroupStatus {
	received := make([]int, 0, len(r.Parts))
	for idx := range r.Parts {
		received = append(received, idx)
	}
	sort.Ints(received)

	return models.GroupStatus{
		GroupID:    r.GroupID,
		State:      r.State,
		TotalParts: r.TotalParts,
		Received:   received,
		Appended:   r.Appended,
		Filename:   r.Metadata.OriginalFilename,
		LastError:  r.LastError,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
}

// Store holds assembly records keyed by group id. The tracker serializes
// its own access, so implementations only need to be safe for concurrent
// readers of List.
type Store interface {
	Get(groupID string) (*Record, bool)
	Put(r *Record)
	Delete(groupID string)
	List() []*Record
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func (s *MemoryStore) Get(groupID string) (*Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[groupID]
	return r, ok
}

func (s *MemoryStore) Put(r *Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[r.GroupID] = r
}

func (s *MemoryStore) Delete(groupID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, groupID)
}

func (s *MemoryStore) List() []*Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := make([]*Record, 0, len(s.records))
	for _, r := range s.records {
		list = append(list, r)
	}
	return list
}
