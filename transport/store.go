package transport

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue/v2"

	"github.com/zoobzio/hubz/envelope"
)

// Store buffers envelopes that could not be delivered. Implementations are
// bounded: Push evicts the oldest entries when full and reports how many.
type Store interface {
	Push(env *envelope.Envelope) (evicted int, err error)
	Pop() (*envelope.Envelope, bool)
	Len() int
}

// MemoryStore is a bounded in-memory FIFO.
// Safe for concurrent use.
type MemoryStore struct {
	q        *queue.Queue[*envelope.Envelope]
	capacity int
	mu       sync.Mutex
}

// NewMemoryStore creates a store holding at most capacity envelopes.
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = 1
	}
	return &MemoryStore{
		q:        queue.New[*envelope.Envelope](),
		capacity: capacity,
	}
}

func (s *MemoryStore) Push(env *envelope.Envelope) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for s.q.Length() >= s.capacity {
		s.q.Remove()
		evicted++
	}
	s.q.Add(env)
	return evicted, nil
}

func (s *MemoryStore) Pop() (*envelope.Envelope, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.q.Length() == 0 {
		return nil, false
	}
	return s.q.Remove(), true
}

func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.Length()
}

const storeExt = ".envelope"

// DirStore keeps one file per envelope in a directory. File names sort by
// insertion order, so the oldest entry is the first name.
type DirStore struct {
	dir      string
	capacity int
	seq      atomic.Uint64
	mu       sync.Mutex
}

// NewDirStore creates dir if needed and resumes numbering after any files
// already present.
func NewDirStore(dir string, capacity int) (*DirStore, error) {
	if capacity <= 0 {
		capacity = 1
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("store: create %s: %w", dir, err)
	}
	s := &DirStore{dir: dir, capacity: capacity}

	names, err := s.names()
	if err != nil {
		return nil, err
	}
	if len(names) > 0 {
		last, err := strconv.ParseUint(strings.TrimSuffix(names[len(names)-1], storeExt), 10, 64)
		if err == nil {
			s.seq.Store(last)
		}
	}
	return s, nil
}

func (s *DirStore) Push(env *envelope.Envelope) (int, error) {
	data, err := env.Encode()
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	name := fmt.Sprintf("%020d%s", s.seq.Add(1), storeExt)
	if err := os.WriteFile(filepath.Join(s.dir, name), data, 0o600); err != nil {
		return 0, fmt.Errorf("store: write %s: %w", name, err)
	}

	names, err := s.names()
	if err != nil {
		return 0, err
	}
	evicted := 0
	for len(names) > s.capacity {
		_ = os.Remove(filepath.Join(s.dir, names[0]))
		names = names[1:]
		evicted++
	}
	return evicted, nil
}

// Pop returns the oldest decodable envelope. Undecodable files are removed.
func (s *DirStore) Pop() (*envelope.Envelope, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	names, err := s.names()
	if err != nil {
		return nil, false
	}
	for _, name := range names {
		path := filepath.Join(s.dir, name)
		data, err := os.ReadFile(path)
		_ = os.Remove(path)
		if err != nil {
			continue
		}
		env, err := envelope.Decode(data)
		if err != nil {
			continue
		}
		return env, true
	}
	return nil, false
}

func (s *DirStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	names, _ := s.names()
	return len(names)
}

// names lists stored files in ascending order. os.ReadDir sorts by name.
func (s *DirStore) names() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("store: read %s: %w", s.dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), storeExt) {
			names = append(names, e.Name())
		}
	}
	return names, nil
}
