package blob

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and local development.
type MemoryStore struct {
	mu      sync.Mutex
	objects map[string][]byte

	// FailDeletes makes Delete fail; lets tests exercise the purge
	// failure path.
	FailDeletes bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

func (s *MemoryStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	s.objects[key] = buf
	return nil
}

func (s *MemoryStore) SignedReadURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return fmt.Sprintf("https://blob.local/%s?ttl=%d", key, int(ttl.Seconds())), nil
}

func (s *MemoryStore) SignedPutURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return fmt.Sprintf("https://blob.local/upload/%s?ttl=%d", key, int(ttl.Seconds())), nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailDeletes {
		return fmt.Errorf("delete object: simulated failure")
	}
	delete(s.objects, key)
	return nil
}

func (s *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[key]
	return ok, nil
}

// Len reports how many objects are stored. Test helper.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}
