package blobstore

import (
	"bytes"
	"context"
	"io"
	"sync"
)

// MemoryStore keeps payloads in process memory. Used for tests and for
// single-node deployments that accept losing uploads on restart.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
	quota   quota
}

// NewMemoryStore returns a store holding at most capacity bytes (<= 0: unbounded).
func NewMemoryStore(capacity int64) *MemoryStore {
	s := &MemoryStore{objects: make(map[string][]byte)}
	s.quota.capacity = capacity
	return s
}

func (s *MemoryStore) Put(ctx context.Context, key string, r io.Reader, _ Meta) (Blob, error) {
	if err := validKey(key); err != nil {
		return Blob{}, err
	}
	if s.exists(key) {
		return Blob{}, ErrTokenCollision
	}

	dr := newDigestReader(ctx, r)
	var buf bytes.Buffer
	qw := &quotaWriter{w: &buf, q: &s.quota}
	if _, err := io.Copy(qw, dr); err != nil {
		s.quota.release(qw.n)
		if dr.failed != nil {
			return Blob{}, dr.failed
		}
		return Blob{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[key]; ok {
		s.quota.release(qw.n)
		return Blob{}, ErrTokenCollision
	}
	s.objects[key] = buf.Bytes()
	return dr.blob("mem:" + key), nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	s.mu.RLock()
	data, ok := s.objects[key]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	data, ok := s.objects[key]
	delete(s.objects, key)
	s.mu.Unlock()
	if ok {
		s.quota.release(int64(len(data)))
	}
	return nil
}

func (s *MemoryStore) Usage() (used, capacity int64) {
	return s.quota.used.Load(), s.quota.capacity
}

// Len reports how many payloads are held.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}

func (s *MemoryStore) exists(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objects[key]
	return ok
}
