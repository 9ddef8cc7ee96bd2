package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/afero"
)

const tmpSuffix = ".part"

// DiskStore keeps each payload in its own file under root, fanned out by
// the first two characters of the key. Files are written to a temporary name,
// synced, then renamed, so a crashed or aborted write never shows up as a
// stored object.
type DiskStore struct {
	fs    afero.Fs
	root  string
	quota quota

	mu      sync.Mutex
	writing map[string]struct{}
}

// NewDiskStore prepares root on fs, drops leftovers of interrupted writes and
// accounts the bytes already present against capacity (<= 0: unbounded).
func NewDiskStore(fs afero.Fs, root string, capacity int64) (*DiskStore, error) {
	if err := fs.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}

	s := &DiskStore{fs: fs, root: root, writing: make(map[string]struct{})}
	s.quota.capacity = capacity

	var used int64
	err := afero.Walk(fs, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		if strings.HasSuffix(path, tmpSuffix) {
			return fs.Remove(path)
		}
		used += info.Size()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan storage dir: %w", err)
	}
	s.quota.used.Store(used)
	return s, nil
}

// ClearDisk removes everything under root and reports how many payload files
// were dropped. A missing root is not an error.
func ClearDisk(fs afero.Fs, root string) (int, error) {
	entries, err := afero.ReadDir(fs, root)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read storage dir: %w", err)
	}

	removed := 0
	for _, e := range entries {
		path := filepath.Join(root, e.Name())
		err := afero.Walk(fs, path, func(p string, info os.FileInfo, err error) error {
			if err == nil && !info.IsDir() && !strings.HasSuffix(p, tmpSuffix) {
				removed++
			}
			return nil
		})
		if err != nil {
			return removed, fmt.Errorf("scan storage dir: %w", err)
		}
		if err := fs.RemoveAll(path); err != nil {
			return removed, fmt.Errorf("clear storage dir: %w", err)
		}
	}
	return removed, nil
}

func (s *DiskStore) path(key string) string {
	shard := key
	if len(shard) > 2 {
		shard = shard[:2]
	}
	return filepath.Join(s.root, shard, key)
}

func (s *DiskStore) Put(ctx context.Context, key string, r io.Reader, _ Meta) (Blob, error) {
	if err := validKey(key); err != nil {
		return Blob{}, err
	}
	final := s.path(key)

	if err := s.claim(key, final); err != nil {
		return Blob{}, err
	}
	defer s.unclaim(key)

	if err := s.fs.MkdirAll(filepath.Dir(final), 0o700); err != nil {
		return Blob{}, diskErr("mkdir", err)
	}
	tmp, err := afero.TempFile(s.fs, filepath.Dir(final), key+".*"+tmpSuffix)
	if err != nil {
		return Blob{}, diskErr("create", err)
	}

	dr := newDigestReader(ctx, r)
	qw := &quotaWriter{w: tmp, q: &s.quota}
	discard := func() {
		_ = tmp.Close()
		_ = s.fs.Remove(tmp.Name())
		s.quota.release(qw.n)
	}

	if _, err := io.Copy(qw, dr); err != nil {
		discard()
		if dr.failed != nil {
			return Blob{}, dr.failed
		}
		if errors.Is(err, ErrStorageFull) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return Blob{}, err
		}
		return Blob{}, diskErr("write", err)
	}
	if err := tmp.Sync(); err != nil {
		discard()
		return Blob{}, diskErr("sync", err)
	}
	if err := tmp.Close(); err != nil {
		_ = s.fs.Remove(tmp.Name())
		s.quota.release(qw.n)
		return Blob{}, diskErr("close", err)
	}
	if err := s.fs.Rename(tmp.Name(), final); err != nil {
		_ = s.fs.Remove(tmp.Name())
		s.quota.release(qw.n)
		return Blob{}, diskErr("rename", err)
	}

	rel, _ := filepath.Rel(s.root, final)
	return dr.blob("disk:" + filepath.ToSlash(rel)), nil
}

func (s *DiskStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	if err := validKey(key); err != nil {
		return nil, ErrNotFound
	}
	f, err := s.fs.Open(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, diskErr("open", err)
	}
	return f, nil
}

func (s *DiskStore) Delete(_ context.Context, key string) error {
	if err := validKey(key); err != nil {
		return nil
	}
	p := s.path(key)
	info, err := s.fs.Stat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return diskErr("stat", err)
	}
	if err := s.fs.Remove(p); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return diskErr("remove", err)
	}
	s.quota.release(info.Size())
	return nil
}

func (s *DiskStore) Ping(context.Context) error {
	if _, err := s.fs.Stat(s.root); err != nil {
		return diskErr("stat root", err)
	}
	return nil
}

func (s *DiskStore) Usage() (used, capacity int64) {
	return s.quota.used.Load(), s.quota.capacity
}

// claim refuses keys that are stored or currently being written.
func (s *DiskStore) claim(key, final string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.writing[key]; busy {
		return ErrTokenCollision
	}
	exists, err := afero.Exists(s.fs, final)
	if err != nil {
		return diskErr("stat", err)
	}
	if exists {
		return ErrTokenCollision
	}
	s.writing[key] = struct{}{}
	return nil
}

func (s *DiskStore) unclaim(key string) {
	s.mu.Lock()
	delete(s.writing, key)
	s.mu.Unlock()
}

func diskErr(op string, err error) error {
	if errors.Is(err, syscall.ENOSPC) {
		return fmt.Errorf("%w: %s: %v", ErrStorageFull, op, err)
	}
	return unavailable(op, err)
}
