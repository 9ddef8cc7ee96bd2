package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "3f2504e0-4f89-41d3-9a0c-0305e82c3301"

func sum(b []byte) string {
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}

// backends returns every local backend, fresh, keyed by name.
func backends(t *testing.T, capacity int64) map[string]Store {
	t.Helper()
	disk, err := NewDiskStore(afero.NewMemMapFs(), "/data", capacity)
	require.NoError(t, err)
	return map[string]Store{
		"memory": NewMemoryStore(capacity),
		"disk":   disk,
	}
}

func TestStoreRoundTrip(t *testing.T) {
	for name, s := range backends(t, 0) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			payload := []byte("hello, ephemeral world")

			blob, err := s.Put(ctx, testKey, bytes.NewReader(payload), Meta{ContentType: "text/plain"})
			require.NoError(t, err)
			assert.EqualValues(t, len(payload), blob.Size)
			assert.Equal(t, sum(payload), blob.SHA256)
			assert.NotEmpty(t, blob.Ref)

			rc, err := s.Get(ctx, testKey)
			require.NoError(t, err)
			got, err := io.ReadAll(rc)
			require.NoError(t, err)
			require.NoError(t, rc.Close())
			assert.Equal(t, payload, got)
		})
	}
}

func TestStoreWriteOnce(t *testing.T) {
	for name, s := range backends(t, 0) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := s.Put(ctx, testKey, strings.NewReader("first"), Meta{})
			require.NoError(t, err)

			_, err = s.Put(ctx, testKey, strings.NewReader("second"), Meta{})
			require.ErrorIs(t, err, ErrTokenCollision)

			rc, err := s.Get(ctx, testKey)
			require.NoError(t, err)
			got, _ := io.ReadAll(rc)
			_ = rc.Close()
			assert.Equal(t, "first", string(got))
		})
	}
}

func TestStoreDeleteIdempotent(t *testing.T) {
	for name, s := range backends(t, 0) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := s.Put(ctx, testKey, strings.NewReader("bytes"), Meta{})
			require.NoError(t, err)

			require.NoError(t, s.Delete(ctx, testKey))
			require.NoError(t, s.Delete(ctx, testKey))

			_, err = s.Get(ctx, testKey)
			assert.ErrorIs(t, err, ErrNotFound)

			if u, ok := s.(Usager); ok {
				used, _ := u.Usage()
				assert.Zero(t, used)
			}
		})
	}
}

func TestStoreCapacity(t *testing.T) {
	for name, s := range backends(t, 10) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := s.Put(ctx, "aa-one", strings.NewReader("123456"), Meta{})
			require.NoError(t, err)

			_, err = s.Put(ctx, "bb-two", strings.NewReader("123456"), Meta{})
			require.ErrorIs(t, err, ErrStorageFull)

			_, err = s.Get(ctx, "bb-two")
			assert.ErrorIs(t, err, ErrNotFound, "a refused write leaves nothing behind")

			require.NoError(t, s.Delete(ctx, "aa-one"))
			_, err = s.Put(ctx, "bb-two", strings.NewReader("123456"), Meta{})
			assert.NoError(t, err, "space is released by delete")
		})
	}
}

type brokenReader struct {
	data []byte
	err  error
}

func (b *brokenReader) Read(p []byte) (int, error) {
	if len(b.data) == 0 {
		return 0, b.err
	}
	n := copy(p, b.data)
	b.data = b.data[n:]
	return n, nil
}

func TestStoreAbortedUploadLeavesNothing(t *testing.T) {
	for name, s := range backends(t, 0) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			r := &brokenReader{data: []byte("partial"), err: io.ErrUnexpectedEOF}

			_, err := s.Put(ctx, testKey, r, Meta{})
			require.Error(t, err)
			assert.True(t, IsSourceError(err))
			assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

			_, err = s.Get(ctx, testKey)
			assert.ErrorIs(t, err, ErrNotFound)

			// the key is free again
			_, err = s.Put(ctx, testKey, strings.NewReader("whole"), Meta{})
			assert.NoError(t, err)
		})
	}
}

func TestSourceErrorExposesMaxBytesError(t *testing.T) {
	s := NewMemoryStore(0)
	mbe := &http.MaxBytesError{Limit: 4}
	_, err := s.Put(context.Background(), testKey, &brokenReader{data: []byte("abcd"), err: mbe}, Meta{})

	var target *http.MaxBytesError
	require.True(t, errors.As(err, &target))
	assert.EqualValues(t, 4, target.Limit)
}

func TestStoreRejectsBadKeys(t *testing.T) {
	for name, s := range backends(t, 0) {
		t.Run(name, func(t *testing.T) {
			for _, key := range []string{"", "../escape", "a/b", `a\b`} {
				_, err := s.Put(context.Background(), key, strings.NewReader("x"), Meta{})
				assert.ErrorIs(t, err, ErrInvalidKey, key)
			}
		})
	}
}

func TestStoreConcurrentPutSameKey(t *testing.T) {
	for name, s := range backends(t, 0) {
		t.Run(name, func(t *testing.T) {
			var (
				wg        sync.WaitGroup
				mu        sync.Mutex
				successes int
			)
			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := s.Put(context.Background(), testKey, strings.NewReader("payload"), Meta{})
					if err == nil {
						mu.Lock()
						successes++
						mu.Unlock()
						return
					}
					assert.ErrorIs(t, err, ErrTokenCollision)
				}()
			}
			wg.Wait()
			assert.Equal(t, 1, successes)
		})
	}
}

func TestDiskStoreRecoversUsageAndDropsPartials(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/data/3f", 0o700))
	require.NoError(t, afero.WriteFile(fs, "/data/3f/"+testKey, []byte("12345"), 0o600))
	require.NoError(t, afero.WriteFile(fs, "/data/3f/"+testKey+".123"+tmpSuffix, []byte("junk"), 0o600))

	s, err := NewDiskStore(fs, "/data", 0)
	require.NoError(t, err)

	used, _ := s.Usage()
	assert.EqualValues(t, 5, used)

	exists, err := afero.Exists(fs, "/data/3f/"+testKey+".123"+tmpSuffix)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestClearDiskDropsPreviousRun(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()

	first, err := NewDiskStore(fs, "/data", 64)
	require.NoError(t, err)
	_, err = first.Put(ctx, testKey, strings.NewReader("secret"), Meta{})
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(fs, "/data/3f/"+testKey+".9"+tmpSuffix, []byte("junk"), 0o600))

	removed, err := ClearDisk(fs, "/data")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	second, err := NewDiskStore(fs, "/data", 64)
	require.NoError(t, err)
	used, _ := second.Usage()
	assert.Zero(t, used)
	_, err = second.Get(ctx, testKey)
	assert.ErrorIs(t, err, ErrNotFound)

	// The root itself survives and a fresh upload under the same key works.
	_, err = second.Put(ctx, testKey, strings.NewReader("again"), Meta{})
	require.NoError(t, err)

	removed, err = ClearDisk(fs, "/missing")
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestNormaliseEndpoint(t *testing.T) {
	tests := []struct {
		in           string
		wantEndpoint string
		wantSecure   bool
		wantErr      bool
	}{
		{"minio:9000", "minio:9000", false, false},
		{"http://minio:9000", "minio:9000", false, false},
		{"https://minio:9000", "minio:9000", true, false},
		{"http://minio:9000/", "minio:9000", false, false},
		{"http://minio:9000/foo", "", false, true},
		{"", "", false, true},
	}

	for _, tt := range tests {
		ep, secure, err := normaliseEndpoint(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.wantEndpoint, ep)
		assert.Equal(t, tt.wantSecure, secure)
	}
}
