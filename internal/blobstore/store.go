// Package blobstore owns the bytes of uploaded objects.
//
// Every backend is write-once per key: a second Put for a key that already
// holds bytes fails with ErrTokenCollision instead of overwriting. Delete is
// idempotent and returns only after the backend has released the object.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

var (
	ErrNotFound           = errors.New("blobstore: object not found")
	ErrStorageFull        = errors.New("blobstore: storage full")
	ErrStorageUnavailable = errors.New("blobstore: storage unavailable")
	ErrTokenCollision     = errors.New("blobstore: object already exists")
	ErrInvalidKey         = errors.New("blobstore: invalid key")
)

// Meta describes the payload handed to Put.
type Meta struct {
	ContentType string
	Name        string
}

// Blob is what a backend reports after a successful Put.
type Blob struct {
	Ref    string // backend location, e.g. "disk:ab/ab12..." or "bucket/key"
	Size   int64
	SHA256 string // hex
}

// Store is implemented by every storage backend.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, meta Meta) (Blob, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// Pinger is implemented by backends that can report reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Usager is implemented by backends that account capacity locally.
type Usager interface {
	Usage() (used, capacity int64)
}

// SourceError reports that the caller's reader failed during Put, e.g. an
// aborted upload or a body over its size limit. Nothing is stored.
type SourceError struct {
	Err error
}

func (e *SourceError) Error() string { return "blobstore: reading payload: " + e.Err.Error() }

func (e *SourceError) Unwrap() error { return e.Err }

// IsSourceError reports whether err came from the payload reader.
func IsSourceError(err error) bool {
	var se *SourceError
	return errors.As(err, &se)
}

func validKey(key string) error {
	if key == "" || len(key) > 128 || strings.ContainsAny(key, `/\`) || strings.Contains(key, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStorageUnavailable, op, err)
}
