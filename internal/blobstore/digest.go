package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
	"sync/atomic"
)

// digestReader hashes and counts what it reads so integrity data comes for
// free while the bytes stream into a backend. A failure of the wrapped reader
// is remembered as a SourceError, whatever the backend does with it.
type digestReader struct {
	ctx    context.Context
	r      io.Reader
	h      hash.Hash
	n      int64
	failed error
}

func newDigestReader(ctx context.Context, r io.Reader) *digestReader {
	return &digestReader{ctx: ctx, r: r, h: sha256.New()}
}

func (d *digestReader) Read(p []byte) (int, error) {
	if err := d.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := d.r.Read(p)
	if n > 0 {
		d.h.Write(p[:n])
		d.n += int64(n)
	}
	if err != nil && err != io.EOF {
		d.failed = &SourceError{Err: err}
		return n, d.failed
	}
	return n, err
}

func (d *digestReader) blob(ref string) Blob {
	return Blob{Ref: ref, Size: d.n, SHA256: hex.EncodeToString(d.h.Sum(nil))}
}

// quota tracks bytes held by a capacity-bounded backend. A capacity <= 0
// means unbounded.
type quota struct {
	capacity int64
	used     atomic.Int64
}

func (q *quota) reserve(n int64) bool {
	for {
		cur := q.used.Load()
		if q.capacity > 0 && cur+n > q.capacity {
			return false
		}
		if q.used.CompareAndSwap(cur, cur+n) {
			return true
		}
	}
}

func (q *quota) release(n int64) {
	q.used.Add(-n)
}

// quotaWriter reserves capacity chunk by chunk so an oversized payload is
// refused as soon as it crosses the limit, not after it has been buffered.
type quotaWriter struct {
	w io.Writer
	q *quota
	n int64
}

func (qw *quotaWriter) Write(p []byte) (int, error) {
	if !qw.q.reserve(int64(len(p))) {
		return 0, ErrStorageFull
	}
	n, err := qw.w.Write(p)
	qw.n += int64(n)
	if n < len(p) {
		qw.q.release(int64(len(p) - n))
	}
	return n, err
}
