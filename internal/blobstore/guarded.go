package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sethvargo/go-retry"

	"quickdrop/internal/logging"
)

// GuardOptions bounds and protects calls into a backend.
type GuardOptions struct {
	// OpTimeout bounds Delete and Ping.
	OpTimeout time.Duration
	// TransferTimeout bounds a whole Put, and a Get until its reader is closed.
	TransferTimeout time.Duration
	// RetryDelay is the pause before the single retry of a transient failure.
	RetryDelay time.Duration
	// Breaker may be nil.
	Breaker *CircuitBreaker
}

// Guarded wraps a Store with timeouts, one retry of transient failures and a
// circuit breaker. Whatever still fails reaches the caller as
// ErrStorageUnavailable, unless it is one of the ordinary answers
// (ErrNotFound, ErrStorageFull, ErrTokenCollision, *SourceError).
type Guarded struct {
	inner Store
	opts  GuardOptions
}

// NewGuarded wraps inner.
func NewGuarded(inner Store, opts GuardOptions) *Guarded {
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = 30 * time.Second
	}
	if opts.TransferTimeout <= 0 {
		opts.TransferTimeout = 5 * time.Minute
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 200 * time.Millisecond
	}
	return &Guarded{inner: inner, opts: opts}
}

// Unwrap returns the wrapped backend.
func (g *Guarded) Unwrap() Store { return g.inner }

// Breaker returns the breaker in use, possibly nil.
func (g *Guarded) Breaker() *CircuitBreaker { return g.opts.Breaker }

func (g *Guarded) Put(ctx context.Context, key string, r io.Reader, meta Meta) (Blob, error) {
	ctx, cancel := context.WithTimeout(ctx, g.opts.TransferTimeout)
	defer cancel()

	// A payload can only be replayed when the caller handed us something seekable.
	seeker, rewindable := r.(io.Seeker)
	var (
		blob    Blob
		attempt int
	)
	err := g.do(ctx, "put", key, rewindable, func(ctx context.Context) error {
		if attempt > 0 {
			if _, err := seeker.Seek(0, io.SeekStart); err != nil {
				return &SourceError{Err: err}
			}
		}
		attempt++
		b, err := g.inner.Put(ctx, key, r, meta)
		if err != nil {
			return err
		}
		blob = b
		return nil
	})
	if err != nil {
		return Blob{}, err
	}
	return blob, nil
}

func (g *Guarded) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	ctx, cancel := context.WithTimeout(ctx, g.opts.TransferTimeout)

	var rc io.ReadCloser
	err := g.do(ctx, "get", key, true, func(ctx context.Context) error {
		r, err := g.inner.Get(ctx, key)
		if err != nil {
			return err
		}
		rc = r
		return nil
	})
	if err != nil {
		cancel()
		return nil, err
	}
	return &cancelOnClose{ReadCloser: rc, cancel: cancel}, nil
}

func (g *Guarded) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, g.opts.OpTimeout)
	defer cancel()

	return g.do(ctx, "delete", key, true, func(ctx context.Context) error {
		return g.inner.Delete(ctx, key)
	})
}

func (g *Guarded) Ping(ctx context.Context) error {
	p, ok := g.inner.(Pinger)
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, g.opts.OpTimeout)
	defer cancel()
	return g.classify(ctx, g.opts.Breaker.Execute(func() error { return p.Ping(ctx) }))
}

func (g *Guarded) Usage() (used, capacity int64) {
	if u, ok := g.inner.(Usager); ok {
		return u.Usage()
	}
	return 0, 0
}

func (g *Guarded) do(ctx context.Context, op, key string, replayable bool, fn func(context.Context) error) error {
	backoff := retry.WithMaxRetries(1, retry.NewConstant(g.opts.RetryDelay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := g.opts.Breaker.Execute(func() error { return fn(ctx) })
		if err != nil && isBackendFailure(err) {
			logging.Warn("storage_op_failed", map[string]any{
				"op":    op,
				"token": logging.Token(key),
				"error": err.Error(),
			})
			if replayable {
				return retry.RetryableError(err)
			}
		}
		return err
	})
	return g.classify(ctx, err)
}

func (g *Guarded) classify(ctx context.Context, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrStorageFull),
		errors.Is(err, ErrTokenCollision),
		errors.Is(err, ErrInvalidKey),
		errors.Is(err, ErrStorageUnavailable),
		IsSourceError(err):
		return err
	case errors.Is(err, context.Canceled) && ctx.Err() == context.Canceled:
		// The caller went away; not a storage fault.
		return err
	}
	return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
