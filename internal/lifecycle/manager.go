// Package lifecycle decides, per token, whether an upload may still be served.
//
// Each record lives in one of a fixed number of shards selected by hashing
// its token. Every decision about a record (count a retrieval, expire it,
// destroy its bytes, drop it) is taken under its shard lock, so requests for
// the same token are serialized while unrelated tokens proceed in parallel.
// Storage I/O never happens under a shard lock: a retrieval is counted first
// and streamed afterwards, and bytes are deleted once no counted retrieval is
// still reading them.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"hash/maphash"
	"io"
	"sync"
	"time"

	"quickdrop/internal/blobstore"
	"quickdrop/internal/logging"
)

const shardCount = 64

// TokenSource issues fresh tokens.
type TokenSource interface {
	Generate() string
}

// Config wires a Manager. Store and Tokens are required.
type Config struct {
	Store    blobstore.Store
	Tokens   TokenSource
	Journal  Journal
	Observer Observer
	Logger   *logging.Logger
	Clock    func() time.Time

	DefaultTTL           time.Duration
	MaxTTL               time.Duration
	DefaultMaxRetrievals int
	MaxRetrievalsLimit   int

	// TombstoneRetention keeps terminal records, bytes already gone, so
	// late callers still learn why they were refused. Zero purges at once.
	TombstoneRetention time.Duration
	// JournalTimeout bounds each journal write.
	JournalTimeout time.Duration
}

type record struct {
	obj StoredObject
	// readers counts granted retrievals whose payload is not closed yet.
	readers int
	// purgeRequested finalizes the record as soon as its bytes are gone.
	purgeRequested bool
	// deleting is non-nil while the bytes are being destroyed.
	deleting chan struct{}
}

type shard struct {
	mu       sync.RWMutex
	records  map[string]*record
	reserved map[string]struct{}
}

// Manager owns every StoredObject.
type Manager struct {
	store    blobstore.Store
	tokens   TokenSource
	journal  Journal
	observer Observer
	log      *logging.Logger
	now      func() time.Time

	defaultTTL     time.Duration
	maxTTL         time.Duration
	defaultMax     int
	maxLimit       int
	retention      time.Duration
	journalTimeout time.Duration

	seed   maphash.Seed
	shards [shardCount]shard

	closeMu  sync.RWMutex
	closed   bool
	inflight sync.WaitGroup
}

// New builds a Manager from cfg, filling unset limits with defaults.
func New(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, errors.New("lifecycle: store is required")
	}
	if cfg.Tokens == nil {
		return nil, errors.New("lifecycle: token source is required")
	}

	m := &Manager{
		store:          cfg.Store,
		tokens:         cfg.Tokens,
		journal:        cfg.Journal,
		observer:       cfg.Observer,
		log:            cfg.Logger,
		now:            cfg.Clock,
		defaultTTL:     cfg.DefaultTTL,
		maxTTL:         cfg.MaxTTL,
		defaultMax:     cfg.DefaultMaxRetrievals,
		maxLimit:       cfg.MaxRetrievalsLimit,
		retention:      cfg.TombstoneRetention,
		journalTimeout: cfg.JournalTimeout,
		seed:           maphash.MakeSeed(),
	}
	if m.journal == nil {
		m.journal = NopJournal{}
	}
	if m.observer == nil {
		m.observer = NopObserver{}
	}
	if m.log == nil {
		m.log = logging.Default()
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.defaultTTL <= 0 {
		m.defaultTTL = time.Hour
	}
	if m.maxTTL <= 0 {
		m.maxTTL = 24 * time.Hour
	}
	if m.defaultTTL > m.maxTTL {
		return nil, fmt.Errorf("lifecycle: default ttl %s exceeds max ttl %s", m.defaultTTL, m.maxTTL)
	}
	if m.defaultMax <= 0 {
		m.defaultMax = 1
	}
	if m.maxLimit <= 0 {
		m.maxLimit = 100
	}
	if m.defaultMax > m.maxLimit {
		return nil, fmt.Errorf("lifecycle: default max retrievals %d exceeds limit %d", m.defaultMax, m.maxLimit)
	}
	if m.retention < 0 {
		m.retention = 0
	}
	if m.journalTimeout <= 0 {
		m.journalTimeout = 5 * time.Second
	}
	for i := range m.shards {
		m.shards[i].records = make(map[string]*record)
		m.shards[i].reserved = make(map[string]struct{})
	}
	return m, nil
}

func (m *Manager) shard(token string) *shard {
	return &m.shards[maphash.String(m.seed, token)%shardCount]
}

// begin registers an in-flight operation; Close waits for all of them.
func (m *Manager) begin() error {
	m.closeMu.RLock()
	defer m.closeMu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	m.inflight.Add(1)
	return nil
}

// ClampTTL applies the default and the cap.
func (m *Manager) ClampTTL(d time.Duration) time.Duration {
	if d <= 0 {
		return m.defaultTTL
	}
	if d > m.maxTTL {
		return m.maxTTL
	}
	return d
}

// ClampRetrievals applies the default and the cap.
func (m *Manager) ClampRetrievals(n int) int {
	if n <= 0 {
		return m.defaultMax
	}
	if n > m.maxLimit {
		return m.maxLimit
	}
	return n
}

// Register stores the payload read from r under a fresh token and records it
// as Active. If the bytes cannot be stored, or the record cannot be
// journaled, nothing is left behind.
func (m *Manager) Register(ctx context.Context, r io.Reader, meta Metadata, opts Options) (StoredObject, error) {
	if err := m.begin(); err != nil {
		return StoredObject{}, err
	}
	defer m.inflight.Done()

	ttl := m.ClampTTL(opts.TTL)
	maxRetrievals := m.ClampRetrievals(opts.MaxRetrievals)

	token := m.tokens.Generate()
	sh := m.shard(token)

	sh.mu.Lock()
	_, taken := sh.records[token]
	_, pending := sh.reserved[token]
	if taken || pending {
		sh.mu.Unlock()
		m.log.Error("token_collision", map[string]any{"token": logging.Token(token)}, nil)
		return StoredObject{}, fmt.Errorf("register: %w", ErrTokenCollision)
	}
	sh.reserved[token] = struct{}{}
	sh.mu.Unlock()

	unreserve := func() {
		sh.mu.Lock()
		delete(sh.reserved, token)
		sh.mu.Unlock()
	}

	blob, err := m.store.Put(ctx, token, r, blobstore.Meta{ContentType: meta.ContentType, Name: meta.Name})
	if err != nil {
		unreserve()
		if errors.Is(err, ErrTokenCollision) {
			m.log.Error("token_collision", map[string]any{"token": logging.Token(token)}, err)
		}
		return StoredObject{}, fmt.Errorf("register: %w", err)
	}

	now := m.now()
	obj := StoredObject{
		Token:         token,
		BlobRef:       blob.Ref,
		SizeBytes:     blob.Size,
		ContentType:   meta.ContentType,
		OriginalName:  meta.Name,
		SHA256:        blob.SHA256,
		CreatedAt:     now,
		ExpiresAt:     now.Add(ttl),
		MaxRetrievals: maxRetrievals,
		State:         StateActive,
	}

	if err := m.journalWrite(ctx, func(ctx context.Context) error { return m.journal.Insert(ctx, obj) }); err != nil {
		unreserve()
		if derr := m.store.Delete(context.WithoutCancel(ctx), token); derr != nil {
			m.log.Error("register_rollback_failed", map[string]any{"token": logging.Token(token)}, derr)
		}
		return StoredObject{}, fmt.Errorf("register: %w", err)
	}

	sh.mu.Lock()
	delete(sh.reserved, token)
	sh.records[token] = &record{obj: obj}
	sh.mu.Unlock()

	m.observer.ObjectRegistered(obj)
	m.log.Debug("object_registered", map[string]any{
		"token":          logging.Token(token),
		"bytes":          obj.SizeBytes,
		"ttl":            ttl.String(),
		"max_retrievals": maxRetrievals,
	})
	return obj, nil
}

// TryConsume takes the per-token decision: an Active, unexpired object has
// its retrieval counted, becoming Consumed when the count reaches its limit,
// and the caller gets the payload. Everyone else gets a denial matching
// ErrDenied. The returned Payload must be closed.
func (m *Manager) TryConsume(ctx context.Context, token string) (*Payload, error) {
	if err := m.begin(); err != nil {
		return nil, err
	}

	sh := m.shard(token)
	now := m.now()

	sh.mu.Lock()
	rec, ok := sh.records[token]
	if !ok {
		sh.mu.Unlock()
		m.inflight.Done()
		return nil, m.deny(ErrNotFound)
	}

	switch rec.obj.State {
	case StateConsumed:
		sh.mu.Unlock()
		m.inflight.Done()
		return nil, m.deny(ErrAlreadyConsumed)
	case StateExpired:
		sh.mu.Unlock()
		m.inflight.Done()
		return nil, m.deny(ErrExpired)
	case StatePurged:
		sh.mu.Unlock()
		m.inflight.Done()
		return nil, m.deny(ErrNotFound)
	}

	if !now.Before(rec.obj.ExpiresAt) {
		err := m.transitionLocked(ctx, rec, StateExpired, now)
		destroy := err == nil && m.claimDestroyLocked(rec)
		sh.mu.Unlock()
		if destroy {
			_ = m.destroy(token, rec)
		}
		m.inflight.Done()
		if err != nil {
			return nil, err
		}
		return nil, m.deny(ErrExpired)
	}

	prev := rec.obj
	rec.obj.RetrievalCount++
	if rec.obj.RetrievalCount >= rec.obj.MaxRetrievals {
		rec.obj.State = StateConsumed
		rec.obj.TerminalAt = now
	}
	if err := m.journalWrite(ctx, func(ctx context.Context) error { return m.journal.Update(ctx, rec.obj) }); err != nil {
		rec.obj = prev
		sh.mu.Unlock()
		m.inflight.Done()
		return nil, fmt.Errorf("consume: %w", err)
	}
	rec.readers++
	snapshot := rec.obj
	sh.mu.Unlock()

	if snapshot.State != prev.State {
		m.observer.StateChanged(prev.State, snapshot.State)
	}

	// The retrieval is counted before any byte moves and stays counted if the
	// read fails: state never goes backwards.
	body, err := m.store.Get(ctx, token)
	if err != nil {
		m.release(token)
		m.inflight.Done()
		m.log.Error("payload_read_failed", map[string]any{"token": logging.Token(token)}, err)
		if errors.Is(err, blobstore.ErrNotFound) {
			return nil, m.deny(ErrNotFound)
		}
		return nil, fmt.Errorf("consume: %w", err)
	}

	m.observer.RetrievalGranted(snapshot)
	m.log.Debug("retrieval_granted", map[string]any{
		"token":     logging.Token(token),
		"count":     snapshot.RetrievalCount,
		"max":       snapshot.MaxRetrievals,
		"state":     snapshot.State.String(),
		"bytes":     snapshot.SizeBytes,
		"remaining": snapshot.MaxRetrievals - snapshot.RetrievalCount,
	})
	return &Payload{Object: snapshot, body: body, m: m, token: token}, nil
}

// Status reports whether token can still be retrieved. It never changes state.
func (m *Manager) Status(token string) Status {
	sh := m.shard(token)
	now := m.now()

	sh.mu.RLock()
	defer sh.mu.RUnlock()
	rec, ok := sh.records[token]
	if ok && rec.obj.State == StateActive && now.Before(rec.obj.ExpiresAt) {
		return StatusActive
	}
	return StatusGone
}

// Inspect returns a copy of the record with its precise state, for
// diagnostics and tests.
func (m *Manager) Inspect(token string) (StoredObject, bool) {
	sh := m.shard(token)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	rec, ok := sh.records[token]
	if !ok {
		return StoredObject{}, false
	}
	return rec.obj, true
}

// Purge destroys the payload and drops the record. An Active object is
// expired first. Purging an unknown or already purged token is a no-op.
// While a granted retrieval is still streaming, the bytes are destroyed as
// soon as it finishes.
func (m *Manager) Purge(ctx context.Context, token string) error {
	if err := m.begin(); err != nil {
		return err
	}
	defer m.inflight.Done()

	sh := m.shard(token)
	for {
		sh.mu.Lock()
		rec, ok := sh.records[token]
		if !ok {
			sh.mu.Unlock()
			return nil
		}
		if wait := rec.deleting; wait != nil {
			sh.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if rec.obj.State == StateActive {
			if err := m.transitionLocked(ctx, rec, StateExpired, m.now()); err != nil {
				sh.mu.Unlock()
				return fmt.Errorf("purge: %w", err)
			}
		}
		rec.purgeRequested = true

		if rec.readers > 0 {
			sh.mu.Unlock()
			return nil
		}
		if rec.obj.BlobDestroyed {
			m.finalizeLocked(ctx, sh, token, rec)
			sh.mu.Unlock()
			return nil
		}

		m.claimDestroyLocked(rec)
		sh.mu.Unlock()
		if err := m.destroy(token, rec); err != nil {
			return fmt.Errorf("purge: %w", err)
		}
		return nil
	}
}

// Close stops accepting work and waits until in-flight uploads, retrievals
// and destructions have finished, or ctx ends.
func (m *Manager) Close(ctx context.Context) error {
	m.closeMu.Lock()
	m.closed = true
	m.closeMu.Unlock()

	done := make(chan struct{})
	go func() {
		m.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) deny(err error) error {
	m.observer.RetrievalDenied(DenialReason(err))
	return err
}

// transitionLocked moves rec to a terminal state and journals it. On a
// journal failure the record is left untouched.
func (m *Manager) transitionLocked(ctx context.Context, rec *record, to State, now time.Time) error {
	prev := rec.obj
	rec.obj.State = to
	rec.obj.TerminalAt = now
	if err := m.journalWrite(ctx, func(ctx context.Context) error { return m.journal.Update(ctx, rec.obj) }); err != nil {
		rec.obj = prev
		return err
	}
	m.observer.StateChanged(prev.State, to)
	m.log.Debug("state_changed", map[string]any{
		"token": logging.Token(rec.obj.Token),
		"from":  prev.State.String(),
		"to":    to.String(),
	})
	return nil
}

// claimDestroyLocked reports whether the caller should destroy rec's bytes
// now, and if so marks the destruction as in progress.
func (m *Manager) claimDestroyLocked(rec *record) bool {
	if !rec.obj.State.Terminal() || rec.readers > 0 || rec.obj.BlobDestroyed || rec.deleting != nil {
		return false
	}
	rec.deleting = make(chan struct{})
	return true
}

// destroy deletes the bytes of a record claimed with claimDestroyLocked.
// It must be called without the shard lock.
func (m *Manager) destroy(token string, rec *record) error {
	err := m.store.Delete(context.Background(), token)

	sh := m.shard(token)
	sh.mu.Lock()
	done := rec.deleting
	rec.deleting = nil
	if err == nil {
		rec.obj.BlobDestroyed = true
		if jerr := m.journalWrite(context.Background(), func(ctx context.Context) error { return m.journal.Update(ctx, rec.obj) }); jerr != nil {
			// Restore deletes the bytes again; Delete is idempotent.
			m.log.Warn("journal_update_failed", map[string]any{"token": logging.Token(token), "error": jerr.Error()})
		}
		if rec.purgeRequested || m.retention == 0 {
			m.finalizeLocked(context.Background(), sh, token, rec)
		}
	}
	obj := rec.obj
	sh.mu.Unlock()
	close(done)

	m.observer.BytesDestroyed(obj, err)
	if err != nil {
		m.log.Error("payload_destroy_failed", map[string]any{"token": logging.Token(token)}, err)
		return err
	}
	m.log.Debug("payload_destroyed", map[string]any{"token": logging.Token(token), "bytes": obj.SizeBytes})
	return nil
}

// finalizeLocked turns a tombstone into Purged and forgets it.
func (m *Manager) finalizeLocked(ctx context.Context, sh *shard, token string, rec *record) {
	from := rec.obj.State
	rec.obj.State = StatePurged
	delete(sh.records, token)
	if err := m.journalWrite(ctx, func(ctx context.Context) error { return m.journal.Delete(ctx, token) }); err != nil {
		m.log.Warn("journal_delete_failed", map[string]any{"token": logging.Token(token), "error": err.Error()})
	}
	m.observer.StateChanged(from, StatePurged)
}

// release ends one granted retrieval and destroys the bytes if it was the
// last reader of a terminal record.
func (m *Manager) release(token string) {
	sh := m.shard(token)
	sh.mu.Lock()
	rec, ok := sh.records[token]
	if !ok {
		sh.mu.Unlock()
		return
	}
	rec.readers--
	destroy := m.claimDestroyLocked(rec)
	sh.mu.Unlock()
	if destroy {
		_ = m.destroy(token, rec)
	}
}

// journalWrite runs fn with a bounded context that survives the caller
// going away, so a half-written decision is never abandoned.
func (m *Manager) journalWrite(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.journalTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		return fmt.Errorf("%w: journal: %v", ErrStorageUnavailable, err)
	}
	return nil
}
