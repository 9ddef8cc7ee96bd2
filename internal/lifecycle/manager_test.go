package lifecycle

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quickdrop/internal/blobstore"
	"quickdrop/internal/logging"
	"quickdrop/internal/token"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// memJournal records rows in a map and can be told to fail.
type memJournal struct {
	mu   sync.Mutex
	rows map[string]StoredObject
	fail atomic.Bool
}

func newMemJournal() *memJournal {
	return &memJournal{rows: make(map[string]StoredObject)}
}

var errJournalDown = errors.New("journal down")

func (j *memJournal) Insert(_ context.Context, obj StoredObject) error {
	if j.fail.Load() {
		return errJournalDown
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.rows[obj.Token] = obj
	return nil
}

func (j *memJournal) Update(ctx context.Context, obj StoredObject) error {
	return j.Insert(ctx, obj)
}

func (j *memJournal) Delete(_ context.Context, tok string) error {
	if j.fail.Load() {
		return errJournalDown
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.rows, tok)
	return nil
}

func (j *memJournal) Load(context.Context) ([]StoredObject, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]StoredObject, 0, len(j.rows))
	for _, o := range j.rows {
		out = append(out, o)
	}
	return out, nil
}

func (j *memJournal) row(tok string) (StoredObject, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	o, ok := j.rows[tok]
	return o, ok
}

type fixedTokens string

func (f fixedTokens) Generate() string { return string(f) }

type harness struct {
	m       *Manager
	store   *blobstore.MemoryStore
	journal *memJournal
	clock   *fakeClock
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{
		store:   blobstore.NewMemoryStore(0),
		journal: newMemJournal(),
		clock:   newFakeClock(),
	}
	cfg := Config{
		Store:              h.store,
		Tokens:             token.New(),
		Journal:            h.journal,
		Logger:             logging.Discard(),
		Clock:              h.clock.Now,
		TombstoneRetention: 10 * time.Minute,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	m, err := New(cfg)
	require.NoError(t, err)
	h.m = m
	return h
}

func (h *harness) register(t *testing.T, body string, opts Options) StoredObject {
	t.Helper()
	obj, err := h.m.Register(context.Background(), strings.NewReader(body), Metadata{Name: "a.txt", ContentType: "text/plain"}, opts)
	require.NoError(t, err)
	return obj
}

func readAll(t *testing.T, p *Payload) string {
	t.Helper()
	b, err := io.ReadAll(p)
	require.NoError(t, err)
	require.NoError(t, p.Close())
	return string(b)
}

func TestSingleUseObject(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	obj := h.register(t, "secret", Options{TTL: time.Minute, MaxRetrievals: 1})

	assert.Equal(t, StatusActive, h.m.Status(obj.Token))
	assert.Equal(t, StateActive, obj.State)
	assert.EqualValues(t, 6, obj.SizeBytes)
	assert.Equal(t, obj.CreatedAt.Add(time.Minute), obj.ExpiresAt)

	p, err := h.m.TryConsume(ctx, obj.Token)
	require.NoError(t, err)
	assert.Equal(t, StateConsumed, p.Object.State)
	assert.Equal(t, "secret", readAll(t, p))

	_, err = h.m.TryConsume(ctx, obj.Token)
	assert.ErrorIs(t, err, ErrAlreadyConsumed)
	assert.ErrorIs(t, err, ErrDenied)
	assert.Equal(t, StatusGone, h.m.Status(obj.Token))

	got, ok := h.m.Inspect(obj.Token)
	require.True(t, ok)
	assert.True(t, got.Tombstone())
	assert.Zero(t, h.store.Len())
}

func TestExpiredObjectIsRefused(t *testing.T) {
	h := newHarness(t, nil)
	obj := h.register(t, "late", Options{TTL: time.Second, MaxRetrievals: 1})

	h.clock.Advance(2 * time.Second)
	assert.Equal(t, StatusGone, h.m.Status(obj.Token))

	_, err := h.m.TryConsume(context.Background(), obj.Token)
	assert.ErrorIs(t, err, ErrExpired)

	got, ok := h.m.Inspect(obj.Token)
	require.True(t, ok)
	assert.Equal(t, StateExpired, got.State)
	assert.True(t, got.BlobDestroyed)
	assert.Zero(t, h.store.Len())

	// Asking again gives the same answer.
	_, err = h.m.TryConsume(context.Background(), obj.Token)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestExpiryBoundaryIsExclusive(t *testing.T) {
	h := newHarness(t, nil)
	obj := h.register(t, "x", Options{TTL: time.Minute})

	h.clock.Advance(time.Minute - time.Nanosecond)
	assert.Equal(t, StatusActive, h.m.Status(obj.Token))
	h.clock.Advance(time.Nanosecond)
	assert.Equal(t, StatusGone, h.m.Status(obj.Token))
}

func TestMultiUseObject(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	obj := h.register(t, "shared", Options{MaxRetrievals: 3})

	for i := 1; i <= 3; i++ {
		p, err := h.m.TryConsume(ctx, obj.Token)
		require.NoError(t, err, "retrieval %d", i)
		assert.Equal(t, i, p.Object.RetrievalCount)
		assert.Equal(t, "shared", readAll(t, p))
	}

	_, err := h.m.TryConsume(ctx, obj.Token)
	assert.ErrorIs(t, err, ErrAlreadyConsumed)
	assert.Zero(t, h.store.Len())
}

func TestUnknownToken(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.m.TryConsume(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, "not found", DenialReason(err))
	assert.Equal(t, StatusGone, h.m.Status("nope"))
}

func TestConcurrentConsumeGrantsExactlyOnce(t *testing.T) {
	h := newHarness(t, nil)
	obj := h.register(t, "only once", Options{MaxRetrievals: 1})

	const n = 64
	var (
		wg       sync.WaitGroup
		granted  atomic.Int32
		consumed atomic.Int32
		start    = make(chan struct{})
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			p, err := h.m.TryConsume(context.Background(), obj.Token)
			if err == nil {
				granted.Add(1)
				_, _ = io.Copy(io.Discard, p)
				_ = p.Close()
				return
			}
			if errors.Is(err, ErrAlreadyConsumed) {
				consumed.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.EqualValues(t, 1, granted.Load())
	assert.EqualValues(t, n-1, consumed.Load())
	assert.Zero(t, h.store.Len())
}

func TestConcurrentConsumeRespectsLimit(t *testing.T) {
	h := newHarness(t, nil)
	obj := h.register(t, "five", Options{MaxRetrievals: 5})

	var wg sync.WaitGroup
	var granted atomic.Int32
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := h.m.TryConsume(context.Background(), obj.Token)
			if err != nil {
				return
			}
			granted.Add(1)
			_ = p.Close()
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 5, granted.Load())
}

func TestPurgeIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	obj := h.register(t, "gone soon", Options{})

	require.NoError(t, h.m.Purge(ctx, obj.Token))
	require.NoError(t, h.m.Purge(ctx, obj.Token))
	require.NoError(t, h.m.Purge(ctx, "never-existed"))

	_, ok := h.m.Inspect(obj.Token)
	assert.False(t, ok)
	_, ok = h.journal.row(obj.Token)
	assert.False(t, ok)
	assert.Zero(t, h.store.Len())

	_, err := h.m.TryConsume(ctx, obj.Token)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPurgeWaitsForReader(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	obj := h.register(t, "streaming", Options{MaxRetrievals: 2})

	p, err := h.m.TryConsume(ctx, obj.Token)
	require.NoError(t, err)

	require.NoError(t, h.m.Purge(ctx, obj.Token))
	got, ok := h.m.Inspect(obj.Token)
	require.True(t, ok)
	assert.Equal(t, StateExpired, got.State)
	assert.False(t, got.BlobDestroyed)

	_, err = h.m.TryConsume(ctx, obj.Token)
	assert.ErrorIs(t, err, ErrExpired)

	assert.Equal(t, "streaming", readAll(t, p))

	_, ok = h.m.Inspect(obj.Token)
	assert.False(t, ok)
	assert.Zero(t, h.store.Len())
}

func TestPayloadCloseTwice(t *testing.T) {
	h := newHarness(t, nil)
	obj := h.register(t, "x", Options{MaxRetrievals: 2})
	p, err := h.m.TryConsume(context.Background(), obj.Token)
	require.NoError(t, err)
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.Zero(t, h.m.Stats().Readers)
}

func TestJournalFailureLeavesStateUntouched(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	obj := h.register(t, "durable", Options{MaxRetrievals: 1})

	h.journal.fail.Store(true)
	_, err := h.m.TryConsume(ctx, obj.Token)
	require.ErrorIs(t, err, ErrStorageUnavailable)
	assert.NotErrorIs(t, err, ErrDenied)

	got, _ := h.m.Inspect(obj.Token)
	assert.Zero(t, got.RetrievalCount)
	assert.Equal(t, StateActive, got.State)

	h.journal.fail.Store(false)
	p, err := h.m.TryConsume(ctx, obj.Token)
	require.NoError(t, err)
	assert.Equal(t, "durable", readAll(t, p))

	row, ok := h.journal.row(obj.Token)
	require.True(t, ok)
	assert.Equal(t, StateConsumed, row.State)
	assert.True(t, row.BlobDestroyed)
}

func TestRegisterRollsBackOnJournalFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.journal.fail.Store(true)

	_, err := h.m.Register(context.Background(), strings.NewReader("x"), Metadata{}, Options{})
	require.ErrorIs(t, err, ErrStorageUnavailable)
	assert.Zero(t, h.store.Len())
	assert.Zero(t, h.m.Stats().Active)
}

func TestRegisterStorageFull(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Store = blobstore.NewMemoryStore(4) })

	_, err := h.m.Register(context.Background(), strings.NewReader("too large"), Metadata{}, Options{})
	require.ErrorIs(t, err, ErrStorageFull)
	assert.Zero(t, h.m.Stats().Active)
}

func TestRegisterTokenCollision(t *testing.T) {
	const tok = "3f2504e0-4f89-41d3-9a0c-0305e82c3301"
	h := newHarness(t, func(c *Config) { c.Tokens = fixedTokens(tok) })
	h.register(t, "first", Options{})

	_, err := h.m.Register(context.Background(), strings.NewReader("second"), Metadata{}, Options{})
	require.ErrorIs(t, err, ErrTokenCollision)

	p, err := h.m.TryConsume(context.Background(), tok)
	require.NoError(t, err)
	assert.Equal(t, "first", readAll(t, p))
}

func TestOptionsAreClamped(t *testing.T) {
	h := newHarness(t, nil)

	obj := h.register(t, "x", Options{TTL: 72 * time.Hour, MaxRetrievals: 5000})
	assert.Equal(t, 24*time.Hour, obj.ExpiresAt.Sub(obj.CreatedAt))
	assert.Equal(t, 100, obj.MaxRetrievals)

	obj = h.register(t, "y", Options{})
	assert.Equal(t, time.Hour, obj.ExpiresAt.Sub(obj.CreatedAt))
	assert.Equal(t, 1, obj.MaxRetrievals)
}

func TestNewRejectsInconsistentLimits(t *testing.T) {
	_, err := New(Config{Store: blobstore.NewMemoryStore(0), Tokens: token.New(), DefaultTTL: 2 * time.Hour, MaxTTL: time.Hour})
	assert.Error(t, err)
	_, err = New(Config{Store: blobstore.NewMemoryStore(0), Tokens: token.New(), DefaultMaxRetrievals: 5, MaxRetrievalsLimit: 2})
	assert.Error(t, err)
	_, err = New(Config{Tokens: token.New()})
	assert.Error(t, err)
}

func TestZeroRetentionPurgesImmediately(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.TombstoneRetention = 0 })
	obj := h.register(t, "x", Options{})

	p, err := h.m.TryConsume(context.Background(), obj.Token)
	require.NoError(t, err)
	readAll(t, p)

	_, ok := h.m.Inspect(obj.Token)
	assert.False(t, ok)

	_, err = h.m.TryConsume(context.Background(), obj.Token)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCloseDrainsInFlightRetrievals(t *testing.T) {
	h := newHarness(t, nil)
	obj := h.register(t, "drain", Options{})

	p, err := h.m.TryConsume(context.Background(), obj.Token)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, h.m.Close(ctx), context.DeadlineExceeded)

	_, err = h.m.Register(context.Background(), strings.NewReader("late"), Metadata{}, Options{})
	assert.ErrorIs(t, err, ErrClosed)

	assert.Equal(t, "drain", readAll(t, p))
	require.NoError(t, h.m.Close(context.Background()))
	assert.Zero(t, h.store.Len())
}

func TestStatsCountsStates(t *testing.T) {
	h := newHarness(t, nil)
	a := h.register(t, "aaaa", Options{})
	h.register(t, "bb", Options{})

	p, err := h.m.TryConsume(context.Background(), a.Token)
	require.NoError(t, err)
	s := h.m.Stats()
	assert.Equal(t, 1, s.Active)
	assert.Equal(t, 1, s.Consumed)
	assert.Equal(t, 1, s.Readers)
	assert.EqualValues(t, 6, s.BytesHeld)

	require.NoError(t, p.Close())
	s = h.m.Stats()
	assert.Equal(t, 1, s.Tombstones)
	assert.EqualValues(t, 2, s.BytesHeld)
}
