package lifecycle

import (
	"context"
	"fmt"
	"time"

	"quickdrop/internal/logging"
)

// ReapOutcome says what Reap did to a record.
type ReapOutcome int

const (
	ReapNone ReapOutcome = iota
	// ReapExpired: an Active record passed its deadline.
	ReapExpired
	// ReapDestroyed: the bytes of a terminal record were deleted; the
	// tombstone stays for the retention period.
	ReapDestroyed
	// ReapPurged: the record is gone.
	ReapPurged
)

func (o ReapOutcome) String() string {
	switch o {
	case ReapExpired:
		return "expired"
	case ReapDestroyed:
		return "destroyed"
	case ReapPurged:
		return "purged"
	default:
		return "none"
	}
}

// Overdue lists tokens Reap would act on at now: Active records past their
// deadline, terminal records still holding bytes nobody is reading, and
// tombstones older than the retention period.
func (m *Manager) Overdue(now time.Time) []string {
	var out []string
	for i := range m.shards {
		sh := &m.shards[i]
		sh.mu.RLock()
		for token, rec := range sh.records {
			if m.overdueLocked(rec, now) {
				out = append(out, token)
			}
		}
		sh.mu.RUnlock()
	}
	return out
}

func (m *Manager) overdueLocked(rec *record, now time.Time) bool {
	o := rec.obj
	switch {
	case o.State == StateActive:
		return !now.Before(o.ExpiresAt)
	case !o.BlobDestroyed:
		return rec.readers == 0 && rec.deleting == nil
	default:
		return now.Sub(o.TerminalAt) >= m.retention
	}
}

// Reap moves one record along: an overdue Active record is expired and its
// bytes destroyed, an abandoned terminal record has its bytes destroyed, and
// an old tombstone is purged. Records that are not overdue are left alone.
func (m *Manager) Reap(ctx context.Context, token string) (ReapOutcome, error) {
	if err := m.begin(); err != nil {
		return ReapNone, err
	}
	defer m.inflight.Done()

	sh := m.shard(token)
	now := m.now()

	sh.mu.Lock()
	rec, ok := sh.records[token]
	if !ok || !m.overdueLocked(rec, now) {
		sh.mu.Unlock()
		return ReapNone, nil
	}

	outcome := ReapDestroyed
	if rec.obj.State == StateActive {
		if err := m.transitionLocked(ctx, rec, StateExpired, now); err != nil {
			sh.mu.Unlock()
			return ReapNone, fmt.Errorf("reap: %w", err)
		}
		outcome = ReapExpired
	} else if rec.obj.BlobDestroyed {
		m.finalizeLocked(ctx, sh, token, rec)
		sh.mu.Unlock()
		return ReapPurged, nil
	}

	destroy := m.claimDestroyLocked(rec)
	sh.mu.Unlock()
	if !destroy {
		// A reader is still streaming; its Close destroys the bytes.
		return outcome, nil
	}
	if err := m.destroy(token, rec); err != nil {
		return outcome, fmt.Errorf("reap: %w", err)
	}
	return outcome, nil
}

// Restore loads journaled records into an empty manager. Terminal records
// whose bytes were never confirmed deleted have them deleted again.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	if err := m.begin(); err != nil {
		return 0, err
	}
	defer m.inflight.Done()

	objs, err := m.journal.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("restore: %w", err)
	}

	type pending struct {
		token string
		rec   *record
	}
	var leftovers []pending
	restored := 0

	for _, obj := range objs {
		if obj.State == StatePurged {
			continue
		}
		sh := m.shard(obj.Token)
		sh.mu.Lock()
		if _, exists := sh.records[obj.Token]; exists {
			sh.mu.Unlock()
			continue
		}
		rec := &record{obj: obj}
		sh.records[obj.Token] = rec
		if m.claimDestroyLocked(rec) {
			leftovers = append(leftovers, pending{token: obj.Token, rec: rec})
		}
		sh.mu.Unlock()
		restored++
	}

	for _, p := range leftovers {
		if err := m.destroy(p.token, p.rec); err != nil {
			// The reaper retries it.
			m.log.Warn("restore_destroy_failed", map[string]any{"token": logging.Token(p.token), "error": err.Error()})
		}
	}

	m.log.Info("journal_restored", map[string]any{"records": restored, "leftovers": len(leftovers)})
	return restored, nil
}

// Stats is a point-in-time summary.
type Stats struct {
	Active     int   `json:"active"`
	Consumed   int   `json:"consumed"`
	Expired    int   `json:"expired"`
	Tombstones int   `json:"tombstones"`
	Readers    int   `json:"inflight_retrievals"`
	BytesHeld  int64 `json:"held_bytes"`
}

// Stats walks every shard; callers should not expect a consistent snapshot
// across shards.
func (m *Manager) Stats() Stats {
	var s Stats
	for i := range m.shards {
		sh := &m.shards[i]
		sh.mu.RLock()
		for _, rec := range sh.records {
			switch rec.obj.State {
			case StateActive:
				s.Active++
			case StateConsumed:
				s.Consumed++
			case StateExpired:
				s.Expired++
			}
			if rec.obj.BlobDestroyed {
				s.Tombstones++
			} else {
				s.BytesHeld += rec.obj.SizeBytes
			}
			s.Readers += rec.readers
		}
		sh.mu.RUnlock()
	}
	return s
}
