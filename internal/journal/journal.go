package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"quickdrop/internal/lifecycle"
)

// SQL is a lifecycle.Journal backed by the stored_objects table.
type SQL struct {
	db      *sql.DB
	dialect Dialect

	insertQ string
	updateQ string
	deleteQ string
	loadQ   string
}

var _ lifecycle.Journal = (*SQL)(nil)

// New wraps an open, migrated database.
func New(db *sql.DB, d Dialect) *SQL {
	return &SQL{
		db:      db,
		dialect: d,
		insertQ: rebind(d, `INSERT INTO stored_objects
			(token, blob_ref, size_bytes, content_type, original_name, sha256,
			 created_at, expires_at, max_retrievals, retrieval_count, state, terminal_at, blob_destroyed)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		updateQ: rebind(d, `UPDATE stored_objects
			SET retrieval_count = ?, state = ?, terminal_at = ?, blob_destroyed = ?
			WHERE token = ?`),
		deleteQ: rebind(d, `DELETE FROM stored_objects WHERE token = ?`),
		loadQ: `SELECT token, blob_ref, size_bytes, content_type, original_name, sha256,
			created_at, expires_at, max_retrievals, retrieval_count, state, terminal_at, blob_destroyed
			FROM stored_objects`,
	}
}

// Dialect reports the SQL flavour in use.
func (j *SQL) Dialect() Dialect { return j.dialect }

func (j *SQL) Insert(ctx context.Context, o lifecycle.StoredObject) error {
	_, err := j.db.ExecContext(ctx, j.insertQ,
		o.Token, o.BlobRef, o.SizeBytes, o.ContentType, o.OriginalName, o.SHA256,
		nanos(o.CreatedAt), nanos(o.ExpiresAt), o.MaxRetrievals, o.RetrievalCount,
		o.State.String(), nanos(o.TerminalAt), o.BlobDestroyed)
	if err != nil {
		return fmt.Errorf("insert %s: %w", o.Token, err)
	}
	return nil
}

// Update writes the mutable columns of o. Only counters and state change
// after registration.
func (j *SQL) Update(ctx context.Context, o lifecycle.StoredObject) error {
	res, err := j.db.ExecContext(ctx, j.updateQ,
		o.RetrievalCount, o.State.String(), nanos(o.TerminalAt), o.BlobDestroyed, o.Token)
	if err != nil {
		return fmt.Errorf("update %s: %w", o.Token, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("update %s: no such row", o.Token)
	}
	return nil
}

func (j *SQL) Delete(ctx context.Context, token string) error {
	if _, err := j.db.ExecContext(ctx, j.deleteQ, token); err != nil {
		return fmt.Errorf("delete %s: %w", token, err)
	}
	return nil
}

func (j *SQL) Load(ctx context.Context) ([]lifecycle.StoredObject, error) {
	rows, err := j.db.QueryContext(ctx, j.loadQ)
	if err != nil {
		return nil, fmt.Errorf("load: %w", err)
	}
	defer rows.Close()

	var out []lifecycle.StoredObject
	for rows.Next() {
		var (
			o                            lifecycle.StoredObject
			state                        string
			created, expires, terminalAt int64
		)
		if err := rows.Scan(&o.Token, &o.BlobRef, &o.SizeBytes, &o.ContentType, &o.OriginalName, &o.SHA256,
			&created, &expires, &o.MaxRetrievals, &o.RetrievalCount, &state, &terminalAt, &o.BlobDestroyed); err != nil {
			return nil, fmt.Errorf("load: scan: %w", err)
		}
		if o.State, err = lifecycle.ParseState(state); err != nil {
			return nil, fmt.Errorf("load %s: %w", o.Token, err)
		}
		o.CreatedAt = fromNanos(created)
		o.ExpiresAt = fromNanos(expires)
		o.TerminalAt = fromNanos(terminalAt)
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load: %w", err)
	}
	return out, nil
}

// Ping reports whether the database answers.
func (j *SQL) Ping(ctx context.Context) error {
	return j.db.PingContext(ctx)
}

// Close closes the underlying pool.
func (j *SQL) Close() error {
	return j.db.Close()
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
