package ftrstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/golang/snappy"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
)

const schema = `
CREATE TABLE IF NOT EXISTS traces (
	id TEXT PRIMARY KEY NOT NULL,
	created_at TEXT DEFAULT (STRFTIME('%Y-%m-%d %H:%M:%f', 'NOW')),
	msgpack BLOB,
	is_pinned INTEGER DEFAULT 0,
	compression TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_traces_created_at ON traces (created_at);
`

// migrate creates the schema, and adds columns missing from databases that
// were created by older versions.
func (s *Store) migrate(ctx context.Context) error {
	return s.write(ctx, "migrate", func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, schema); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}

		var columns []string
		if err := tx.SelectContext(ctx, &columns, `SELECT name FROM pragma_table_info('traces')`); err != nil {
			return fmt.Errorf("read schema: %w", err)
		}

		have := map[string]bool{}
		for _, c := range columns {
			have[c] = true
		}

		for _, c := range []struct{ name, ddl string }{
			{"is_pinned", `ALTER TABLE traces ADD COLUMN is_pinned INTEGER DEFAULT 0`},
			{"compression", `ALTER TABLE traces ADD COLUMN compression TEXT NOT NULL DEFAULT ''`},
		} {
			if have[c.name] {
				continue
			}
			if _, err := tx.ExecContext(ctx, c.ddl); err != nil {
				return fmt.Errorf("add column %s: %w", c.name, err)
			}
		}

		return nil
	})
}

type traceRow struct {
	ID          string `db:"id"`
	CreatedAt   string `db:"created_at"`
	Size        int64  `db:"size"`
	Pinned      bool   `db:"is_pinned"`
	Compression string `db:"compression"`
	Data        []byte `db:"msgpack"`
}

//
//
//

// SaveOption customizes a call to Save.
type SaveOption func(*saveOptions)

type saveOptions struct {
	createdAt       time.Time
	ignoreDuplicate bool
	pinned          bool
}

// WithCreatedAt sets the creation time of the saved trace. By default, the
// creation time is assigned by the database.
func WithCreatedAt(t time.Time) SaveOption {
	return func(o *saveOptions) { o.createdAt = t }
}

// IgnoreDuplicate makes saving a trace whose ID already exists a no-op. By
// default, that fails with ErrConflict.
func IgnoreDuplicate() SaveOption {
	return func(o *saveOptions) { o.ignoreDuplicate = true }
}

// WithPinned saves the trace as already pinned.
func WithPinned() SaveOption {
	return func(o *saveOptions) { o.pinned = true }
}

// Save stores the encoded trace under the given ID. Traces larger than the
// max blob size are logged and rejected with ErrTooBig.
func (s *Store) Save(ctx context.Context, id string, data []byte, opts ...SaveOption) error {
	var o saveOptions
	for _, opt := range opts {
		opt(&o)
	}

	if id == "" {
		return fmt.Errorf("trace ID is required")
	}

	blob, compression := data, compressionNone
	if s.compression {
		blob, compression = snappy.Encode(nil, data), compressionSnappy
	}

	if size := datasize.ByteSize(len(blob)); size > s.maxBlobSize {
		s.tooBig(id, size)
		return fmt.Errorf("%s: %s: %w", id, size.HR(), ErrTooBig)
	}

	var createdAt sql.NullString
	if !o.createdAt.IsZero() {
		createdAt = sql.NullString{String: formatTime(o.createdAt), Valid: true}
	}

	verb := "INSERT"
	if o.ignoreDuplicate {
		verb = "INSERT OR IGNORE"
	}

	query := verb + ` INTO traces (id, created_at, msgpack, is_pinned, compression)
		VALUES (?, COALESCE(?, STRFTIME('%Y-%m-%d %H:%M:%f', 'NOW')), ?, ?, ?)`

	err := s.write(ctx, "save", func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, query, id, createdAt, blob, o.pinned, compression)
		return err
	})

	switch {
	case err == nil:
		return nil
	case isConstraint(err):
		return fmt.Errorf("%s: %w", id, ErrConflict)
	case isTooBig(err):
		s.tooBig(id, datasize.ByteSize(len(blob)))
		return fmt.Errorf("%s: %w", id, ErrTooBig)
	default:
		return fmt.Errorf("save %s: %w", id, err)
	}
}

func (s *Store) tooBig(id string, size datasize.ByteSize) {
	s.logger.WithFields(logrus.Fields{
		"trace_id": id,
		"size":     size.HR(),
		"max_size": s.maxBlobSize.HR(),
	}).Warn("trace too big to save, dropping")
}

// WriteTrace saves a trace with the given creation time.
func (s *Store) WriteTrace(ctx context.Context, id string, data []byte, createdAt time.Time) error {
	return s.Save(ctx, id, data, WithCreatedAt(createdAt))
}

// Load returns the encoded trace with the given ID.
func (s *Store) Load(ctx context.Context, id string) ([]byte, error) {
	if data, ok := s.cacheGet(id); ok {
		return data, nil
	}

	var row traceRow
	err := s.retry(ctx, "load", func(ctx context.Context) error {
		return s.db.GetContext(ctx, &row, `SELECT msgpack, compression FROM traces WHERE id = ?`, id)
	})
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	case err != nil:
		return nil, fmt.Errorf("load %s: %w", id, err)
	}

	data, err := s.decompress(id, row.Data, row.Compression)
	if err != nil {
		return nil, err
	}

	s.cachePut(id, data)
	return data, nil
}

// ListRequest describes a set of traces to list.
type ListRequest struct {
	// Limit is the max number of traces to return. Optional. By default, the
	// limit is 500.
	Limit int

	// Oldest lists the oldest traces first. By default, the newest traces
	// are listed first.
	Oldest bool

	// WithData includes the encoded trace in each result.
	WithData bool

	// PinnedOnly restricts the results to pinned traces.
	PinnedOnly bool
}

const listLimitDef = 500

// TraceInfo describes a stored trace.
type TraceInfo struct {
	ID        string
	CreatedAt time.Time
	Size      int64 // stored size in bytes
	Pinned    bool
	Data      []byte // only set if requested
}

// List returns stored traces ordered by ID, which orders them by creation.
func (s *Store) List(ctx context.Context, req ListRequest) ([]TraceInfo, error) {
	if req.Limit <= 0 {
		req.Limit = listLimitDef
	}

	query := `SELECT id, COALESCE(created_at, '') AS created_at, COALESCE(LENGTH(msgpack), 0) AS size,
		COALESCE(is_pinned, 0) AS is_pinned, compression`
	if req.WithData {
		query += `, msgpack`
	}
	query += ` FROM traces`
	if req.PinnedOnly {
		query += ` WHERE is_pinned = 1`
	}
	if req.Oldest {
		query += ` ORDER BY id ASC`
	} else {
		query += ` ORDER BY id DESC`
	}
	query += ` LIMIT ?`

	var rows []traceRow
	if err := s.retry(ctx, "list", func(ctx context.Context) error {
		rows = rows[:0]
		return s.db.SelectContext(ctx, &rows, query, req.Limit)
	}); err != nil {
		return nil, fmt.Errorf("list: %w", err)
	}

	infos := make([]TraceInfo, 0, len(rows))
	for _, row := range rows {
		info := TraceInfo{
			ID:        row.ID,
			CreatedAt: parseTime(row.CreatedAt),
			Size:      row.Size,
			Pinned:    row.Pinned,
		}
		if req.WithData {
			data, err := s.decompress(row.ID, row.Data, row.Compression)
			if err != nil {
				return nil, err
			}
			info.Data = data
		}
		infos = append(infos, info)
	}

	return infos, nil
}

// DeleteByIDs deletes the traces with the given IDs, and returns how many were
// deleted. If none of the IDs exist, it returns ErrNotFound.
func (s *Store) DeleteByIDs(ctx context.Context, ids ...string) (int, error) {
	if len(ids) <= 0 {
		return 0, nil
	}

	query, args, err := sqlx.In(`DELETE FROM traces WHERE id IN (?)`, ids)
	if err != nil {
		return 0, fmt.Errorf("build query: %w", err)
	}

	var n int64
	if err := s.write(ctx, "delete", func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, tx.Rebind(query), args...)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	}); err != nil {
		return 0, fmt.Errorf("delete: %w", err)
	}

	s.cacheDel(ids...)

	if n == 0 {
		return 0, fmt.Errorf("delete: %w", ErrNotFound)
	}

	return int(n), nil
}

// DeleteOlderThan deletes every trace created strictly before t, including
// pinned traces, and returns how many were deleted. Creation times given to
// Save are truncated to the millisecond.
func (s *Store) DeleteOlderThan(ctx context.Context, t time.Time) (int, error) {
	// Creation times are stored with millisecond precision, so a row is older
	// than t exactly when it's older than t rounded up to the millisecond.
	cutoff := t.UTC()
	if ms := cutoff.Truncate(time.Millisecond); !ms.Equal(cutoff) {
		cutoff = ms.Add(time.Millisecond)
	}

	var n int64
	if err := s.write(ctx, "delete_older", func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM traces WHERE created_at < ?`, formatTime(cutoff))
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	}); err != nil {
		return 0, fmt.Errorf("delete older than %s: %w", formatTime(t), err)
	}

	if n > 0 && s.cache != nil {
		s.cache.Reset()
	}

	return int(n), nil
}

// Pin marks the trace as pinned, and reports whether it exists.
func (s *Store) Pin(ctx context.Context, id string) (bool, error) {
	return s.setPinned(ctx, id, true)
}

// Unpin clears the pinned mark of the trace, and reports whether it exists.
func (s *Store) Unpin(ctx context.Context, id string) (bool, error) {
	return s.setPinned(ctx, id, false)
}

func (s *Store) setPinned(ctx context.Context, id string, pinned bool) (bool, error) {
	op := "unpin"
	if pinned {
		op = "pin"
	}

	var n int64
	if err := s.write(ctx, op, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE traces SET is_pinned = ? WHERE id = ?`, pinned, id)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	}); err != nil {
		return false, fmt.Errorf("%s %s: %w", op, id, err)
	}

	return n > 0, nil
}

// Vacuum rebuilds the database file, reclaiming space left by deletes.
func (s *Store) Vacuum(ctx context.Context) error {
	if err := s.retry(ctx, "vacuum", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `VACUUM`)
		return err
	}); err != nil {
		return fmt.Errorf("vacuum: %w", err)
	}
	return nil
}
