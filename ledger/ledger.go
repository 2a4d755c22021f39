// Package ledger keeps a durable record of every capture and its archive state. It is
// supplementary bookkeeping: the filesystem stays the source of truth for pending work, and
// callers treat ledger errors as non-fatal.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'
	_ "modernc.org/sqlite"              // pure-Go sqlite driver registered as 'sqlite'
)

// Capture states.
const (
	StateRecording = "recording"
	StateSucceeded = "succeeded"
	StateFailed    = "failed"
	StateNoFile    = "no_file"
)

// Transcode states.
const (
	TranscodePending   = "pending"
	TranscodeSucceeded = "succeeded"
	TranscodeFailed    = "failed"
)

// Record is one row of the captures table.
type Record struct {
	Path              string
	Channel           string
	StreamID          string
	Title             string
	StartedAt         time.Time
	EndedAt           time.Time
	CaptureState      string
	CaptureError      string
	SizeBytes         int64
	ArchivePath       string
	TranscodeState    string
	TranscodeError    string
	TranscodeAttempts int
	UpdatedAt         time.Time
}

// Ledger wraps the database handle and the placeholder dialect.
type Ledger struct {
	db       *sql.DB
	postgres bool
	now      func() time.Time
}

// IsPostgres reports whether dsn selects the Postgres backend.
func IsPostgres(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

// Open connects to dsn. Postgres URLs use pgx; anything else is a sqlite file path.
func Open(ctx context.Context, dsn string) (*Ledger, error) {
	if dsn == "" {
		return nil, errors.New("ledger dsn is empty")
	}
	var (
		db  *sql.DB
		err error
	)
	pg := IsPostgres(dsn)
	if pg {
		db, err = sql.Open("pgx", dsn)
	} else {
		db, err = sql.Open("sqlite", sqliteDSN(dsn))
		if err == nil {
			// One writer; busy_timeout covers the CLI reading concurrently.
			db.SetMaxOpenConns(1)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	l := &Ledger{db: db, postgres: pg, now: time.Now}
	if err := l.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

func sqliteDSN(path string) string {
	if strings.Contains(path, "?") {
		return path
	}
	return path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

// Ping verifies connectivity.
func (l *Ledger) Ping(ctx context.Context) error {
	if err := l.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping ledger: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (l *Ledger) Close() error { return l.db.Close() }

// Migrate applies idempotent schema changes.
func (l *Ledger) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS captures (
			path TEXT PRIMARY KEY,
			channel TEXT NOT NULL,
			stream_id TEXT,
			title TEXT,
			started_at TEXT NOT NULL,
			ended_at TEXT,
			capture_state TEXT NOT NULL,
			capture_error TEXT,
			size_bytes BIGINT DEFAULT 0,
			archive_path TEXT,
			transcode_state TEXT,
			transcode_error TEXT,
			transcode_attempts INTEGER DEFAULT 0,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_captures_channel_started ON captures(channel, started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_captures_transcode_state ON captures(transcode_state)`,
	}
	for i, s := range stmts {
		if _, err := l.db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("ledger migrate step %d failed: %w", i, err)
		}
	}
	return nil
}

// CaptureStarted inserts (or resets) the row for a capture that is about to begin.
func (l *Ledger) CaptureStarted(ctx context.Context, r Record) error {
	q := `INSERT INTO captures(path, channel, stream_id, title, started_at, capture_state, updated_at)
		VALUES(?,?,?,?,?,?,?)
		ON CONFLICT(path) DO UPDATE SET
			channel=excluded.channel,
			stream_id=excluded.stream_id,
			title=excluded.title,
			started_at=excluded.started_at,
			capture_state=excluded.capture_state,
			updated_at=excluded.updated_at`
	_, err := l.db.ExecContext(ctx, l.rebind(q),
		r.Path, r.Channel, r.StreamID, r.Title, formatTime(r.StartedAt), StateRecording, formatTime(l.now()))
	if err != nil {
		return fmt.Errorf("record capture start: %w", err)
	}
	return nil
}

// CaptureFinished stores the terminal capture state. Succeeded captures become pending archive
// work.
func (l *Ledger) CaptureFinished(ctx context.Context, path, state string, size int64, cause error) error {
	transcode := ""
	if state == StateSucceeded {
		transcode = TranscodePending
	}
	q := `UPDATE captures SET capture_state=?, capture_error=?, size_bytes=?, ended_at=?,
			transcode_state=CASE WHEN ? = '' THEN transcode_state ELSE ? END,
			updated_at=?
		WHERE path=?`
	now := formatTime(l.now())
	res, err := l.db.ExecContext(ctx, l.rebind(q), state, errString(cause), size, now, transcode, transcode, now, path)
	if err != nil {
		return fmt.Errorf("record capture finish: %w", err)
	}
	return expectRow(res, path)
}

// TranscodeFinished stores the result of an archive attempt. A capture found only during
// recovery gets a row created for it.
func (l *Ledger) TranscodeFinished(ctx context.Context, r Record, archivePath string, ok bool, cause error) error {
	state := TranscodeFailed
	if ok {
		state = TranscodeSucceeded
	}
	now := formatTime(l.now())
	started := r.StartedAt
	if started.IsZero() {
		started = l.now()
	}
	q := `INSERT INTO captures(path, channel, started_at, capture_state, size_bytes, archive_path, transcode_state, transcode_error, transcode_attempts, updated_at)
		VALUES(?,?,?,?,?,?,?,?,1,?)
		ON CONFLICT(path) DO UPDATE SET
			archive_path=excluded.archive_path,
			transcode_state=excluded.transcode_state,
			transcode_error=excluded.transcode_error,
			transcode_attempts=captures.transcode_attempts + 1,
			updated_at=excluded.updated_at`
	_, err := l.db.ExecContext(ctx, l.rebind(q),
		r.Path, r.Channel, formatTime(started), StateSucceeded, r.SizeBytes, archivePath, state, errString(cause), now)
	if err != nil {
		return fmt.Errorf("record transcode: %w", err)
	}
	return nil
}

// ErrNotFound is returned by Get for an unknown path.
var ErrNotFound = errors.New("ledger record not found")

const selectColumns = `SELECT path, channel, COALESCE(stream_id,''), COALESCE(title,''), started_at, COALESCE(ended_at,''),
	capture_state, COALESCE(capture_error,''), COALESCE(size_bytes,0), COALESCE(archive_path,''),
	COALESCE(transcode_state,''), COALESCE(transcode_error,''), COALESCE(transcode_attempts,0), updated_at
	FROM captures`

// Get loads one record by capture path.
func (l *Ledger) Get(ctx context.Context, path string) (Record, error) {
	row := l.db.QueryRowContext(ctx, l.rebind(selectColumns+` WHERE path=?`), path)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return r, err
}

// Recent lists up to limit records for channel, newest first. An empty channel lists all.
func (l *Ledger) Recent(ctx context.Context, channel string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}
	q := selectColumns
	args := []any{}
	if channel != "" {
		q += ` WHERE channel=?`
		args = append(args, channel)
	}
	q += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, l.rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("list captures: %w", err)
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (Record, error) {
	var r Record
	var started, ended, updated string
	if err := s.Scan(&r.Path, &r.Channel, &r.StreamID, &r.Title, &started, &ended,
		&r.CaptureState, &r.CaptureError, &r.SizeBytes, &r.ArchivePath,
		&r.TranscodeState, &r.TranscodeError, &r.TranscodeAttempts, &updated); err != nil {
		return Record{}, err
	}
	r.StartedAt = parseTime(started)
	r.EndedAt = parseTime(ended)
	r.UpdatedAt = parseTime(updated)
	return r, nil
}

// rebind rewrites ? placeholders to $N for Postgres.
func (l *Ledger) rebind(q string) string {
	if !l.postgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, c := range q {
		if c == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}

func expectRow(res sql.Result, path string) error {
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return nil
}

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
