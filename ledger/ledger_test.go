package ledger

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openSQLite(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(context.Background(), filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	require.NoError(t, l.Migrate(context.Background()))
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestIsPostgres(t *testing.T) {
	assert.True(t, IsPostgres("postgres://u:p@db:5432/live"))
	assert.True(t, IsPostgres("postgresql://db/live"))
	assert.False(t, IsPostgres("data/live-tender.db"))
	assert.False(t, IsPostgres("file:ledger.db?mode=memory"))
}

func TestOpenEmptyDSN(t *testing.T) {
	_, err := Open(context.Background(), "")
	assert.Error(t, err)
}

func TestMigrateIdempotent(t *testing.T) {
	l := openSQLite(t)
	require.NoError(t, l.Migrate(context.Background()))
}

func TestRebind(t *testing.T) {
	pg := &Ledger{postgres: true}
	assert.Equal(t, "UPDATE t SET a=$1 WHERE b=$2", pg.rebind("UPDATE t SET a=? WHERE b=?"))
	lite := &Ledger{}
	assert.Equal(t, "a=? AND b=?", lite.rebind("a=? AND b=?"))
}

func TestCaptureLifecycle(t *testing.T) {
	ctx := context.Background()
	l := openSQLite(t)
	clock := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return clock }

	path := "/data/recorded/chan/chan - 2024-01-01_10-00-00.mp4"
	require.NoError(t, l.CaptureStarted(ctx, Record{
		Path: path, Channel: "chan", StreamID: "123", Title: "hello", StartedAt: clock,
	}))

	r, err := l.Get(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, StateRecording, r.CaptureState)
	assert.Equal(t, "123", r.StreamID)
	assert.True(t, r.StartedAt.Equal(clock))

	clock = clock.Add(2 * time.Hour)
	require.NoError(t, l.CaptureFinished(ctx, path, StateSucceeded, 1<<20, nil))
	r, err = l.Get(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, r.CaptureState)
	assert.Equal(t, TranscodePending, r.TranscodeState)
	assert.EqualValues(t, 1<<20, r.SizeBytes)
	assert.True(t, r.EndedAt.Equal(clock))

	require.NoError(t, l.TranscodeFinished(ctx, r, "/data/processed/chan/x.mp4", false, errors.New("ffmpeg exited with code 1")))
	require.NoError(t, l.TranscodeFinished(ctx, r, "/data/processed/chan/x.mp4", true, nil))
	r, err = l.Get(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, TranscodeSucceeded, r.TranscodeState)
	assert.Empty(t, r.TranscodeError)
	assert.Equal(t, 2, r.TranscodeAttempts)
	assert.Equal(t, "/data/processed/chan/x.mp4", r.ArchivePath)
	assert.Equal(t, "hello", r.Title)
}

func TestCaptureFinishedNoFileLeavesTranscodeEmpty(t *testing.T) {
	ctx := context.Background()
	l := openSQLite(t)
	require.NoError(t, l.CaptureStarted(ctx, Record{Path: "p", Channel: "chan", StartedAt: time.Now()}))
	require.NoError(t, l.CaptureFinished(ctx, "p", StateNoFile, 0, errors.New("capture produced no file")))

	r, err := l.Get(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, StateNoFile, r.CaptureState)
	assert.Equal(t, "capture produced no file", r.CaptureError)
	assert.Empty(t, r.TranscodeState)
}

func TestCaptureFinishedUnknownPath(t *testing.T) {
	l := openSQLite(t)
	err := l.CaptureFinished(context.Background(), "missing", StateFailed, 0, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTranscodeFinishedCreatesRowForRecoveredCapture(t *testing.T) {
	ctx := context.Background()
	l := openSQLite(t)
	require.NoError(t, l.TranscodeFinished(ctx, Record{Path: "orphan.mp4", Channel: "chan", SizeBytes: 42}, "out.mp4", true, nil))

	r, err := l.Get(ctx, "orphan.mp4")
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, r.CaptureState)
	assert.Equal(t, TranscodeSucceeded, r.TranscodeState)
	assert.Equal(t, 1, r.TranscodeAttempts)
	assert.False(t, r.StartedAt.IsZero())
}

func TestGetNotFound(t *testing.T) {
	l := openSQLite(t)
	_, err := l.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecentOrdersNewestFirst(t *testing.T) {
	ctx := context.Background()
	l := openSQLite(t)
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	for i, name := range []string{"a", "b", "c"} {
		require.NoError(t, l.CaptureStarted(ctx, Record{Path: name, Channel: "chan", StartedAt: base.Add(time.Duration(i) * time.Hour)}))
	}
	require.NoError(t, l.CaptureStarted(ctx, Record{Path: "other", Channel: "other", StartedAt: base.Add(10 * time.Hour)}))

	recs, err := l.Recent(ctx, "chan", 2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "c", recs[0].Path)
	assert.Equal(t, "b", recs[1].Path)

	all, err := l.Recent(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)
	assert.Equal(t, "other", all[0].Path)
}

func TestPostgresLifecycle(t *testing.T) {
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set; skipping postgres ledger test")
	}
	ctx := context.Background()
	l, err := Open(ctx, dsn)
	require.NoError(t, err)
	defer l.Close()
	require.NoError(t, l.Migrate(ctx))
	require.NoError(t, l.Migrate(ctx))

	path := "pg-test-" + time.Now().Format("20060102150405.000000000")
	t.Cleanup(func() { _, _ = l.db.Exec(`DELETE FROM captures WHERE path=$1`, path) })

	require.NoError(t, l.CaptureStarted(ctx, Record{Path: path, Channel: "chan", StartedAt: time.Now()}))
	require.NoError(t, l.CaptureFinished(ctx, path, StateSucceeded, 10, nil))
	require.NoError(t, l.TranscodeFinished(ctx, Record{Path: path, Channel: "chan"}, "out", true, nil))
	r, err := l.Get(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, TranscodeSucceeded, r.TranscodeState)
	assert.Equal(t, 1, r.TranscodeAttempts)
}
