package monitor

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/live-tender/transcode"
)

func TestLayoutPaths(t *testing.T) {
	l := Layout{Base: "/data", Channel: "chan"}
	assert.Equal(t, "/data/recorded/chan", l.RecordedDir())
	assert.Equal(t, "/data/processed/chan", l.ProcessedDir())
	assert.Equal(t, "/data/recorded/chan/.live-tender.lock", l.LockPath())
	assert.Equal(t, "/data/processed/chan/chan - x.mp4", l.ArchivePath("/data/recorded/chan/chan - x.mp4"))
}

func TestEnsureIdempotent(t *testing.T) {
	l := Layout{Base: t.TempDir(), Channel: "chan"}
	require.NoError(t, l.Ensure())
	require.NoError(t, l.Ensure())
	assert.DirExists(t, l.RecordedDir())
	assert.DirExists(t, l.ProcessedDir())

	assert.Error(t, Layout{Channel: "chan"}.Ensure())
}

func TestCapturePathAvoidsCollisions(t *testing.T) {
	l := Layout{Base: t.TempDir(), Channel: "chan"}
	require.NoError(t, l.Ensure())
	ts := time.Date(2024, 2, 29, 23, 59, 58, 0, time.UTC)

	first, err := l.CapturePath(ts)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(l.RecordedDir(), "chan - 2024-02-29_23-59-58.mp4"), first)

	// Same second as a raw capture.
	require.NoError(t, os.WriteFile(first, []byte("x"), 0o644))
	second, err := l.CapturePath(ts)
	require.NoError(t, err)
	assert.Equal(t, "chan - 2024-02-29_23-59-58 (1).mp4", filepath.Base(second))

	// Same second as an archive whose raw file is already gone.
	require.NoError(t, os.WriteFile(l.ArchivePath(second), []byte("x"), 0o644))
	third, err := l.CapturePath(ts)
	require.NoError(t, err)
	assert.Equal(t, "chan - 2024-02-29_23-59-58 (2).mp4", filepath.Base(third))

	// Same second as an in-progress transcode.
	require.NoError(t, os.WriteFile(transcode.PartialPath(l.ArchivePath(third)), []byte("x"), 0o644))
	fourth, err := l.CapturePath(ts)
	require.NoError(t, err)
	assert.Equal(t, "chan - 2024-02-29_23-59-58 (3).mp4", filepath.Base(fourth))
}

func TestScanClassifiesFiles(t *testing.T) {
	l := Layout{Base: t.TempDir(), Channel: "chan"}
	require.NoError(t, l.Ensure())
	write := func(p, data string) {
		require.NoError(t, os.WriteFile(p, []byte(data), 0o644))
	}
	pending := filepath.Join(l.RecordedDir(), "chan - a.mp4")
	empty := filepath.Join(l.RecordedDir(), "chan - b.mp4")
	archived := filepath.Join(l.RecordedDir(), "chan - c.mp4")
	write(pending, "data")
	write(empty, "")
	write(archived, "data")
	write(l.ArchivePath(archived), "small")
	write(filepath.Join(l.RecordedDir(), "notes.txt"), "ignore me")
	require.NoError(t, os.Mkdir(filepath.Join(l.RecordedDir(), "sub.mp4"), 0o755))

	files, err := l.Scan()
	require.NoError(t, err)
	require.Len(t, files, 3)
	assert.Equal(t, FilePending, files[0].State)
	assert.Equal(t, FileEmpty, files[1].State)
	assert.Equal(t, FileArchived, files[2].State)
	assert.EqualValues(t, 4, files[0].Size)

	p, err := l.Pending()
	require.NoError(t, err)
	require.Len(t, p, 1)
	assert.Equal(t, pending, p[0].Path)
	assert.Equal(t, l.ArchivePath(pending), p[0].ArchivePath)
}

func TestScanMissingDir(t *testing.T) {
	l := Layout{Base: t.TempDir(), Channel: "nobody"}
	files, err := l.Scan()
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestFileStateString(t *testing.T) {
	assert.Equal(t, "pending", FilePending.String())
	assert.Equal(t, "empty", FileEmpty.String())
	assert.Equal(t, "archived", FileArchived.String())
}

func TestLockExcludesSecondInstance(t *testing.T) {
	l := Layout{Base: t.TempDir(), Channel: "chan"}
	lk, err := AcquireLock(l)
	require.NoError(t, err)

	_, err = AcquireLock(l)
	assert.ErrorIs(t, err, ErrLocked)

	require.NoError(t, lk.Release())
	lk2, err := AcquireLock(l)
	require.NoError(t, err)
	require.NoError(t, lk2.Release())

	var nilLock *Lock
	assert.NoError(t, nilLock.Release())
}
