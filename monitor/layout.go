package monitor

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/onnwee/live-tender/transcode"
)

// captureTimeLayout names raw captures; seconds resolution plus a suffix keeps names unique.
const captureTimeLayout = "2006-01-02_15-04-05"

// maxNameSuffix bounds the collision search in CapturePath.
const maxNameSuffix = 1000

// Layout is the on-disk tree for one channel:
//
//	<base>/recorded/<channel>/<channel> - <timestamp>.mp4   raw captures
//	<base>/processed/<channel>/<same name>                  archives
type Layout struct {
	Base    string
	Channel string
}

// RecordedDir holds raw captures.
func (l Layout) RecordedDir() string { return filepath.Join(l.Base, "recorded", l.Channel) }

// ProcessedDir holds archival transcodes.
func (l Layout) ProcessedDir() string { return filepath.Join(l.Base, "processed", l.Channel) }

// LockPath is the instance lock file for this channel.
func (l Layout) LockPath() string { return filepath.Join(l.RecordedDir(), ".live-tender.lock") }

// Ensure creates both trees. It is idempotent.
func (l Layout) Ensure() error {
	if l.Base == "" || l.Channel == "" {
		return errors.New("layout needs a base path and a channel")
	}
	for _, dir := range []string{l.RecordedDir(), l.ProcessedDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// ArchivePath maps a raw capture to its archive: same base name in the processed tree.
func (l Layout) ArchivePath(raw string) string {
	return filepath.Join(l.ProcessedDir(), filepath.Base(raw))
}

// CapturePath returns a fresh raw capture path for a session starting at t. When the
// timestamped name is already used by a raw capture, an archive or a partial transcode, a
// " (n)" suffix is added.
func (l Layout) CapturePath(t time.Time) (string, error) {
	stem := fmt.Sprintf("%s - %s", l.Channel, t.Format(captureTimeLayout))
	for n := 0; n < maxNameSuffix; n++ {
		name := stem
		if n > 0 {
			name = fmt.Sprintf("%s (%d)", stem, n)
		}
		name += ".mp4"
		if !l.nameTaken(name) {
			return filepath.Join(l.RecordedDir(), name), nil
		}
	}
	return "", fmt.Errorf("no free capture name for %q", stem)
}

func (l Layout) nameTaken(name string) bool {
	archive := filepath.Join(l.ProcessedDir(), name)
	for _, p := range []string{filepath.Join(l.RecordedDir(), name), archive, transcode.PartialPath(archive)} {
		if _, err := os.Lstat(p); err == nil || !errors.Is(err, os.ErrNotExist) {
			return true
		}
	}
	return false
}

// FileState classifies a raw capture found on disk.
type FileState int

const (
	// FilePending has data and no archive yet.
	FilePending FileState = iota
	// FileEmpty is a zero-byte capture; it is reported but never transcoded.
	FileEmpty
	// FileArchived already has its archive; only the raw delete is missing.
	FileArchived
)

func (s FileState) String() string {
	switch s {
	case FilePending:
		return "pending"
	case FileEmpty:
		return "empty"
	case FileArchived:
		return "archived"
	default:
		return "unknown"
	}
}

// RawFile is one raw capture found by Scan.
type RawFile struct {
	Path        string
	ArchivePath string
	Size        int64
	ModTime     time.Time
	State       FileState
}

// Scan lists raw captures in name order and classifies each one.
func (l Layout) Scan() ([]RawFile, error) {
	entries, err := os.ReadDir(l.RecordedDir())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan recorded dir: %w", err)
	}
	var out []RawFile
	for _, e := range entries {
		if !e.Type().IsRegular() || !strings.EqualFold(filepath.Ext(e.Name()), ".mp4") {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			continue
		}
		raw := filepath.Join(l.RecordedDir(), e.Name())
		f := RawFile{Path: raw, ArchivePath: l.ArchivePath(raw), Size: fi.Size(), ModTime: fi.ModTime()}
		switch {
		case fi.Size() == 0:
			f.State = FileEmpty
		case archiveComplete(f.ArchivePath):
			f.State = FileArchived
		default:
			f.State = FilePending
		}
		out = append(out, f)
	}
	return out, nil
}

// Pending returns the raw captures still waiting for a transcode.
func (l Layout) Pending() ([]RawFile, error) {
	files, err := l.Scan()
	if err != nil {
		return nil, err
	}
	pending := files[:0]
	for _, f := range files {
		if f.State == FilePending {
			pending = append(pending, f)
		}
	}
	return pending, nil
}

// Partials lists leftover partial transcode outputs.
func (l Layout) Partials() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(globEscape(l.ProcessedDir()), "*.partial.mp4"))
	if err != nil {
		return nil, fmt.Errorf("scan partial outputs: %w", err)
	}
	return matches, nil
}

func archiveComplete(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular() && fi.Size() > 0
}

func globEscape(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`)
	return r.Replace(s)
}
