package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/live-tender/monitor"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		level, format string
		debugEnabled  bool
		json          bool
		warnsUnknown  bool
	}{
		{level: "", format: "", debugEnabled: false},
		{level: "debug", format: "json", debugEnabled: true, json: true},
		{level: "ERROR", format: "text"},
		{level: "verbose", format: "", warnsUnknown: true},
	}
	for _, tt := range tests {
		t.Run(tt.level+"/"+tt.format, func(t *testing.T) {
			t.Setenv("LOG_LEVEL", tt.level)
			t.Setenv("LOG_FORMAT", tt.format)
			var buf bytes.Buffer
			logger := newLogger(&buf)
			assert.Equal(t, tt.debugEnabled, logger.Enabled(context.Background(), slog.LevelDebug))
			if tt.warnsUnknown {
				assert.Contains(t, buf.String(), "unknown LOG_LEVEL")
			}
			buf.Reset()
			logger.Error("probe")
			if tt.json {
				assert.True(t, strings.HasPrefix(buf.String(), "{"), "expected JSON output, got %q", buf.String())
			} else {
				assert.Contains(t, buf.String(), "msg=probe")
			}
		})
	}
}

func TestExitClean(t *testing.T) {
	assert.NoError(t, exitClean(context.Canceled))
	assert.NoError(t, exitClean(fmt.Errorf("loop: %w", context.Canceled)))
	assert.NoError(t, exitClean(nil))
	boom := errors.New("boom")
	assert.ErrorIs(t, exitClean(boom), boom)
}

func TestLoadConfigFlagOverrides(t *testing.T) {
	t.Setenv("TWITCH_CHANNEL", "fromenv")
	t.Setenv("BASE_PATH", "/env/base")

	cfg, err := loadConfig(&rootFlags{})
	require.NoError(t, err)
	assert.Equal(t, "fromenv", cfg.TwitchChannel)
	assert.Equal(t, "/env/base", cfg.BasePath)

	cfg, err = loadConfig(&rootFlags{channel: " SomeStreamer ", basePath: "/flag/base"})
	require.NoError(t, err)
	assert.Equal(t, "somestreamer", cfg.TwitchChannel)
	assert.Equal(t, "/flag/base", cfg.BasePath)
}

func TestRootCommandSubcommands(t *testing.T) {
	root := newRootCommand()
	for _, name := range []string{"run", "pending", "recover"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err)
		assert.Equal(t, name, cmd.Name())
	}
	assert.NotNil(t, root.PersistentFlags().Lookup("channel"))
	assert.NotNil(t, root.PersistentFlags().Lookup("base-path"))
}

func TestRunRequiresCredentials(t *testing.T) {
	t.Setenv("TWITCH_CLIENT_ID", "")
	t.Setenv("TWITCH_CLIENT_SECRET", "")
	root := newRootCommand()
	root.SetArgs([]string{"run", "--channel", "chan", "--base-path", t.TempDir()})
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	err := root.ExecuteContext(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TWITCH_CLIENT_ID")
}

func writeFile(t *testing.T, path, data string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
}

func TestPendingCommand(t *testing.T) {
	base := t.TempDir()
	layout := monitor.Layout{Base: base, Channel: "chan"}
	writeFile(t, filepath.Join(layout.RecordedDir(), "chan - 2024-01-01_10-00-00.mp4"), "raw-bytes")
	writeFile(t, filepath.Join(layout.RecordedDir(), "chan - 2024-01-02_10-00-00.mp4"), "")
	writeFile(t, filepath.Join(layout.RecordedDir(), "notes.txt"), "ignored")

	var out bytes.Buffer
	root := newRootCommand()
	root.SetArgs([]string{"pending", "--channel", "chan", "--base-path", base})
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	require.NoError(t, root.ExecuteContext(context.Background()))

	text := out.String()
	assert.Contains(t, text, "2024-01-01_10-00-00.mp4")
	assert.Contains(t, text, "empty")
	assert.NotContains(t, text, "notes.txt")
	assert.Contains(t, text, "1 pending (9 B)")
}

func TestRecoverCommandNothingPending(t *testing.T) {
	base := t.TempDir()
	var out bytes.Buffer
	root := newRootCommand()
	root.SetArgs([]string{"recover", "--channel", "chan", "--base-path", base})
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	require.NoError(t, root.ExecuteContext(context.Background()))
	assert.Contains(t, out.String(), "pending: 0")

	// The default ledger lands under the base path.
	_, err := os.Stat(filepath.Join(base, "live-tender.db"))
	assert.NoError(t, err)
}
