// Package config loads environment variables and provides a typed Config for one channel monitor.
// It applies sensible defaults so the binary can run locally with only Twitch credentials set.
// Use Validate before starting the monitor loop and ValidateStorage for offline commands.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultTokenURL = "https://id.twitch.tv/oauth2/token"
	DefaultAPIURL   = "https://api.twitch.tv/helix"
)

// Twitch logins are 4-25 characters of letters, digits and underscores. Older
// accounts can be shorter, so only the alphabet and the upper bound are enforced.
var channelPattern = regexp.MustCompile(`^[A-Za-z0-9_]{1,25}$`)

type Config struct {
	// Twitch
	TwitchChannel      string
	TwitchClientID     string
	TwitchClientSecret string
	TwitchTokenURL     string
	TwitchAPIURL       string

	// Storage
	BasePath  string
	LedgerDSN string

	// Polling
	PollInterval     time.Duration
	ErrorBackoff     time.Duration
	HTTPTimeout      time.Duration
	MaxAuthFailures  int
	TokenMinInterval time.Duration

	// Capture (streamlink)
	StreamlinkPath string
	StreamlinkArgs []string
	StreamQuality  string

	// Archive (ffmpeg)
	FFmpegPath          string
	ArchiveHeight       int
	ArchiveCRF          int
	ArchivePreset       string
	ArchiveAudioBitrate string

	// TranscodeMaxAttempts bounds automatic retries of a failing capture across restarts (0 = no limit).
	TranscodeMaxAttempts int

	// Process lifecycle
	ShutdownGrace time.Duration

	// HTTP
	HTTPAddr string
}

// Load reads environment variables and applies defaults. It only fails on values that are present
// but malformed; missing credentials are reported by Validate.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []error

	cfg.TwitchChannel = strings.ToLower(strings.TrimSpace(os.Getenv("TWITCH_CHANNEL")))
	cfg.TwitchClientID = os.Getenv("TWITCH_CLIENT_ID")
	cfg.TwitchClientSecret = os.Getenv("TWITCH_CLIENT_SECRET")
	cfg.TwitchTokenURL = envString("TWITCH_TOKEN_URL", DefaultTokenURL)
	cfg.TwitchAPIURL = strings.TrimRight(envString("TWITCH_API_URL", DefaultAPIURL), "/")

	cfg.BasePath = envString("BASE_PATH", "data")
	cfg.LedgerDSN = os.Getenv("LEDGER_DSN")

	cfg.PollInterval = envDuration("POLL_INTERVAL", 15*time.Second, &errs)
	cfg.ErrorBackoff = envDuration("ERROR_BACKOFF", 60*time.Second, &errs)
	cfg.HTTPTimeout = envDuration("HTTP_TIMEOUT", 15*time.Second, &errs)
	cfg.MaxAuthFailures = envInt("MAX_AUTH_FAILURES", 3, &errs)
	cfg.TokenMinInterval = envDuration("TOKEN_MIN_INTERVAL", 5*time.Second, &errs)

	cfg.StreamlinkPath = envString("STREAMLINK_PATH", "streamlink")
	cfg.StreamlinkArgs = strings.Fields(os.Getenv("STREAMLINK_ARGS"))
	cfg.StreamQuality = envString("STREAM_QUALITY", "best")

	cfg.FFmpegPath = envString("FFMPEG_PATH", "ffmpeg")
	cfg.ArchiveHeight = envInt("ARCHIVE_HEIGHT", 480, &errs)
	cfg.ArchiveCRF = envInt("ARCHIVE_CRF", 30, &errs)
	cfg.ArchivePreset = envString("ARCHIVE_PRESET", "veryfast")
	cfg.ArchiveAudioBitrate = envString("ARCHIVE_AUDIO_BITRATE", "64k")
	cfg.TranscodeMaxAttempts = envInt("TRANSCODE_MAX_ATTEMPTS", 3, &errs)

	cfg.ShutdownGrace = envDuration("SHUTDOWN_GRACE", 10*time.Second, &errs)

	cfg.HTTPAddr = envString("HTTP_ADDR", ":8080")

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return cfg, nil
}

// LedgerTarget returns the DSN the ledger should open. An empty LEDGER_DSN selects a sqlite file
// under the base path.
func (c *Config) LedgerTarget() string {
	if c.LedgerDSN != "" {
		return c.LedgerDSN
	}
	return filepath.Join(c.BasePath, "live-tender.db")
}

// ValidateStorage checks the fields needed to locate capture and archive files.
func (c *Config) ValidateStorage() error {
	if c.TwitchChannel == "" {
		return errors.New("missing twitch env: require TWITCH_CHANNEL")
	}
	if !channelPattern.MatchString(c.TwitchChannel) {
		return fmt.Errorf("invalid TWITCH_CHANNEL %q: expected a twitch login name", c.TwitchChannel)
	}
	if strings.TrimSpace(c.BasePath) == "" {
		return errors.New("BASE_PATH must not be empty")
	}
	return nil
}

// Validate checks everything the monitor loop needs. A failure here is the only fatal path.
func (c *Config) Validate() error {
	if err := c.ValidateStorage(); err != nil {
		return err
	}
	if c.TwitchClientID == "" || c.TwitchClientSecret == "" {
		return errors.New("missing twitch env: require TWITCH_CLIENT_ID, TWITCH_CLIENT_SECRET")
	}
	if c.PollInterval <= 0 || c.ErrorBackoff <= 0 || c.HTTPTimeout <= 0 {
		return errors.New("POLL_INTERVAL, ERROR_BACKOFF and HTTP_TIMEOUT must be positive")
	}
	if c.TranscodeMaxAttempts < 0 {
		return fmt.Errorf("TRANSCODE_MAX_ATTEMPTS must not be negative, got %d", c.TranscodeMaxAttempts)
	}
	if c.MaxAuthFailures < 1 {
		return fmt.Errorf("MAX_AUTH_FAILURES must be at least 1, got %d", c.MaxAuthFailures)
	}
	if c.ArchiveHeight <= 0 {
		return fmt.Errorf("ARCHIVE_HEIGHT must be positive, got %d", c.ArchiveHeight)
	}
	return nil
}

func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration, errs *[]error) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s (duration): %w", key, err))
		return def
	}
	return d
}

func envInt(key string, def int, errs *[]error) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s (integer): %w", key, err))
		return def
	}
	return n
}
