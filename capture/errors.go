package capture

import (
	"strings"
)

// FailureClass groups streamlink failures by likely cause for logs and metrics.
type FailureClass int

const (
	// FailureUnknown is anything that matches no known pattern.
	FailureUnknown FailureClass = iota
	// FailureOffline means the stream was gone by the time streamlink connected.
	FailureOffline
	// FailureAuth covers subscriber-only, login-required and rejected credentials.
	FailureAuth
	// FailureNetwork covers timeouts, resets and HTTP 5xx from the playlist host.
	FailureNetwork
)

func (fc FailureClass) String() string {
	switch fc {
	case FailureOffline:
		return "offline"
	case FailureAuth:
		return "auth"
	case FailureNetwork:
		return "network"
	default:
		return "unknown"
	}
}

// ClassifyFailure inspects the stderr tail of a failed streamlink run.
//
// Offline:
// - no playable streams / stream offline / could not find stream
//
// Auth:
// - subscriber-only, login required, 401/403, unauthorized
//
// Network:
// - timeouts, connection resets/refusals, DNS failures
// - 5xx responses, failed segment/playlist fetches
func ClassifyFailure(stderr string) FailureClass {
	lower := strings.ToLower(stderr)
	if lower == "" {
		return FailureUnknown
	}

	offlinePatterns := []string{
		"no playable streams",
		"is offline",
		"stream offline",
		"could not find stream",
		"no streams found",
	}
	for _, p := range offlinePatterns {
		if strings.Contains(lower, p) {
			return FailureOffline
		}
	}

	authPatterns := []string{
		"subscriber-only",
		"subscribers-only",
		"login required",
		"must be logged in",
		"401",
		"403",
		"unauthorized",
		"forbidden",
	}
	for _, p := range authPatterns {
		if strings.Contains(lower, p) {
			return FailureAuth
		}
	}

	networkPatterns := []string{
		"timed out",
		"timeout",
		"connection reset",
		"connection refused",
		"connection aborted",
		"temporary failure in name resolution",
		"name or service not known",
		"network is unreachable",
		"unable to open url",
		"failed to reload playlist",
		"500",
		"502",
		"503",
		"504",
	}
	for _, p := range networkPatterns {
		if strings.Contains(lower, p) {
			return FailureNetwork
		}
	}
	return FailureUnknown
}
