package config

import (
	"os"
	"strings"
)

// IntegrationApprovalRequired gates new provider integrations behind a
// platform-admin approval step: freshly connected integrations land in
// PENDING_APPROVAL instead of ACTIVE.
//
// Set via env:
// - INTEGRATION_REQUIRE_APPROVAL=true
func IntegrationApprovalRequired() bool {
	return envBool("INTEGRATION_REQUIRE_APPROVAL")
}

// AudioArchiveEnabled makes the sync engine download call audio from the
// provider and re-host it in GCS, so playback does not need the org's
// provider API key.
//
// Set via env:
// - ENABLE_AUDIO_ARCHIVE=true (requires GCS_BUCKET)
func AudioArchiveEnabled() bool {
	return envBool("ENABLE_AUDIO_ARCHIVE")
}

func envBool(key string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}
