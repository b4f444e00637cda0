package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte("{}"))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "file", cfg.Store.Backend)
	assert.Equal(t, "data/identities.json", cfg.Store.Path)
	assert.Equal(t, 8.0, cfg.Identity.ConfidentThreshold)
	assert.Equal(t, 12.0, cfg.Identity.RejectThreshold)
	assert.Equal(t, 3*time.Second, cfg.Identity.Cooldown)
	assert.Equal(t, EnrollmentImmediate, cfg.Identity.EnrollmentMode)
	assert.Equal(t, MatcherLinear, cfg.Identity.Matcher)
	assert.Equal(t, 2*time.Second, cfg.Session.StabilityDuration)
	assert.Equal(t, 10*time.Second, cfg.Session.NoFaceTimeout)
	assert.True(t, cfg.Session.LockOverride())
	assert.Equal(t, 0.7, cfg.Vision.MinAspectRatio)
	assert.Equal(t, 1.3, cfg.Vision.MaxAspectRatio)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "ffmpeg", cfg.Ingest.FFmpegPath)
	assert.Equal(t, 3, cfg.Ingest.MaxRetries)
	assert.Equal(t, 2*time.Second, cfg.Ingest.RetryDelay)
}

func TestParseYAML(t *testing.T) {
	data := []byte(`
store:
  backend: sqlite
identity:
  confident_threshold: 9.5
  reject_threshold: 11
  enrollment_mode: windowed
  matcher: hnsw
session:
  stability_duration: 5s
  allow_lock_override: false
cameras:
  - id: front
    url: /dev/video0
`)
	cfg, err := Parse(data)
	require.NoError(t, err)

	assert.Equal(t, "data/identities.db", cfg.Store.Path)
	assert.Equal(t, 9.5, cfg.Identity.ConfidentThreshold)
	assert.Equal(t, EnrollmentWindowed, cfg.Identity.EnrollmentMode)
	assert.Equal(t, MatcherHNSW, cfg.Identity.Matcher)
	assert.Equal(t, 5*time.Second, cfg.Session.StabilityDuration)
	assert.False(t, cfg.Session.LockOverride())
	require.Len(t, cfg.Cameras, 1)
	assert.Equal(t, 5, cfg.Cameras[0].FPS)
}

func TestParseRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"thresholds inverted", "identity: {confident_threshold: 12, reject_threshold: 8}"},
		{"thresholds equal", "identity: {confident_threshold: 10, reject_threshold: 10}"},
		{"unknown enrollment", "identity: {enrollment_mode: batch}"},
		{"unknown matcher", "identity: {matcher: faiss}"},
		{"unknown backend", "store: {backend: redis}"},
		{"postgres without host", "store: {backend: postgres}"},
		{"minio without bucket", "store: {images: minio}"},
		{"camera without url", "cameras: [{id: a}]"},
		{"duplicate camera", "cameras: [{id: a, url: x}, {id: a, url: y}]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("FL_SERVER_PORT", "9090")
	t.Setenv("FL_CONFIDENT_THRESHOLD", "7.5")
	t.Setenv("FL_ENROLLMENT_MODE", "WINDOWED")
	t.Setenv("FL_SESSION_ID", "counter-1")

	cfg, err := Parse([]byte("server: {port: 8000}"))
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 7.5, cfg.Identity.ConfidentThreshold)
	assert.Equal(t, EnrollmentWindowed, cfg.Identity.EnrollmentMode)
	assert.Equal(t, "counter-1", cfg.Session.ID)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging: {level: debug, format: text}"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
}
