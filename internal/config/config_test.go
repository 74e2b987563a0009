package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaults(t *testing.T) {
	for _, k := range []string{"SERVER_PORT", "DATABASE_URL", "STORE_BACKEND", "SWEEP_INTERVAL",
		"ARTIFACT_BACKEND", "SUBMIT_RATE_PER_MIN", "OTEL_EXPORTER"} {
		t.Setenv(k, "")
	}

	assert.Equal(t, ":8080", ServerAddr())
	assert.Equal(t, "memory", StoreBackend())
	assert.Equal(t, time.Minute, SweepInterval())
	assert.Equal(t, "signed", ArtifactBackend())
	assert.Equal(t, 60, SubmitRatePerMinute())
	assert.Equal(t, "none", OTelExporter())
}

func TestOverrides(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("DATABASE_URL", "postgres://localhost/conductor")
	t.Setenv("STORE_BACKEND", "")
	t.Setenv("SWEEP_INTERVAL", "15s")
	t.Setenv("RATE_LIMIT_BURST", "-3")
	t.Setenv("MINIO_USE_SSL", "true")

	assert.Equal(t, ":9090", ServerAddr())
	assert.Equal(t, "postgres", StoreBackend())
	assert.Equal(t, 15*time.Second, SweepInterval())
	assert.Equal(t, 20, RateLimitBurst())
	assert.True(t, MinioUseSSL())
}
