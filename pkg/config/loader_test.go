package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
}

func TestLoadConfigMergesAndSubstitutes(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
redis:
  addr: localhost:6379
  password: ${REDIS_PASSWORD}
pipeline:
  fetch_interval_ms: 300000
  max_results: 10
inference:
  api_key: ${GEMINI_API_KEY}
`)
	writeFile(t, dir, "staging.yaml", `
pipeline:
  fetch_interval_ms: 60000
`)
	writeFile(t, dir, "secrets.env", "REDIS_PASSWORD=\"s3cret\"\n# comment\n")
	t.Setenv("GEMINI_API_KEY", "from-env")

	cfg, err := LoadConfig("staging", dir)
	require.NoError(t, err)

	redis := cfg["redis"].(map[string]interface{})
	assert.Equal(t, "localhost:6379", redis["addr"])
	assert.Equal(t, "s3cret", redis["password"])

	pipeline := cfg["pipeline"].(map[string]interface{})
	assert.Equal(t, 60000, pipeline["fetch_interval_ms"])
	assert.Equal(t, 10, pipeline["max_results"])

	assert.Equal(t, "from-env", cfg["inference"].(map[string]interface{})["api_key"])
}

func TestLoadConfigRequiresBase(t *testing.T) {
	_, err := LoadConfig("local", t.TempDir())
	assert.Error(t, err)
}

func TestOverrides(t *testing.T) {
	t.Setenv("DB_PORT", "6543")
	t.Setenv("REDIS_DB", "2")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4317")

	db := DBConfig{Port: 5432}
	OverrideDBFromEnv(&db)
	assert.Equal(t, 6543, db.Port)

	r := RedisConfig{}
	OverrideRedisFromEnv(&r)
	assert.Equal(t, 2, r.DB)

	l := LogConfig{Level: "info"}
	OverrideLogFromEnv(&l)
	assert.Equal(t, "debug", l.Level)

	o := OtelConfig{}
	OverrideOtelFromEnv(&o)
	assert.True(t, o.Enabled)
	assert.Equal(t, "collector:4317", o.Endpoint)
}

func TestLoadConfigClearsUnresolvedPlaceholders(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", "redis:\n  password: ${TRIAGE_UNSET_PASSWORD}\n  addr: host-${TRIAGE_UNSET_SUFFIX}:6379\n")

	cfg, err := LoadConfig("local", dir)
	require.NoError(t, err)

	redis := cfg["redis"].(map[string]interface{})
	assert.Equal(t, "", redis["password"])
	assert.Equal(t, "host-:6379", redis["addr"])
}
