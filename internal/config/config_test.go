package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chdirTemp isolates the test from .env files in the package directory.
func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	return dir
}

func TestLoad_Defaults(t *testing.T) {
	chdirTemp(t)
	t.Setenv(EnvConfigPath, "")
	t.Setenv("DATABASE_URL", "")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, 10*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 5, cfg.Snapshot.Keep)
	assert.Equal(t, "default", cfg.Temporal.Namespace)
	assert.Empty(t, cfg.DatabaseURL)
}

func TestLoad_YAMLThenEnv(t *testing.T) {
	dir := chdirTemp(t)
	path := filepath.Join(dir, "fpdemo.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
addr: ":9000"
database_url: "postgres://localhost/fp"
request_timeout: 3s
snapshot:
  dir: /var/snapshots
  keep: 2
vendor:
  api_key: from-yaml
  region: eu
session:
  ttl: 1h
`), 0o644))
	t.Setenv("VENDOR_API_KEY", "from-env")
	t.Setenv("CHALLENGE_TTL", "90s")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Addr)
	assert.Equal(t, "postgres://localhost/fp", cfg.DatabaseURL)
	assert.Equal(t, 3*time.Second, cfg.RequestTimeout)
	assert.Equal(t, "/var/snapshots", cfg.Snapshot.Dir)
	assert.Equal(t, 2, cfg.Snapshot.Keep)
	assert.Equal(t, "from-env", cfg.Vendor.APIKey)
	assert.Equal(t, "eu", cfg.Vendor.Region)
	assert.Equal(t, time.Hour, cfg.Session.TTL)
	assert.Equal(t, 90*time.Second, cfg.Session.ChallengeTTL)
}

func TestLoad_DotEnv(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("FPDEMO_TEST_DB=./from-dotenv.db\n"), 0o644))
	t.Setenv("FPDEMO_TEST_DB", "")
	os.Unsetenv("FPDEMO_TEST_DB")

	_, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "./from-dotenv.db", os.Getenv("FPDEMO_TEST_DB"))
}

func TestLoad_Errors(t *testing.T) {
	dir := chdirTemp(t)

	_, err := Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("addr: [unclosed"), 0o644))
	_, err = Load(bad)
	assert.Error(t, err)

	t.Setenv("REQUEST_TIMEOUT", "soon")
	_, err = Load("")
	assert.ErrorContains(t, err, "REQUEST_TIMEOUT")

	t.Setenv("REQUEST_TIMEOUT", "")
	t.Setenv("VENDOR_REGION", "mars")
	_, err = Load("")
	assert.ErrorContains(t, err, "region")
}
