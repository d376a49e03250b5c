package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/neutralgate"
	"github.com/ineyio/neutralgate/license"
)

func TestHashKeyCmd(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"hash-key", "--secret", "s3cret", "KEY-1"})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), license.HashKey("s3cret", "KEY-1"))
	assert.Contains(t, out.String(), license.LicenseID("KEY-1"))
}

func TestHashKeyCmd_RequiresSecret(t *testing.T) {
	t.Setenv("LICENSE_HASH_SECRET", "")
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"hash-key", "KEY-1"})

	assert.Error(t, cmd.Execute())
}

func TestVersionCmd(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, "neutralgate dev\n", out.String())
}

func TestLoadConfig_FileEnvAndFlags(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "neutralgate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  listen: ":9000"
quota:
  free_daily_limit: 7
license:
  secret: ${TEST_NG_SECRET}
  keys: ["KEY-1"]
`), 0o600))

	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("TEST_NG_SECRET=from-dotenv\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("TEST_NG_SECRET") })
	t.Setenv("FREE_DAILY_LIMIT", "")
	t.Setenv("LICENSE_SECRET", "")
	t.Setenv("NEUTRAL_LISTEN", "")

	cfg, err := loadConfig(&serveOptions{
		configPath: path,
		envFile:    envFile,
		listen:     ":9100",
		logLevel:   "debug",
	})
	require.NoError(t, err)
	assert.Equal(t, ":9100", cfg.Server.Listen, "flag wins over file")
	assert.Equal(t, int64(7), cfg.Quota.FreeDailyLimit)
	assert.Equal(t, "from-dotenv", cfg.License.Secret)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadConfig_MissingEnvFileIsFine(t *testing.T) {
	cfg, err := loadConfig(&serveOptions{envFile: filepath.Join(t.TempDir(), "absent.env")})
	require.NoError(t, err)
	assert.Equal(t, neutralgate.DefaultConfig().Server.Listen, cfg.Server.Listen)
}

func TestOpenStore_Memory(t *testing.T) {
	counters, sets, closeFn, err := openStore(context.Background(), neutralgate.StoreConfig{Backend: neutralgate.BackendMemory})
	require.NoError(t, err)
	defer closeFn()

	assert.NotNil(t, counters)
	assert.NotNil(t, sets)
}

func TestBuildProviders(t *testing.T) {
	providers := buildProviders(neutralgate.DefaultConfig())
	require.Len(t, providers, len(neutralgate.KnownProviders))
	for i, id := range neutralgate.KnownProviders {
		assert.Equal(t, id, providers[i].Name())
	}
}
