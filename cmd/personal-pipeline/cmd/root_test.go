package cmd

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dpark2025/personal-pipeline/internal/config"
	"github.com/dpark2025/personal-pipeline/internal/pperrors"
)

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestCreateSampleConfig(t *testing.T) {
	out, err := runCommand(t, "--create-sample-config")
	require.NoError(t, err)

	for _, section := range []string{"server:", "logging:", "cache:", "search:", "embeddings:", "sources:"} {
		assert.Contains(t, out, section)
	}
	assert.Contains(t, out, "password_env_var: REDIS_PASSWORD")
}

func TestSampleConfigLoads(t *testing.T) {
	out, err := runCommand(t, "--create-sample-config")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(out), 0o644))

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 8090, cfg.Server.Port)
	assert.Equal(t, "both", cfg.Server.Transport)
}

func TestVersionCommand(t *testing.T) {
	out, err := runCommand(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "personal-pipeline")
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	dir := t.TempDir()
	cwd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(cwd) })

	cfg, err := loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Equal(t, pperrors.KindConfig, pperrors.KindOf(err))
}

func TestBuildAdapterUnknownType(t *testing.T) {
	cfg := config.AdapterConfig{Name: "bogus", Type: "carrier-pigeon"}
	_, err := buildAdapter(cfg, discardLogger())
	require.Error(t, err)
	assert.Equal(t, pperrors.KindConfig, pperrors.KindOf(err))
}

func TestBuildEmbedderUnknownProvider(t *testing.T) {
	cfg := config.Default().Embeddings
	cfg.Provider = "quantum"
	_, err := buildEmbedder(context.Background(), cfg, discardLogger())
	require.Error(t, err)
	assert.Equal(t, pperrors.KindConfig, pperrors.KindOf(err))
}

func TestBuildEmbedderStatic(t *testing.T) {
	e, err := buildEmbedder(context.Background(), config.Default().Embeddings, discardLogger())
	require.NoError(t, err)
	defer e.Close()
	assert.Equal(t, 384, e.Dimensions())
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
