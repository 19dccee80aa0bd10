package engineconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.sgconfig"), nil)
	require.NoError(t, err)
	require.Equal(t, defaultChunkSize, cfg.DefaultChunkSize)
	require.Contains(t, cfg.Connection, "postgres://")
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".sgconfig")
	contents := `
[engine]
connection = "postgres://user@db.example.com:5432/sg"
default_chunk_size = 500
default_namespace = "acme"

[remote "origin"]
connection = "postgres://user@remote.example.com:5432/sg"
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := Load(path, nil)
	require.NoError(t, err)
	require.Equal(t, "postgres://user@db.example.com:5432/sg", cfg.Connection)
	require.Equal(t, 500, cfg.DefaultChunkSize)
	require.Equal(t, "acme", cfg.DefaultNamespace)

	remote, err := cfg.Remote("origin")
	require.NoError(t, err)
	require.Equal(t, "postgres://user@remote.example.com:5432/sg", remote.Connection)

	_, err = cfg.Remote("missing")
	require.Error(t, err)
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".sgconfig")
	require.NoError(t, os.WriteFile(path, []byte(`
[engine]
connection = "postgres://file/sg"
`), 0o644))

	t.Setenv("SPLITGRAPH_ENGINE_CONNECTION", "postgres://env/sg")

	cfg, err := Load(path, nil)
	require.NoError(t, err)
	require.Equal(t, "postgres://env/sg", cfg.Connection)
}
