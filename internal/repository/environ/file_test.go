package environ

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oshokin/twin-agent/internal/domain/device"
)

// TestFileRepository_MissingFile returns an empty set.
func TestFileRepository_MissingFile(t *testing.T) {
	t.Parallel()

	env, err := NewFileRepository(filepath.Join(t.TempDir(), "missing.yaml")).Load()
	require.NoError(t, err)
	require.Empty(t, env)
}

// TestFileRepository_Malformed reports a file that is not a string map.
func TestFileRepository_Malformed(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "agent-env.yaml")
	require.NoError(t, os.WriteFile(path, []byte("- not\n- a map\n"), 0o600))

	_, err := NewFileRepository(path).Load()
	require.Error(t, err)
}

// TestFileRepository_SaveEmpty stores an empty set that loads back empty.
func TestFileRepository_SaveEmpty(t *testing.T) {
	t.Parallel()

	repo := NewFileRepository(filepath.Join(t.TempDir(), "agent-env.yaml"))
	require.NoError(t, repo.Save(nil))

	env, err := repo.Load()
	require.NoError(t, err)
	require.Empty(t, env)
}

// TestFileRepository_SaveLoad keeps values byte for byte, including ones that
// look like numbers, booleans or null and ones with quotes, escapes and newlines.
func TestFileRepository_SaveLoad(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "agent-env.yaml")
	repo := NewFileRepository(path)

	want := device.EnvironmentOverrides{
		"MODE":     "production",
		"GREETING": `hello "world"`,
		"PORT":     "8080",
		"MOTD":     "line one\nline two",
		"PIN":      "007",
		"SIGNED":   "+5",
		"RATIO":    "1e3",
		"ENABLED":  "yes",
		"NOTHING":  "~",
		"EMPTY":    "",
		"WINPATH":  `C:\tools\`,
		"HOMEREF":  "$HOME/bin",
		"PADDED":   "  spaced  ",
		"TRAILING": "ends with newline\n",
	}

	require.NoError(t, repo.Save(want))

	got, err := repo.Load()
	require.NoError(t, err)
	require.Equal(t, want, got)

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	_, err = os.Stat(path + ".tmp")
	require.ErrorIs(t, err, os.ErrNotExist)
}

// TestFileRepository_Restore applies persisted values to the process environment.
func TestFileRepository_Restore(t *testing.T) {
	t.Setenv("TWIN_ENVIRON_RESTORE", "before")

	repo := NewFileRepository(filepath.Join(t.TempDir(), "agent-env.yaml"))
	require.NoError(t, repo.Save(device.EnvironmentOverrides{"TWIN_ENVIRON_RESTORE": "after"}))

	env, err := repo.Restore()
	require.NoError(t, err)
	require.Equal(t, "after", env["TWIN_ENVIRON_RESTORE"])
	require.Equal(t, "after", os.Getenv("TWIN_ENVIRON_RESTORE"))
}
