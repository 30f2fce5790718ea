package environ

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestLoadDefaults sets only variables missing from the environment.
func TestLoadDefaults(t *testing.T) {
	t.Setenv("TWIN_DOTENV_PRESET", "from-environment")
	unsetenv(t, "TWIN_DOTENV_DEFAULT")

	path := filepath.Join(t.TempDir(), "defaults.env")
	contents := "TWIN_DOTENV_PRESET=from-file\nTWIN_DOTENV_DEFAULT='hello world'\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	applied, err := LoadDefaults(path)
	require.NoError(t, err)
	require.Equal(t, 1, applied)
	require.Equal(t, "from-environment", os.Getenv("TWIN_DOTENV_PRESET"))
	require.Equal(t, "hello world", os.Getenv("TWIN_DOTENV_DEFAULT"))
}

// TestLoadDefaults_NoFile is a no-op for an empty path or a missing file.
func TestLoadDefaults_NoFile(t *testing.T) {
	t.Parallel()

	applied, err := LoadDefaults("")
	require.NoError(t, err)
	require.Zero(t, applied)

	applied, err = LoadDefaults(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	require.Zero(t, applied)
}

// unsetenv removes name for the duration of the test.
func unsetenv(t *testing.T, name string) {
	t.Helper()

	t.Setenv(name, "")
	require.NoError(t, os.Unsetenv(name))
}
