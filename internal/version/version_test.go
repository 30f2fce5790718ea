package version

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestVersionStrings ensures Short and Full return non-empty consistent information.
func TestVersionStrings(t *testing.T) {
	t.Parallel()

	require.NotEmpty(t, Short())
	require.Contains(t, Full(), Short())
}

// TestReport checks that the snapshot section mirrors the build variables.
func TestReport(t *testing.T) {
	t.Parallel()

	report := Report()
	require.Equal(t, Version, report["version"])
	require.Equal(t, Commit, report["commit"])
	require.NotEmpty(t, report["platform"])
}
