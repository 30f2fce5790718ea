package updater

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// testContent hashes to testDigest.
const (
	testContent = "TEST CONTENT"
	testDigest  = "15ef462c77eea7ecaca7d0498858b6393797ed04af1240e591de0f6cf36e7768"
)

// TestSum computes the lowercase hex SHA-256 digest.
func TestSum(t *testing.T) {
	t.Parallel()

	require.Equal(t, testDigest, Sum([]byte(testContent)))
	require.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", Sum(nil))
}

// TestMatches ignores hex case and surrounding whitespace.
func TestMatches(t *testing.T) {
	t.Parallel()

	require.True(t, Matches([]byte(testContent), testDigest))
	require.True(t, Matches([]byte(testContent), strings.ToUpper(testDigest)))
	require.True(t, Matches([]byte(testContent), " "+testDigest+"\n"))
	require.False(t, Matches([]byte("other"), testDigest))
	require.False(t, Matches([]byte(testContent), ""))
}

// TestDecodeDigest validates hex and length.
func TestDecodeDigest(t *testing.T) {
	t.Parallel()

	raw, err := DecodeDigest(strings.ToUpper(testDigest))
	require.NoError(t, err)
	require.Len(t, raw, 32)

	_, err = DecodeDigest("zz")
	require.Error(t, err)

	_, err = DecodeDigest("abcd")
	require.ErrorIs(t, err, errDigestLength)
}
