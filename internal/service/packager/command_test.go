package packager

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/oshokin/twin-agent/internal/domain/device"
	"github.com/oshokin/twin-agent/internal/service/updater"
)

func writeFile(t *testing.T, dir, name, contents string) string {
	t.Helper()

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	return path
}

// TestRun_ManifestParsesBack writes a manifest the device side accepts.
func TestRun_ManifestParsesBack(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	first := writeFile(t, dir, "agent.bin", "TEST CONTENT")
	second := writeFile(t, dir, "daemon.sh", "#!/bin/sh\n")
	output := filepath.Join(dir, "checkout.yaml")

	err := Run(context.Background(), &Options{
		Files:    []string{first, second},
		BaseURL:  "https://updates.example.com/v2/",
		Location: "/opt/device",
		Output:   output,
	})
	require.NoError(t, err)

	contents, err := os.ReadFile(output)
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, yaml.Unmarshal(contents, &doc))

	entries, err := device.ParseManifest(doc[device.KeyCheckout])
	require.NoError(t, err)
	require.Equal(t, []device.ManifestEntry{
		{
			Filename:       "agent.bin",
			Location:       "/opt/device",
			DownloadURL:    "https://updates.example.com/v2/agent.bin",
			ExpectedDigest: "15ef462c77eea7ecaca7d0498858b6393797ed04af1240e591de0f6cf36e7768",
		},
		{
			Filename:       "daemon.sh",
			Location:       "/opt/device",
			DownloadURL:    "https://updates.example.com/v2/daemon.sh",
			ExpectedDigest: updater.Sum([]byte("#!/bin/sh\n")),
		},
	}, entries)
}

// TestDescribe_LocalURLs points entries at the files themselves without a base URL.
func TestDescribe_LocalURLs(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeFile(t, dir, "f", "x")

	doc, err := describe(&Options{Files: []string{path}})
	require.NoError(t, err)
	require.Len(t, doc.Checkout, 1)
	require.Equal(t, "./", doc.Checkout[0].Location)
	require.Equal(t, "file://"+filepath.ToSlash(path), doc.Checkout[0].Download)

	fetched, err := updater.NewSchemeFetcher().Fetch(context.Background(), doc.Checkout[0].Download)
	require.NoError(t, err)
	require.Equal(t, "x", string(fetched))
}

// TestDescribe_Errors covers missing input, duplicates and unreadable files.
func TestDescribe_Errors(t *testing.T) {
	t.Parallel()

	_, err := describe(&Options{})
	require.ErrorIs(t, err, errNoFiles)

	dir := t.TempDir()
	path := writeFile(t, dir, "f", "x")
	other := filepath.Join(dir, "sub")
	require.NoError(t, os.Mkdir(other, 0o750))
	dup := writeFile(t, other, "f", "y")

	_, err = describe(&Options{Files: []string{path, dup}})
	require.ErrorIs(t, err, errDuplicateFilename)

	_, err = describe(&Options{Files: []string{filepath.Join(dir, "missing")}})
	require.ErrorIs(t, err, os.ErrNotExist)
}
