package packager

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/oshokin/twin-agent/internal/config"
	"github.com/oshokin/twin-agent/internal/logger"
	"github.com/oshokin/twin-agent/internal/service/updater"
)

// Options contains inputs for the packager entry point.
type Options struct {
	// Files are the local artifacts to describe.
	Files []string
	// BaseURL is where the artifacts will be published. When empty, entries
	// point at the local files with file:// URLs.
	BaseURL string
	// Location is the destination directory on the device (defaults to "./").
	Location string
	// Output is the file to write the manifest to; stdout when empty.
	Output string
}

// checkoutEntry is one item of the emitted manifest, in desired-state form.
type checkoutEntry struct {
	Filename  string `yaml:"filename"`
	Location  string `yaml:"location"`
	Download  string `yaml:"download"`
	SHA256Sum string `yaml:"sha256sum"`
}

// checkoutDocument is the desired-state fragment produced by the packager.
type checkoutDocument struct {
	Checkout []checkoutEntry `yaml:"checkout"`
}

var (
	// errNoFiles is returned when no files were given.
	errNoFiles = errors.New("at least one file must be provided")
	// errDuplicateFilename is returned when two files would land on the same path.
	errDuplicateFilename = errors.New("duplicate filename")
)

// Run computes digests for the given files and writes a checkout manifest.
func Run(ctx context.Context, opts *Options) error {
	// Set context with logger name for tracking.
	ctx = logger.WithName(ctx, "twin-packager")

	doc, err := describe(opts)
	if err != nil {
		return fmt.Errorf("describe files: %w", err)
	}

	contents, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}

	if err = writeManifest(opts.Output, contents); err != nil {
		return err
	}

	printNextSteps(ctx, opts, doc)

	return nil
}

// describe builds the checkout document for opts.Files.
func describe(opts *Options) (*checkoutDocument, error) {
	if len(opts.Files) == 0 {
		return nil, errNoFiles
	}

	location := opts.Location
	if location == "" {
		location = "./"
	}

	doc := &checkoutDocument{
		Checkout: make([]checkoutEntry, 0, len(opts.Files)),
	}

	seen := make(map[string]struct{}, len(opts.Files))

	for _, path := range opts.Files {
		name := filepath.Base(path)
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("%w: %s", errDuplicateFilename, name)
		}

		seen[name] = struct{}{}

		data, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		download, err := downloadURL(opts.BaseURL, path)
		if err != nil {
			return nil, err
		}

		doc.Checkout = append(doc.Checkout, checkoutEntry{
			Filename:  name,
			Location:  location,
			Download:  download,
			SHA256Sum: updater.Sum(data),
		})
	}

	return doc, nil
}

func downloadURL(baseURL, path string) (string, error) {
	if baseURL == "" {
		return "file://" + filepath.ToSlash(path), nil
	}

	download, err := url.JoinPath(baseURL, filepath.Base(path))
	if err != nil {
		return "", fmt.Errorf("build download URL for %s: %w", path, err)
	}

	return download, nil
}

func writeManifest(output string, contents []byte) error {
	if output == "" {
		if _, err := os.Stdout.Write(contents); err != nil {
			return fmt.Errorf("write manifest: %w", err)
		}

		return nil
	}

	if err := os.WriteFile(filepath.Clean(output), contents, config.DefaultFilePermissions); err != nil {
		return fmt.Errorf("write manifest %s: %w", output, err)
	}

	return nil
}

// printNextSteps logs human-readable guidance for next actions with the created manifest.
func printNextSteps(ctx context.Context, opts *Options, doc *checkoutDocument) {
	var builder strings.Builder

	if opts.BaseURL != "" {
		builder.WriteString("You should upload the following files to ")
		builder.WriteString(opts.BaseURL)
		builder.WriteString(":\n")

		for i, entry := range doc.Checkout {
			if i > 0 {
				builder.WriteString(",\n")
			}

			builder.WriteString(entry.Filename)
		}

		builder.WriteString("\n\n")
	}

	builder.WriteString("Merge the checkout section into the desired state of each device")

	if opts.Output != "" {
		builder.WriteString(" (written to ")
		builder.WriteString(opts.Output)
		builder.WriteString(")")
	}

	logger.Info(ctx, builder.String())
}
