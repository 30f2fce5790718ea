package device

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// Keys of the desired-state document understood by the agent.
const (
	KeyDaemons  = "daemons"
	KeyCheckout = "checkout"
	KeyEnviron  = "environ"
)

// Keys of a single checkout entry.
const (
	entryFilename = "filename"
	entryLocation = "location"
	entryDownload = "download"
	entryDigest   = "sha256sum"
)

// defaultLocation is used when a checkout entry has no location.
const defaultLocation = "./"

var (
	// ErrMalformedEntry marks a checkout entry that cannot describe an artifact.
	ErrMalformedEntry = errors.New("malformed checkout entry")
	// ErrMalformedDaemon marks a daemons entry that cannot be launched.
	ErrMalformedDaemon = errors.New("malformed daemon spec")
)

// DaemonSpec is the executable and its arguments for one worker process.
type DaemonSpec []string

// Executable returns the program to launch.
func (d DaemonSpec) Executable() string {
	if len(d) == 0 {
		return ""
	}

	return d[0]
}

// Args returns the arguments passed to the executable.
func (d DaemonSpec) Args() []string {
	if len(d) < 2 {
		return nil
	}

	return d[1:]
}

// String renders the spec as a command line for logs.
func (d DaemonSpec) String() string {
	return strings.Join(d, " ")
}

// ManifestEntry fully describes the desired on-disk state of one artifact.
type ManifestEntry struct {
	// Filename is the artifact's file name.
	Filename string
	// Location is the directory the artifact lives in.
	Location string
	// DownloadURL is where a replacement can be fetched from.
	DownloadURL string
	// ExpectedDigest is the hex SHA-256 of the desired content.
	ExpectedDigest string
}

// Path returns the absolute path of the artifact.
func (e ManifestEntry) Path() (string, error) {
	location := e.Location
	if location == "" {
		location = defaultLocation
	}

	return filepath.Abs(filepath.Join(location, e.Filename))
}

// EnvironmentOverrides maps variable names to values applied to the agent and its daemons.
type EnvironmentOverrides map[string]string

// ParseDaemons converts the "daemons" value of a desired-state document.
// Entries that are neither a string nor a non-empty list of strings are skipped
// and reported in the returned error.
func ParseDaemons(raw any) ([]DaemonSpec, error) {
	items, ok := raw.([]any)
	if !ok {
		if raw == nil {
			return nil, nil
		}

		return nil, fmt.Errorf("%w: daemons must be a list, got %T", ErrMalformedDaemon, raw)
	}

	var (
		specs = make([]DaemonSpec, 0, len(items))
		errs  []error
	)

	for i, item := range items {
		spec, err := parseDaemon(item)
		if err != nil {
			errs = append(errs, fmt.Errorf("daemon #%d: %w", i, err))
			continue
		}

		specs = append(specs, spec)
	}

	return specs, errors.Join(errs...)
}

func parseDaemon(item any) (DaemonSpec, error) {
	switch value := item.(type) {
	case string:
		if strings.TrimSpace(value) == "" {
			return nil, fmt.Errorf("%w: empty command", ErrMalformedDaemon)
		}

		return DaemonSpec{value}, nil
	case []any:
		if len(value) == 0 {
			return nil, fmt.Errorf("%w: empty command", ErrMalformedDaemon)
		}

		spec := make(DaemonSpec, 0, len(value))

		for _, token := range value {
			s, ok := scalarString(token)
			if !ok {
				return nil, fmt.Errorf("%w: token %v is not a scalar", ErrMalformedDaemon, token)
			}

			spec = append(spec, s)
		}

		if strings.TrimSpace(spec[0]) == "" {
			return nil, fmt.Errorf("%w: empty executable", ErrMalformedDaemon)
		}

		return spec, nil
	default:
		return nil, fmt.Errorf("%w: unexpected %T", ErrMalformedDaemon, item)
	}
}

// ParseManifest converts the "checkout" value of a desired-state document.
// Malformed entries are skipped and reported in the returned error.
func ParseManifest(raw any) ([]ManifestEntry, error) {
	items, ok := raw.([]any)
	if !ok {
		if raw == nil {
			return nil, nil
		}

		return nil, fmt.Errorf("%w: checkout must be a list, got %T", ErrMalformedEntry, raw)
	}

	var (
		entries = make([]ManifestEntry, 0, len(items))
		errs    []error
	)

	for i, item := range items {
		fields, isMap := item.(map[string]any)
		if !isMap {
			errs = append(errs, fmt.Errorf("entry #%d: %w: unexpected %T", i, ErrMalformedEntry, item))
			continue
		}

		entry := ManifestEntry{
			Filename:       stringField(fields, entryFilename),
			Location:       stringField(fields, entryLocation),
			DownloadURL:    stringField(fields, entryDownload),
			ExpectedDigest: strings.ToLower(stringField(fields, entryDigest)),
		}

		if entry.Location == "" {
			entry.Location = defaultLocation
		}

		switch {
		case entry.Filename == "":
			errs = append(errs, fmt.Errorf("entry #%d: %w: missing %s", i, ErrMalformedEntry, entryFilename))
		case entry.DownloadURL == "":
			errs = append(errs, fmt.Errorf("entry #%d: %w: missing %s", i, ErrMalformedEntry, entryDownload))
		case entry.ExpectedDigest == "":
			errs = append(errs, fmt.Errorf("entry #%d: %w: missing %s", i, ErrMalformedEntry, entryDigest))
		default:
			entries = append(entries, entry)
		}
	}

	return entries, errors.Join(errs...)
}

// ParseEnviron converts the "environ" value of a desired-state document.
// Scalar values are rendered as strings; nested values are skipped.
func ParseEnviron(raw any) EnvironmentOverrides {
	fields, ok := raw.(map[string]any)
	if !ok {
		return EnvironmentOverrides{}
	}

	env := make(EnvironmentOverrides, len(fields))

	for name, value := range fields {
		if name == "" || strings.ContainsRune(name, '=') {
			continue
		}

		if s, isScalar := scalarString(value); isScalar {
			env[name] = s
		}
	}

	return env
}

func stringField(fields map[string]any, key string) string {
	s, _ := scalarString(fields[key])

	return strings.TrimSpace(s)
}

func scalarString(value any) (string, bool) {
	switch v := value.(type) {
	case string:
		return v, true
	case bool:
		return strconv.FormatBool(v), true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case int:
		return strconv.Itoa(v), true
	case int64:
		return strconv.FormatInt(v, 10), true
	default:
		return "", false
	}
}
