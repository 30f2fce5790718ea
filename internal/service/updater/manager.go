package updater

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	goupdate "github.com/doitdistributed/go-update"

	"github.com/oshokin/twin-agent/internal/domain/device"
	"github.com/oshokin/twin-agent/internal/logger"
	"github.com/oshokin/twin-agent/internal/metrics"
)

var (
	// ErrConnectionRequired is returned by Apply when the remote session is down.
	ErrConnectionRequired = errors.New("remote session required")
	// ErrArtifactAbsent marks a download source that does not exist.
	ErrArtifactAbsent = errors.New("artifact not found")
	// ErrArtifactTransport marks a failed download.
	ErrArtifactTransport = errors.New("artifact transport failed")
	// ErrDigestMismatch marks downloaded bytes that do not hash to the expected digest.
	ErrDigestMismatch = errors.New("artifact digest mismatch")

	errDigestLength      = errors.New("unexpected digest length")
	errUnsupportedScheme = errors.New("unsupported url scheme")
	errBadHTTPStatus     = errors.New("unexpected http status")
	errArtifactTooLarge  = errors.New("artifact exceeds size limit")
)

const (
	// DefaultFileMode is applied to artifacts created from scratch.
	DefaultFileMode os.FileMode = 0o755

	// defaultDirMode is applied to missing artifact directories.
	defaultDirMode os.FileMode = 0o755
)

// Outcome classifies what happened to one manifest entry.
type Outcome string

// Outcomes of a single entry.
const (
	OutcomeUpToDate       Outcome = "up-to-date"
	OutcomeUpdated        Outcome = "updated"
	OutcomeAbsent         Outcome = "absent"
	OutcomeTransportError Outcome = "transport-error"
	OutcomeDigestMismatch Outcome = "digest-mismatch"
	OutcomeWriteError     Outcome = "write-error"
	OutcomeInvalid        Outcome = "invalid"
)

// Result is the outcome of one manifest entry in an update pass.
type Result struct {
	// Entry is the manifest entry that was processed.
	Entry device.ManifestEntry
	// Path is the absolute artifact path.
	Path string
	// Outcome classifies the result.
	Outcome Outcome
	// Err holds the failure, if any.
	Err error
}

// ConnectionChecker reports whether the remote session is up.
type ConnectionChecker interface {
	IsConnected() bool
}

// Manager runs update passes over manifest entries.
type Manager struct {
	// conn gates Apply on an active remote session.
	conn ConnectionChecker
	// fetcher downloads replacement content.
	fetcher Fetcher
	// metrics counts outcomes; may be nil.
	metrics *metrics.Recorder
	// fileMode is used for artifacts that don't exist yet.
	fileMode os.FileMode

	// mu serialises passes and guards last.
	mu sync.Mutex
	// last holds the results of the latest pass.
	last []Result
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithMetrics records outcomes on r.
func WithMetrics(r *metrics.Recorder) ManagerOption {
	return func(m *Manager) {
		m.metrics = r
	}
}

// WithFileMode sets the mode of newly created artifacts.
func WithFileMode(mode os.FileMode) ManagerOption {
	return func(m *Manager) {
		if mode != 0 {
			m.fileMode = mode
		}
	}
}

// NewManager creates a Manager.
func NewManager(conn ConnectionChecker, fetcher Fetcher, opts ...ManagerOption) *Manager {
	m := &Manager{
		conn:     conn,
		fetcher:  fetcher,
		fileMode: DefaultFileMode,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Apply brings every entry to its expected digest. Per-entry failures are
// reported in the results and never abort the pass.
func (m *Manager) Apply(ctx context.Context, entries []device.ManifestEntry) ([]Result, error) {
	if m.conn == nil || !m.conn.IsConnected() {
		return nil, ErrConnectionRequired
	}

	ctx = logger.WithName(ctx, "updater")

	m.mu.Lock()
	defer m.mu.Unlock()

	results := make([]Result, 0, len(entries))

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		result := m.applyEntry(ctx, entry)
		m.logResult(ctx, result)
		m.metrics.IncArtifact(string(result.Outcome))

		results = append(results, result)
	}

	m.last = results

	return results, nil
}

// Report renders the latest pass for the reported-state snapshot.
func (m *Manager) Report() []any {
	m.mu.Lock()
	defer m.mu.Unlock()

	report := make([]any, 0, len(m.last))

	for _, result := range m.last {
		item := map[string]any{
			"filename": result.Entry.Filename,
			"location": result.Entry.Location,
			"outcome":  string(result.Outcome),
		}

		if result.Err != nil {
			item["error"] = result.Err.Error()
		}

		report = append(report, item)
	}

	return report
}

func (m *Manager) applyEntry(ctx context.Context, entry device.ManifestEntry) Result {
	result := Result{Entry: entry}

	path, err := entry.Path()
	if err != nil {
		result.Outcome, result.Err = OutcomeInvalid, err
		return result
	}

	result.Path = path

	checksum, err := DecodeDigest(entry.ExpectedDigest)
	if err != nil {
		result.Outcome, result.Err = OutcomeInvalid, err
		return result
	}

	if m.isUpToDate(ctx, path, entry.ExpectedDigest) {
		result.Outcome = OutcomeUpToDate
		return result
	}

	logger.InfoKV(ctx, "Downloading artifact", "url", entry.DownloadURL, "path", path)

	data, err := m.fetcher.Fetch(ctx, entry.DownloadURL)
	switch {
	case errors.Is(err, ErrArtifactAbsent):
		result.Outcome, result.Err = OutcomeAbsent, err
		return result
	case err != nil:
		result.Outcome, result.Err = OutcomeTransportError, err
		return result
	}

	if !Matches(data, entry.ExpectedDigest) {
		result.Outcome = OutcomeDigestMismatch
		result.Err = fmt.Errorf("%w: expected %s, got %s", ErrDigestMismatch, entry.ExpectedDigest, Sum(data))

		return result
	}

	if err = m.commit(path, data, checksum); err != nil {
		result.Outcome, result.Err = OutcomeWriteError, err
		return result
	}

	result.Outcome = OutcomeUpdated

	return result
}

// isUpToDate reports whether the file at path already hashes to expected.
// A missing or unreadable file is never up to date.
func (m *Manager) isUpToDate(ctx context.Context, path, expected string) bool {
	contents, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.WarnKV(ctx, "Unable to read local artifact", "path", path, "error", err)
		}

		return false
	}

	return Matches(contents, expected)
}

// commit atomically replaces path with data. Existing files are swapped by
// go-update, which re-checks the checksum before renaming; new files are
// written to a temporary sibling and renamed into place.
func (m *Manager) commit(path string, data, checksum []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), defaultDirMode); err != nil {
		return fmt.Errorf("create artifact directory: %w", err)
	}

	info, err := os.Stat(path)

	switch {
	case err == nil:
		options := goupdate.Options{
			TargetPath: path,
			TargetMode: info.Mode().Perm(),
			Checksum:   checksum,
			Hash:       DigestFunction,
		}

		if err = goupdate.Apply(bytes.NewReader(data), options); err != nil {
			return fmt.Errorf("apply artifact: %w", err)
		}

		return nil
	case errors.Is(err, os.ErrNotExist):
		return writeNew(path, data, m.fileMode)
	default:
		return fmt.Errorf("stat artifact: %w", err)
	}
}

func writeNew(path string, data []byte, mode os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".new-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	tmpPath := tmp.Name()

	_, writeErr := tmp.Write(data)
	if writeErr == nil {
		writeErr = tmp.Sync()
	}

	closeErr := tmp.Close()

	if err = errors.Join(writeErr, closeErr); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}

	if err = os.Chmod(tmpPath, mode); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("chmod temp file: %w", err)
	}

	if err = os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}

	return nil
}

func (m *Manager) logResult(ctx context.Context, result Result) {
	kvs := []any{
		"file", result.Entry.Filename,
		"location", result.Entry.Location,
		"outcome", result.Outcome,
	}

	switch result.Outcome {
	case OutcomeUpToDate:
		logger.DebugKV(ctx, "Skipping artifact, digest matches", kvs...)
	case OutcomeUpdated:
		logger.InfoKV(ctx, "Artifact updated", kvs...)
	default:
		logger.WarnKV(ctx, "Artifact not updated, will retry on next pass", append(kvs, "error", result.Err)...)
	}
}
