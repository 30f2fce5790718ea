// Package updater keeps the artifacts declared in the desired state on disk.
//
// For every manifest entry it compares the local file's SHA-256 digest with
// the expected one, downloads a replacement only on mismatch, re-verifies the
// downloaded bytes and commits them with an atomic write-then-rename. Bytes
// whose digest does not match are never written.
package updater
