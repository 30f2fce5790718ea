// Package logger provides a small wrapper around zap to offer:
//   - a global sugared logger with a timestamped console encoder,
//   - context helpers (ToContext/FromContext/WithName/WithKV),
//   - level configuration and parsing utilities,
//   - convenience functions (Infof, ErrorKV, etc.).
//
// The agent loops, the supervisor and the hub accept a context and extract
// the logger from it, so every entry carries its component name.
package logger
