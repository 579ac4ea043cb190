package storage

// Package storage persists the registry's append-only execution and
// error logs.
//
// It currently supports:
//   - Execution log appends (one line per command invocation)
//   - Error log appends (component failures)
//   - Tail reads for the operator log endpoint
