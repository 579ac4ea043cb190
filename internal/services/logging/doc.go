package logging

// Package logging configures the daemon's structured logging.
//
// The package builds slog handlers based on configuration and can emit
// logs to multiple sinks:
//   - Console (human-friendly pretty output)
//   - File (JSON lines)
//   - Recovery-log mirror (warnings and errors, rate limited)
//
// The mirror exists so that the append-only recovery log captures the
// failures that led up to a repair without a second logging path in
// every component. It is wired to a sink function by the recovery
// orchestrator and stays silent until then.
