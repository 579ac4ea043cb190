package core

// StopReason tags shutdown log lines with what initiated the stop.
type StopReason string

const (
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
)
