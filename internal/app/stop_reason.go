package app

// StopReason is logged and announced when the app shuts down.
type StopReason string

const (
	StopUnknown       StopReason = "unknown"
	StopSignal        StopReason = "signal"
	StopFatalError    StopReason = "fatal_error"
	StopConsoleClosed StopReason = "console_closed"
)
