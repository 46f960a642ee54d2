package app

// StopReason is logged when the app shuts down.
type StopReason string

const (
	StopExitRequested StopReason = "exit_requested"
	StopContextDone   StopReason = "context_done"
	StopFatalError    StopReason = "fatal_error"
)
