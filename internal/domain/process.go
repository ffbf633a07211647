package domain

// ProcessState is the supervisor-owned lifecycle state of the runtime process.
type ProcessState string

const (
	ProcessRunning      ProcessState = "running"
	ProcessShuttingDown ProcessState = "shutting_down"
	ProcessStopped      ProcessState = "stopped"
)
