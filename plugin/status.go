package plugin

// Status is the lifecycle state of an execution, and of an automation as a
// projection of its latest execution.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusScheduled Status = "scheduled"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
	StatusStopped   Status = "stopped"
)

// IsTerminal reports whether no further transition can leave s
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusError, StatusStopped:
		return true
	}
	return false
}

// IsLive reports whether s occupies the single-flight slot
func (s Status) IsLive() bool {
	return s == StatusRunning || s == StatusPaused
}

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case StatusIdle, StatusScheduled, StatusRunning, StatusPaused, StatusCompleted, StatusError, StatusStopped:
		return true
	}
	return false
}
