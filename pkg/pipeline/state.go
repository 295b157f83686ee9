package pipeline

// State is the per-target job state. Transitions are forward-only; a job
// that reached a terminal state never changes again.
type State int

const (
	// StatePendingDownload is the initial state of every planned job.
	StatePendingDownload State = iota
	// StateDownloading means the download goroutine is running.
	StateDownloading
	// StateDownloaded means a verified artifact is on disk.
	StateDownloaded
	// StateWaitingForDependencies parks a downloaded job until every
	// dependency has succeeded.
	StateWaitingForDependencies
	// StateDispatched means the job is queued for a worker.
	StateDispatched
	// StateInstalling means a worker has picked the job up.
	StateInstalling
	// StateSucceeded is terminal success.
	StateSucceeded
	// StateFailed is terminal failure, including failures propagated from
	// a dependency.
	StateFailed
)

// String returns the state name for logs and traces.
func (s State) String() string {
	switch s {
	case StatePendingDownload:
		return "pending_download"
	case StateDownloading:
		return "downloading"
	case StateDownloaded:
		return "downloaded"
	case StateWaitingForDependencies:
		return "waiting_for_dependencies"
	case StateDispatched:
		return "dispatched"
	case StateInstalling:
		return "installing"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}
