package broadcast

// State is a per-account position in one broadcast.
type State int

const (
	StatePending State = iota
	StateTokenResolved
	StateRemoteCallIssued
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateTokenResolved:
		return "TOKEN_RESOLVED"
	case StateRemoteCallIssued:
		return "REMOTE_CALL_ISSUED"
	case StateSucceeded:
		return "SUCCEEDED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// outcome is the terminal record of one account's path.
type outcome struct {
	account   string
	display   string
	state     State
	reason    Reason
	detail    string
	retryable bool
}

// label is the metric value for the terminal state.
func (o outcome) label() string {
	if o.state == StateSucceeded {
		return "succeeded"
	}
	return "failed"
}

func succeeded(account, display string) outcome {
	return outcome{account: account, display: display, state: StateSucceeded}
}

func failed(account, display string, reason Reason, detail string) outcome {
	return outcome{account: account, display: display, state: StateFailed, reason: reason, detail: detail}
}
