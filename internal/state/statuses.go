package state

type JobStatus string

const (
	StatusNew        JobStatus = "new"
	StatusRunning    JobStatus = "running"
	StatusSucceeded  JobStatus = "succeeded"
	StatusFailed     JobStatus = "failed"
	StatusDeadletter JobStatus = "deadletter"
)

func (s JobStatus) String() string {
	return string(s)
}

// Terminal statuses are retained for audit and never transition again.
func (s JobStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusDeadletter
}

var AllStatuses = []JobStatus{
	StatusNew,
	StatusRunning,
	StatusSucceeded,
	StatusFailed,
	StatusDeadletter,
}

type Transition struct {
	From JobStatus
	To   JobStatus
}

// ValidTransitions encodes the job lifecycle. FAILED is transient: a failure
// report resolves in the same statement to NEW (with backoff) or DEADLETTER,
// so no row is ever left standing in FAILED.
var ValidTransitions = []Transition{
	{From: StatusNew, To: StatusRunning},
	{From: StatusRunning, To: StatusSucceeded},
	{From: StatusRunning, To: StatusFailed},
	{From: StatusRunning, To: StatusDeadletter},
	{From: StatusFailed, To: StatusNew},
	{From: StatusFailed, To: StatusDeadletter},
}

func IsValidTransition(from, to JobStatus) bool {
	for _, t := range ValidTransitions {
		if t.From == from && t.To == to {
			return true
		}
	}
	return false
}

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

func (s RunStatus) String() string {
	return string(s)
}
