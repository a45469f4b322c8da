package types

import "time"

// ActionRequest asks for one semantic action on one device
type ActionRequest struct {
	Action   string            `json:"action"`
	Params   map[string]string `json:"params,omitempty"`
	DeviceID string            `json:"deviceId"`
}

// Param returns the named parameter or "" when absent
func (r ActionRequest) Param(name string) string {
	if r.Params == nil {
		return ""
	}
	return r.Params[name]
}

// CandidateKind distinguishes plain shell commands from compiled UI automation
type CandidateKind string

const (
	KindShell CandidateKind = "shell"
	KindUI    CandidateKind = "ui"
)

// Verification is a rendered read-back check attached to a candidate.
// Exactly one of Command or Property is set.
type Verification struct {
	Command       string        `json:"command,omitempty"`
	Property      string        `json:"property,omitempty"`
	Expect        string        `json:"expect"`
	CaptureBefore bool          `json:"captureBefore,omitempty"`
	Settle        time.Duration `json:"settle,omitempty"`
}

// CommandCandidate is a single concrete operation ready to run
type CommandCandidate struct {
	ID          string            `json:"id"`
	Kind        CandidateKind     `json:"kind"`
	Command     string            `json:"command"`
	Package     string            `json:"package,omitempty"`
	Rank        int               `json:"rank"`
	Description string            `json:"description,omitempty"`
	Verify      *Verification     `json:"verify,omitempty"`
	Params      map[string]string `json:"-"`
}

// FallbackChain is the ordered list of candidates for one request.
// It is recomputed for every resolution and never stored.
type FallbackChain struct {
	Action     string             `json:"action"`
	Category   string             `json:"category"`
	DeviceID   string             `json:"deviceId"`
	Candidates []CommandCandidate `json:"candidates"`
}

// Len returns the number of candidates
func (c FallbackChain) Len() int { return len(c.Candidates) }

// AttemptStatus is the outcome of a single candidate
type AttemptStatus string

const (
	AttemptSucceeded AttemptStatus = "succeeded"
	AttemptFailed    AttemptStatus = "failed"
	// AttemptAmbiguous means the command ran cleanly but nothing could confirm its effect
	AttemptAmbiguous AttemptStatus = "ambiguous"
)

// Attempt is one entry of the execution trace
type Attempt struct {
	Index       int           `json:"index"`
	CandidateID string        `json:"candidateId"`
	Command     string        `json:"command"`
	Status      AttemptStatus `json:"status"`
	Output      string        `json:"output,omitempty"`
	Reason      string        `json:"reason,omitempty"`
	Elapsed     time.Duration `json:"elapsed"`
}

// ExecutionStatus is the overall outcome of a chain
type ExecutionStatus string

const (
	StatusSucceeded    ExecutionStatus = "succeeded"
	StatusAmbiguous    ExecutionStatus = "ambiguous"
	StatusExhausted    ExecutionStatus = "exhausted"
	StatusCancelled    ExecutionStatus = "cancelled"
	StatusUnreachable  ExecutionStatus = "unreachable"
	StatusUnauthorized ExecutionStatus = "unauthorized"
)

// ExecutionResult is what callers get back from performing an action
type ExecutionResult struct {
	ID             string          `json:"id"`
	DeviceID       string          `json:"deviceId"`
	Action         string          `json:"action"`
	Category       string          `json:"category"`
	Status         ExecutionStatus `json:"status"`
	CandidateIndex int             `json:"candidateIndex"`
	CandidateID    string          `json:"candidateId,omitempty"`
	Output         string          `json:"output,omitempty"`
	Attempts       []Attempt       `json:"attempts"`
	Elapsed        time.Duration   `json:"elapsed"`
	Score          float64         `json:"score"`
	StartedAt      time.Time       `json:"startedAt"`
}

// Succeeded reports whether some candidate was accepted
func (r ExecutionResult) Succeeded() bool {
	return r.Status == StatusSucceeded || r.Status == StatusAmbiguous
}
