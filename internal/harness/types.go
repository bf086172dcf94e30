package harness

import "github.com/roach88/conclave/internal/orchestrator"

// TraceEvent is one request decision from the endpoint's audit log.
type TraceEvent struct {
	Seq      int64  `json:"seq"`
	Identity string `json:"identity"`
	Op       string `json:"op"`
	Slot     *int   `json:"slot,omitempty"`
	Outcome  string `json:"outcome"`
	Code     string `json:"code,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when the run matched the expect clause and every
	// assertion held.
	Pass bool `json:"pass"`

	RunID string `json:"run_id"`

	// Trace is the endpoint's audit log in seq order.
	Trace []TraceEvent `json:"trace"`

	// Events are the orchestrator's step outcomes in finishing order.
	Events []orchestrator.Event `json:"events"`

	// Results holds each retriever's decoded result.
	Results map[string]any `json:"results,omitempty"`

	// RunError is the run's error, if it failed.
	RunError string `json:"run_error,omitempty"`

	// Errors contains expectation and assertion failures.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:    true,
		Trace:   []TraceEvent{},
		Results: make(map[string]any),
		Errors:  []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
