package orchestrator

import (
	"errors"
	"fmt"
)

var (
	// ErrConfig marks a plan that cannot be run. It is reported before
	// any network activity.
	ErrConfig = errors.New("invalid run configuration")

	// ErrTimeout is returned when one of the run's bounded waits expires.
	ErrTimeout = errors.New("timed out")

	// ErrProbe is returned when the endpoint answers a probe differently
	// than expected.
	ErrProbe = errors.New("probe expectation not met")
)

// Phase names a step of the run.
type Phase string

const (
	PhaseConfig    Phase = "config"
	PhaseBootstrap Phase = "bootstrap"
	PhaseConnect   Phase = "connect"
	PhaseProbe     Phase = "probe"
	PhaseProgram   Phase = "program"
	PhaseData      Phase = "data"
	PhaseResult    Phase = "result"
	PhaseShutdown  Phase = "shutdown"
)

// rank orders phases for stable trace output.
func (p Phase) rank() int {
	switch p {
	case PhaseConfig:
		return 0
	case PhaseBootstrap:
		return 1
	case PhaseConnect:
		return 2
	case PhaseProbe:
		return 3
	case PhaseProgram:
		return 4
	case PhaseData:
		return 5
	case PhaseResult:
		return 6
	case PhaseShutdown:
		return 7
	}
	return 8
}

// PhaseError identifies the participant and phase of the first failure
// of a run.
type PhaseError struct {
	Participant string
	Phase       Phase
	Err         error
}

func (e *PhaseError) Error() string {
	if e.Participant == "" {
		return fmt.Sprintf("%s phase failed: %v", e.Phase, e.Err)
	}
	return fmt.Sprintf("%s phase failed for %q: %v", e.Phase, e.Participant, e.Err)
}

func (e *PhaseError) Unwrap() error {
	return e.Err
}

// AsPhaseError extracts a *PhaseError from err.
func AsPhaseError(err error) (*PhaseError, bool) {
	var pe *PhaseError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

func configError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfig, fmt.Sprintf(format, args...))
}
