package pipeline

import (
	"errors"
	"fmt"
)

// ErrDeployInFlight is returned when a deployment is already running for the
// same project.
var ErrDeployInFlight = errors.New("deployment already in flight for project")

// StepError tags a pipeline failure with the step that produced it.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

func stepErr(step string, err error) *StepError {
	return &StepError{Step: step, Err: err}
}
