package opt

import "fmt"

// ErrAllFailed matches any AllFailedError via errors.Is.
var ErrAllFailed = &AllFailedError{}

// AllFailedError reports that no evaluation in a baseline or batch produced a
// usable objective value.
type AllFailedError struct {
	Optimizer string
	Stage     string // "baseline" or "batch"
	Step      int
	Failures  int
	Attempts  int
}

func (e *AllFailedError) Error() string {
	msg := "all simulations failed"
	if e.Optimizer != "" {
		msg = e.Optimizer + ": " + msg
	}
	switch e.Stage {
	case "baseline":
		msg += " at the initial parameters"
	case "batch":
		msg += fmt.Sprintf(" in step %d (%d failed)", e.Step, e.Failures)
	}
	if e.Attempts > 1 {
		msg += fmt.Sprintf(" after %d attempts", e.Attempts)
	}
	return msg
}

func (e *AllFailedError) Is(target error) bool {
	_, ok := target.(*AllFailedError)
	return ok
}
