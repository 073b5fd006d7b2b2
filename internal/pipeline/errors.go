package pipeline

import (
	"errors"
	"fmt"
	"strings"
)

// NotFoundError is returned when a pipeline name is unknown.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("pipeline %q not found", e.Name)
}

// IsNotFound returns true if err is, or wraps, a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// StageError reports a stage that could not be built.
type StageError struct {
	Pipeline string
	Index    int
	Type     string
	Err      error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("pipeline %s: stage %d (%s): %v", e.Pipeline, e.Index, e.Type, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// CycleError is returned when nested pipelines reference each other.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return "pipeline cycle: " + strings.Join(e.Path, " -> ")
}
