package models

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by every planning stage. Wrap with fmt.Errorf and %w
// so callers can classify with errors.Is.
var (
	// ErrInput reports malformed or insufficient landmarks, mismatched
	// correspondence counts or invalid parameters.
	ErrInput = errors.New("invalid input")

	// ErrDegenerate reports collinear points, zero-length vectors and other
	// geometry that cannot define a plane, axis or frame.
	ErrDegenerate = errors.New("degenerate geometry")

	// ErrIO reports a missing or unreadable mesh, model or catalog file.
	ErrIO = errors.New("io failure")
)

// ConvergenceWarning describes an optimizer run that stopped before reaching
// its tolerance. It is informational: the best estimate is still returned.
type ConvergenceWarning struct {
	Status      string
	Evaluations int
	Residual    float64
}

func (w *ConvergenceWarning) Error() string {
	return fmt.Sprintf("optimizer stopped with status %s after %d evaluations (residual %.4f)",
		w.Status, w.Evaluations, w.Residual)
}
