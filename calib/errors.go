package calib

import (
	"fmt"
	"sort"
	"strings"
)

// ValidationError reports a structural problem with calibration inputs. It is
// raised before any numeric work is queued.
type ValidationError struct {
	Field  string
	Reason string
}

func newValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// OperationFailure reports a queued numeric operation that did not succeed.
// The batch it belonged to was aborted.
type OperationFailure struct {
	Operation string
	Message   string
	Args      map[string]any
	Err       error
}

func (e *OperationFailure) Error() string {
	return fmt.Sprintf("operation %s failed (%s) with args {%s}: %v",
		e.Operation, e.Message, formatArgs(e.Args), e.Err)
}

func (e *OperationFailure) Unwrap() error {
	return e.Err
}

// formatArgs renders operation arguments in stable key order.
func formatArgs(args map[string]any) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, args[k]))
	}
	return strings.Join(parts, ", ")
}

// ConvergenceWarning is a non-fatal stop: the median offset did not decrease.
type ConvergenceWarning struct {
	Iteration int
	Previous  float64
	Current   float64
}

func (w *ConvergenceWarning) Error() string {
	return fmt.Sprintf("offsets failed to converge monotonically at iteration %d (median %.4f >= previous %.4f)",
		w.Iteration, w.Current, w.Previous)
}

// IterationCapWarning is a non-fatal stop: the iteration cap was reached first.
type IterationCapWarning struct {
	MaxIterations int
	LastMedian    float64
	Threshold     float64
}

func (w *IterationCapWarning) Error() string {
	return fmt.Sprintf("reached max iterations (%d) without converging (median %.4f > threshold %.4f)",
		w.MaxIterations, w.LastMedian, w.Threshold)
}
