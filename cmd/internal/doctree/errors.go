package doctree

import "fmt"

// StructuralError reports a malformed or inapplicable step. A batch that
// fails with a StructuralError leaves the document unchanged.
type StructuralError struct {
	// Step is the index of the failing step within its batch.
	Step   int
	Reason string
}

func (e *StructuralError) Error() string {
	return fmt.Sprintf("doctree: step %d: %s", e.Step, e.Reason)
}

func structural(format string, args ...any) *StructuralError {
	return &StructuralError{Reason: fmt.Sprintf(format, args...)}
}
