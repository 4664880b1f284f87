package retry

import (
	"fmt"
	"strings"
)

// MultiError collects the error of every failed attempt, oldest first
type MultiError struct {
	Errors   []error
	Attempts int
}

func (e *MultiError) Error() string {
	if last := e.LastError(); last != nil {
		return last.Error()
	}
	return "retry failed without error"
}

// Unwrap lets errors.Is / errors.As see every attempt
func (e *MultiError) Unwrap() []error {
	return e.Errors
}

// LastError error of the final attempt
func (e *MultiError) LastError() error {
	if len(e.Errors) == 0 {
		return nil
	}
	return e.Errors[len(e.Errors)-1]
}

// AllErrors one line per attempt, for logs
func (e *MultiError) AllErrors() string {
	lines := make([]string, 0, len(e.Errors)+1)
	lines = append(lines, fmt.Sprintf("retry failed after %d attempts:", e.Attempts))
	for i, err := range e.Errors {
		lines = append(lines, fmt.Sprintf("  attempt %d: %v", i+1, err))
	}
	return strings.Join(lines, "\n")
}
