package query

import (
	"errors"
	"fmt"
)

var (
	ErrNotMatched      = errors.New("contact was not matched to this query")
	ErrAlreadyTerminal = errors.New("query already reached a terminal status")
	ErrAnswerNotReady  = errors.New("answer not compiled yet")
	ErrNotSettleable   = errors.New("query has no answer to settle")
	ErrEngineStopped   = errors.New("query engine stopped")
)

// ErrInsufficientContributions is logged when a window closes with no
// on-time contribution; the query fails with that reason.
var ErrInsufficientContributions = errors.New("no contributions received before the deadline")

// ValidationError reports a rejected request field. Nothing is persisted
// when a request fails validation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
