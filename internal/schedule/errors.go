package schedule

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedExpression marks a recurrence expression that does not
	// match the grammar. Rejected at parse time, never stored.
	ErrMalformedExpression = errors.New("malformed schedule expression")

	// ErrCorruptRecord marks a persisted record missing required fields.
	// Callers loading many records should skip the broken one and continue.
	ErrCorruptRecord = errors.New("corrupt schedule record")
)

// Malformed wraps a parse failure with the offending expression.
func Malformed(expr, reason string) error {
	return fmt.Errorf("%w: %q: %s", ErrMalformedExpression, expr, reason)
}

// Corrupt wraps a load failure with the missing or invalid field.
func Corrupt(field, reason string) error {
	return fmt.Errorf("%w: field %q: %s", ErrCorruptRecord, field, reason)
}
