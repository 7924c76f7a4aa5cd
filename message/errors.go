package message

import "fmt"

// Error reports a malformed envelope on decode, or an invalid field on
// construction. It wraps the offending input so callers (and log lines)
// can see exactly what failed to parse.
type Error struct {
	Reason string
	Input  string
}

func (e *Error) Error() string {
	if e.Input == "" {
		return fmt.Sprintf("message: %s", e.Reason)
	}
	return fmt.Sprintf("message: %s: %q", e.Reason, e.Input)
}

func newError(reason, input string) *Error {
	return &Error{Reason: reason, Input: input}
}
