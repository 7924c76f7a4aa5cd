package config

import "fmt"

// Error reports an unknown configuration key or an impossible value
// combination.
type Error struct {
	Key    string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Key, e.Reason)
}
