package addressreceiver

import "fmt"

// AddressNotFoundError reports that a requested service currently has zero
// live addresses (spec.md §7).
type AddressNotFoundError struct {
	Service string
}

func (e *AddressNotFoundError) Error() string {
	return fmt.Sprintf("addressreceiver: no live address for service %q", e.Service)
}
