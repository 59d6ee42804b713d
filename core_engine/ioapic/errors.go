package ioapic

import "fmt"

// Error kinds surfaced at MSI-injection time. A malformed RTE is a guest
// programming error, not a host fault; callers are expected to log these
// rather than crash the VMM.
var (
	ErrInvalidDestinationMode = fmt.Errorf("ioapic: invalid destination mode")
	ErrInvalidTriggerMode     = fmt.Errorf("ioapic: invalid trigger mode")
	ErrInvalidDeliveryMode    = fmt.Errorf("ioapic: invalid delivery mode")
)

// InterruptFailedError wraps an OS-level failure from the KVF's MSI
// injection primitive.
type InterruptFailedError struct {
	Err error
}

func (e *InterruptFailedError) Error() string {
	return fmt.Sprintf("ioapic: MSI injection failed: %v", e.Err)
}

func (e *InterruptFailedError) Unwrap() error { return e.Err }
