package shared

import "errors"

// Error taxonomy for the tracking core. Transient failures are queued or
// fall through to the next tier; conflicts and invalid data always surface
// to the caller.
var (
	// ErrTransient covers timeouts and unreachable providers or stores.
	ErrTransient = errors.New("transient network failure")

	// ErrInvalidTransition is returned for backward or skipped call
	// transitions. The call is left unchanged.
	ErrInvalidTransition = errors.New("invalid call status transition")

	// ErrVehicleClaimed is returned when a dispatch attempt loses the
	// claim race for a vehicle. The loser must re-resolve the nearest
	// vehicle and try again.
	ErrVehicleClaimed = errors.New("vehicle already claimed by another call")

	// ErrDataInvalid covers out-of-range coordinates and malformed
	// provider payloads. The operation that produced them is discarded.
	ErrDataInvalid = errors.New("invalid data")

	// ErrQueueOverflow is raised when the offline queue evicts entries.
	ErrQueueOverflow = errors.New("offline queue full")

	// ErrNoVehicleAvailable is returned when dispatch cannot find any
	// live vehicle to assign.
	ErrNoVehicleAvailable = errors.New("no live vehicle available")

	ErrNotFound = errors.New("not found")
)
