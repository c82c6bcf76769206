package errdefs

import "errors"

// Error kinds shared by the registration and heartbeat layers.
// Use errors.Is() to classify an error returned by any component.
var (
	// ErrValidation is returned for missing or malformed credentials. Never retried automatically.
	ErrValidation = errors.New("validation error")

	// ErrTransport is returned when connecting to or sending through the gateway tunnel fails.
	ErrTransport = errors.New("transport error")

	// ErrTimeout is returned when no response arrives within the request window.
	ErrTimeout = errors.New("timeout")

	// ErrRejected is returned when the gateway explicitly refuses a request or the ack is malformed.
	ErrRejected = errors.New("rejected by gateway")

	// ErrPersistence is returned when the local registration record could not be written.
	ErrPersistence = errors.New("persistence error")

	// ErrAlreadyInProgress is returned when a registration attempt is already running.
	ErrAlreadyInProgress = errors.New("registration already in progress")

	// ErrRequestInFlight is returned when a request of the same type is already pending for a target.
	ErrRequestInFlight = errors.New("request already in flight")

	// ErrNotConnected is returned when sending on a tunnel that is not connected.
	ErrNotConnected = errors.New("tunnel not connected")
)

// IsRetryable reports whether err is worth another attempt on the next cycle.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransport) || errors.Is(err, ErrTimeout) || errors.Is(err, ErrNotConnected)
}

// NextSteps returns human-readable suggestions for a registration failure.
func NextSteps(err error) []string {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrValidation):
		return []string{
			"Check that the gateway address, registration code and reward address are set",
			"Re-run registration with the corrected credentials",
		}
	case errors.Is(err, ErrRejected):
		return []string{
			"Confirm the registration code is valid and has not expired",
			"Verify the reward address is accepted by the gateway",
		}
	case errors.Is(err, ErrTimeout):
		return []string{
			"The gateway did not answer in time, registration will be retried automatically",
			"Check gateway load or network latency",
		}
	case errors.Is(err, ErrTransport), errors.Is(err, ErrNotConnected):
		return []string{
			"Verify the gateway address is reachable from this device",
			"Check firewall and proxy settings",
		}
	case errors.Is(err, ErrAlreadyInProgress):
		return []string{"Wait for the running registration attempt to finish"}
	default:
		return []string{"Inspect the agent logs for details"}
	}
}
