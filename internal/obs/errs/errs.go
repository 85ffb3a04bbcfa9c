// Package errs defines the error taxonomy from the Talos error handling
// design (spec.md §7): a small set of sentinel errors that components wrap
// with fmt.Errorf and callers inspect with errors.Is/errors.As.
package errs

import "errors"

var (
	// ErrTransientBus marks a Modbus timeout, CRC failure, or disconnect.
	// Counts toward device health failure; the affected pin reads as the
	// sentinel value.
	ErrTransientBus = errors.New("transient bus error")

	// ErrDecode marks a malformed register response that could not be
	// decoded into a pin value.
	ErrDecode = errors.New("decode error")

	// ErrConstraintViolation marks a control write rejected by constraint
	// policy; see ConstraintPolicy.Allow.
	ErrConstraintViolation = errors.New("constraint violation")

	// ErrConfigValidation marks an invalid composite node, policy, or
	// priority conflict discovered at config load time. The offending
	// rule is skipped, not fatal.
	ErrConfigValidation = errors.New("config validation error")

	// ErrNetwork marks an upstream HTTP POST failure; the payload stays
	// in the outbox for the resend worker.
	ErrNetwork = errors.New("network error")

	// ErrStorage marks a snapshot store insert/query failure. Logged and
	// absorbed; never drops the upstream pipeline.
	ErrStorage = errors.New("storage error")

	// ErrFatalInit marks an unparsable config or missing driver file.
	// Propagates to startup and aborts the process.
	ErrFatalInit = errors.New("fatal init error")

	// ErrDeviceOffline marks a device currently in health cooldown.
	ErrDeviceOffline = errors.New("device offline")

	// ErrDeviceNotFound marks a control action whose target device does
	// not exist in the device manager.
	ErrDeviceNotFound = errors.New("device not found")
)
