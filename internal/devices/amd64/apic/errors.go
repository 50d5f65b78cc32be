package apic

import "errors"

var (
	// ErrInvalidVector is returned when a reserved vector (0..15) is
	// raised through the internal or external delivery paths.
	ErrInvalidVector = errors.New("vector is reserved")

	// ErrDisabledAPIC is returned for register accesses while the
	// enable bit in the base-address MSR is clear.
	ErrDisabledAPIC = errors.New("APIC is disabled")

	// ErrReadOnly is returned for guest writes to read-only registers.
	ErrReadOnly = errors.New("register is read-only")

	// ErrUnhandled is returned for accesses to unknown register offsets.
	ErrUnhandled = errors.New("unhandled register offset")

	// ErrInvalidLength is returned for non-4-byte writes and for reads
	// that cross a 32-bit subword.
	ErrInvalidLength = errors.New("invalid access length")

	// ErrNoSuchDestination is returned when a physical-mode IPI names
	// an identity no LAPIC carries.
	ErrNoSuchDestination = errors.New("no such destination")

	// ErrBadDestinationFormat is returned when the destination format
	// model is neither flat nor cluster.
	ErrBadDestinationFormat = errors.New("bad destination format model")

	// ErrUnsupportedDeliveryMode is returned for SMI, NMI and reserved
	// delivery modes.
	ErrUnsupportedDeliveryMode = errors.New("unsupported delivery mode")

	// ErrStateMismatch names an INIT or Startup IPI that arrives while
	// the target is not in the expected handshake state. Routing logs
	// such an IPI and drops it; it does not return this error.
	ErrStateMismatch = errors.New("boot handshake state mismatch")
)
