package hv

import (
	"context"
	"errors"
)

var (
	ErrVMHalted = errors.New("virtual machine halted")
)

type CpuArchitecture string

const (
	ArchitectureInvalid CpuArchitecture = "invalid"
	ArchitectureX86_64  CpuArchitecture = "x86_64"
)

// RunState tracks whether a virtual CPU is executing guest code or
// parked waiting for the boot handshake to release it.
type RunState int

const (
	RunStateStopped RunState = iota
	RunStateRunning
)

func (s RunState) String() string {
	switch s {
	case RunStateStopped:
		return "stopped"
	case RunStateRunning:
		return "running"
	default:
		return "invalid"
	}
}

// VirtualCPU is the contract a host vCPU exposes to device models.
//
// Devices hold non-owning references: a vCPU always outlives the
// devices attached to its virtual machine.
type VirtualCPU interface {
	VirtualMachine() VirtualMachine
	ID() int

	// ThreadID returns the host thread the vCPU run loop is pinned to,
	// or 0 if the loop has not started yet.
	ThreadID() int

	RunState() RunState
	SetRunState(state RunState)

	// ResetToStartupVector rewinds the vCPU to the real-mode entry
	// point selected by a Startup IPI vector (CS = vector << 8, IP = 0).
	// Implementations acquire whatever VM-wide barrier they need; the
	// caller holds no device locks across this call.
	ResetToStartupVector(vector uint8) error

	// Kick forces the vCPU out of guest execution so it re-evaluates
	// its pending-interrupt predicate. Fire-and-forget.
	Kick() error

	Run(ctx context.Context) error
}

// VirtualMachine is the slice of the host VM that device models see.
type VirtualMachine interface {
	CPUCount() int
	VirtualCPU(id int) VirtualCPU
}

// ExitContext carries per-exit information into device handlers. The
// accessing vCPU decides which per-CPU register bank an MMIO access
// lands on.
type ExitContext interface {
	VCPU() VirtualCPU
}

type exitContext struct {
	vcpu VirtualCPU
}

func (c *exitContext) VCPU() VirtualCPU { return c.vcpu }

// NewExitContext wraps a vCPU into an ExitContext for dispatch.
func NewExitContext(vcpu VirtualCPU) ExitContext {
	return &exitContext{vcpu: vcpu}
}

type Device interface {
	Init(vm VirtualMachine) error
}

type MMIORegion struct {
	Address uint64
	Size    uint64
}

func (r MMIORegion) Contains(addr, size uint64) bool {
	end := addr + size
	if end < addr {
		return false
	}
	return addr >= r.Address && end <= r.Address+r.Size
}

// DeviceSnapshot is an opaque, gob-encodable device state blob.
type DeviceSnapshot any

// DeviceSnapshotter is implemented by devices that participate in VM
// checkpointing. Snapshots are taken with all vCPUs paused.
type DeviceSnapshotter interface {
	DeviceId() string
	CaptureSnapshot() (DeviceSnapshot, error)
	RestoreSnapshot(snap DeviceSnapshot) error
}
