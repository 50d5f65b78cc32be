package apic

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/lapic/internal/hv"
)

// LocalInterrupt names the six interrupt sources internal to a LAPIC.
type LocalInterrupt int

const (
	LocalTimer LocalInterrupt = iota
	LocalThermal
	LocalPerf
	LocalLINT0
	LocalLINT1
	LocalError
)

func (s LocalInterrupt) String() string {
	switch s {
	case LocalTimer:
		return "timer"
	case LocalThermal:
		return "thermal"
	case LocalPerf:
		return "perf"
	case LocalLINT0:
		return "LINT0"
	case LocalLINT1:
		return "LINT1"
	case LocalError:
		return "error"
	default:
		return "invalid"
	}
}

// RaiseLocalInterrupt activates one of the LAPIC-internal sources on
// the given vCPU's LAPIC through its local vector table entry.
func (d *Device) RaiseLocalInterrupt(cpu int, source LocalInterrupt) error {
	apic, err := d.apicForCPU(cpu)
	if err != nil {
		return err
	}
	return d.raiseLocal(apic, source)
}

func (d *Device) raiseLocal(apic *lapic, source LocalInterrupt) error {
	var (
		vector uint8
		mode   uint8
		masked bool
	)

	switch source {
	case LocalTimer:
		// The timer always delivers fixed, whatever its LVT mode bits say.
		vector = apic.lvtTimer.vector()
		mode = DeliveryFixed
		masked = apic.lvtTimer.masked()
	case LocalThermal:
		vector = apic.lvtThermal.vector()
		mode = apic.lvtThermal.deliveryMode()
		masked = apic.lvtThermal.masked()
	case LocalPerf:
		vector = apic.lvtPerf.vector()
		mode = apic.lvtPerf.deliveryMode()
		masked = apic.lvtPerf.masked()
	case LocalLINT0:
		vector = apic.lvtLINT0.vector()
		mode = apic.lvtLINT0.deliveryMode()
		masked = apic.lvtLINT0.masked()
	case LocalLINT1:
		vector = apic.lvtLINT1.vector()
		mode = apic.lvtLINT1.deliveryMode()
		masked = apic.lvtLINT1.masked()
	case LocalError:
		// Error delivery is fixed as well.
		vector = apic.lvtError.vector()
		mode = DeliveryFixed
		masked = apic.lvtError.masked()
	default:
		return fmt.Errorf("apic %d: invalid local interrupt source %d", apic.id, int(source))
	}

	if masked {
		slog.Debug("apic: local source masked", "apic", apic.id, "source", source.String())
		return nil
	}
	if mode != DeliveryFixed {
		return fmt.Errorf("apic %d: local source %s delivery mode %s: %w",
			apic.id, source.String(), deliveryModeString(mode), ErrUnsupportedDeliveryMode)
	}
	return apic.enqueue(vector)
}

// Timer divide configuration encodings (bits 0, 1 and 3 of the divide
// configuration register).
const (
	timerDivideBy2   = 0x0
	timerDivideBy4   = 0x1
	timerDivideBy8   = 0x2
	timerDivideBy16  = 0x3
	timerDivideBy32  = 0x8
	timerDivideBy64  = 0x9
	timerDivideBy128 = 0xA
	timerDivideBy1   = 0xB
)

func timerShift(divide uint32) (uint, error) {
	switch divide & 0xF {
	case timerDivideBy1:
		return 0, nil
	case timerDivideBy2:
		return 1, nil
	case timerDivideBy4:
		return 2, nil
	case timerDivideBy8:
		return 3, nil
	case timerDivideBy16:
		return 4, nil
	case timerDivideBy32:
		return 5, nil
	case timerDivideBy64:
		return 6, nil
	case timerDivideBy128:
		return 7, nil
	default:
		return 0, fmt.Errorf("invalid timer divide configuration 0x%x", divide)
	}
}

// UpdateTimer implements chipset.CycleTimer. The run loop calls it
// with the guest cycles that elapsed since the last call; the divide
// configuration scales cycles down to timer ticks. Ticks the host
// slept through accumulate as missed interrupts and drain one per
// quiet update, so a starved periodic timer catches up instead of
// losing time.
func (d *Device) UpdateTimer(vcpu hv.VirtualCPU, cycles uint64, freq uint64) {
	apic, err := d.apicForCPU(vcpu.ID())
	if err != nil {
		return
	}

	// A zero initial count means the timer is not armed; an expired
	// one-shot stays quiet until rearmed.
	if apic.timerInit == 0 ||
		(!apic.lvtTimer.periodic() && apic.timerCur == 0) {
		return
	}

	shift, err := timerShift(apic.timerDivide)
	if err != nil {
		slog.Error("apic: bad timer divide configuration",
			"apic", apic.id, "value", apic.timerDivide)
		return
	}
	ticks := cycles >> shift

	if ticks < uint64(apic.timerCur) {
		apic.timerCur -= uint32(ticks)
		if apic.missedTicks > 0 && !apic.interruptPending() {
			d.injectTimerInterrupt(apic)
			apic.missedTicks--
		}
		return
	}

	ticks -= uint64(apic.timerCur)
	apic.timerCur = 0

	d.injectTimerInterrupt(apic)

	if apic.lvtTimer.periodic() {
		init := uint64(apic.timerInit)
		apic.missedTicks += uint32(ticks / init)
		apic.timerCur = uint32(init - ticks%init)
	}
}

func (d *Device) injectTimerInterrupt(apic *lapic) {
	if err := d.raiseLocal(apic, LocalTimer); err != nil {
		slog.Error("apic: timer interrupt failed", "apic", apic.id, "error", err)
	}
}
