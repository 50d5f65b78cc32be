package apic

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/lapic/internal/hv"
)

// IPI is an interrupt-command payload for senders that are not
// themselves a LAPIC: virtual devices, the host, tests.
type IPI struct {
	Vector       uint8
	DeliveryMode uint8
	Logical      bool
	Level        bool
	Shorthand    uint8
	Destination  uint8
}

func (ipi IPI) command() interruptCommand {
	var cmd uint64
	cmd |= uint64(ipi.Vector)
	cmd |= uint64(ipi.DeliveryMode&0x7) << 8
	if ipi.Logical {
		cmd |= 1 << 11
	}
	if ipi.Level {
		cmd |= 1 << 15
	}
	cmd |= uint64(ipi.Shorthand&0x3) << 18
	cmd |= uint64(ipi.Destination) << 56
	return interruptCommand(cmd)
}

// SendIPI routes a synthetic interrupt command with no source LAPIC.
func (d *Device) SendIPI(ipi IPI) error {
	return d.routeIPI(nil, ipi.command())
}

// routeIPI enumerates destinations for one interrupt command and
// delivers to each. src is nil only for synthetic senders.
func (d *Device) routeIPI(src *lapic, cmd interruptCommand) error {
	slog.Debug("apic: routing IPI", "command", cmd.String())

	switch cmd.shorthand() {
	case ShorthandNone:
		if !cmd.logicalMode() {
			dst, err := d.findPhysicalAPIC(cmd.destination())
			if err != nil {
				return err
			}
			return d.deliver(src, dst, cmd.vector(), cmd.deliveryMode())
		}
		if cmd.deliveryMode() != DeliveryLowestPriority {
			return d.deliverLogical(src, cmd)
		}
		return d.deliverLowestPriority(src, cmd)

	case ShorthandSelf:
		if src == nil {
			return fmt.Errorf("apic: self shorthand from a sender with no LAPIC")
		}
		if cmd.logicalMode() {
			// Mirrors physical self delivery; the destination is
			// already decided.
			slog.Debug("apic: logical self IPI", "apic", src.id)
		}
		return d.deliver(src, src, cmd.vector(), cmd.deliveryMode())

	case ShorthandAll, ShorthandAllButSelf:
		// Physical versus logical is irrelevant once the shorthand
		// names everyone.
		for i := range d.apics {
			dst := &d.apics[i]
			if dst == src && cmd.shorthand() == ShorthandAllButSelf {
				continue
			}
			if err := d.deliver(src, dst, cmd.vector(), cmd.deliveryMode()); err != nil {
				return err
			}
		}
		return nil

	default:
		return fmt.Errorf("apic: invalid destination shorthand %d", cmd.shorthand())
	}
}

// findPhysicalAPIC locates the LAPIC whose identity register matches
// dst. The slice index is tried first; identities usually still equal
// the vCPU index they started as.
func (d *Device) findPhysicalAPIC(dst uint8) (*lapic, error) {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()

	if idx := int(dst); idx < len(d.apics) && d.apics[idx].id == uint32(dst) {
		return &d.apics[idx], nil
	}
	for i := range d.apics {
		if d.apics[i].id == uint32(dst) {
			return &d.apics[i], nil
		}
	}
	return nil, fmt.Errorf("apic: physical IPI to identity %d: %w", dst, ErrNoSuchDestination)
}

// deliverLogical sends to every LAPIC matching the message destination
// address.
func (d *Device) deliverLogical(src *lapic, cmd interruptCommand) error {
	mda := cmd.destination()
	for i := range d.apics {
		dst := &d.apics[i]
		match, err := d.matchLogicalDestination(dst, mda)
		if err != nil {
			return err
		}
		if !match {
			continue
		}
		if err := d.deliver(src, dst, cmd.vector(), cmd.deliveryMode()); err != nil {
			return err
		}
	}
	return nil
}

// deliverLowestPriority arbitrates among matching LAPICs by task
// priority, lowest value first, earliest index winning ties.
func (d *Device) deliverLowestPriority(src *lapic, cmd interruptCommand) error {
	mda := cmd.destination()
	var best *lapic
	for i := range d.apics {
		dst := &d.apics[i]
		match, err := d.matchLogicalDestination(dst, mda)
		if err != nil {
			return err
		}
		if !match {
			continue
		}
		d.stateMu.Lock()
		if best == nil || dst.taskPrio < best.taskPrio {
			best = dst
		}
		d.stateMu.Unlock()
	}
	if best == nil {
		slog.Debug("apic: lowest-priority IPI matched no destination",
			"mda", fmt.Sprintf("0x%02x", mda))
		return nil
	}
	return d.deliver(src, best, cmd.vector(), cmd.deliveryMode())
}

// matchLogicalDestination evaluates the logical addressing predicate
// for one LAPIC. It is read-only, but the destination's addressability
// registers may be written concurrently by their owner, so the read
// happens under the state lock.
func (d *Device) matchLogicalDestination(dst *lapic, mda uint8) (bool, error) {
	d.stateMu.Lock()
	model := uint8(dst.dstFmt >> 28)
	logID := uint8(dst.logDst >> 24)
	d.stateMu.Unlock()

	switch model {
	case destFormatFlat:
		if mda == 0xFF {
			return true, nil
		}
		return logID&mda != 0, nil
	case destFormatCluster:
		if mda == 0xFF {
			return true, nil
		}
		return mda&0xF0 == logID&0xF0 && mda&logID&0x0F != 0, nil
	default:
		slog.Error("apic: invalid destination format model",
			"apic", dst.id, "model", model)
		return false, fmt.Errorf("apic %d: destination format model 0x%x: %w",
			dst.id, model, ErrBadDestinationFormat)
	}
}

// deliver dispatches one decided destination on the delivery mode.
func (d *Device) deliver(src, dst *lapic, vector uint8, mode uint8) error {
	switch mode {
	case DeliveryFixed, DeliveryLowestPriority:
		if err := dst.enqueue(vector); err != nil {
			return err
		}
		d.ipisRouted.Add(1)
		// A destination running on another host thread sits inside the
		// guest and will not look at its queue until it exits; force
		// the exit.
		if dst != src && dst.vcpu != nil {
			if err := dst.vcpu.Kick(); err != nil {
				slog.Warn("apic: kick failed", "apic", dst.id, "error", err)
			}
		}
		return nil

	case DeliveryINIT:
		if dst.boot != bootAwaitingINIT {
			// INIT INIT SIPI sequences are routine; the second INIT is
			// the deassert half and carries no state change.
			slog.Warn("apic: INIT to LAPIC not awaiting INIT, ignored",
				"apic", dst.id, "state", dst.boot.String())
			return nil
		}
		// The target vCPU is parked in the host waiting on this
		// transition; it will notice without a kick.
		dst.boot = bootAwaitingStartup
		return nil

	case DeliveryStartup:
		if dst.boot != bootAwaitingStartup {
			slog.Error("apic: startup IPI to LAPIC not awaiting startup, ignored",
				"apic", dst.id, "state", dst.boot.String())
			return nil
		}
		if dst.vcpu != nil {
			if err := dst.vcpu.ResetToStartupVector(vector); err != nil {
				return fmt.Errorf("apic %d: startup reset: %w", dst.id, err)
			}
			dst.vcpu.SetRunState(hv.RunStateRunning)
		}
		dst.boot = bootRunning
		return nil

	case DeliveryExtInt:
		// The external interrupt controller owns this path; the
		// message reaches it through its own raise, not through us.
		return nil

	case DeliverySMI, DeliveryNMI, DeliveryReserved:
		return fmt.Errorf("apic %d: delivery mode %s: %w",
			dst.id, deliveryModeString(mode), ErrUnsupportedDeliveryMode)

	default:
		return fmt.Errorf("apic %d: delivery mode %d: %w",
			dst.id, mode, ErrUnsupportedDeliveryMode)
	}
}
