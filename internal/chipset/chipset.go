package chipset

import (
	"fmt"
	"sort"
	"sync"

	"github.com/tinyrange/lapic/internal/hv"
)

// Chipset holds the built dispatch tables for chipset devices.
//
// The MMIO table is mutable at runtime: devices that let the guest
// relocate their register windows (base-address MSR moves, BAR
// reprogramming) rebind through MoveMMIORegion. A read-write mutex
// keeps dispatch cheap on the hot path.
type Chipset struct {
	mu sync.RWMutex

	devices map[string]ChipsetDevice
	pio     map[uint16]PortIOHandler
	mmio    []mmioBinding
	msrs    map[uint32]MSRHandler
	intc    InterruptController
	timers  []CycleTimer
}

// Start activates all registered devices.
func (c *Chipset) Start() error {
	for _, name := range c.deviceNames() {
		if err := c.devices[name].Start(); err != nil {
			return fmt.Errorf("chipset: start device %q: %w", name, err)
		}
	}
	return nil
}

// Stop deactivates all registered devices.
func (c *Chipset) Stop() error {
	for _, name := range c.deviceNames() {
		if err := c.devices[name].Stop(); err != nil {
			return fmt.Errorf("chipset: stop device %q: %w", name, err)
		}
	}
	return nil
}

// Reset resets all registered devices.
func (c *Chipset) Reset() error {
	for _, name := range c.deviceNames() {
		if err := c.devices[name].Reset(); err != nil {
			return fmt.Errorf("chipset: reset device %q: %w", name, err)
		}
	}
	return nil
}

// Init runs Init on all registered devices.
func (c *Chipset) Init(vm hv.VirtualMachine) error {
	for _, name := range c.deviceNames() {
		if err := c.devices[name].Init(vm); err != nil {
			return fmt.Errorf("chipset: init device %q: %w", name, err)
		}
	}
	return nil
}

// HandlePIO dispatches an I/O port access to the registered device.
func (c *Chipset) HandlePIO(ctx hv.ExitContext, port uint16, data []byte, isWrite bool) error {
	c.mu.RLock()
	handler, ok := c.pio[port]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("chipset: no handler for I/O port 0x%04x", port)
	}
	if isWrite {
		return handler.WriteIOPort(ctx, port, data)
	}
	return handler.ReadIOPort(ctx, port, data)
}

// HandleMMIO dispatches an MMIO access to the registered device. A
// binding restricted to one vCPU only matches accesses from that vCPU.
func (c *Chipset) HandleMMIO(ctx hv.ExitContext, addr uint64, data []byte, isWrite bool) error {
	accessEnd := addr + uint64(len(data))
	if accessEnd < addr {
		return fmt.Errorf("chipset: MMIO access overflow at 0x%016x", addr)
	}

	cpu := AnyCPU
	if ctx != nil && ctx.VCPU() != nil {
		cpu = ctx.VCPU().ID()
	}

	c.mu.RLock()
	var handler MmioHandler
	for _, binding := range c.mmio {
		if binding.cpu != AnyCPU && binding.cpu != cpu {
			continue
		}
		if binding.region.Contains(addr, uint64(len(data))) {
			handler = binding.handler
			break
		}
	}
	c.mu.RUnlock()

	if handler == nil {
		return fmt.Errorf("chipset: no handler for MMIO address 0x%016x", addr)
	}
	if isWrite {
		return handler.WriteMMIO(ctx, addr, data)
	}
	return handler.ReadMMIO(ctx, addr, data)
}

// ReadMSR dispatches a model-specific register read.
func (c *Chipset) ReadMSR(ctx hv.ExitContext, msr uint32) (uint64, error) {
	c.mu.RLock()
	handler, ok := c.msrs[msr]
	c.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("chipset: no handler for MSR 0x%x", msr)
	}
	return handler.ReadMSR(ctx, msr)
}

// WriteMSR dispatches a model-specific register write.
func (c *Chipset) WriteMSR(ctx hv.ExitContext, msr uint32, value uint64) error {
	c.mu.RLock()
	handler, ok := c.msrs[msr]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("chipset: no handler for MSR 0x%x", msr)
	}
	return handler.WriteMSR(ctx, msr, value)
}

// MoveMMIORegion rebinds the handler serving old to a new region for
// the given vCPU filter. The caller guarantees old was registered with
// the same cpu value.
func (c *Chipset) MoveMMIORegion(cpu int, old, new hv.MMIORegion) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx := -1
	for i, binding := range c.mmio {
		if binding.cpu == cpu && binding.region == old {
			idx = i
			break
		}
	}
	if idx == -1 {
		return fmt.Errorf("chipset: no MMIO binding at 0x%x for cpu %d", old.Address, cpu)
	}

	for i, binding := range c.mmio {
		if i == idx || !cpusOverlap(cpu, binding.cpu) {
			continue
		}
		if regionsOverlap(new, binding.region) {
			return fmt.Errorf("chipset: MMIO region 0x%x-0x%x overlaps existing region 0x%x-0x%x",
				new.Address, new.Address+new.Size-1,
				binding.region.Address, binding.region.Address+binding.region.Size-1)
		}
	}

	c.mmio[idx].region = new
	return nil
}

// InterruptPending asks the registered interrupt controller whether a
// vector is ready for injection on the given vCPU.
func (c *Chipset) InterruptPending(vcpu hv.VirtualCPU) bool {
	if c.intc == nil {
		return false
	}
	return c.intc.InterruptPending(vcpu)
}

// NextInterrupt returns the vector the run loop should inject, or -1.
func (c *Chipset) NextInterrupt(vcpu hv.VirtualCPU) int {
	if c.intc == nil {
		return -1
	}
	return c.intc.NextInterrupt(vcpu)
}

// BeginInterrupt notifies the interrupt controller that injection of
// vector has started on the given vCPU.
func (c *Chipset) BeginInterrupt(vcpu hv.VirtualCPU, vector uint8) {
	if c.intc == nil {
		return
	}
	c.intc.BeginInterrupt(vcpu, vector)
}

// UpdateTimers advances every registered cycle timer for the vCPU.
func (c *Chipset) UpdateTimers(vcpu hv.VirtualCPU, cycles uint64, freq uint64) {
	for _, timer := range c.timers {
		timer.UpdateTimer(vcpu, cycles, freq)
	}
}

func (c *Chipset) deviceNames() []string {
	names := make([]string, 0, len(c.devices))
	for name := range c.devices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
