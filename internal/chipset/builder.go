package chipset

import (
	"fmt"

	"github.com/tinyrange/lapic/internal/hv"
)

type mmioBinding struct {
	region  hv.MMIORegion
	cpu     int
	handler MmioHandler
}

// ChipsetBuilder registers devices and their intercepts before creating a Chipset.
type ChipsetBuilder struct {
	devices map[string]ChipsetDevice
	pio     map[uint16]PortIOHandler
	mmio    []mmioBinding
	msrs    map[uint32]MSRHandler
	intc    InterruptController
	timers  []CycleTimer
}

// NewBuilder returns an empty ChipsetBuilder instance.
func NewBuilder() *ChipsetBuilder {
	return &ChipsetBuilder{
		devices: make(map[string]ChipsetDevice),
		pio:     make(map[uint16]PortIOHandler),
		msrs:    make(map[uint32]MSRHandler),
	}
}

// RegisterDevice adds a chipset device and wires up its intercepts.
func (b *ChipsetBuilder) RegisterDevice(name string, dev ChipsetDevice) error {
	if b == nil {
		return fmt.Errorf("chipset builder is nil")
	}
	if name == "" {
		return fmt.Errorf("device name is empty")
	}
	if dev == nil {
		return fmt.Errorf("device %q is nil", name)
	}
	if _, exists := b.devices[name]; exists {
		return fmt.Errorf("device %q already registered", name)
	}

	if intercept := dev.SupportsPortIO(); intercept != nil {
		if intercept.Handler == nil {
			return fmt.Errorf("device %q provided port I/O ports with nil handler", name)
		}
		for _, port := range intercept.Ports {
			if err := b.WithPioPort(port, intercept.Handler); err != nil {
				return fmt.Errorf("device %q: %w", name, err)
			}
		}
	}

	if intercept := dev.SupportsMmio(); intercept != nil {
		if intercept.Handler == nil {
			return fmt.Errorf("device %q provided MMIO regions with nil handler", name)
		}
		for _, binding := range intercept.Bindings {
			if err := b.WithMmioRegion(binding, intercept.Handler); err != nil {
				return fmt.Errorf("device %q: %w", name, err)
			}
		}
	}

	if intercept := dev.SupportsMSR(); intercept != nil {
		if intercept.Handler == nil {
			return fmt.Errorf("device %q provided MSRs with nil handler", name)
		}
		for _, msr := range intercept.MSRs {
			if err := b.WithMSR(msr, intercept.Handler); err != nil {
				return fmt.Errorf("device %q: %w", name, err)
			}
		}
	}

	if intercept := dev.SupportsInterruptController(); intercept != nil {
		if intercept.Handler == nil {
			return fmt.Errorf("device %q provided nil interrupt controller", name)
		}
		if b.intc != nil {
			return fmt.Errorf("device %q: interrupt controller already registered", name)
		}
		b.intc = intercept.Handler
	}

	if intercept := dev.SupportsCycleTimer(); intercept != nil {
		if intercept.Handler == nil {
			return fmt.Errorf("device %q provided nil cycle timer", name)
		}
		b.timers = append(b.timers, intercept.Handler)
	}

	b.devices[name] = dev
	return nil
}

// WithPioPort registers a single I/O port handler.
func (b *ChipsetBuilder) WithPioPort(port uint16, handler PortIOHandler) error {
	if handler == nil {
		return fmt.Errorf("PIO handler for port 0x%x is nil", port)
	}
	if _, exists := b.pio[port]; exists {
		return fmt.Errorf("PIO port 0x%x already registered", port)
	}
	b.pio[port] = handler
	return nil
}

// WithMmioRegion registers a memory-mapped region handler.
func (b *ChipsetBuilder) WithMmioRegion(binding MMIOBinding, handler MmioHandler) error {
	if handler == nil {
		return fmt.Errorf("MMIO handler for region 0x%x size 0x%x is nil",
			binding.Region.Address, binding.Region.Size)
	}
	if binding.Region.Size == 0 {
		return fmt.Errorf("MMIO region at 0x%x has zero size", binding.Region.Address)
	}
	if binding.Region.Address+binding.Region.Size < binding.Region.Address {
		return fmt.Errorf("MMIO region at 0x%x with size 0x%x overflows",
			binding.Region.Address, binding.Region.Size)
	}
	for _, existing := range b.mmio {
		if !cpusOverlap(binding.CPU, existing.cpu) {
			continue
		}
		if regionsOverlap(binding.Region, existing.region) {
			return fmt.Errorf(
				"MMIO region 0x%x-0x%x overlaps existing region 0x%x-0x%x",
				binding.Region.Address, binding.Region.Address+binding.Region.Size-1,
				existing.region.Address, existing.region.Address+existing.region.Size-1)
		}
	}

	b.mmio = append(b.mmio, mmioBinding{
		region:  binding.Region,
		cpu:     binding.CPU,
		handler: handler,
	})
	return nil
}

// WithMSR registers a model-specific register handler.
func (b *ChipsetBuilder) WithMSR(msr uint32, handler MSRHandler) error {
	if handler == nil {
		return fmt.Errorf("MSR handler for 0x%x is nil", msr)
	}
	if _, exists := b.msrs[msr]; exists {
		return fmt.Errorf("MSR 0x%x already registered", msr)
	}
	b.msrs[msr] = handler
	return nil
}

// Build finalizes the chipset layout and returns the constructed Chipset.
func (b *ChipsetBuilder) Build() (*Chipset, error) {
	if b == nil {
		return nil, fmt.Errorf("chipset builder is nil")
	}

	devices := make(map[string]ChipsetDevice, len(b.devices))
	for name, dev := range b.devices {
		devices[name] = dev
	}

	pio := make(map[uint16]PortIOHandler, len(b.pio))
	for port, handler := range b.pio {
		pio[port] = handler
	}

	mmio := make([]mmioBinding, len(b.mmio))
	copy(mmio, b.mmio)

	msrs := make(map[uint32]MSRHandler, len(b.msrs))
	for msr, handler := range b.msrs {
		msrs[msr] = handler
	}

	timers := make([]CycleTimer, len(b.timers))
	copy(timers, b.timers)

	return &Chipset{
		devices: devices,
		pio:     pio,
		mmio:    mmio,
		msrs:    msrs,
		intc:    b.intc,
		timers:  timers,
	}, nil
}

func regionsOverlap(a, b hv.MMIORegion) bool {
	endA := a.Address + a.Size
	endB := b.Address + b.Size
	return a.Address < endB && b.Address < endA
}

func cpusOverlap(a, b int) bool {
	return a == AnyCPU || b == AnyCPU || a == b
}
