// Package lapic assembles the per-CPU local interrupt controllers, the
// configuration-space bus controller and the chipset dispatch tables
// into one machine-facing front end.
package lapic

import (
	"fmt"

	"github.com/tinyrange/lapic/internal/chipset"
	"github.com/tinyrange/lapic/internal/config"
	"github.com/tinyrange/lapic/internal/devices/amd64/apic"
	"github.com/tinyrange/lapic/internal/devices/amd64/pci"
	"github.com/tinyrange/lapic/internal/hv"
)

// Machine bundles the interrupt subsystem for one virtual machine.
type Machine struct {
	Config  config.Machine
	Chipset *chipset.Chipset
	APIC    *apic.Device
	PCI     *pci.HostBridge

	vm hv.VirtualMachine
}

// NewMachine builds the chipset for the given VM: one LAPIC per vCPU,
// the PCI host bridge, and the dispatch tables tying them together.
func NewMachine(cfg config.Machine, vm hv.VirtualMachine) (*Machine, error) {
	if vm == nil {
		return nil, fmt.Errorf("lapic: nil virtual machine")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.CPUs != 0 && cfg.CPUs != vm.CPUCount() {
		return nil, fmt.Errorf("lapic: config names %d CPUs, VM has %d",
			cfg.CPUs, vm.CPUCount())
	}

	apicDev := apic.New(vm.CPUCount(), apic.WithBaseAddress(cfg.APICBase))
	pciDev := pci.NewHostBridge()

	builder := chipset.NewBuilder()
	if err := builder.RegisterDevice("lapic", apicDev); err != nil {
		return nil, err
	}
	if err := builder.RegisterDevice("pci", pciDev); err != nil {
		return nil, err
	}

	cs, err := builder.Build()
	if err != nil {
		return nil, err
	}

	apicDev.SetMemoryRouter(cs)
	pciDev.SetMemoryRouter(cs)

	if err := cs.Init(vm); err != nil {
		return nil, err
	}

	return &Machine{
		Config:  cfg,
		Chipset: cs,
		APIC:    apicDev,
		PCI:     pciDev,
		vm:      vm,
	}, nil
}

// SendIPI routes a synthetic inter-processor interrupt on behalf of a
// virtual device or the host.
func (m *Machine) SendIPI(ipi apic.IPI) error {
	return m.APIC.SendIPI(ipi)
}

// RaiseInterrupt delivers a vector directly to one vCPU's LAPIC.
func (m *Machine) RaiseInterrupt(cpu int, vector uint8) error {
	return m.APIC.RaiseInterrupt(cpu, vector)
}
