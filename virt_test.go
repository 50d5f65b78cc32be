package lapic

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/tinyrange/lapic/internal/config"
	"github.com/tinyrange/lapic/internal/devices/amd64/apic"
	"github.com/tinyrange/lapic/internal/hv"
)

type stubVM struct {
	cpus []*stubVCPU
}

func (vm *stubVM) CPUCount() int { return len(vm.cpus) }
func (vm *stubVM) VirtualCPU(id int) hv.VirtualCPU { return vm.cpus[id] }

type stubVCPU struct {
	vm    *stubVM
	id    int
	state hv.RunState
	entry uint64
}

func (v *stubVCPU) VirtualMachine() hv.VirtualMachine { return v.vm }
func (v *stubVCPU) ID() int { return v.id }
func (v *stubVCPU) ThreadID() int { return 0 }
func (v *stubVCPU) RunState() hv.RunState { return v.state }
func (v *stubVCPU) SetRunState(state hv.RunState) { v.state = state }
func (v *stubVCPU) Kick() error { return nil }
func (v *stubVCPU) Run(ctx context.Context) error { return nil }

func (v *stubVCPU) ResetToStartupVector(vector uint8) error {
	v.entry = uint64(vector) << 12
	return nil
}

func newStubVM(cpus int) *stubVM {
	vm := &stubVM{}
	for i := 0; i < cpus; i++ {
		vm.cpus = append(vm.cpus, &stubVCPU{vm: vm, id: i})
	}
	return vm
}

func TestNewMachineChecksTopology(t *testing.T) {
	cfg := config.Default()
	cfg.CPUs = 4

	if _, err := NewMachine(cfg, newStubVM(2)); err == nil {
		t.Fatal("mismatched CPU count accepted")
	}
	if _, err := NewMachine(cfg, nil); err == nil {
		t.Fatal("nil VM accepted")
	}
}

func TestMachineBootAndInjection(t *testing.T) {
	cfg := config.Default()
	cfg.CPUs = 2
	vm := newStubVM(2)

	machine, err := NewMachine(cfg, vm)
	if err != nil {
		t.Fatalf("new machine: %v", err)
	}
	if err := machine.Chipset.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	for _, ipi := range []apic.IPI{
		{DeliveryMode: apic.DeliveryINIT, Destination: 1},
		{Vector: 0x12, DeliveryMode: apic.DeliveryStartup, Destination: 1},
	} {
		if err := machine.SendIPI(ipi); err != nil {
			t.Fatalf("send IPI: %v", err)
		}
	}
	if vm.cpus[1].state != hv.RunStateRunning {
		t.Fatal("secondary vCPU not running after the handshake")
	}
	if vm.cpus[1].entry != uint64(0x12)<<12 {
		t.Fatalf("startup entry = 0x%x", vm.cpus[1].entry)
	}

	if err := machine.RaiseInterrupt(1, 0x40); err != nil {
		t.Fatalf("raise: %v", err)
	}
	vcpu := vm.cpus[1]
	if !machine.Chipset.InterruptPending(vcpu) {
		t.Fatal("no pending interrupt")
	}
	if got := machine.Chipset.NextInterrupt(vcpu); got != 0x40 {
		t.Fatalf("next interrupt = 0x%x, want 0x40", got)
	}
	machine.Chipset.BeginInterrupt(vcpu, 0x40)

	ctx := hv.NewExitContext(vcpu)
	eoi := make([]byte, 4)
	if err := machine.Chipset.HandleMMIO(ctx, cfg.APICBase+0xB0, eoi, true); err != nil {
		t.Fatalf("EOI: %v", err)
	}
	if machine.Chipset.InterruptPending(vcpu) {
		t.Fatal("interrupt survived acknowledgement")
	}
}

func TestMachineRelocatesRegisterBank(t *testing.T) {
	cfg := config.Default()
	vm := newStubVM(1)

	machine, err := NewMachine(cfg, vm)
	if err != nil {
		t.Fatalf("new machine: %v", err)
	}

	ctx := hv.NewExitContext(vm.cpus[0])
	value, err := machine.Chipset.ReadMSR(ctx, apic.BaseAddressMSR)
	if err != nil {
		t.Fatalf("read MSR: %v", err)
	}

	const newBase = 0xD0000000
	moved := (value &^ 0x000F_FFFF_FFFF_F000) | newBase
	if err := machine.Chipset.WriteMSR(ctx, apic.BaseAddressMSR, moved); err != nil {
		t.Fatalf("write MSR: %v", err)
	}

	buf := make([]byte, 4)
	if err := machine.Chipset.HandleMMIO(ctx, newBase+0x30, buf, false); err != nil {
		t.Fatalf("read at new base: %v", err)
	}
	if got := binary.LittleEndian.Uint32(buf); got != 0x80050010 {
		t.Fatalf("version at new base = 0x%x", got)
	}
	if err := machine.Chipset.HandleMMIO(ctx, cfg.APICBase+0x30, buf, false); err == nil {
		t.Fatal("old base still dispatches")
	}
}

func TestMachinePCIConfigCycles(t *testing.T) {
	cfg := config.Default()
	vm := newStubVM(1)

	machine, err := NewMachine(cfg, vm)
	if err != nil {
		t.Fatalf("new machine: %v", err)
	}

	ctx := hv.NewExitContext(vm.cpus[0])
	addr := make([]byte, 4)
	binary.LittleEndian.PutUint32(addr, 1<<31) // bus 0, device 0, function 0, offset 0
	if err := machine.Chipset.HandlePIO(ctx, 0x0CF8, addr, true); err != nil {
		t.Fatalf("config address: %v", err)
	}
	data := make([]byte, 4)
	if err := machine.Chipset.HandlePIO(ctx, 0x0CFC, data, false); err != nil {
		t.Fatalf("config data: %v", err)
	}
	if got := binary.LittleEndian.Uint32(data) & 0xFFFF; got != 0x8086 {
		t.Fatalf("host bridge vendor = 0x%04x", got)
	}
}
