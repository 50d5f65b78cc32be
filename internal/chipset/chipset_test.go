package chipset

import (
	"context"
	"testing"

	"github.com/tinyrange/lapic/internal/hv"
)

type testVCPU struct {
	id int
}

func (v *testVCPU) VirtualMachine() hv.VirtualMachine { return nil }
func (v *testVCPU) ID() int { return v.id }
func (v *testVCPU) ThreadID() int { return 0 }
func (v *testVCPU) RunState() hv.RunState { return hv.RunStateRunning }
func (v *testVCPU) SetRunState(hv.RunState) {}
func (v *testVCPU) ResetToStartupVector(uint8) error { return nil }
func (v *testVCPU) Kick() error { return nil }
func (v *testVCPU) Run(ctx context.Context) error { return nil }

type access struct {
	cpu   int
	addr  uint64
	write bool
}

type testDevice struct {
	ports    []uint16
	bindings []MMIOBinding
	msrs     []uint32

	accesses []access
	msrValue uint64
	started  bool
	reset    bool
}

func (d *testDevice) Init(vm hv.VirtualMachine) error { return nil }
func (d *testDevice) Start() error { d.started = true; return nil }
func (d *testDevice) Stop() error { d.started = false; return nil }
func (d *testDevice) Reset() error { d.reset = true; return nil }

func (d *testDevice) SupportsPortIO() *PortIOIntercept {
	if len(d.ports) == 0 {
		return nil
	}
	return &PortIOIntercept{Ports: d.ports, Handler: d}
}

func (d *testDevice) SupportsMmio() *MmioIntercept {
	if len(d.bindings) == 0 {
		return nil
	}
	return &MmioIntercept{Bindings: d.bindings, Handler: d}
}

func (d *testDevice) SupportsMSR() *MSRIntercept {
	if len(d.msrs) == 0 {
		return nil
	}
	return &MSRIntercept{MSRs: d.msrs, Handler: d}
}

func (d *testDevice) SupportsInterruptController() *InterruptControllerIntercept { return nil }
func (d *testDevice) SupportsCycleTimer() *CycleTimerIntercept { return nil }

func (d *testDevice) record(ctx hv.ExitContext, addr uint64, write bool) {
	cpu := AnyCPU
	if ctx != nil && ctx.VCPU() != nil {
		cpu = ctx.VCPU().ID()
	}
	d.accesses = append(d.accesses, access{cpu: cpu, addr: addr, write: write})
}

func (d *testDevice) ReadIOPort(ctx hv.ExitContext, port uint16, data []byte) error {
	d.record(ctx, uint64(port), false)
	return nil
}

func (d *testDevice) WriteIOPort(ctx hv.ExitContext, port uint16, data []byte) error {
	d.record(ctx, uint64(port), true)
	return nil
}

func (d *testDevice) ReadMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	d.record(ctx, addr, false)
	return nil
}

func (d *testDevice) WriteMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	d.record(ctx, addr, true)
	return nil
}

func (d *testDevice) ReadMSR(ctx hv.ExitContext, msr uint32) (uint64, error) {
	return d.msrValue, nil
}

func (d *testDevice) WriteMSR(ctx hv.ExitContext, msr uint32, value uint64) error {
	d.msrValue = value
	return nil
}

func TestDispatchAndLifecycle(t *testing.T) {
	dev := &testDevice{
		ports: []uint16{0x70},
		bindings: []MMIOBinding{
			{Region: hv.MMIORegion{Address: 0x1000, Size: 0x100}, CPU: AnyCPU},
		},
		msrs: []uint32{0x1B},
	}

	builder := NewBuilder()
	if err := builder.RegisterDevice("test", dev); err != nil {
		t.Fatalf("register: %v", err)
	}
	cs, err := builder.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	if err := cs.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !dev.started {
		t.Fatal("device not started")
	}

	ctx := hv.NewExitContext(&testVCPU{id: 0})
	if err := cs.HandlePIO(ctx, 0x70, []byte{0}, true); err != nil {
		t.Fatalf("pio: %v", err)
	}
	if err := cs.HandleMMIO(ctx, 0x1040, make([]byte, 4), false); err != nil {
		t.Fatalf("mmio: %v", err)
	}
	if err := cs.HandleMMIO(ctx, 0x2000, make([]byte, 4), false); err == nil {
		t.Fatal("unclaimed MMIO address dispatched")
	}
	if err := cs.HandlePIO(ctx, 0x80, []byte{0}, false); err == nil {
		t.Fatal("unclaimed port dispatched")
	}

	if err := cs.WriteMSR(ctx, 0x1B, 42); err != nil {
		t.Fatalf("write msr: %v", err)
	}
	value, err := cs.ReadMSR(ctx, 0x1B)
	if err != nil || value != 42 {
		t.Fatalf("read msr = (%d, %v), want (42, nil)", value, err)
	}
	if _, err := cs.ReadMSR(ctx, 0x99); err == nil {
		t.Fatal("unclaimed MSR dispatched")
	}

	if len(dev.accesses) != 2 {
		t.Fatalf("recorded %d accesses, want 2", len(dev.accesses))
	}
}

func TestPerCPUBindings(t *testing.T) {
	dev0 := &testDevice{bindings: []MMIOBinding{
		{Region: hv.MMIORegion{Address: 0xFEE00000, Size: 0x1000}, CPU: 0},
	}}
	dev1 := &testDevice{bindings: []MMIOBinding{
		{Region: hv.MMIORegion{Address: 0xFEE00000, Size: 0x1000}, CPU: 1},
	}}

	builder := NewBuilder()
	if err := builder.RegisterDevice("bank0", dev0); err != nil {
		t.Fatalf("register bank0: %v", err)
	}
	if err := builder.RegisterDevice("bank1", dev1); err != nil {
		t.Fatalf("register bank1: %v", err)
	}
	cs, err := builder.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	if err := cs.HandleMMIO(hv.NewExitContext(&testVCPU{id: 1}), 0xFEE00020, make([]byte, 4), false); err != nil {
		t.Fatalf("mmio: %v", err)
	}
	if len(dev0.accesses) != 0 {
		t.Fatal("cpu 1 access landed on cpu 0's bank")
	}
	if len(dev1.accesses) != 1 {
		t.Fatal("cpu 1 access missed its bank")
	}
}

func TestOverlapRejection(t *testing.T) {
	devA := &testDevice{bindings: []MMIOBinding{
		{Region: hv.MMIORegion{Address: 0x1000, Size: 0x1000}, CPU: AnyCPU},
	}}
	devB := &testDevice{bindings: []MMIOBinding{
		{Region: hv.MMIORegion{Address: 0x1800, Size: 0x1000}, CPU: AnyCPU},
	}}

	builder := NewBuilder()
	if err := builder.RegisterDevice("a", devA); err != nil {
		t.Fatalf("register a: %v", err)
	}
	if err := builder.RegisterDevice("b", devB); err == nil {
		t.Fatal("overlapping region accepted")
	}

	// Same physical window on different CPUs is not an overlap.
	devC := &testDevice{bindings: []MMIOBinding{
		{Region: hv.MMIORegion{Address: 0x1000, Size: 0x1000}, CPU: 3},
	}}
	builder = NewBuilder()
	devD := &testDevice{bindings: []MMIOBinding{
		{Region: hv.MMIORegion{Address: 0x1000, Size: 0x1000}, CPU: 4},
	}}
	if err := builder.RegisterDevice("c", devC); err != nil {
		t.Fatalf("register c: %v", err)
	}
	if err := builder.RegisterDevice("d", devD); err != nil {
		t.Fatalf("register d: %v", err)
	}
}

func TestMoveMMIORegion(t *testing.T) {
	dev := &testDevice{bindings: []MMIOBinding{
		{Region: hv.MMIORegion{Address: 0xFEE00000, Size: 0x1000}, CPU: 0},
	}}

	builder := NewBuilder()
	if err := builder.RegisterDevice("bank", dev); err != nil {
		t.Fatalf("register: %v", err)
	}
	cs, err := builder.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	old := hv.MMIORegion{Address: 0xFEE00000, Size: 0x1000}
	updated := hv.MMIORegion{Address: 0xABCD0000, Size: 0x1000}
	if err := cs.MoveMMIORegion(0, old, updated); err != nil {
		t.Fatalf("move: %v", err)
	}

	ctx := hv.NewExitContext(&testVCPU{id: 0})
	if err := cs.HandleMMIO(ctx, 0xFEE00000, make([]byte, 4), false); err == nil {
		t.Fatal("old window still dispatches")
	}
	if err := cs.HandleMMIO(ctx, 0xABCD0000, make([]byte, 4), false); err != nil {
		t.Fatalf("new window does not dispatch: %v", err)
	}

	if err := cs.MoveMMIORegion(0, old, updated); err == nil {
		t.Fatal("moving a missing binding succeeded")
	}
}
