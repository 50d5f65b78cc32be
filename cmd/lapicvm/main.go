// Command lapicvm builds the interrupt subsystem for a small virtual
// machine and walks it through a multiprocessor boot handshake, using
// stub vCPUs in place of a hardware-accelerated backend.
package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/tinyrange/lapic"
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
func (v *stubVCPU) ThreadID() int { return hv.CurrentThreadID() }
func (v *stubVCPU) RunState() hv.RunState { return v.state }
func (v *stubVCPU) SetRunState(state hv.RunState) { v.state = state }
func (v *stubVCPU) Kick() error { return nil }
func (v *stubVCPU) Run(ctx context.Context) error { return nil }

func (v *stubVCPU) ResetToStartupVector(vector uint8) error {
	v.entry = uint64(vector) << 12
	slog.Info("vcpu: startup reset", "cpu", v.id, "entry", fmt.Sprintf("0x%x", v.entry))
	return nil
}

func main() {
	configPath := flag.String("config", "", "machine config YAML")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			slog.Error("load config", "error", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if cfg.CPUs < 2 {
		cfg.CPUs = 2
	}

	vm := &stubVM{}
	for i := 0; i < cfg.CPUs; i++ {
		vm.cpus = append(vm.cpus, &stubVCPU{vm: vm, id: i})
	}
	vm.cpus[0].state = hv.RunStateRunning

	machine, err := lapic.NewMachine(cfg, vm)
	if err != nil {
		slog.Error("build machine", "error", err)
		os.Exit(1)
	}
	if err := machine.Chipset.Start(); err != nil {
		slog.Error("start chipset", "error", err)
		os.Exit(1)
	}

	// Boot CPU 1 the way firmware would: INIT, INIT, startup.
	for _, ipi := range []apic.IPI{
		{DeliveryMode: apic.DeliveryINIT, Destination: 1},
		{DeliveryMode: apic.DeliveryINIT, Destination: 1},
		{Vector: 0x12, DeliveryMode: apic.DeliveryStartup, Destination: 1},
	} {
		if err := machine.SendIPI(ipi); err != nil {
			slog.Error("send IPI", "error", err)
			os.Exit(1)
		}
	}
	state, _ := machine.APIC.BootState(1)
	slog.Info("secondary CPU booted", "cpu", 1, "state", state,
		"run", vm.cpus[1].state.String())

	// A fixed interrupt from a virtual device, observed the way the
	// run loop would observe it.
	if err := machine.RaiseInterrupt(1, 0x40); err != nil {
		slog.Error("raise interrupt", "error", err)
		os.Exit(1)
	}
	vcpu := vm.cpus[1]
	if machine.Chipset.InterruptPending(vcpu) {
		vector := machine.Chipset.NextInterrupt(vcpu)
		machine.Chipset.BeginInterrupt(vcpu, uint8(vector))
		slog.Info("injected", "cpu", 1, "vector", fmt.Sprintf("0x%02x", vector))

		// Guest acknowledges.
		eoi := make([]byte, 4)
		binary.LittleEndian.PutUint32(eoi, 0)
		ctx := hv.NewExitContext(vcpu)
		if err := machine.Chipset.HandleMMIO(ctx, cfg.APICBase+0xB0, eoi, true); err != nil {
			slog.Error("EOI", "error", err)
			os.Exit(1)
		}
	}

	slog.Info("done", "machine", cfg.Name)
}
