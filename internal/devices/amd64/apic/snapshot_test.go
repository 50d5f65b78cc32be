package apic

import (
	"bytes"
	"encoding/gob"
	"testing"

	"github.com/tinyrange/lapic/internal/hv"
)

func TestSnapshotRoundTrip(t *testing.T) {
	dev, vm := testDevice(t, 2)
	ctx := cpuContext(vm, 0)

	write32(t, dev, ctx, regTaskPriority, 0x20)
	write32(t, dev, ctx, regLogicalDestination, 0x02<<24)
	write32(t, dev, ctx, regTimerInitial, 5000)
	if err := dev.RaiseInterrupt(1, 0x88); err != nil {
		t.Fatalf("raise: %v", err)
	}
	if err := dev.SendIPI(IPI{DeliveryMode: DeliveryINIT, Destination: 1}); err != nil {
		t.Fatalf("INIT: %v", err)
	}

	snap, err := dev.CaptureSnapshot()
	if err != nil {
		t.Fatalf("capture: %v", err)
	}

	// Through gob, the way a VM checkpoint carries it.
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&snap); err != nil {
		t.Fatalf("encode: %v", err)
	}
	var decoded hv.DeviceSnapshot
	if err := gob.NewDecoder(&buf).Decode(&decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}

	restored, restoredVM := testDevice(t, 2)
	if err := restored.RestoreSnapshot(decoded); err != nil {
		t.Fatalf("restore: %v", err)
	}

	if got := read32(t, restored, cpuContext(restoredVM, 0), regTaskPriority); got != 0x20 {
		t.Fatalf("task priority = 0x%x, want 0x20", got)
	}
	if got := read32(t, restored, cpuContext(restoredVM, 0), regTimerCurrent); got != 5000 {
		t.Fatalf("timer current = %d, want 5000", got)
	}
	if state, _ := restored.BootState(1); state != "awaiting-startup" {
		t.Fatalf("boot state = %q, want awaiting-startup", state)
	}
	if !restored.InterruptPending(restoredVM.cpus[1]) {
		t.Fatal("queued vector lost across the snapshot")
	}
}

func TestSnapshotRejectsWrongShape(t *testing.T) {
	dev, _ := testDevice(t, 2)

	if err := dev.RestoreSnapshot(struct{}{}); err == nil {
		t.Fatal("restore accepted a foreign snapshot type")
	}

	other, _ := testDevice(t, 3)
	snap, err := other.CaptureSnapshot()
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if err := dev.RestoreSnapshot(snap); err == nil {
		t.Fatal("restore accepted a snapshot with the wrong LAPIC count")
	}
}
