package apic

import (
	"encoding/gob"
	"fmt"

	"github.com/tinyrange/lapic/internal/hv"
)

func init() {
	// Register snapshot types for gob encoding/decoding so VM
	// checkpoints can carry device state.
	gob.Register(&deviceSnapshot{})
	gob.Register(&lapicSnapshot{})
}

type lapicSnapshot struct {
	BaseAddr uint64
	BaseMSR  uint64

	ID          uint32
	Version     uint32
	TaskPrio    uint32
	ArbPrio     uint32
	ProcPrio    uint32
	LogDst      uint32
	DstFmt      uint32
	SpuriousVec uint32
	ErrStatus   uint32
	RemoteRead  uint32
	ICRLow      uint32
	ICRHigh     uint32

	LVTTimer   uint32
	LVTThermal uint32
	LVTPerf    uint32
	LVTLINT0   uint32
	LVTLINT1   uint32
	LVTError   uint32
	ExtIntLVT  [4]uint32

	TimerInit   uint32
	TimerCur    uint32
	TimerDivide uint32
	MissedTicks uint32

	BootState int

	IRR [bitmapWords]uint32
	ISR [bitmapWords]uint32
	IER [bitmapWords]uint32
	TMR [bitmapWords]uint32

	Queue []uint32
}

type deviceSnapshot struct {
	APICs []lapicSnapshot
}

// DeviceId implements hv.DeviceSnapshotter.
func (d *Device) DeviceId() string { return "lapic" }

// CaptureSnapshot implements hv.DeviceSnapshotter. All vCPUs must be
// paused; only then are the owner-thread bitmaps stable.
func (d *Device) CaptureSnapshot() (hv.DeviceSnapshot, error) {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()

	snap := &deviceSnapshot{
		APICs: make([]lapicSnapshot, len(d.apics)),
	}
	for i := range d.apics {
		apic := &d.apics[i]
		entry := &snap.APICs[i]

		entry.BaseAddr = apic.baseAddr
		entry.BaseMSR = apic.baseMSR
		entry.ID = apic.id
		entry.Version = apic.version
		entry.TaskPrio = apic.taskPrio
		entry.ArbPrio = apic.arbPrio
		entry.ProcPrio = apic.procPrio
		entry.LogDst = apic.logDst
		entry.DstFmt = apic.dstFmt
		entry.SpuriousVec = apic.spuriousVec
		entry.ErrStatus = apic.errStatus
		entry.RemoteRead = apic.remoteRead
		entry.ICRLow = apic.icrLo
		entry.ICRHigh = apic.icrHi
		entry.LVTTimer = uint32(apic.lvtTimer)
		entry.LVTThermal = uint32(apic.lvtThermal)
		entry.LVTPerf = uint32(apic.lvtPerf)
		entry.LVTLINT0 = uint32(apic.lvtLINT0)
		entry.LVTLINT1 = uint32(apic.lvtLINT1)
		entry.LVTError = uint32(apic.lvtError)
		entry.ExtIntLVT = apic.extIntLVT
		entry.TimerInit = apic.timerInit
		entry.TimerCur = apic.timerCur
		entry.TimerDivide = apic.timerDivide
		entry.MissedTicks = apic.missedTicks
		entry.BootState = int(apic.boot)
		entry.IRR = apic.irr
		entry.ISR = apic.isr
		entry.IER = apic.ier
		entry.TMR = apic.tmr

		apic.queue.mu.Lock()
		entry.Queue = append([]uint32(nil), apic.queue.entries...)
		apic.queue.mu.Unlock()
	}
	return snap, nil
}

// RestoreSnapshot implements hv.DeviceSnapshotter.
func (d *Device) RestoreSnapshot(snap hv.DeviceSnapshot) error {
	data, ok := snap.(*deviceSnapshot)
	if !ok {
		return fmt.Errorf("apic: invalid snapshot type %T", snap)
	}
	if len(data.APICs) != len(d.apics) {
		return fmt.Errorf("apic: snapshot has %d LAPICs, device has %d",
			len(data.APICs), len(d.apics))
	}

	d.stateMu.Lock()
	defer d.stateMu.Unlock()

	for i := range d.apics {
		apic := &d.apics[i]
		entry := &data.APICs[i]

		apic.baseAddr = entry.BaseAddr
		apic.baseMSR = entry.BaseMSR
		apic.id = entry.ID
		apic.version = entry.Version
		apic.taskPrio = entry.TaskPrio
		apic.arbPrio = entry.ArbPrio
		apic.procPrio = entry.ProcPrio
		apic.logDst = entry.LogDst
		apic.dstFmt = entry.DstFmt
		apic.spuriousVec = entry.SpuriousVec
		apic.errStatus = entry.ErrStatus
		apic.remoteRead = entry.RemoteRead
		apic.icrLo = entry.ICRLow
		apic.icrHi = entry.ICRHigh
		apic.lvtTimer = localVectorTable(entry.LVTTimer)
		apic.lvtThermal = localVectorTable(entry.LVTThermal)
		apic.lvtPerf = localVectorTable(entry.LVTPerf)
		apic.lvtLINT0 = localVectorTable(entry.LVTLINT0)
		apic.lvtLINT1 = localVectorTable(entry.LVTLINT1)
		apic.lvtError = localVectorTable(entry.LVTError)
		apic.extIntLVT = entry.ExtIntLVT
		apic.timerInit = entry.TimerInit
		apic.timerCur = entry.TimerCur
		apic.timerDivide = entry.TimerDivide
		apic.missedTicks = entry.MissedTicks
		apic.boot = bootState(entry.BootState)
		apic.irr = entry.IRR
		apic.isr = entry.ISR
		apic.ier = entry.IER
		apic.tmr = entry.TMR

		apic.queue.mu.Lock()
		apic.queue.entries = append([]uint32(nil), entry.Queue...)
		apic.queue.mu.Unlock()
	}
	return nil
}

var _ hv.DeviceSnapshotter = (*Device)(nil)
