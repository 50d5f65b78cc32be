package apic

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/lapic/internal/chipset"
	"github.com/tinyrange/lapic/internal/hv"
)

const (
	// BaseAddressMSR is the IA32_APIC_BASE model-specific register.
	BaseAddressMSR uint32 = 0x0000001B

	// DefaultBaseAddress is the architectural reset value of the
	// register bank's physical base.
	DefaultBaseAddress uint64 = 0xFEE00000

	// RegisterBankSize is the size of the memory-mapped register bank.
	RegisterBankSize uint64 = 0x1000

	versionValue = 0x80050010

	msrBootstrapCPU = 1 << 8
	msrEnable       = 1 << 11
	msrBaseMask     = 0x000F_FFFF_FFFF_F000
)

// Register bank offsets.
const (
	regID                  = 0x020
	regVersion             = 0x030
	regTaskPriority        = 0x080
	regArbitrationPriority = 0x090
	regProcessorPriority   = 0x0A0
	regEOI                 = 0x0B0
	regRemoteRead          = 0x0C0
	regLogicalDestination  = 0x0D0
	regDestinationFormat   = 0x0E0
	regSpuriousVector      = 0x0F0
	regISRBase             = 0x100 // 0x100 - 0x170
	regTMRBase             = 0x180 // 0x180 - 0x1F0
	regIRRBase             = 0x200 // 0x200 - 0x270
	regErrorStatus         = 0x280
	regICRLow              = 0x300
	regICRHigh             = 0x310
	regLVTTimer            = 0x320
	regLVTThermal          = 0x330
	regLVTPerf             = 0x340
	regLVTLINT0            = 0x350
	regLVTLINT1            = 0x360
	regLVTError            = 0x370
	regTimerInitial        = 0x380
	regTimerCurrent        = 0x390
	regTimerDivide         = 0x3E0
	regIERBase             = 0x480 // 0x480 - 0x4F0
	regExtIntLVTBase       = 0x500 // 0x500 - 0x530
)

// bootState sequences a secondary CPU through the INIT / Startup-IPI
// handshake.
type bootState int

const (
	bootAwaitingINIT bootState = iota
	bootAwaitingStartup
	bootRunning
)

func (s bootState) String() string {
	switch s {
	case bootAwaitingINIT:
		return "awaiting-INIT"
	case bootAwaitingStartup:
		return "awaiting-startup"
	case bootRunning:
		return "running"
	default:
		return "invalid"
	}
}

// lapic is the per-vCPU interrupt front end.
//
// Ownership discipline: irr, isr and the timer counters are touched
// only by the owning vCPU's thread (MMIO exits and run-loop entries).
// logDst, dstFmt and taskPrio are written by the owner but read by any
// thread routing an IPI, so those accesses go through Device.stateMu.
// The queue carries cross-thread vector traffic and has its own lock.
type lapic struct {
	index    int
	baseAddr uint64
	baseMSR  uint64

	id          uint32
	version     uint32
	taskPrio    uint32
	arbPrio     uint32
	procPrio    uint32
	logDst      uint32
	dstFmt      uint32
	spuriousVec uint32
	errStatus   uint32
	remoteRead  uint32
	icrLo       uint32
	icrHi       uint32

	lvtTimer   localVectorTable
	lvtThermal localVectorTable
	lvtPerf    localVectorTable
	lvtLINT0   localVectorTable
	lvtLINT1   localVectorTable
	lvtError   localVectorTable
	extIntLVT  [4]uint32

	timerInit   uint32
	timerCur    uint32
	timerDivide uint32
	missedTicks uint32

	boot bootState

	irr vectorBitmap
	isr vectorBitmap
	ier vectorBitmap
	tmr vectorBitmap

	queue irqQueue

	vcpu hv.VirtualCPU

	coalesced    uint64
	spuriousEOIs uint64
}

func (a *lapic) reset() {
	*a = lapic{
		index:    a.index,
		vcpu:     a.vcpu,
		baseAddr: DefaultBaseAddress,
		baseMSR:  DefaultBaseAddress | msrEnable,

		id:          uint32(a.index),
		version:     versionValue,
		dstFmt:      0xFFFFFFFF,
		spuriousVec: 0x000000FF,

		lvtTimer:   0x00010000,
		lvtThermal: 0x00010000,
		lvtPerf:    0x00010000,
		lvtLINT0:   0x00010000,
		lvtLINT1:   0x00010000,
		lvtError:   0x00010000,

		boot: bootAwaitingINIT,
	}
	if a.index == 0 {
		a.baseMSR |= msrBootstrapCPU
	}
	a.ier.fill(0xFFFFFFFF)
}

func (a *lapic) enabled() bool {
	return a.baseMSR&msrEnable != 0
}

// activate moves a queued vector into the request bitmap. Returns true
// when the vector was newly raised, false when it was masked off or
// coalesced onto an already-pending request.
func (a *lapic) activate(vector uint8) bool {
	if vector <= reservedVectorLimit {
		slog.Error("apic: refusing reserved vector", "apic", a.id, "vector", vector)
		return false
	}
	if !a.ier.test(vector) {
		slog.Debug("apic: vector not enabled", "apic", a.id, "vector", vector)
		return false
	}
	if a.irr.test(vector) {
		a.coalesced++
		slog.Debug("apic: vector coalesced", "apic", a.id, "vector", vector)
		return false
	}
	a.irr.set(vector)
	return true
}

// enqueue adds a vector to the delivery queue. The owning vCPU drains
// the queue on its next run-loop entry.
func (a *lapic) enqueue(vector uint8) error {
	if vector <= reservedVectorLimit {
		slog.Error("apic: attempt to raise reserved vector",
			"apic", a.id, "vector", vector)
		return fmt.Errorf("apic %d: raise vector %d: %w", a.id, vector, ErrInvalidVector)
	}
	a.queue.enqueue(uint32(vector))
	return nil
}

func (a *lapic) drainQueue() {
	for {
		vector, ok := a.queue.dequeue()
		if !ok {
			return
		}
		a.activate(uint8(vector))
	}
}

// doEOI clears the highest in-service bit. A write with nothing in
// service is the architectural spurious EOI and is discarded.
func (a *lapic) doEOI() {
	isr := a.isr.highest()
	if isr < 0 {
		a.spuriousEOIs++
		slog.Debug("apic: spurious EOI", "apic", a.id)
		return
	}
	a.isr.clear(uint8(isr))
}

// beginInterrupt promotes a vector from requested to in-service, but
// only if this LAPIC raised it in the first place.
func (a *lapic) beginInterrupt(vector uint8) {
	if !a.irr.test(vector) {
		return
	}
	a.irr.clear(vector)
	a.isr.set(vector)
}

func (a *lapic) interruptPending() bool {
	a.drainQueue()
	req := a.irr.highest()
	svc := a.isr.highest()
	return req >= 0 && req > svc
}

func (a *lapic) nextInterrupt() int {
	req := a.irr.highest()
	svc := a.isr.highest()
	if svc == -1 || svc < req {
		return req
	}
	return -1
}

// MemoryRouter rebinds a LAPIC's register window when the guest moves
// the base address through the MSR. The chipset implements this.
type MemoryRouter interface {
	MoveMMIORegion(cpu int, old, new hv.MMIORegion) error
}

// Device is the fleet of per-vCPU LAPICs plus the shared routing
// state. One instance serves a whole virtual machine.
type Device struct {
	// stateMu protects cross-LAPIC reads and writes of the
	// addressability fields (logical destination, destination format,
	// task priority) and the identity scan for physical delivery. It
	// is never held across an enqueue or a vCPU reset.
	stateMu sync.Mutex

	apics  []lapic
	vm     hv.VirtualMachine
	memory MemoryRouter

	defaultBase uint64

	ipisRouted atomic.Uint64
}

// Option configures a Device at construction.
type Option func(*Device)

// WithBaseAddress overrides the initial register bank base for every
// LAPIC in the fleet.
func WithBaseAddress(base uint64) Option {
	return func(d *Device) {
		d.defaultBase = base &^ (RegisterBankSize - 1)
	}
}

// New builds one LAPIC per vCPU. The vCPU references are wired in Init.
func New(numCPUs int, opts ...Option) *Device {
	if numCPUs <= 0 {
		numCPUs = 1
	}
	d := &Device{
		apics:       make([]lapic, numCPUs),
		defaultBase: DefaultBaseAddress,
	}
	for _, opt := range opts {
		opt(d)
	}
	for i := range d.apics {
		d.apics[i].index = i
		d.apics[i].reset()
		d.apics[i].baseAddr = d.defaultBase
		d.apics[i].baseMSR = d.defaultBase | (d.apics[i].baseMSR &^ msrBaseMask)
	}
	return d
}

// SetMemoryRouter wires the chipset hook used to re-register a
// register window after a base-address MSR write.
func (d *Device) SetMemoryRouter(router MemoryRouter) {
	d.memory = router
}

// Init implements hv.Device.
func (d *Device) Init(vm hv.VirtualMachine) error {
	if vm == nil {
		return fmt.Errorf("apic: nil virtual machine")
	}
	if vm.CPUCount() != len(d.apics) {
		return fmt.Errorf("apic: %d LAPICs for %d vCPUs", len(d.apics), vm.CPUCount())
	}
	d.vm = vm
	for i := range d.apics {
		d.apics[i].vcpu = vm.VirtualCPU(i)
	}
	return nil
}

// Start implements chipset.ChangeDeviceState.
func (d *Device) Start() error { return nil }

// Stop implements chipset.ChangeDeviceState.
func (d *Device) Stop() error { return nil }

// Reset implements chipset.ChangeDeviceState.
func (d *Device) Reset() error {
	for i := range d.apics {
		d.apics[i].reset()
		d.apics[i].baseAddr = d.defaultBase
		d.apics[i].baseMSR = d.defaultBase | (d.apics[i].baseMSR &^ msrBaseMask)
	}
	return nil
}

// SupportsPortIO implements chipset.ChipsetDevice.
func (d *Device) SupportsPortIO() *chipset.PortIOIntercept { return nil }

// SupportsMmio implements chipset.ChipsetDevice. Each LAPIC hooks one
// 4 KiB window, visible only to its own vCPU.
func (d *Device) SupportsMmio() *chipset.MmioIntercept {
	bindings := make([]chipset.MMIOBinding, len(d.apics))
	for i := range d.apics {
		bindings[i] = chipset.MMIOBinding{
			Region: hv.MMIORegion{Address: d.apics[i].baseAddr, Size: RegisterBankSize},
			CPU:    i,
		}
	}
	return &chipset.MmioIntercept{Bindings: bindings, Handler: d}
}

// SupportsMSR implements chipset.ChipsetDevice.
func (d *Device) SupportsMSR() *chipset.MSRIntercept {
	return &chipset.MSRIntercept{MSRs: []uint32{BaseAddressMSR}, Handler: d}
}

// SupportsInterruptController implements chipset.ChipsetDevice.
func (d *Device) SupportsInterruptController() *chipset.InterruptControllerIntercept {
	return &chipset.InterruptControllerIntercept{Handler: d}
}

// SupportsCycleTimer implements chipset.ChipsetDevice.
func (d *Device) SupportsCycleTimer() *chipset.CycleTimerIntercept {
	return &chipset.CycleTimerIntercept{Handler: d}
}

func (d *Device) apicForContext(ctx hv.ExitContext) (*lapic, error) {
	if ctx == nil || ctx.VCPU() == nil {
		return nil, fmt.Errorf("apic: access without a vCPU context")
	}
	return d.apicForCPU(ctx.VCPU().ID())
}

func (d *Device) apicForCPU(cpu int) (*lapic, error) {
	if cpu < 0 || cpu >= len(d.apics) {
		return nil, fmt.Errorf("apic: no LAPIC for vcpu %d", cpu)
	}
	return &d.apics[cpu], nil
}

// ReadMMIO implements chipset.MmioHandler.
func (d *Device) ReadMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	apic, err := d.apicForContext(ctx)
	if err != nil {
		return err
	}
	if !apic.enabled() {
		return fmt.Errorf("apic %d: read at 0x%x: %w", apic.id, addr, ErrDisabledAPIC)
	}

	offset := addr - apic.baseAddr
	value, err := d.readRegister(apic, offset&^0x3)
	if err != nil {
		return err
	}

	byteOffset := int(offset & 0x3)
	switch len(data) {
	case 1:
		data[0] = byte(value >> (8 * byteOffset))
	case 2:
		if byteOffset == 3 {
			return fmt.Errorf("apic %d: 2-byte read at 0x%x crosses subword: %w",
				apic.id, offset, ErrInvalidLength)
		}
		binary.LittleEndian.PutUint16(data, uint16(value>>(8*byteOffset)))
	case 4:
		if byteOffset != 0 {
			return fmt.Errorf("apic %d: misaligned 4-byte read at 0x%x: %w",
				apic.id, offset, ErrInvalidLength)
		}
		binary.LittleEndian.PutUint32(data, value)
	default:
		return fmt.Errorf("apic %d: read length %d: %w", apic.id, len(data), ErrInvalidLength)
	}
	return nil
}

func (d *Device) readRegister(apic *lapic, offset uint64) (uint32, error) {
	switch offset {
	case regEOI:
		// Architecturally write-only, but guests read it anyway.
		return 0, nil
	case regID:
		return apic.id, nil
	case regVersion:
		return apic.version, nil
	case regTaskPriority:
		return apic.taskPrio, nil
	case regArbitrationPriority:
		return apic.arbPrio, nil
	case regProcessorPriority:
		return apic.procPrio, nil
	case regRemoteRead:
		return apic.remoteRead, nil
	case regLogicalDestination:
		return apic.logDst, nil
	case regDestinationFormat:
		return apic.dstFmt, nil
	case regSpuriousVector:
		return apic.spuriousVec, nil
	case regErrorStatus:
		return apic.errStatus, nil
	case regICRLow:
		return apic.icrLo, nil
	case regICRHigh:
		return apic.icrHi, nil
	case regLVTTimer:
		return uint32(apic.lvtTimer), nil
	case regLVTThermal:
		return uint32(apic.lvtThermal), nil
	case regLVTPerf:
		return uint32(apic.lvtPerf), nil
	case regLVTLINT0:
		return uint32(apic.lvtLINT0), nil
	case regLVTLINT1:
		return uint32(apic.lvtLINT1), nil
	case regLVTError:
		return uint32(apic.lvtError), nil
	case regTimerInitial:
		return apic.timerInit, nil
	case regTimerCurrent:
		return apic.timerCur, nil
	case regTimerDivide:
		return apic.timerDivide, nil
	}

	if idx, ok := bitmapWordIndex(offset, regISRBase); ok {
		return apic.isr.word(idx), nil
	}
	if idx, ok := bitmapWordIndex(offset, regTMRBase); ok {
		return apic.tmr.word(idx), nil
	}
	if idx, ok := bitmapWordIndex(offset, regIRRBase); ok {
		return apic.irr.word(idx), nil
	}
	if idx, ok := bitmapWordIndex(offset, regIERBase); ok {
		return apic.ier.word(idx), nil
	}
	if idx, ok := extIntLVTIndex(offset); ok {
		return apic.extIntLVT[idx], nil
	}

	slog.Warn("apic: read from unhandled register",
		"apic", apic.id, "offset", fmt.Sprintf("0x%03x", offset))
	return 0, fmt.Errorf("apic %d: read at 0x%03x: %w", apic.id, offset, ErrUnhandled)
}

// WriteMMIO implements chipset.MmioHandler.
func (d *Device) WriteMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	apic, err := d.apicForContext(ctx)
	if err != nil {
		return err
	}
	if !apic.enabled() {
		return fmt.Errorf("apic %d: write at 0x%x: %w", apic.id, addr, ErrDisabledAPIC)
	}

	offset := addr - apic.baseAddr
	if len(data) != 4 || offset&0x3 != 0 {
		return fmt.Errorf("apic %d: write length %d at 0x%x: %w",
			apic.id, len(data), offset, ErrInvalidLength)
	}
	value := binary.LittleEndian.Uint32(data)

	switch offset {
	case regVersion, regArbitrationPriority, regProcessorPriority, regRemoteRead:
		slog.Warn("apic: write to read-only register",
			"apic", apic.id, "offset", fmt.Sprintf("0x%03x", offset))
		return fmt.Errorf("apic %d: write at 0x%03x: %w", apic.id, offset, ErrReadOnly)

	case regID:
		d.stateMu.Lock()
		apic.id = value
		d.stateMu.Unlock()
		return nil
	case regTaskPriority:
		d.stateMu.Lock()
		apic.taskPrio = value
		d.stateMu.Unlock()
		return nil
	case regLogicalDestination:
		d.stateMu.Lock()
		apic.logDst = value
		d.stateMu.Unlock()
		return nil
	case regDestinationFormat:
		d.stateMu.Lock()
		apic.dstFmt = value
		d.stateMu.Unlock()
		return nil
	case regSpuriousVector:
		apic.spuriousVec = value
		return nil
	case regErrorStatus:
		apic.errStatus = value
		return nil
	case regLVTTimer:
		apic.lvtTimer = localVectorTable(value)
		return nil
	case regLVTThermal:
		apic.lvtThermal = localVectorTable(value)
		return nil
	case regLVTPerf:
		apic.lvtPerf = localVectorTable(value)
		return nil
	case regLVTLINT0:
		apic.lvtLINT0 = localVectorTable(value)
		return nil
	case regLVTLINT1:
		apic.lvtLINT1 = localVectorTable(value)
		return nil
	case regLVTError:
		apic.lvtError = localVectorTable(value)
		return nil
	case regTimerInitial:
		apic.timerInit = value
		apic.timerCur = value
		return nil
	case regTimerCurrent:
		apic.timerCur = value
		return nil
	case regTimerDivide:
		apic.timerDivide = value
		return nil

	case regEOI:
		apic.doEOI()
		return nil

	case regICRLow:
		apic.icrLo = value
		cmd := commandFrom(apic.icrHi, apic.icrLo)
		if err := d.routeIPI(apic, cmd); err != nil {
			// The guest cannot observe routing failures through the
			// triggering store; it would need the error status
			// register, which this core does not update.
			slog.Error("apic: IPI routing failed",
				"apic", apic.id, "command", cmd.String(), "error", err)
		}
		return nil
	case regICRHigh:
		apic.icrHi = value
		return nil
	}

	if idx, ok := bitmapWordIndex(offset, regIERBase); ok {
		apic.ier.setWord(idx, value)
		return nil
	}
	if idx, ok := extIntLVTIndex(offset); ok {
		apic.extIntLVT[idx] = value
		return nil
	}
	if _, ok := bitmapWordIndex(offset, regISRBase); ok {
		return fmt.Errorf("apic %d: write at 0x%03x: %w", apic.id, offset, ErrReadOnly)
	}
	if _, ok := bitmapWordIndex(offset, regTMRBase); ok {
		return fmt.Errorf("apic %d: write at 0x%03x: %w", apic.id, offset, ErrReadOnly)
	}
	if _, ok := bitmapWordIndex(offset, regIRRBase); ok {
		return fmt.Errorf("apic %d: write at 0x%03x: %w", apic.id, offset, ErrReadOnly)
	}

	slog.Warn("apic: write to unhandled register",
		"apic", apic.id, "offset", fmt.Sprintf("0x%03x", offset), "value", value)
	return fmt.Errorf("apic %d: write at 0x%03x: %w", apic.id, offset, ErrUnhandled)
}

func bitmapWordIndex(offset, base uint64) (int, bool) {
	if offset < base || offset > base+0x70 {
		return 0, false
	}
	rel := offset - base
	if rel%0x10 != 0 {
		return 0, false
	}
	return int(rel / 0x10), true
}

func extIntLVTIndex(offset uint64) (int, bool) {
	if offset < regExtIntLVTBase || offset > regExtIntLVTBase+0x30 {
		return 0, false
	}
	rel := offset - regExtIntLVTBase
	if rel%0x10 != 0 {
		return 0, false
	}
	return int(rel / 0x10), true
}

// ReadMSR implements chipset.MSRHandler.
func (d *Device) ReadMSR(ctx hv.ExitContext, msr uint32) (uint64, error) {
	apic, err := d.apicForContext(ctx)
	if err != nil {
		return 0, err
	}
	return apic.baseMSR, nil
}

// WriteMSR implements chipset.MSRHandler. Moving the base unhooks the
// old register window and hooks the new one; exactly one 4 KiB window
// stays mapped per LAPIC.
func (d *Device) WriteMSR(ctx hv.ExitContext, msr uint32, value uint64) error {
	apic, err := d.apicForContext(ctx)
	if err != nil {
		return err
	}

	newBase := value & msrBaseMask
	if d.memory != nil && newBase != apic.baseAddr {
		old := hv.MMIORegion{Address: apic.baseAddr, Size: RegisterBankSize}
		updated := hv.MMIORegion{Address: newBase, Size: RegisterBankSize}
		if err := d.memory.MoveMMIORegion(apic.index, old, updated); err != nil {
			return fmt.Errorf("apic %d: rehook register bank at 0x%x: %w",
				apic.id, newBase, err)
		}
	}

	apic.baseMSR = value
	apic.baseAddr = newBase
	return nil
}

// InterruptPending implements chipset.InterruptController. It drains
// the vCPU's queue into the request bitmap and reports whether the
// highest request outranks the highest in-service vector.
func (d *Device) InterruptPending(vcpu hv.VirtualCPU) bool {
	apic, err := d.apicForCPU(vcpu.ID())
	if err != nil {
		return false
	}
	return apic.interruptPending()
}

// NextInterrupt implements chipset.InterruptController.
func (d *Device) NextInterrupt(vcpu hv.VirtualCPU) int {
	apic, err := d.apicForCPU(vcpu.ID())
	if err != nil {
		return -1
	}
	return apic.nextInterrupt()
}

// BeginInterrupt implements chipset.InterruptController.
func (d *Device) BeginInterrupt(vcpu hv.VirtualCPU, vector uint8) {
	apic, err := d.apicForCPU(vcpu.ID())
	if err != nil {
		return
	}
	apic.beginInterrupt(vector)
}

// RaiseInterrupt delivers a vector directly to one vCPU's LAPIC,
// kicking the owning thread when the caller runs elsewhere.
func (d *Device) RaiseInterrupt(cpu int, vector uint8) error {
	apic, err := d.apicForCPU(cpu)
	if err != nil {
		return err
	}
	if err := apic.enqueue(vector); err != nil {
		return err
	}
	if apic.vcpu != nil && apic.vcpu.ThreadID() != hv.CurrentThreadID() {
		if err := apic.vcpu.Kick(); err != nil {
			slog.Warn("apic: kick failed", "apic", apic.id, "error", err)
		}
	}
	return nil
}

// BootState reports where a vCPU's LAPIC sits in the INIT/Startup
// handshake. Exposed for checkpointing and the run loop's parking
// decision.
func (d *Device) BootState(cpu int) (string, error) {
	apic, err := d.apicForCPU(cpu)
	if err != nil {
		return "", err
	}
	return apic.boot.String(), nil
}

var (
	_ hv.Device                   = (*Device)(nil)
	_ chipset.ChipsetDevice       = (*Device)(nil)
	_ chipset.MmioHandler         = (*Device)(nil)
	_ chipset.MSRHandler          = (*Device)(nil)
	_ chipset.InterruptController = (*Device)(nil)
	_ chipset.CycleTimer          = (*Device)(nil)
)
