package pci

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/btree"
	"github.com/tinyrange/lapic/internal/chipset"
	"github.com/tinyrange/lapic/internal/hv"
)

const (
	configAddressPort = 0x0CF8
	configDataPort    = 0x0CFC

	configSpaceSize = 256

	type0BAROffset = 0x10
	type0BARCount  = 6
	type0BARStride = 4

	barMemoryMask = 0xFFFFFFF0
)

// Location names one configuration-space function.
type Location struct {
	Bus      uint8
	Device   uint8
	Function uint8
}

func (l Location) String() string {
	return fmt.Sprintf("%02x:%02x.%x", l.Bus, l.Device, l.Function)
}

func (l Location) less(other Location) bool {
	if l.Bus != other.Bus {
		return l.Bus < other.Bus
	}
	if l.Device != other.Device {
		return l.Device < other.Device
	}
	return l.Function < other.Function
}

// BARListener is notified after a base address register is
// reprogrammed and its window moved.
type BARListener interface {
	OnBARReprogram(index int, base uint64) error
}

type barState struct {
	size    uint32
	region  hv.MMIORegion
	mapped  bool
	probing bool
}

type deviceSlot struct {
	loc      Location
	config   [configSpaceSize]byte
	readOnly map[uint16]struct{}
	bars     [type0BARCount]barState
	listener BARListener
}

// MemoryRouter rebinds a function's MMIO window after a BAR move.
// The chipset implements this; the APIC base-address MSR path shares
// the same contract.
type MemoryRouter interface {
	MoveMMIORegion(cpu int, old, new hv.MMIORegion) error
}

// HostBridge is the configuration-space bus controller: legacy type-1
// config cycles through ports 0xCF8/0xCFC, an ordered device index,
// and BAR window remapping.
type HostBridge struct {
	mu sync.Mutex

	address uint32
	devices *btree.BTreeG[*deviceSlot]
	memory  MemoryRouter
}

// NewHostBridge builds a bus with the host bridge itself at 00:00.0.
func NewHostBridge() *HostBridge {
	hb := &HostBridge{
		devices: btree.NewG(8, func(a, b *deviceSlot) bool {
			return a.loc.less(b.loc)
		}),
	}

	host := make([]byte, configSpaceSize)
	binary.LittleEndian.PutUint16(host[0x00:], 0x8086) // Vendor ID
	binary.LittleEndian.PutUint16(host[0x02:], 0x1237) // Device ID (82441FX)
	host[0x08] = 0x02                                  // Revision
	host[0x0A] = 0x00                                  // Subclass: host bridge
	host[0x0B] = 0x06                                  // Class: bridge
	fn, err := hb.AddFunction(Location{}, host)
	if err != nil {
		panic(err)
	}
	fn.SetReadOnlyRange(0x00, 0x0B)
	fn.SetReadOnlyRange(0x0E, 0x0E)
	return hb
}

// SetMemoryRouter wires the chipset hook used when a BAR write moves a
// function's register window.
func (hb *HostBridge) SetMemoryRouter(router MemoryRouter) {
	hb.mu.Lock()
	defer hb.mu.Unlock()
	hb.memory = router
}

// Function is the handle returned to a registered endpoint.
type Function struct {
	host *HostBridge
	slot *deviceSlot
}

// AddFunction registers a configuration space at the given location.
func (hb *HostBridge) AddFunction(loc Location, config []byte) (*Function, error) {
	if len(config) > configSpaceSize {
		return nil, fmt.Errorf("pci: config space for %s is %d bytes", loc, len(config))
	}

	hb.mu.Lock()
	defer hb.mu.Unlock()

	slot := &deviceSlot{
		loc:      loc,
		readOnly: make(map[uint16]struct{}),
	}
	copy(slot.config[:], config)
	if _, present := hb.devices.Get(slot); present {
		return nil, fmt.Errorf("pci: function %s already registered", loc)
	}
	hb.devices.ReplaceOrInsert(slot)
	return &Function{host: hb, slot: slot}, nil
}

// SetReadOnlyRange marks [start, end] as immutable header bytes.
func (f *Function) SetReadOnlyRange(start, end uint16) {
	f.host.mu.Lock()
	defer f.host.mu.Unlock()
	for off := start; off <= end && off < configSpaceSize; off++ {
		f.slot.readOnly[off] = struct{}{}
	}
}

// SetListener registers a callback for BAR reprogramming.
func (f *Function) SetListener(listener BARListener) {
	f.host.mu.Lock()
	defer f.host.mu.Unlock()
	f.slot.listener = listener
}

// RegisterMemoryBAR declares a memory BAR of the given power-of-two
// size with an initial window base.
func (f *Function) RegisterMemoryBAR(index int, size uint32, base uint64) error {
	if index < 0 || index >= type0BARCount {
		return fmt.Errorf("pci: BAR index %d out of range", index)
	}
	if size == 0 || size&(size-1) != 0 {
		return fmt.Errorf("pci: BAR size 0x%x is not a power of two", size)
	}

	f.host.mu.Lock()
	defer f.host.mu.Unlock()

	bar := &f.slot.bars[index]
	bar.size = size
	bar.region = hv.MMIORegion{Address: base, Size: uint64(size)}
	bar.mapped = base != 0
	binary.LittleEndian.PutUint32(
		f.slot.config[type0BAROffset+index*type0BARStride:], uint32(base)&barMemoryMask)
	return nil
}

// Init implements hv.Device.
func (hb *HostBridge) Init(vm hv.VirtualMachine) error { return nil }

// Start implements chipset.ChangeDeviceState.
func (hb *HostBridge) Start() error { return nil }

// Stop implements chipset.ChangeDeviceState.
func (hb *HostBridge) Stop() error { return nil }

// Reset implements chipset.ChangeDeviceState.
func (hb *HostBridge) Reset() error {
	hb.mu.Lock()
	defer hb.mu.Unlock()
	hb.address = 0
	return nil
}

// SupportsPortIO implements chipset.ChipsetDevice.
func (hb *HostBridge) SupportsPortIO() *chipset.PortIOIntercept {
	return &chipset.PortIOIntercept{
		Ports: []uint16{
			0x0CF8, 0x0CF9, 0x0CFA, 0x0CFB,
			0x0CFC, 0x0CFD, 0x0CFE, 0x0CFF,
		},
		Handler: hb,
	}
}

// SupportsMmio implements chipset.ChipsetDevice.
func (hb *HostBridge) SupportsMmio() *chipset.MmioIntercept { return nil }

// SupportsMSR implements chipset.ChipsetDevice.
func (hb *HostBridge) SupportsMSR() *chipset.MSRIntercept { return nil }

// SupportsInterruptController implements chipset.ChipsetDevice.
func (hb *HostBridge) SupportsInterruptController() *chipset.InterruptControllerIntercept {
	return nil
}

// SupportsCycleTimer implements chipset.ChipsetDevice.
func (hb *HostBridge) SupportsCycleTimer() *chipset.CycleTimerIntercept { return nil }

func (hb *HostBridge) lookup(loc Location) *deviceSlot {
	probe := &deviceSlot{loc: loc}
	slot, _ := hb.devices.Get(probe)
	return slot
}

func decodeAddress(address uint32) (Location, uint16, bool) {
	if address&(1<<31) == 0 {
		return Location{}, 0, false
	}
	loc := Location{
		Bus:      uint8(address >> 16),
		Device:   uint8(address>>11) & 0x1F,
		Function: uint8(address>>8) & 0x7,
	}
	return loc, uint16(address & 0xFC), true
}

// ReadIOPort implements chipset.PortIOHandler.
func (hb *HostBridge) ReadIOPort(ctx hv.ExitContext, port uint16, data []byte) error {
	hb.mu.Lock()
	defer hb.mu.Unlock()

	switch {
	case port >= configAddressPort && port < configAddressPort+4:
		shift := 8 * uint(port-configAddressPort)
		value := hb.address >> shift
		for i := range data {
			data[i] = byte(value >> (8 * uint(i)))
		}
		return nil

	case port >= configDataPort && port < configDataPort+4:
		loc, offset, enabled := decodeAddress(hb.address)
		if !enabled {
			fill(data, 0xFF)
			return nil
		}
		slot := hb.lookup(loc)
		if slot == nil {
			// Probing an empty slot reads all-ones.
			fill(data, 0xFF)
			return nil
		}
		offset += port - configDataPort
		for i := range data {
			idx := int(offset) + i
			if idx >= configSpaceSize {
				data[i] = 0xFF
				continue
			}
			data[i] = hb.readConfigByte(slot, uint16(idx))
		}
		return nil

	default:
		return fmt.Errorf("pci: invalid read port 0x%04x", port)
	}
}

func (hb *HostBridge) readConfigByte(slot *deviceSlot, offset uint16) byte {
	if offset >= type0BAROffset && offset < type0BAROffset+type0BARCount*type0BARStride {
		index := int(offset-type0BAROffset) / type0BARStride
		bar := &slot.bars[index]
		if bar.size != 0 && bar.probing {
			mask := ^(bar.size - 1) & barMemoryMask
			return byte(mask >> (8 * uint(offset%type0BARStride)))
		}
	}
	return slot.config[offset]
}

// WriteIOPort implements chipset.PortIOHandler.
func (hb *HostBridge) WriteIOPort(ctx hv.ExitContext, port uint16, data []byte) error {
	hb.mu.Lock()
	defer hb.mu.Unlock()

	switch {
	case port >= configAddressPort && port < configAddressPort+4:
		shift := 8 * uint(port-configAddressPort)
		for i := range data {
			byteShift := shift + 8*uint(i)
			if byteShift >= 32 {
				break
			}
			hb.address &^= 0xFF << byteShift
			hb.address |= uint32(data[i]) << byteShift
		}
		return nil

	case port >= configDataPort && port < configDataPort+4:
		loc, offset, enabled := decodeAddress(hb.address)
		if !enabled {
			return nil
		}
		slot := hb.lookup(loc)
		if slot == nil {
			// Writes to empty slots are dropped.
			return nil
		}
		offset += port - configDataPort
		return hb.writeConfig(slot, offset, data)

	default:
		return fmt.Errorf("pci: invalid write port 0x%04x", port)
	}
}

func (hb *HostBridge) writeConfig(slot *deviceSlot, offset uint16, data []byte) error {
	if len(data) == 4 && offset%4 == 0 &&
		offset >= type0BAROffset && offset < type0BAROffset+type0BARCount*type0BARStride {
		return hb.writeBAR(slot, offset, binary.LittleEndian.Uint32(data))
	}

	for i := range data {
		idx := offset + uint16(i)
		if idx >= configSpaceSize {
			break
		}
		if _, ro := slot.readOnly[idx]; ro {
			continue
		}
		slot.config[idx] = data[i]
	}
	return nil
}

// writeBAR handles the size-probe handshake and window moves.
func (hb *HostBridge) writeBAR(slot *deviceSlot, offset uint16, value uint32) error {
	index := int(offset-type0BAROffset) / type0BARStride
	bar := &slot.bars[index]

	if bar.size == 0 {
		// Unimplemented BARs read back zero.
		return nil
	}

	if value == 0xFFFFFFFF {
		bar.probing = true
		return nil
	}
	bar.probing = false

	newBase := uint64(value & barMemoryMask & ^(bar.size - 1))
	binary.LittleEndian.PutUint32(slot.config[offset:], uint32(newBase))

	if newBase == bar.region.Address {
		return nil
	}

	old := bar.region
	bar.region = hv.MMIORegion{Address: newBase, Size: uint64(bar.size)}

	if bar.mapped && hb.memory != nil {
		if err := hb.memory.MoveMMIORegion(chipset.AnyCPU, old, bar.region); err != nil {
			return fmt.Errorf("pci: move BAR %d window for %s: %w", index, slot.loc, err)
		}
	}
	bar.mapped = newBase != 0

	if slot.listener != nil {
		if err := slot.listener.OnBARReprogram(index, newBase); err != nil {
			slog.Warn("pci: BAR reprogram listener failed",
				"function", slot.loc.String(), "bar", index, "error", err)
		}
	}
	return nil
}

// String dumps the bus in index order, for debugging.
func (hb *HostBridge) String() string {
	hb.mu.Lock()
	defer hb.mu.Unlock()

	var sb strings.Builder
	sb.WriteString("PCI bus:")
	hb.devices.Ascend(func(slot *deviceSlot) bool {
		vendor := binary.LittleEndian.Uint16(slot.config[0x00:])
		device := binary.LittleEndian.Uint16(slot.config[0x02:])
		fmt.Fprintf(&sb, " [%s %04x:%04x]", slot.loc, vendor, device)
		return true
	})
	return sb.String()
}

func fill(data []byte, value byte) {
	for i := range data {
		data[i] = value
	}
}

var (
	_ hv.Device             = (*HostBridge)(nil)
	_ chipset.ChipsetDevice = (*HostBridge)(nil)
	_ chipset.PortIOHandler = (*HostBridge)(nil)
)
