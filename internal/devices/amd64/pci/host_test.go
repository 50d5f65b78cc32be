package pci

import (
	"encoding/binary"
	"strings"
	"testing"

	"github.com/tinyrange/lapic/internal/hv"
)

func configAddress(loc Location, offset uint16) uint32 {
	return 1<<31 |
		uint32(loc.Bus)<<16 |
		uint32(loc.Device)<<11 |
		uint32(loc.Function)<<8 |
		uint32(offset&0xFC)
}

func selectConfig(t *testing.T, hb *HostBridge, loc Location, offset uint16) {
	t.Helper()
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, configAddress(loc, offset))
	if err := hb.WriteIOPort(nil, configAddressPort, buf); err != nil {
		t.Fatalf("write config address: %v", err)
	}
}

func readConfig32(t *testing.T, hb *HostBridge, loc Location, offset uint16) uint32 {
	t.Helper()
	selectConfig(t, hb, loc, offset)
	buf := make([]byte, 4)
	if err := hb.ReadIOPort(nil, configDataPort, buf); err != nil {
		t.Fatalf("read config data: %v", err)
	}
	return binary.LittleEndian.Uint32(buf)
}

func writeConfig32(t *testing.T, hb *HostBridge, loc Location, offset uint16, value uint32) {
	t.Helper()
	selectConfig(t, hb, loc, offset)
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, value)
	if err := hb.WriteIOPort(nil, configDataPort, buf); err != nil {
		t.Fatalf("write config data: %v", err)
	}
}

func TestHostBridgePresent(t *testing.T) {
	hb := NewHostBridge()

	id := readConfig32(t, hb, Location{}, 0x00)
	if id&0xFFFF != 0x8086 {
		t.Fatalf("vendor = 0x%04x, want 0x8086", id&0xFFFF)
	}
	if id>>16 != 0x1237 {
		t.Fatalf("device = 0x%04x, want 0x1237", id>>16)
	}
}

func TestEmptySlotReadsAllOnes(t *testing.T) {
	hb := NewHostBridge()

	got := readConfig32(t, hb, Location{Device: 3}, 0x00)
	if got != 0xFFFFFFFF {
		t.Fatalf("empty slot read = 0x%08x, want all ones", got)
	}

	// Writes to empty slots are dropped without error.
	writeConfig32(t, hb, Location{Device: 3}, 0x04, 0x1234)
}

func TestReadOnlyHeaderFields(t *testing.T) {
	hb := NewHostBridge()

	before := readConfig32(t, hb, Location{}, 0x00)
	writeConfig32(t, hb, Location{}, 0x00, 0xDEADBEEF)
	if got := readConfig32(t, hb, Location{}, 0x00); got != before {
		t.Fatalf("read-only header changed: 0x%08x -> 0x%08x", before, got)
	}
}

func TestWritableConfigBytes(t *testing.T) {
	hb := NewHostBridge()

	config := make([]byte, 64)
	binary.LittleEndian.PutUint16(config[0x00:], 0x1AF4)
	loc := Location{Device: 2}
	if _, err := hb.AddFunction(loc, config); err != nil {
		t.Fatalf("add function: %v", err)
	}

	writeConfig32(t, hb, loc, 0x04, 0x0107)
	if got := readConfig32(t, hb, loc, 0x04); got != 0x0107 {
		t.Fatalf("command register = 0x%x, want 0x0107", got)
	}
}

type moveRecorder struct {
	moves [][2]hv.MMIORegion
}

func (r *moveRecorder) MoveMMIORegion(cpu int, old, new hv.MMIORegion) error {
	r.moves = append(r.moves, [2]hv.MMIORegion{old, new})
	return nil
}

func TestBARSizeProbeAndRemap(t *testing.T) {
	hb := NewHostBridge()
	router := &moveRecorder{}
	hb.SetMemoryRouter(router)

	config := make([]byte, 64)
	binary.LittleEndian.PutUint16(config[0x00:], 0x1AF4)
	loc := Location{Device: 2}
	fn, err := hb.AddFunction(loc, config)
	if err != nil {
		t.Fatalf("add function: %v", err)
	}
	if err := fn.RegisterMemoryBAR(0, 0x1000, 0xE0000000); err != nil {
		t.Fatalf("register BAR: %v", err)
	}

	if got := readConfig32(t, hb, loc, 0x10); got != 0xE0000000 {
		t.Fatalf("BAR0 = 0x%08x, want 0xE0000000", got)
	}

	// Size probe: all-ones write, next read returns the size mask.
	writeConfig32(t, hb, loc, 0x10, 0xFFFFFFFF)
	if got := readConfig32(t, hb, loc, 0x10); got != 0xFFFFF000 {
		t.Fatalf("size probe read = 0x%08x, want 0xFFFFF000", got)
	}

	// A real write reprograms the window and moves the MMIO region.
	writeConfig32(t, hb, loc, 0x10, 0xD0000000)
	if got := readConfig32(t, hb, loc, 0x10); got != 0xD0000000 {
		t.Fatalf("BAR0 after remap = 0x%08x, want 0xD0000000", got)
	}
	if len(router.moves) != 1 {
		t.Fatalf("recorded %d region moves, want 1", len(router.moves))
	}
	move := router.moves[0]
	if move[0].Address != 0xE0000000 || move[1].Address != 0xD0000000 {
		t.Fatalf("moved 0x%x -> 0x%x", move[0].Address, move[1].Address)
	}
}

func TestDeviceIndexOrdering(t *testing.T) {
	hb := NewHostBridge()

	for _, loc := range []Location{
		{Bus: 1, Device: 0}, {Device: 4}, {Device: 2, Function: 1}, {Device: 2},
	} {
		config := make([]byte, 16)
		binary.LittleEndian.PutUint16(config[0x00:], 0x1AF4)
		if _, err := hb.AddFunction(loc, config); err != nil {
			t.Fatalf("add %s: %v", loc, err)
		}
	}

	dump := hb.String()
	want := []string{"00:00.0", "00:02.0", "00:02.1", "00:04.0", "01:00.0"}
	last := -1
	for _, name := range want {
		idx := strings.Index(dump, name)
		if idx < 0 {
			t.Fatalf("%s missing from bus dump %q", name, dump)
		}
		if idx < last {
			t.Fatalf("%s out of order in bus dump %q", name, dump)
		}
		last = idx
	}
}

func TestDuplicateFunctionRejected(t *testing.T) {
	hb := NewHostBridge()

	if _, err := hb.AddFunction(Location{}, nil); err == nil {
		t.Fatal("duplicate function registered")
	}
}
