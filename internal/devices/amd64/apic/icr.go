package apic

import "fmt"

// Delivery modes carried in the ICR and in local vector table entries.
const (
	DeliveryFixed          = 0x0
	DeliveryLowestPriority = 0x1
	DeliverySMI            = 0x2
	DeliveryReserved       = 0x3
	DeliveryNMI            = 0x4
	DeliveryINIT           = 0x5
	DeliveryStartup        = 0x6
	DeliveryExtInt         = 0x7
)

// Destination shorthands carried in the ICR.
const (
	ShorthandNone       = 0x0
	ShorthandSelf       = 0x1
	ShorthandAll        = 0x2
	ShorthandAllButSelf = 0x3
)

// Destination format models selected by the top nibble of the
// destination format register.
const (
	destFormatFlat    = 0xF
	destFormatCluster = 0x0
)

func deliveryModeString(mode uint8) string {
	switch mode {
	case DeliveryFixed:
		return "fixed"
	case DeliveryLowestPriority:
		return "lowest-priority"
	case DeliverySMI:
		return "SMI"
	case DeliveryReserved:
		return "reserved"
	case DeliveryNMI:
		return "NMI"
	case DeliveryINIT:
		return "INIT"
	case DeliveryStartup:
		return "startup"
	case DeliveryExtInt:
		return "ExtInt"
	default:
		return fmt.Sprintf("invalid(%d)", mode)
	}
}

func shorthandString(shorthand uint8) string {
	switch shorthand {
	case ShorthandNone:
		return "none"
	case ShorthandSelf:
		return "self"
	case ShorthandAll:
		return "all"
	case ShorthandAllButSelf:
		return "all-but-self"
	default:
		return fmt.Sprintf("invalid(%d)", shorthand)
	}
}

// interruptCommand is a snapshot of the 64-bit interrupt command
// register. Writing the low half triggers routing on the snapshot, so
// a concurrent high-half update cannot tear a command in flight.
type interruptCommand uint64

func commandFrom(hi, lo uint32) interruptCommand {
	return interruptCommand(uint64(hi)<<32 | uint64(lo))
}

func (c interruptCommand) vector() uint8        { return uint8(c) }
func (c interruptCommand) deliveryMode() uint8  { return uint8(c>>8) & 0x7 }
func (c interruptCommand) logicalMode() bool    { return c&(1<<11) != 0 }
func (c interruptCommand) levelTriggered() bool { return c&(1<<15) != 0 }
func (c interruptCommand) shorthand() uint8     { return uint8(c>>18) & 0x3 }
func (c interruptCommand) destination() uint8   { return uint8(c >> 56) }

func (c interruptCommand) String() string {
	mode := "physical"
	if c.logicalMode() {
		mode = "logical"
	}
	return fmt.Sprintf("ICR{vector=0x%02x mode=%s dest=%s/%d shorthand=%s}",
		c.vector(), deliveryModeString(c.deliveryMode()),
		mode, c.destination(), shorthandString(c.shorthand()))
}

// localVectorTable is one LVT entry: vector, delivery mode, mask, and
// (for the timer entry) the one-shot/periodic mode bit.
type localVectorTable uint32

func (l localVectorTable) vector() uint8       { return uint8(l) }
func (l localVectorTable) deliveryMode() uint8 { return uint8(l>>8) & 0x7 }
func (l localVectorTable) masked() bool        { return l&(1<<16) != 0 }
func (l localVectorTable) periodic() bool      { return l&(1<<17) != 0 }
