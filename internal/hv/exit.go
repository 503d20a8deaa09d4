package hv

import "fmt"

type ExitReason int

const (
	ExitUnknown ExitReason = iota

	// ExitMMIORead and ExitMMIOWrite report an access to unmapped
	// guest physical memory. Addr is the guest physical address.
	ExitMMIORead
	ExitMMIOWrite

	// ExitPIORead and ExitPIOWrite report an x86 port access. Addr
	// is the port number.
	ExitPIORead
	ExitPIOWrite

	// ExitHalt reports that the guest executed HLT with interrupts
	// enabled. The vCPU should be resumed once an interrupt is
	// pending.
	ExitHalt

	// ExitShutdown reports a guest-initiated shutdown (triple fault
	// or explicit system event).
	ExitShutdown

	// ExitInterrupted reports that Run returned because of a Kick or
	// a host signal rather than a guest trap.
	ExitInterrupted

	ExitDebug

	// ExitInternalError reports an unrecoverable facility failure on
	// this vCPU.
	ExitInternalError
)

func (r ExitReason) String() string {
	switch r {
	case ExitMMIORead:
		return "mmio-read"
	case ExitMMIOWrite:
		return "mmio-write"
	case ExitPIORead:
		return "pio-read"
	case ExitPIOWrite:
		return "pio-write"
	case ExitHalt:
		return "halt"
	case ExitShutdown:
		return "shutdown"
	case ExitInterrupted:
		return "interrupted"
	case ExitDebug:
		return "debug"
	case ExitInternalError:
		return "internal-error"
	default:
		return fmt.Sprintf("exit(%d)", int(r))
	}
}

// Exit describes one vCPU trap. For read exits the handler fills Data
// before resuming; Data aliases the in-kernel run structure, so the
// write-back happens on the next Run without further copying. An Exit
// is valid for exactly one trap-handling iteration.
type Exit struct {
	Reason ExitReason

	// Addr is the guest physical address for MMIO exits and the port
	// number for PIO exits.
	Addr uint64

	// Data is the access payload: the bytes written by the guest for
	// write exits, the buffer to fill for read exits. len(Data) is
	// the access size.
	Data []byte
}
