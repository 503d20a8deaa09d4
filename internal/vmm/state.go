package vmm

import "fmt"

// State is the machine lifecycle state. Transitions happen only
// through Machine methods.
type State int

const (
	StateCreated State = iota
	StateBooting
	StateRunning
	StatePaused
	StateShuttingDown
	StateStopped
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateBooting:
		return "booting"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateShuttingDown:
		return "shutting-down"
	case StateStopped:
		return "stopped"
	case StateFaulted:
		return "faulted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// VCPUState is the run state of one vCPU, guarded by the machine lock.
type VCPUState int

const (
	VCPUCreated VCPUState = iota
	VCPURunning
	VCPUPaused
	VCPUExited
	VCPUFaulted
)

func (s VCPUState) String() string {
	switch s {
	case VCPUCreated:
		return "created"
	case VCPURunning:
		return "running"
	case VCPUPaused:
		return "paused"
	case VCPUExited:
		return "exited"
	case VCPUFaulted:
		return "faulted"
	default:
		return fmt.Sprintf("vcpu-state(%d)", int(s))
	}
}
