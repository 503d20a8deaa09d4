// Package serial implements a 16550 UART on the port I/O bus, the
// machine's legacy platform device. Output goes straight to an
// io.Writer; input arrives through PushInput, typically from an
// event loop watching a console fd.
package serial

import (
	"io"
	"log/slog"
	"sync"

	"github.com/nanovisor/nanovisor/internal/irq"
)

// RegisterCount is the size of the UART's port range.
const RegisterCount = 8

const (
	lcrDLAB = 1 << 7

	lsrDataReady = 1 << 0
	lsrOverrun   = 1 << 1
	lsrTHRE      = 1 << 5
	lsrTEMT      = 1 << 6

	mcrDTR  = 1 << 0
	mcrRTS  = 1 << 1
	mcrOut2 = 1 << 3
	mcrLoop = 1 << 4

	msrCTS = 1 << 4
	msrDSR = 1 << 5
	msrDCD = 1 << 7

	ierRxAvailable = 1 << 0
	ierTxEmpty     = 1 << 1

	iirNone        = 0x01
	iirTxEmpty     = 0x02
	iirRxAvailable = 0x04

	fifoSize = 16
)

// Serial is a 16550 UART. Transmit completes immediately into out,
// so the transmit holding register is always empty; receive goes
// through a 16-byte FIFO like the hardware's.
type Serial struct {
	mu sync.Mutex

	route *irq.Route
	out   io.Writer

	dll byte
	dlm byte
	ier byte
	fcr byte
	lcr byte
	mcr byte
	lsr byte
	scr byte

	rx      [fifoSize]byte
	rxHead  int
	rxCount int

	irqAsserted bool
}

func New(route *irq.Route, out io.Writer) *Serial {
	return &Serial{
		route: route,
		out:   out,
		lsr:   lsrTHRE | lsrTEMT,
	}
}

// Read implements the PIO bus handler.
func (s *Serial) Read(offset uint64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range data {
		data[i] = s.readRegister(offset)
	}
	return nil
}

// Write implements the PIO bus handler.
func (s *Serial) Write(offset uint64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, v := range data {
		s.writeRegister(offset, v)
	}
	return nil
}

// PushInput queues received bytes for the guest. Bytes past the FIFO
// capacity are dropped with the overrun bit set.
func (s *Serial) PushInput(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, v := range data {
		s.rxByte(v)
	}
	s.updateInterrupts()
}

func (s *Serial) readRegister(offset uint64) byte {
	switch offset {
	case 0:
		if s.lcr&lcrDLAB != 0 {
			return s.dll
		}
		return s.popRX()
	case 1:
		if s.lcr&lcrDLAB != 0 {
			return s.dlm
		}
		return s.ier
	case 2:
		return s.pendingIIR()
	case 3:
		return s.lcr
	case 4:
		return s.mcr
	case 5:
		return s.lsr
	case 6:
		return s.modemStatus()
	case 7:
		return s.scr
	default:
		return 0
	}
}

func (s *Serial) writeRegister(offset uint64, value byte) {
	switch offset {
	case 0:
		if s.lcr&lcrDLAB != 0 {
			s.dll = value
			return
		}
		s.transmit(value)
	case 1:
		if s.lcr&lcrDLAB != 0 {
			s.dlm = value
			return
		}
		s.ier = value & 0x0f
		s.updateInterrupts()
	case 2:
		s.fcr = value
		if value&0x02 != 0 {
			s.rxHead = 0
			s.rxCount = 0
			s.lsr &^= lsrDataReady
			s.updateInterrupts()
		}
	case 3:
		s.lcr = value
	case 4:
		prev := s.mcr
		s.mcr = value & 0x1f
		if prev&mcrLoop != 0 && s.mcr&mcrLoop == 0 {
			s.rxHead = 0
			s.rxCount = 0
			s.lsr &^= lsrDataReady
		}
		s.updateInterrupts()
	case 7:
		s.scr = value
	}
}

func (s *Serial) transmit(value byte) {
	if s.mcr&mcrLoop != 0 {
		s.rxByte(value)
	} else if s.out != nil {
		if _, err := s.out.Write([]byte{value}); err != nil {
			slog.Warn("serial: output write failed", "err", err)
		}
	}
	// Transmit is synchronous, so THR empties right away.
	s.updateInterrupts()
}

func (s *Serial) rxByte(value byte) {
	if s.rxCount == fifoSize {
		s.lsr |= lsrOverrun
		return
	}
	s.rx[(s.rxHead+s.rxCount)%fifoSize] = value
	s.rxCount++
	s.lsr |= lsrDataReady
}

func (s *Serial) popRX() byte {
	if s.rxCount == 0 {
		return 0
	}
	value := s.rx[s.rxHead]
	s.rxHead = (s.rxHead + 1) % fifoSize
	s.rxCount--
	if s.rxCount == 0 {
		s.lsr &^= lsrDataReady
	}
	s.updateInterrupts()
	return value
}

func (s *Serial) pendingIIR() byte {
	switch {
	case s.ier&ierRxAvailable != 0 && s.rxCount > 0:
		return iirRxAvailable
	case s.ier&ierTxEmpty != 0:
		return iirTxEmpty
	default:
		return iirNone
	}
}

func (s *Serial) modemStatus() byte {
	if s.mcr&mcrLoop != 0 {
		var status byte
		if s.mcr&mcrDTR != 0 {
			status |= msrDSR
		}
		if s.mcr&mcrRTS != 0 {
			status |= msrCTS
		}
		return status
	}
	return msrCTS | msrDSR | msrDCD
}

// updateInterrupts recomputes the line level. OUT2 gates the line,
// matching how PC wiring connects the UART to the interrupt
// controller.
func (s *Serial) updateInterrupts() {
	asserted := s.pendingIIR() != iirNone && s.mcr&mcrOut2 != 0
	if asserted == s.irqAsserted {
		return
	}
	s.irqAsserted = asserted
	if asserted {
		if err := s.route.Trigger(); err != nil {
			slog.Error("serial: interrupt delivery failed", "err", err)
		}
	} else {
		s.route.Complete()
	}
}
