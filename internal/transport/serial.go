package transport

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.bug.st/serial"
)

// DefaultBaud is the scanner's factory UART speed.
const DefaultBaud = 115200

// Serial is a UART or USB CDC ACM port.
type Serial struct {
	name string
	kind Kind

	mu   sync.Mutex
	mode *serial.Mode
	port serial.Port
}

// NewSerial creates a closed serial transport for the named port.
func NewSerial(name string, baud int, kind Kind) *Serial {
	if baud == 0 {
		baud = DefaultBaud
	}
	return &Serial{
		name: name,
		kind: kind,
		mode: &serial.Mode{
			BaudRate: baud,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		},
	}
}

func (s *Serial) Kind() Kind { return s.kind }

func (s *Serial) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port != nil {
		return nil
	}
	port, err := serial.Open(s.name, s.mode)
	if err != nil {
		return openError("serial", s.name, err, classifySerial(err))
	}
	if s.kind == CDC {
		// CDC ACM firmware only transmits once the host asserts DTR/RTS.
		_ = port.SetDTR(true)
		_ = port.SetRTS(true)
	}
	s.port = port
	return nil
}

func (s *Serial) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	return err
}

func (s *Serial) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port != nil
}

func (s *Serial) current() (serial.Port, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return nil, ErrClosed
	}
	return s.port, nil
}

func (s *Serial) ReadPacket(p []byte, timeout time.Duration) (int, error) {
	port, err := s.current()
	if err != nil {
		return 0, err
	}
	if err := port.SetReadTimeout(timeout); err != nil {
		return 0, fmt.Errorf("serial: set read timeout: %w", err)
	}
	n, err := port.Read(p)
	if err != nil {
		return n, fmt.Errorf("serial: read: %w", err)
	}
	return n, nil
}

func (s *Serial) WritePacket(p []byte) error {
	port, err := s.current()
	if err != nil {
		return err
	}
	for len(p) > 0 {
		n, err := port.Write(p)
		if err != nil {
			return fmt.Errorf("serial: write: %w", err)
		}
		p = p[n:]
	}
	return nil
}

func classifySerial(err error) error {
	var pe *serial.PortError
	if errors.As(err, &pe) {
		switch pe.Code() {
		case serial.PortNotFound:
			return ErrNotFound
		case serial.PermissionDenied:
			return ErrPermission
		case serial.PortBusy:
			return ErrBusy
		}
	}
	return classify(err)
}

// SetBaudRate changes the line speed of an open port.
func (s *Serial) SetBaudRate(baud int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	mode := *s.mode
	mode.BaudRate = baud
	if s.port != nil {
		if err := s.port.SetMode(&mode); err != nil {
			return fmt.Errorf("serial: set baud %d: %w", baud, err)
		}
	}
	s.mode = &mode
	return nil
}

// BaudRate returns the configured line speed.
func (s *Serial) BaudRate() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode.BaudRate
}
