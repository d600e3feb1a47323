// Package transport defines the byte channel to a scanner and its serial
// (UART, USB CDC ACM) and hidraw (HID-POS, composite) implementations.
package transport

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"
)

// Kind is the physical interface a scanner is attached through.
type Kind int

const (
	CDC Kind = iota
	POS
	Composite
	UART
)

func (k Kind) String() string {
	switch k {
	case CDC:
		return "cdc"
	case POS:
		return "pos"
	case Composite:
		return "composite"
	case UART:
		return "uart"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Tagged reports whether the interface delivers 64-byte HID reports with a
// kind/length header instead of a raw byte stream.
func (k Kind) Tagged() bool {
	return k == POS || k == Composite
}

// ParseKind parses a kind name as used in configuration files.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "cdc", "":
		return CDC, nil
	case "pos", "hid-pos":
		return POS, nil
	case "composite", "kbw":
		return Composite, nil
	case "uart", "serial":
		return UART, nil
	default:
		return 0, fmt.Errorf("unknown transport kind %q (supported: cdc, pos, composite, uart)", s)
	}
}

var (
	ErrClosed      = errors.New("transport closed")
	ErrUnsupported = errors.New("transport not supported on this platform")

	// Open failures.
	ErrNotFound   = errors.New("device node not found")
	ErrPermission = errors.New("device node permission denied")
	ErrBusy       = errors.New("device node busy")
)

// classify maps an OS open error to one of the open failure sentinels,
// or returns nil when none applies.
func classify(err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return ErrNotFound
	case errors.Is(err, fs.ErrPermission):
		return ErrPermission
	case strings.Contains(err.Error(), "busy"):
		return ErrBusy
	}
	return nil
}

func openError(prefix, name string, err, kind error) error {
	if kind == nil {
		return fmt.Errorf("%s: open %s: %w", prefix, name, err)
	}
	return fmt.Errorf("%s: open %s: %w: %w", prefix, name, kind, err)
}

// Transport is a duplex channel to one device. ReadPacket returns 0, nil
// when nothing arrived within timeout; any error means the device is gone.
// Open, Close and baud changes must not race with each other.
type Transport interface {
	Open() error
	Close() error
	IsOpen() bool
	ReadPacket(p []byte, timeout time.Duration) (int, error)
	WritePacket(p []byte) error
	Kind() Kind
}

// BaudRater is implemented by transports whose line speed can change.
type BaudRater interface {
	SetBaudRate(baud int) error
}

// New returns the transport implementation for kind.
func New(kind Kind, path string, baud int) Transport {
	if kind.Tagged() {
		return NewHIDRaw(path, kind)
	}
	return NewSerial(path, baud, kind)
}
