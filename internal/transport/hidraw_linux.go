//go:build linux

package transport

import (
	"errors"
	"fmt"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// HIDRaw talks to a HID-POS or composite scanner through a Linux hidraw node.
type HIDRaw struct {
	path string
	kind Kind

	mu sync.Mutex
	fd int // -1 when closed
}

// NewHIDRaw creates a closed hidraw transport for path (e.g. /dev/hidraw0).
func NewHIDRaw(path string, kind Kind) *HIDRaw {
	return &HIDRaw{path: path, kind: kind, fd: -1}
}

func (h *HIDRaw) Kind() Kind { return h.kind }

func (h *HIDRaw) Open() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fd >= 0 {
		return nil
	}
	fd, err := unix.Open(h.path, unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return openError("hidraw", h.path, err, classify(err))
	}
	if h.kind == Composite {
		if err := setFeature(fd, switchReport(true)); err != nil {
			unix.Close(fd)
			return fmt.Errorf("hidraw: enable pos interface: %w", err)
		}
	}
	h.fd = fd
	return nil
}

func (h *HIDRaw) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fd < 0 {
		return nil
	}
	if h.kind == Composite {
		// Best effort: the device may already be gone.
		_ = setFeature(h.fd, switchReport(false))
	}
	err := unix.Close(h.fd)
	h.fd = -1
	return err
}

func (h *HIDRaw) IsOpen() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.fd >= 0
}

func (h *HIDRaw) current() (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fd < 0 {
		return -1, ErrClosed
	}
	return h.fd, nil
}

// ReadPacket returns one input report.
func (h *HIDRaw) ReadPacket(p []byte, timeout time.Duration) (int, error) {
	fd, err := h.current()
	if err != nil {
		return 0, err
	}
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, int(timeout/time.Millisecond))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return 0, fmt.Errorf("hidraw: poll: %w", err)
	}
	if n == 0 {
		return 0, nil
	}
	if fds[0].Revents&(unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0 {
		return 0, fmt.Errorf("hidraw: %s: device removed", h.path)
	}
	n, err = unix.Read(fd, p)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return 0, nil
		}
		return 0, fmt.Errorf("hidraw: read: %w", err)
	}
	return n, nil
}

// WritePacket splits p into output reports and writes them in order.
func (h *HIDRaw) WritePacket(p []byte) error {
	fd, err := h.current()
	if err != nil {
		return err
	}
	for _, r := range splitReports(p) {
		if _, err := unix.Write(fd, r); err != nil {
			return fmt.Errorf("hidraw: write: %w", err)
		}
	}
	return nil
}

// hidiocsfeature returns the HIDIOCSFEATURE(n) ioctl request number.
func hidiocsfeature(n int) uintptr {
	const (
		iocWrite = 1
		iocRead  = 2
	)
	return uintptr(iocWrite|iocRead)<<30 | uintptr(n)<<16 | 'H'<<8 | 0x06
}

func setFeature(fd int, report []byte) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), hidiocsfeature(len(report)), uintptr(unsafe.Pointer(&report[0])))
	if errno != 0 {
		return errno
	}
	return nil
}
