//go:build !linux

package transport

import "time"

// HIDRaw is only available on Linux.
type HIDRaw struct {
	path string
	kind Kind
}

func NewHIDRaw(path string, kind Kind) *HIDRaw {
	return &HIDRaw{path: path, kind: kind}
}

func (h *HIDRaw) Kind() Kind                                    { return h.kind }
func (h *HIDRaw) Open() error                                   { return ErrUnsupported }
func (h *HIDRaw) Close() error                                  { return nil }
func (h *HIDRaw) IsOpen() bool                                  { return false }
func (h *HIDRaw) ReadPacket([]byte, time.Duration) (int, error) { return 0, ErrClosed }
func (h *HIDRaw) WritePacket([]byte) error                      { return ErrClosed }
