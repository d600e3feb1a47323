package device

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"scantool/internal/protocol"
	"scantool/internal/reassembly"
	"scantool/internal/transport"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

var errRemoved = errors.New("device removed")

// fakeTransport is a scanner on the other end of a transport. Replies from
// respond are delivered as 64-byte fragments (tagged reports for POS).
type fakeTransport struct {
	kind transport.Kind
	rx   chan []byte

	mu      sync.Mutex
	open    bool
	gone    bool
	openErr error
	writes  [][]byte
	respond func(p []byte) []byte
}

func newFakeTransport(kind transport.Kind) *fakeTransport {
	return &fakeTransport{kind: kind, rx: make(chan []byte, 1024)}
}

func (f *fakeTransport) Kind() transport.Kind { return f.kind }

func (f *fakeTransport) Open() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return f.openErr
	}
	if f.gone {
		return fmt.Errorf("open: %w", transport.ErrNotFound)
	}
	f.open = true
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open = false
	return nil
}

func (f *fakeTransport) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakeTransport) ReadPacket(p []byte, timeout time.Duration) (int, error) {
	f.mu.Lock()
	open, gone := f.open, f.gone
	f.mu.Unlock()
	if !open {
		return 0, transport.ErrClosed
	}
	if gone {
		return 0, errRemoved
	}
	select {
	case frag := <-f.rx:
		return copy(p, frag), nil
	case <-time.After(timeout):
		return 0, nil
	}
}

func (f *fakeTransport) WritePacket(p []byte) error {
	f.mu.Lock()
	if !f.open {
		f.mu.Unlock()
		return transport.ErrClosed
	}
	f.writes = append(f.writes, bytes.Clone(p))
	respond := f.respond
	f.mu.Unlock()
	if respond != nil {
		if reply := respond(p); len(reply) > 0 {
			f.deliver(reply)
		}
	}
	return nil
}

// deliver queues data as the scanner would send it.
func (f *fakeTransport) deliver(data []byte) {
	step := reassembly.PacketSize
	if f.kind.Tagged() {
		step = reassembly.TaggedCapacity
	}
	for len(data) > 0 {
		n := min(step, len(data))
		if f.kind.Tagged() {
			r := make([]byte, reassembly.PacketSize)
			r[0] = reassembly.KindCommand
			r[1] = byte(n)
			copy(r[2:], data[:n])
			f.rx <- r
		} else {
			f.rx <- bytes.Clone(data[:n])
		}
		data = data[n:]
	}
}

func (f *fakeTransport) setGone(gone bool) {
	f.mu.Lock()
	f.gone = gone
	f.mu.Unlock()
}

func (f *fakeTransport) written() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.writes...)
}

func (f *fakeTransport) setRespond(fn func(p []byte) []byte) {
	f.mu.Lock()
	f.respond = fn
	f.mu.Unlock()
}

func openDevice(t *testing.T, f *fakeTransport, opts ...Option) *Device {
	t.Helper()
	opts = append([]Option{
		WithSettle(time.Millisecond),
		WithReassembly(reassembly.WithWindow(10 * time.Millisecond)),
	}, opts...)
	d := New(f, "/dev/fake0", testLogger(), opts...)
	if err := d.Open(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

// Reply builders for the UCS command shapes.

func trailer(status byte) []byte {
	return []byte{status, protocol.Terminator, protocol.ETX}
}

// echoReply mirrors a set command: 02, the command without its ";" ETX
// tail, then the status trailer.
func echoReply(cmd []byte, status byte) []byte {
	out := append([]byte{protocol.STX}, cmd[1:len(cmd)-2]...)
	return append(out, trailer(status)...)
}

// tagReply answers health and info queries: 02, the 12-byte command echo,
// content, trailer.
func tagReply(cmd []byte, content string) []byte {
	out := append([]byte{protocol.STX}, cmd[1:13]...)
	out = append(out, content...)
	return append(out, trailer(protocol.StatusACK)...)
}

// queryReply answers get-config queries: 7-byte header, content, trailer.
func queryReply(content string) []byte {
	out := []byte{protocol.STX, 0x01, '0', '0', '0', '0', '#'}
	out = append(out, content...)
	return append(out, trailer(protocol.StatusACK)...)
}

func isCommand(p []byte) bool {
	return len(p) > 8 && p[0] == 0x7E && p[1] == 0x01
}

func commandBody(p []byte) string {
	_, body, err := protocol.CommandBody(p)
	if err != nil {
		return ""
	}
	return string(body)
}

func waitFor[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
	var zero T
	return zero
}
