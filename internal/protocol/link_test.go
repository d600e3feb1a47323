package protocol

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

// fakeLink is a scripted device. Every write is recorded and may queue a
// reply through respond. Reads never block: an empty queue is a timeout.
type fakeLink struct {
	writes   [][]byte
	respond  func(frame []byte) []byte
	rx       []byte
	chunk    int // max bytes per read, 0 = unlimited
	writeErr error
	reads    []time.Duration
}

func (f *fakeLink) Write(p []byte) error {
	if f.writeErr != nil {
		return f.writeErr
	}
	f.writes = append(f.writes, bytes.Clone(p))
	if f.respond != nil {
		f.rx = append(f.rx, f.respond(p)...)
	}
	return nil
}

func (f *fakeLink) Read(p []byte, timeout time.Duration) (int, error) {
	f.reads = append(f.reads, timeout)
	if len(f.rx) == 0 {
		return 0, nil
	}
	n := len(f.rx)
	if f.chunk > 0 && n > f.chunk {
		n = f.chunk
	}
	n = copy(p, f.rx[:n])
	f.rx = f.rx[n:]
	return n, nil
}

func TestReadAckStopsOnUCSTerminator(t *testing.T) {
	l := &fakeLink{rx: []byte{0x02, 'A', 'B', 0x06, 0x3B, 0x03, 0xFF, 0xFF}, chunk: 2}
	buf := make([]byte, 64)
	n, err := ReadAck(l, buf, 50*time.Millisecond, 10*time.Millisecond, true)
	if err != nil {
		t.Fatal(err)
	}
	if n != 6 {
		t.Fatalf("n = %d, want 6", n)
	}
	if len(l.rx) != 2 {
		t.Errorf("left %d bytes unread, want 2", len(l.rx))
	}
}

func TestReadAckTimeoutsRoundedUp(t *testing.T) {
	l := &fakeLink{rx: []byte{1, 2, 3}, chunk: 1}
	buf := make([]byte, 8)
	n, err := ReadAck(l, buf, 300*time.Millisecond, 5*time.Millisecond, false)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("n = %d, want 3", n)
	}
	if l.reads[0] != 300*time.Millisecond {
		t.Errorf("first timeout = %v, want 300ms", l.reads[0])
	}
	for i, d := range l.reads[1:] {
		if d != minReadTimeout {
			t.Errorf("read %d timeout = %v, want %v", i+1, d, minReadTimeout)
		}
	}
}

func TestReadAckFillsBuffer(t *testing.T) {
	l := &fakeLink{rx: []byte{1, 2, 3, 4, 5}}
	buf := make([]byte, 3)
	n, _ := ReadAck(l, buf, 0, 0, false)
	if n != 3 || !bytes.Equal(buf, []byte{1, 2, 3}) {
		t.Errorf("got %d % X", n, buf[:n])
	}
}

func TestExpect(t *testing.T) {
	tests := []struct {
		name string
		rx   []byte
		want error
	}{
		{"match", []byte{'*'}, nil},
		{"other byte", []byte{'!'}, ErrUnexpectedReply},
		{"timeout", nil, ErrTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := &fakeLink{rx: tt.rx}
			err := Expect(l, '*', time.Second)
			if tt.want == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
			if !errors.Is(err, ErrCommunication) {
				t.Errorf("err = %v, want communication kind", err)
			}
		})
	}
}

func TestDrain(t *testing.T) {
	l := &fakeLink{rx: bytes.Repeat([]byte{0xAA}, 10000), chunk: 64}
	if err := Drain(l, 20*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if len(l.rx) != 0 {
		t.Errorf("%d bytes left after drain", len(l.rx))
	}
}

func TestCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, CodeSuccess},
		{ErrInvalidParams, CodeInvalidParams},
		{ErrDeviceNotExist, CodeDeviceNotExist},
		{ErrDeviceAccessDenied, CodeDeviceAccessDenied},
		{ErrDeviceNotUnique, CodeDeviceNotUnique},
		{ErrWriteFlash, CodeWriteFlash},
		{ErrMalformed, CodeCommunication},
		{ErrTimeout, CodeCommunication},
		{&StatusError{Op: "x", Status: StatusNAK}, CodeCommunication},
		{ErrFirmwareFile, CodeFirmwareFile},
		{ErrFirmwareNotSuitable, CodeFirmwareNotSuitable},
		{errors.New("boom"), CodeUnknown},
	}
	for _, tt := range tests {
		if got := Code(tt.err); got != tt.want {
			t.Errorf("Code(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
