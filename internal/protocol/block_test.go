package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"slices"
	"testing"
	"time"
)

func testPayload(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(i*7 + 3)
	}
	return p
}

func TestSplitFrames(t *testing.T) {
	for _, n := range []int{1, 511, 512, 513, 1024, 1500, 4096 + 17} {
		payload := testPayload(n)
		frames := SplitFrames(payload, FrameSize)
		if want := (n + FrameSize - 1) / FrameSize; len(frames) != want {
			t.Fatalf("len %d: frames = %d, want %d", n, len(frames), want)
		}

		var rebuilt []byte
		for i, f := range frames {
			if len(f) != FrameSize+5 {
				t.Fatalf("len %d frame %d: size %d", n, i, len(f))
			}
			if f[0] != STX {
				t.Errorf("len %d frame %d: lead 0x%02X", n, i, f[0])
			}
			if got := binary.BigEndian.Uint32(f[FrameSize+1:]); got != crc32.ChecksumIEEE(f[:FrameSize+1]) {
				t.Errorf("len %d frame %d: bad crc", n, i)
			}
			rebuilt = append(rebuilt, f[1:FrameSize+1]...)
		}
		if !bytes.Equal(rebuilt[:n], payload) {
			t.Errorf("len %d: payload not reproduced", n)
		}
		for i, b := range rebuilt[n:] {
			if b != 0 {
				t.Errorf("len %d: padding byte %d = 0x%02X", n, i, b)
				break
			}
		}
	}
}

func TestCompletionTimeout(t *testing.T) {
	tests := []struct {
		datalen int
		erased  bool
		flash   bool
		want    time.Duration
	}{
		{204800, false, false, 200*50*time.Millisecond + 5*time.Second},
		{204800, false, true, 200*500*time.Millisecond + 5*time.Second},
		{204800, true, true, 5 * time.Second},
		{1000, false, true, 5 * time.Second},
	}
	for _, tt := range tests {
		if got := CompletionTimeout(tt.datalen, tt.erased, tt.flash); got != tt.want {
			t.Errorf("CompletionTimeout(%d, %v, %v) = %v, want %v", tt.datalen, tt.erased, tt.flash, got, tt.want)
		}
	}
}

// blockDevice acknowledges frames according to script; once the script
// runs out it acks with '*'. After the last frame it sends '*' '^'.
type blockDevice struct {
	frames int
	script []byte // reply per frame write, 0 = silence
	seen   int
	done   []byte
}

func (d *blockDevice) respond(p []byte) []byte {
	d.seen++
	var reply []byte
	if len(d.script) > 0 {
		if b := d.script[0]; b != 0 {
			reply = []byte{b}
		}
		d.script = d.script[1:]
	} else {
		reply = []byte{BlockAck}
	}
	if len(reply) == 1 && reply[0] == BlockAck {
		d.frames--
		if d.frames == 0 {
			reply = append(reply, d.done...)
		}
	}
	return reply
}

func TestSendBlock(t *testing.T) {
	payload := testPayload(1300)
	dev := &blockDevice{frames: 3, done: []byte{BlockAck, BlockComplete}}
	l := &fakeLink{respond: dev.respond}

	var progress []int
	err := SendBlock(l, payload, BlockOptions{Progress: func(sent, total int) {
		if total != len(payload) {
			t.Errorf("total = %d", total)
		}
		progress = append(progress, sent)
	}})
	if err != nil {
		t.Fatal(err)
	}
	if len(l.writes) != 3 {
		t.Errorf("writes = %d, want 3", len(l.writes))
	}
	if want := []int{512, 1024, 1300}; !slices.Equal(progress, want) {
		t.Errorf("progress = %v, want %v", progress, want)
	}
}

func TestSendBlockRetriesFrame(t *testing.T) {
	payload := testPayload(600)
	// First frame: timeout, then '!', then ack. Second frame acked at once.
	dev := &blockDevice{frames: 2, script: []byte{0, '!'}, done: []byte{BlockAck, BlockComplete}}
	l := &fakeLink{respond: dev.respond}
	if err := SendBlock(l, payload, BlockOptions{}); err != nil {
		t.Fatal(err)
	}
	if len(l.writes) != 4 {
		t.Fatalf("writes = %d, want 4", len(l.writes))
	}
	if !bytes.Equal(l.writes[0], l.writes[1]) || !bytes.Equal(l.writes[1], l.writes[2]) {
		t.Error("retries did not resend the same frame")
	}
}

func TestSendBlockRetryBound(t *testing.T) {
	payload := testPayload(2000)
	l := &fakeLink{} // never answers
	err := SendBlock(l, payload, BlockOptions{})
	if !errors.Is(err, ErrCommunication) {
		t.Fatalf("err = %v, want communication kind", err)
	}
	if len(l.writes) != BlockAttempts {
		t.Errorf("writes = %d, want %d", len(l.writes), BlockAttempts)
	}
}

func TestSendBlockWriteFailure(t *testing.T) {
	l := &fakeLink{writeErr: errors.New("pipe closed")}
	err := SendBlock(l, testPayload(10), BlockOptions{})
	if !errors.Is(err, ErrCommunication) {
		t.Errorf("err = %v, want communication kind", err)
	}
}

func TestSendBlockCompletion(t *testing.T) {
	tests := []struct {
		name string
		done []byte
	}{
		{"no transfer ack", nil},
		{"wrong transfer ack", []byte{'!'}},
		{"no program ack", []byte{BlockAck}},
		{"wrong program ack", []byte{BlockAck, '!'}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := &blockDevice{frames: 1, done: tt.done}
			l := &fakeLink{respond: dev.respond}
			if err := SendBlock(l, testPayload(100), BlockOptions{}); !errors.Is(err, ErrCommunication) {
				t.Errorf("err = %v, want communication kind", err)
			}
		})
	}
}

func TestSendBlockEmpty(t *testing.T) {
	if err := SendBlock(&fakeLink{}, nil, BlockOptions{}); !errors.Is(err, ErrInvalidParams) {
		t.Errorf("err = %v", err)
	}
}
