package protocol

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"time"
)

// Block transfer acknowledgement bytes.
const (
	BlockAck      byte = '*'
	BlockComplete byte = '^'
)

const (
	// BlockAttempts is how many times a frame is written before giving up.
	BlockAttempts = 3

	blockAckTimeout  = 1000 * time.Millisecond
	blockDoneTimeout = 3000 * time.Millisecond
	blockBaseWait    = 5000 * time.Millisecond
)

// BlockOptions tunes a SendBlock call.
type BlockOptions struct {
	// FrameSize is the payload size per frame; zero means FrameSize.
	FrameSize int
	// Erased is set when the target was erased before the transfer; the
	// device then skips programming time in its completion wait.
	Erased bool
	// Flash selects the slower programming factor for flash segments.
	Flash bool
	// Progress, if set, is called after every acknowledged frame.
	Progress func(sent, total int)
}

// FrameCount returns the number of frames needed for n payload bytes.
func FrameCount(n, frameSize int) int {
	return (n + frameSize - 1) / frameSize
}

// SplitFrames cuts payload into block frames:
//
//	02 <frameSize payload bytes, zero padded> <CRC32 BE over the preceding bytes>
func SplitFrames(payload []byte, frameSize int) [][]byte {
	count := FrameCount(len(payload), frameSize)
	frames := make([][]byte, 0, count)
	for off := 0; off < len(payload); off += frameSize {
		end := min(off+frameSize, len(payload))
		frame := make([]byte, frameSize+5)
		frame[0] = STX
		copy(frame[1:], payload[off:end])
		binary.BigEndian.PutUint32(frame[frameSize+1:], crc32.ChecksumIEEE(frame[:frameSize+1]))
		frames = append(frames, frame)
	}
	return frames
}

// CompletionTimeout is how long the device may take to program a segment
// of datalen bytes after the last frame was acknowledged.
func CompletionTimeout(datalen int, erased, flash bool) time.Duration {
	if erased {
		return blockBaseWait
	}
	factor := 50
	if flash {
		factor = 500
	}
	return time.Duration(datalen/1024*factor)*time.Millisecond + blockBaseWait
}

// SendBlock streams payload as CRC-protected frames. Each frame must be
// acknowledged with '*' within a second; a write failure, timeout or any
// other byte retries the frame, up to BlockAttempts writes. After the last
// frame the device confirms reception with '*' and programming with '^'.
func SendBlock(l Link, payload []byte, opts BlockOptions) error {
	frameSize := opts.FrameSize
	if frameSize <= 0 {
		frameSize = FrameSize
	}
	if len(payload) == 0 {
		return fmt.Errorf("send block: empty payload: %w", ErrInvalidParams)
	}

	frames := SplitFrames(payload, frameSize)
	sent := 0
	for i, frame := range frames {
		if err := sendFrame(l, frame); err != nil {
			return fmt.Errorf("send block: frame %d/%d: %w", i+1, len(frames), err)
		}
		sent = min(sent+frameSize, len(payload))
		if opts.Progress != nil {
			opts.Progress(sent, len(payload))
		}
	}

	if err := Expect(l, BlockAck, blockDoneTimeout); err != nil {
		return fmt.Errorf("send block: transfer ack: %w", err)
	}
	if err := Expect(l, BlockComplete, CompletionTimeout(len(payload), opts.Erased, opts.Flash)); err != nil {
		return fmt.Errorf("send block: program complete: %w", err)
	}
	return nil
}

func sendFrame(l Link, frame []byte) error {
	var last error
	for attempt := 0; attempt < BlockAttempts; attempt++ {
		if err := l.Write(frame); err != nil {
			last = fmt.Errorf("write: %w", err)
			continue
		}
		if last = Expect(l, BlockAck, blockAckTimeout); last == nil {
			return nil
		}
	}
	return fmt.Errorf("no ack after %d attempts: %w: %w", BlockAttempts, ErrCommunication, last)
}
