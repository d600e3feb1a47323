package protocol

import (
	"fmt"
	"time"
)

// Link is the byte channel the codecs talk over. Read blocks for at most
// timeout and returns 0, nil when nothing arrived.
type Link interface {
	Write(p []byte) error
	Read(p []byte, timeout time.Duration) (int, error)
}

// minReadTimeout is the shortest wait passed to the link; shorter values
// are rounded up because the reader thread itself polls at this period.
const minReadTimeout = 20 * time.Millisecond

// ReadAck fills buf from l. The first read waits up to timeout, later
// reads wait up to interval. With ucs set, reading stops as soon as the
// buffer ends with the UCS terminator ";" ETX. Returns the bytes read.
func ReadAck(l Link, buf []byte, timeout, interval time.Duration, ucs bool) (int, error) {
	timeout = max(timeout, minReadTimeout)
	interval = max(interval, minReadTimeout)

	pos := 0
	for pos < len(buf) {
		n, err := l.Read(buf[pos:], timeout)
		if err != nil {
			return pos, err
		}
		if n <= 0 {
			break
		}
		pos += n
		if ucs && IsUCSComplete(buf[:pos]) {
			break
		}
		timeout = interval
	}
	return pos, nil
}

// ReadOne reads a single byte. Returns ErrTimeout when nothing arrives.
func ReadOne(l Link, timeout time.Duration) (byte, error) {
	var b [1]byte
	n, err := ReadAck(l, b[:], timeout, 0, false)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrCommunication, err)
	}
	if n < 1 {
		return 0, ErrTimeout
	}
	return b[0], nil
}

// Expect reads one byte and requires it to equal want.
func Expect(l Link, want byte, timeout time.Duration) error {
	got, err := ReadOne(l, timeout)
	if err != nil {
		return fmt.Errorf("wait for 0x%02X: %w", want, err)
	}
	if got != want {
		return fmt.Errorf("wait for 0x%02X: got 0x%02X: %w", want, got, ErrUnexpectedReply)
	}
	return nil
}

// Drain discards input until the link stays quiet for quiet.
func Drain(l Link, quiet time.Duration) error {
	var scratch [4096]byte
	for {
		n, err := ReadAck(l, scratch[:], quiet, quiet, false)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
	}
}
