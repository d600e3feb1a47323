package device

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"scantool/internal/protocol"
)

// Scanner commands.
const (
	cmdHealth  = "DEVQRY*"
	cmdInfo    = "QRYSYS"
	cmdStop    = "#SCNTRG0"
	cmdRestart = "#REBOOT"
	cmdImgSize = "IMGGWH"
	cmdImgGet  = "IMGGET0T0R0F"
)

// triggerScan is the raw trigger command; it is not UCS framed and gets no
// reply.
var triggerScan = []byte{0x01, 0x54, 0x04}

// healthy is the health query content of a working scanner.
const healthy byte = '0'

// ackWindow returns the reply buffer size and read timing for a command
// frame of cmdLen bytes.
func ackWindow(kind protocol.ResponseKind, cmdLen int) (size int, timeout, interval time.Duration) {
	const ms = time.Millisecond
	switch kind {
	case protocol.ResponseHealth:
		return recvBufferSize, 50 * ms, 10 * ms
	case protocol.ResponseInfo:
		return recvBufferSize, 300 * ms, 50 * ms
	case protocol.ResponseSetEcho:
		return cmdLen + 1, 200 * ms, 10 * ms
	case protocol.ResponseQuery:
		return recvBufferSize, time.Duration(cmdLen*2) * ms, 10 * ms
	default:
		return recvBufferSize, time.Duration(cmdLen*2+200) * ms, 10 * ms
	}
}

// roundTrip encodes body, sends it and reads one UCS reply.
func roundTrip(l *cmdLink, body string, kind protocol.ResponseKind) (cmd, resp []byte, err error) {
	cmd, err = protocol.EncodeCommand([]byte(body))
	if err != nil {
		return nil, nil, err
	}
	if err := l.Write(cmd); err != nil {
		return cmd, nil, fmt.Errorf("%s: write: %w: %w", body, protocol.ErrCommunication, err)
	}
	size, timeout, interval := ackWindow(kind, len(cmd))
	buf := make([]byte, size)
	n, err := protocol.ReadAck(l, buf, timeout, interval, true)
	if err != nil {
		return cmd, nil, fmt.Errorf("%s: read: %w: %w", body, protocol.ErrCommunication, err)
	}
	l.d.logger.Debug("command reply", "cmd", body, "kind", kind, "reply", fmt.Sprintf("%X", buf[:n]))
	return cmd, buf[:n], nil
}

func command(l *cmdLink, body string, kind protocol.ResponseKind) ([]byte, error) {
	cmd, resp, err := roundTrip(l, body, kind)
	if err != nil {
		return nil, err
	}
	content, err := protocol.DecodeResponse(kind, resp, cmd)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", body, err)
	}
	return content, nil
}

// CheckHealth queries the scanner's self test. A scanner reporting anything
// but healthy returns a *protocol.StatusError.
func (d *Device) CheckHealth() error {
	return d.exchange(func(l *cmdLink) error {
		content, err := command(l, cmdHealth, protocol.ResponseHealth)
		if err != nil {
			return err
		}
		if content[0] != healthy {
			return &protocol.StatusError{Op: "health", Status: content[0]}
		}
		return nil
	})
}

// DeviceInformation returns the QRYSYS system information text.
func (d *Device) DeviceInformation() (string, error) {
	var info string
	err := d.exchange(func(l *cmdLink) error {
		content, err := command(l, cmdInfo, protocol.ResponseInfo)
		info = string(content)
		return err
	})
	return info, err
}

// SetConfig sends a UCS setting and requires the scanner to echo it with ACK.
func (d *Device) SetConfig(cmd string) error {
	return d.exchange(func(l *cmdLink) error {
		_, err := command(l, cmd, protocol.ResponseSetEcho)
		return err
	})
}

// GetConfig sends a single UCS query (e.g. "SCNMOD*") and returns the reply
// content (e.g. "SCNMOD0").
func (d *Device) GetConfig(cmd string) (string, error) {
	var value string
	err := d.exchange(func(l *cmdLink) error {
		content, err := command(l, cmd, protocol.ResponseQuery)
		value = string(content)
		return err
	})
	return value, err
}

// StartScan triggers a scan.
func (d *Device) StartScan() error {
	d.cmdMu.Lock()
	defer d.cmdMu.Unlock()
	if _, err := d.session(); err != nil {
		return err
	}
	if err := d.tr.WritePacket(triggerScan); err != nil {
		return fmt.Errorf("start scan: %w: %w", protocol.ErrCommunication, err)
	}
	return nil
}

// StopScan ends a triggered scan.
func (d *Device) StopScan() error {
	return d.SetConfig(cmdStop)
}

// Restart reboots the scanner.
func (d *Device) Restart() error {
	return d.SetConfig(cmdRestart)
}

// BulkStatus is the outcome of SetConfigBulk.
type BulkStatus int

const (
	BulkOK            BulkStatus = 1
	BulkNotOpen       BulkStatus = -1
	BulkFrameFailed   BulkStatus = -2
	BulkWriteFailed   BulkStatus = -3
	BulkShortResponse BulkStatus = -4
	BulkBadETX        BulkStatus = -5
	BulkBadTerminator BulkStatus = -6
)

func (s BulkStatus) String() string {
	switch s {
	case BulkOK:
		return "ok"
	case BulkNotOpen:
		return "not open"
	case BulkFrameFailed:
		return "frame build failed"
	case BulkWriteFailed:
		return "write failed"
	case BulkShortResponse:
		return "short response"
	case BulkBadETX:
		return "bad etx"
	case BulkBadTerminator:
		return "bad terminator"
	default:
		return fmt.Sprintf("bulk(%d)", int(s))
	}
}

// SetConfigBulk sends a batch of settings ("@CMD1;CMD2,...;"). Only the reply
// terminator is checked; the status reports which step failed.
func (d *Device) SetConfigBulk(batch string) (BulkStatus, error) {
	status := BulkOK
	err := d.exchange(func(l *cmdLink) error {
		cmd, err := protocol.EncodeCommand([]byte(batch))
		if err != nil {
			status = BulkFrameFailed
			return err
		}
		if err := l.Write(cmd); err != nil {
			status = BulkWriteFailed
			return fmt.Errorf("bulk: write: %w: %w", protocol.ErrCommunication, err)
		}
		size, timeout, interval := ackWindow(protocol.ResponseBulk, len(cmd))
		buf := make([]byte, size)
		n, err := protocol.ReadAck(l, buf, timeout, interval, true)
		if err != nil {
			status = BulkShortResponse
			return fmt.Errorf("bulk: read: %w: %w", protocol.ErrCommunication, err)
		}
		resp := buf[:n]
		switch {
		case n < 6:
			status = BulkShortResponse
		case resp[n-1] != protocol.ETX:
			status = BulkBadETX
		case resp[n-2] != protocol.Terminator:
			status = BulkBadTerminator
		default:
			return nil
		}
		return fmt.Errorf("bulk: %s (%d bytes): %w", status, n, protocol.ErrMalformed)
	})
	if errors.Is(err, ErrNotOpen) {
		status = BulkNotOpen
	}
	return status, err
}

// ImageSize returns the width and height of the image the scanner holds,
// parsed from a reply like "IMGGWH752W480H".
func (d *Device) ImageSize() (width, height int, err error) {
	reply, err := d.GetConfig(cmdImgSize)
	if err != nil {
		return 0, 0, err
	}
	width, height, err = parseImageSize(reply)
	if err != nil {
		return 0, 0, fmt.Errorf("image size %q: %w: %w", reply, protocol.ErrMalformed, err)
	}
	return width, height, nil
}

func parseImageSize(reply string) (int, int, error) {
	if len(reply) < len(cmdImgSize) {
		return 0, 0, errors.New("short reply")
	}
	w, rest, ok := strings.Cut(reply[len(cmdImgSize):], "W")
	if !ok {
		return 0, 0, errors.New("no width")
	}
	h, _, ok := strings.Cut(rest, "H")
	if !ok {
		return 0, 0, errors.New("no height")
	}
	width, err := strconv.Atoi(w)
	if err != nil {
		return 0, 0, err
	}
	height, err := strconv.Atoi(h)
	if err != nil {
		return 0, 0, err
	}
	return width, height, nil
}

// Image transfer.
const (
	imageLengthField = 8
	imageChunk       = 4096
	imageReadTimeout = 100 * time.Millisecond
)

// ImageBuffer fetches the current image of size bytes (width*height for the
// raw grayscale capture). progress, if set, receives the share of the reply
// received so far, in percent.
func (d *Device) ImageBuffer(size int, progress func(percent int)) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("image buffer: size %d: %w", size, protocol.ErrInvalidParams)
	}
	report := func(p int) {
		if progress != nil {
			progress(p)
		}
	}

	var img []byte
	err := d.exchange(func(l *cmdLink) error {
		cmd, err := protocol.EncodeCommand([]byte(cmdImgGet))
		if err != nil {
			return err
		}
		// Reply: command echo without ";" ETX, length field, image, ACK trailer.
		header := len(cmd) - 2
		total := header + imageLengthField + size + 3
		buf := make([]byte, total)

		if err := l.Write(cmd); err != nil {
			return fmt.Errorf("image: write: %w: %w", protocol.ErrCommunication, err)
		}
		report(0)
		pos := 0
		for pos < total {
			n, err := l.Read(buf[pos:min(pos+imageChunk, total)], imageReadTimeout)
			if err != nil {
				return fmt.Errorf("image: read: %w: %w", protocol.ErrCommunication, err)
			}
			if n == 0 {
				break
			}
			pos += n
			report(pos * 100 / total)
		}
		report(100)

		if pos < total {
			return fmt.Errorf("image: received %d of %d bytes: %w", pos, total, protocol.ErrTimeout)
		}
		if buf[0] != protocol.STX || !bytes.Equal(buf[1:header], cmd[1:header]) {
			return fmt.Errorf("image: header echo mismatch: %w", protocol.ErrMalformed)
		}
		if !protocol.IsUCSComplete(buf) {
			return fmt.Errorf("image: bad terminator: %w", protocol.ErrMalformed)
		}
		if status := buf[total-3]; status != protocol.StatusACK {
			return &protocol.StatusError{Op: "image", Status: status}
		}
		img = buf[header+imageLengthField : header+imageLengthField+size]
		return nil
	})
	if err != nil {
		return nil, err
	}
	return img, nil
}
