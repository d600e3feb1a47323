package protocol

import (
	"bytes"
	"fmt"
)

// Frame markers and response status bytes.
const (
	STX        byte = 0x02
	ETX        byte = 0x03
	Terminator byte = 0x3B // ';'

	StatusACK byte = 0x06
	StatusNAK byte = 0x15
	StatusENQ byte = 0x05

	commandSOH byte = 0x7E
	defaultTag byte = '#'
)

var commandHeader = []byte{commandSOH, 0x01, '0', '0', '0', '0'}

// CommandOverhead is the number of bytes EncodeCommand adds around a bare body.
const CommandOverhead = 9

// EncodeCommand wraps a UCS command body into a command frame:
//
//	7E 01 '0' '0' '0' '0' <tag> <body> ';' ETX
//
// A leading '@' or '#' in payload becomes the tag; otherwise '#' is used.
// A trailing ';' already present in payload is dropped.
func EncodeCommand(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("encode command: empty payload: %w", ErrInvalidParams)
	}
	body := payload
	if body[len(body)-1] == Terminator {
		body = body[:len(body)-1]
	}
	tag := defaultTag
	if len(body) > 0 && (body[0] == '@' || body[0] == '#') {
		tag = body[0]
		body = body[1:]
	}

	frame := make([]byte, 0, CommandOverhead+len(body))
	frame = append(frame, commandHeader...)
	frame = append(frame, tag)
	frame = append(frame, body...)
	frame = append(frame, Terminator, ETX)
	return frame, nil
}

// CommandBody returns the tag byte and body of an encoded command frame.
func CommandBody(frame []byte) (tag byte, body []byte, err error) {
	if len(frame) < CommandOverhead-1 || !bytes.HasPrefix(frame, commandHeader) {
		return 0, nil, ErrMalformed
	}
	if frame[len(frame)-2] != Terminator || frame[len(frame)-1] != ETX {
		return 0, nil, ErrMalformed
	}
	return frame[len(commandHeader)], frame[len(commandHeader)+1 : len(frame)-2], nil
}

// IsUCSComplete reports whether buf ends with the UCS terminator ";" ETX.
func IsUCSComplete(buf []byte) bool {
	n := len(buf)
	return n > 2 && buf[n-1] == ETX && buf[n-2] == Terminator
}

// ResponseKind selects how DecodeResponse validates and slices a reply.
type ResponseKind int

const (
	// ResponseHealth: 12-byte command echo, content is the byte after it.
	ResponseHealth ResponseKind = iota
	// ResponseInfo: 12-byte command echo, content runs up to the trailer.
	ResponseInfo
	// ResponseSetEcho: the whole reply mirrors the command with STX first.
	ResponseSetEcho
	// ResponseQuery: 7-byte header, content, 3-byte trailer.
	ResponseQuery
	// ResponseBulk: only the ";" ETX terminator is checked.
	ResponseBulk
)

func (k ResponseKind) String() string {
	switch k {
	case ResponseHealth:
		return "health"
	case ResponseInfo:
		return "info"
	case ResponseSetEcho:
		return "set"
	case ResponseQuery:
		return "query"
	case ResponseBulk:
		return "bulk"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

const (
	echoStart     = 1
	echoEnd       = 13
	minEchoLen    = 16
	minQueryLen   = 6
	queryHeader   = 7
	trailerLength = 3
)

// DecodeResponse validates resp as the reply to the encoded command cmd and
// returns its content. Shape mismatches return ErrMalformed; a NAK or ENQ
// status returns a *StatusError. Both match ErrCommunication.
func DecodeResponse(kind ResponseKind, resp, cmd []byte) ([]byte, error) {
	n := len(resp)
	switch kind {
	case ResponseHealth, ResponseInfo:
		if n < minEchoLen || resp[0] != STX || len(cmd) < echoEnd {
			return nil, fmt.Errorf("decode %s: short reply (%d bytes): %w", kind, n, ErrMalformed)
		}
		if !bytes.Equal(resp[echoStart:echoEnd], cmd[echoStart:echoEnd]) {
			return nil, fmt.Errorf("decode %s: echo mismatch: %w", kind, ErrMalformed)
		}
		if err := checkTrailer(kind, resp); err != nil {
			return nil, err
		}
		if kind == ResponseHealth {
			return resp[echoEnd : echoEnd+1], nil
		}
		return resp[echoEnd : n-trailerLength], nil

	case ResponseSetEcho:
		if n != len(cmd)+1 || n < minQueryLen {
			return nil, fmt.Errorf("decode %s: length %d, want %d: %w", kind, n, len(cmd)+1, ErrMalformed)
		}
		if err := checkTrailer(kind, resp); err != nil {
			return nil, err
		}
		if resp[0] != STX || !bytes.Equal(resp[1:n-trailerLength], cmd[1:n-trailerLength]) {
			return nil, fmt.Errorf("decode %s: echo mismatch: %w", kind, ErrMalformed)
		}
		return nil, nil

	case ResponseQuery:
		if n < minQueryLen {
			return nil, fmt.Errorf("decode %s: short reply (%d bytes): %w", kind, n, ErrMalformed)
		}
		if err := checkTrailer(kind, resp); err != nil {
			return nil, err
		}
		if n < queryHeader+trailerLength {
			return nil, fmt.Errorf("decode %s: no room for header: %w", kind, ErrMalformed)
		}
		return resp[queryHeader : n-trailerLength], nil

	case ResponseBulk:
		if n < minQueryLen || !IsUCSComplete(resp) {
			return nil, fmt.Errorf("decode %s: bad terminator: %w", kind, ErrMalformed)
		}
		return nil, nil
	}
	return nil, fmt.Errorf("decode: unknown response kind %d: %w", int(kind), ErrInvalidParams)
}

func checkTrailer(kind ResponseKind, resp []byte) error {
	if !IsUCSComplete(resp) {
		return fmt.Errorf("decode %s: bad terminator: %w", kind, ErrMalformed)
	}
	if status := resp[len(resp)-trailerLength]; status != StatusACK {
		return &StatusError{Op: "ucs " + kind.String(), Status: status}
	}
	return nil
}
