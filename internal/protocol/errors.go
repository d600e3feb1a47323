// Package protocol implements the wire codecs spoken by the scanner: UCS
// command/response framing, the binary parameter protocol used while
// negotiating a firmware update, and the CRC-protected block transfer.
package protocol

import (
	"errors"
	"fmt"
)

// Error kinds surfaced to callers. Byte-level detail is folded into
// ErrCommunication at the codec boundary.
var (
	ErrInvalidParams       = errors.New("invalid parameters")
	ErrDeviceNotExist      = errors.New("device does not exist")
	ErrDeviceAccessDenied  = errors.New("device access denied")
	ErrDeviceNotUnique     = errors.New("device not unique")
	ErrWriteFlash          = errors.New("write flash failed")
	ErrCommunication       = errors.New("communication error")
	ErrFirmwareFile        = errors.New("invalid firmware file")
	ErrFirmwareNotSuitable = errors.New("firmware not suitable")
)

var (
	// ErrMalformed reports a bad trailer, echo, length or CRC.
	ErrMalformed = fmt.Errorf("%w: malformed frame", ErrCommunication)
	// ErrTimeout reports that no byte arrived within the read window.
	ErrTimeout = fmt.Errorf("%w: timeout", ErrCommunication)
	// ErrUnexpectedReply reports a single-byte reply other than the one awaited.
	ErrUnexpectedReply = fmt.Errorf("%w: unexpected reply", ErrCommunication)
)

// Numeric error codes, stable across releases.
const (
	CodeSuccess             = 0
	CodeUnknown             = 1
	CodeInvalidParams       = 2
	CodeDeviceNotExist      = 3
	CodeDeviceAccessDenied  = 4
	CodeDeviceNotUnique     = 5
	CodeWriteFlash          = 6
	CodeCommunication       = 7
	CodeFirmwareFile        = 8
	CodeFirmwareNotSuitable = 9
)

// StatusError is returned when the device answers with a non-success
// status byte (NAK/ENQ on UCS, anything but '0' on parameter frames).
type StatusError struct {
	Op     string
	Status byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: device status 0x%02X (%s)", e.Op, e.Status, statusName(e.Status))
}

// Unwrap lets errors.Is match ErrCommunication.
func (e *StatusError) Unwrap() error {
	return ErrCommunication
}

// IsStatus reports whether err carries the given device status byte.
func IsStatus(err error, status byte) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Status == status
}

func statusName(s byte) string {
	switch s {
	case StatusACK:
		return "ACK"
	case StatusNAK:
		return "NAK"
	case StatusENQ:
		return "ENQ"
	case ParamOK:
		return "OK"
	case ParamNeedErase:
		return "NEED_ERASE"
	default:
		return "unknown"
	}
}

// Code maps an error to its numeric code. A nil error is CodeSuccess.
func Code(err error) int {
	switch {
	case err == nil:
		return CodeSuccess
	case errors.Is(err, ErrInvalidParams):
		return CodeInvalidParams
	case errors.Is(err, ErrDeviceNotExist):
		return CodeDeviceNotExist
	case errors.Is(err, ErrDeviceAccessDenied):
		return CodeDeviceAccessDenied
	case errors.Is(err, ErrDeviceNotUnique):
		return CodeDeviceNotUnique
	case errors.Is(err, ErrWriteFlash):
		return CodeWriteFlash
	case errors.Is(err, ErrCommunication):
		return CodeCommunication
	case errors.Is(err, ErrFirmwareFile):
		return CodeFirmwareFile
	case errors.Is(err, ErrFirmwareNotSuitable):
		return CodeFirmwareNotSuitable
	default:
		return CodeUnknown
	}
}
