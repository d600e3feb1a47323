package protocol

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"time"
)

// Parameter frame layout: 02 05 <lenHi> <lenLo> <key> <CRC32 BE>.
const (
	paramMarker byte = 0x05

	paramHeaderLen = 4
	paramCRCLen    = 4

	// FrameSize is the block payload size negotiated for firmware transfer.
	FrameSize = 512
	// ParamCapacity bounds an encoded parameter frame.
	ParamCapacity = FrameSize + 64

	// ParamOK is the success status of a parameter acknowledgement.
	ParamOK byte = '0'
	// ParamNeedErase is returned by Start when the target must be erased first.
	ParamNeedErase byte = 0x34
)

// Parameter keys understood by the bootloader.
const (
	KeyStart    = ">Start"
	KeyErase    = ">Erase"
	KeyNextDown = "@NextDown"
	KeyExit     = "@Exit"
	KeyBaud     = "#COMM:115200,8,0,1"
)

// Timing of a parameter exchange.
const (
	paramAckTimeout  = 2000 * time.Millisecond
	paramAckInterval = 20 * time.Millisecond
	paramAckMax      = 10
)

// ParamDataLens, ParamFileType, ParamFrameSize and ParamFrames format the
// negotiation keys sent before a block transfer.
func ParamDataLens(n int) string { return fmt.Sprintf("!DataLens:%d", n) }

func ParamFileType(t string) string { return "!FileType:" + t }

func ParamFrameSize(n int) string { return fmt.Sprintf("!FrameSize:%d", n) }

func ParamFrames(n int) string { return fmt.Sprintf("!Frames:%d", n) }

// EncodeParam builds a parameter frame carrying key.
func EncodeParam(key string) ([]byte, error) {
	n := len(key)
	if n == 0 || paramHeaderLen+n+paramCRCLen > ParamCapacity {
		return nil, fmt.Errorf("encode param: key length %d: %w", n, ErrInvalidParams)
	}
	frame := make([]byte, paramHeaderLen+n+paramCRCLen)
	frame[0] = STX
	frame[1] = paramMarker
	binary.BigEndian.PutUint16(frame[2:4], uint16(n))
	copy(frame[paramHeaderLen:], key)
	binary.BigEndian.PutUint32(frame[paramHeaderLen+n:], crc32.ChecksumIEEE(frame[:paramHeaderLen+n]))
	return frame, nil
}

// DecodeParamAck validates a parameter acknowledgement and returns its
// status byte. Only the top three CRC bytes are compared; some firmware
// versions send a 9-byte reply that truncates the last one.
func DecodeParamAck(buf []byte) (byte, error) {
	n := len(buf)
	if n != 9 && n != 10 {
		return 0, fmt.Errorf("decode param ack: length %d: %w", n, ErrMalformed)
	}
	if buf[0] != STX || buf[1] != paramMarker || buf[2] != 0 {
		return 0, fmt.Errorf("decode param ack: bad header % X: %w", buf[:3], ErrMalformed)
	}
	datalen := int(buf[3])
	if datalen == 0 || datalen > n-8 {
		return 0, fmt.Errorf("decode param ack: data length %d: %w", datalen, ErrMalformed)
	}
	end := paramHeaderLen + datalen
	sum := crc32.ChecksumIEEE(buf[:end]) & 0xFFFFFF00
	got := uint32(buf[end])<<24 | uint32(buf[end+1])<<16 | uint32(buf[end+2])<<8
	if sum != got {
		return 0, fmt.Errorf("decode param ack: crc 0x%08X, want 0x%08X: %w", got, sum, ErrMalformed)
	}
	return buf[paramHeaderLen], nil
}

// SetParam sends key and waits for its acknowledgement. A decoded reply with
// a status other than ParamOK returns that status and a *StatusError.
func SetParam(l Link, key string) (byte, error) {
	frame, err := EncodeParam(key)
	if err != nil {
		return 0, err
	}
	if err := Drain(l, 0); err != nil {
		return 0, fmt.Errorf("param %s: %w: %w", key, ErrCommunication, err)
	}
	if err := l.Write(frame); err != nil {
		return 0, fmt.Errorf("param %s: write: %w: %w", key, ErrCommunication, err)
	}
	var buf [paramAckMax]byte
	n, err := ReadAck(l, buf[:], paramAckTimeout, paramAckInterval, false)
	if err != nil {
		return 0, fmt.Errorf("param %s: read: %w: %w", key, ErrCommunication, err)
	}
	status, err := DecodeParamAck(buf[:n])
	if err != nil {
		return 0, fmt.Errorf("param %s: %w", key, err)
	}
	if status != ParamOK {
		return status, &StatusError{Op: "param " + key, Status: status}
	}
	return status, nil
}
