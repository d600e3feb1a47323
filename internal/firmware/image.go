// Package firmware parses scanner firmware images and drives the
// bootloader update sequence over a protocol.Link.
package firmware

import (
	"encoding/binary"
	"fmt"

	"scantool/internal/protocol"
)

// DeviceClass distinguishes the two bootloader families.
type DeviceClass int

const (
	SOC DeviceClass = iota
	MCU
)

func (c DeviceClass) String() string {
	if c == MCU {
		return "mcu"
	}
	return "soc"
}

// SegmentKind is what a segment programs.
type SegmentKind int

const (
	Kernel SegmentKind = iota
	Bootloader
	Application
	Flash
)

func (k SegmentKind) String() string {
	switch k {
	case Kernel:
		return "kern"
	case Bootloader:
		return "boot"
	case Application:
		return "appl"
	default:
		return "flah"
	}
}

// Segment is one independently programmed piece of an image.
type Segment struct {
	Offset uint32
	Length uint32
	Kind   SegmentKind
	// Target selects the flash region; only meaningful when HasTarget.
	Target    uint32
	HasTarget bool
}

// FileType is the value sent with the !FileType parameter.
func (s Segment) FileType() string {
	if s.Kind == Flash && s.HasTarget {
		return fmt.Sprintf("flah:%d", s.Target)
	}
	return s.Kind.String()
}

// Image is a parsed firmware file.
type Image struct {
	Class    DeviceClass
	Data     []byte
	Segments []Segment
}

// Payload returns the bytes of s within the image.
func (img *Image) Payload(s Segment) []byte {
	return img.Data[s.Offset : s.Offset+s.Length]
}

// TotalBytes sums the lengths of all segments.
func (img *Image) TotalBytes() int {
	n := 0
	for _, s := range img.Segments {
		n += int(s.Length)
	}
	return n
}

// Image layout.
const (
	MinImageSize = 600

	mcuMagic = 0x89ABCDEF

	socFooterSize = 368
	socStride     = 76
	socEntries    = 4

	mcuKernelEntry = 0x5C
	mcuFlashEntry  = 0x5C + 0x70
)

// ASCII type tags, packed little-endian.
const (
	tagKern = 0x6E72656B // "kern"
	tagBoot = 0x746F6F62 // "boot"
	tagAppl = 0x6C707061 // "appl"
)

// Parse validates data and extracts its update segments. Images starting
// with the MCU magic carry fixed descriptors at 0x5C and 0x5C+0x70; all
// others carry up to four descriptors in a trailing 368-byte footer.
func Parse(data []byte) (*Image, error) {
	if len(data) < MinImageSize {
		return nil, fmt.Errorf("firmware: %d bytes, need at least %d: %w", len(data), MinImageSize, protocol.ErrFirmwareFile)
	}
	img := &Image{Data: data}
	var err error
	if binary.LittleEndian.Uint32(data) == mcuMagic {
		img.Class = MCU
		img.Segments, err = parseMCU(data)
	} else {
		img.Class = SOC
		img.Segments, err = parseSOC(data)
	}
	if err != nil {
		return nil, err
	}
	if len(img.Segments) == 0 {
		return nil, fmt.Errorf("firmware: no segments: %w", protocol.ErrFirmwareFile)
	}
	return img, nil
}

func parseSOC(data []byte) ([]Segment, error) {
	var segs []Segment
	pos := len(data) - socFooterSize
	for i := 0; i < socEntries; i, pos = i+1, pos+socStride {
		offset := binary.LittleEndian.Uint32(data[pos:])
		length := binary.LittleEndian.Uint32(data[pos+4:])
		tag := binary.LittleEndian.Uint32(data[pos+8:])
		target := binary.LittleEndian.Uint32(data[pos+40:])
		if length == 0 {
			break
		}
		seg := Segment{Offset: offset, Length: length}
		switch tag {
		case tagKern:
			seg.Kind = Kernel
		case tagBoot:
			seg.Kind = Bootloader
		case tagAppl:
			seg.Kind = Application
		default:
			// "flah" and any unrecognised tag program a flash target.
			seg.Kind = Flash
			seg.Target = target
			seg.HasTarget = true
		}
		if err := checkBounds(seg, len(data)); err != nil {
			return nil, fmt.Errorf("firmware: footer entry %d: %w", i, err)
		}
		segs = append(segs, seg)
	}
	return segs, nil
}

func parseMCU(data []byte) ([]Segment, error) {
	if data[mcuKernelEntry] != 1 {
		return nil, fmt.Errorf("firmware: mcu kernel descriptor not present: %w", protocol.ErrFirmwareFile)
	}
	kern := Segment{
		Kind:   Kernel,
		Length: binary.LittleEndian.Uint32(data[mcuKernelEntry+4:]),
		Offset: binary.LittleEndian.Uint32(data[mcuKernelEntry+8:]),
	}
	if err := checkBounds(kern, len(data)); err != nil {
		return nil, fmt.Errorf("firmware: mcu kernel: %w", err)
	}
	segs := []Segment{kern}

	if data[mcuFlashEntry] == 1 {
		flash := Segment{
			Kind:   Flash,
			Length: binary.LittleEndian.Uint32(data[mcuFlashEntry+8:]),
			Offset: binary.LittleEndian.Uint32(data[mcuFlashEntry+12:]),
		}
		if err := checkBounds(flash, len(data)); err != nil {
			return nil, fmt.Errorf("firmware: mcu flash: %w", err)
		}
		segs = append(segs, flash)
	}
	return segs, nil
}

func checkBounds(s Segment, size int) error {
	if s.Length == 0 || uint64(s.Offset)+uint64(s.Length) > uint64(size) {
		return fmt.Errorf("segment %s at %d+%d outside %d byte image: %w", s.FileType(), s.Offset, s.Length, size, protocol.ErrFirmwareFile)
	}
	return nil
}
