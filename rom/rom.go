// Package rom parses N64 cartridge images and stages them into shim-owned
// memory for the game library.
package rom

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"unsafe"

	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/transform"

	"github.com/joshuapare/heapshim/shim"
)

// HeaderSize is the size of the cartridge header.
const HeaderSize = 0x40

// Header field offsets.
const (
	offClockRate = 0x04
	offEntry     = 0x08
	offRelease   = 0x0C
	offCRC1      = 0x10
	offCRC2      = 0x14
	offTitle     = 0x20
	titleLen     = 20
	offGameCode  = 0x3B
	offRegion    = 0x3E
	offVersion   = 0x3F
)

var (
	ErrTooSmall      = errors.New("rom: image smaller than header")
	ErrUnknownFormat = errors.New("rom: unrecognized byte order")
	ErrTruncated     = errors.New("rom: image length not a multiple of the word size")
	ErrStage         = errors.New("rom: staging allocation failed")
)

// Format is the byte order of an image on disk.
type Format uint8

const (
	FormatZ64 Format = iota + 1 // Big-endian, native
	FormatV64                   // 16-bit byte-swapped
	FormatN64                   // 32-bit little-endian words
)

func (f Format) String() string {
	switch f {
	case FormatZ64:
		return "z64"
	case FormatV64:
		return "v64"
	case FormatN64:
		return "n64"
	}
	return fmt.Sprintf("Format(%d)", uint8(f))
}

var magics = []struct {
	f     Format
	magic [4]byte
}{
	{FormatZ64, [4]byte{0x80, 0x37, 0x12, 0x40}},
	{FormatV64, [4]byte{0x37, 0x80, 0x40, 0x12}},
	{FormatN64, [4]byte{0x40, 0x12, 0x37, 0x80}},
}

// Detect reports the byte order of b from its first word.
func Detect(b []byte) (Format, error) {
	if len(b) < 4 {
		return 0, ErrTooSmall
	}
	for _, m := range magics {
		if [4]byte(b[:4]) == m.magic {
			return m.f, nil
		}
	}
	return 0, fmt.Errorf("%w: % x", ErrUnknownFormat, b[:4])
}

// Normalize returns a z64 copy of b, which is in format f.
func Normalize(b []byte, f Format) ([]byte, error) {
	out := make([]byte, len(b))
	switch f {
	case FormatZ64:
		copy(out, b)
	case FormatV64:
		if len(b)%2 != 0 {
			return nil, ErrTruncated
		}
		for i := 0; i < len(b); i += 2 {
			out[i], out[i+1] = b[i+1], b[i]
		}
	case FormatN64:
		if len(b)%4 != 0 {
			return nil, ErrTruncated
		}
		for i := 0; i < len(b); i += 4 {
			binary.BigEndian.PutUint32(out[i:], binary.LittleEndian.Uint32(b[i:]))
		}
	default:
		return nil, ErrUnknownFormat
	}
	return out, nil
}

// Header is the decoded cartridge header.
type Header struct {
	ClockRate uint32
	Entry     uint32
	Release   uint32
	CRC1      uint32
	CRC2      uint32
	Title     string // Shift-JIS decoded, padding trimmed
	GameCode  string // Four characters: category, two-letter id, region
	Region    byte
	Version   uint8
}

// RegionName returns a human name for the region byte.
func (h Header) RegionName() string {
	if name, ok := regions[h.Region]; ok {
		return name
	}
	return fmt.Sprintf("unknown (%q)", h.Region)
}

var regions = map[byte]string{
	'7': "Beta",
	'A': "Asian (NTSC)",
	'B': "Brazilian",
	'C': "Chinese",
	'D': "German",
	'E': "North America",
	'F': "French",
	'G': "Gateway 64 (NTSC)",
	'H': "Dutch",
	'I': "Italian",
	'J': "Japanese",
	'K': "Korean",
	'L': "Gateway 64 (PAL)",
	'N': "Canadian",
	'P': "European",
	'S': "Spanish",
	'U': "Australian",
	'W': "Scandinavian",
	'X': "European",
	'Y': "European",
}

// ROM is a parsed image held in z64 order.
type ROM struct {
	Format Format // Byte order the image arrived in
	Header Header
	Data   []byte
}

// Parse detects the byte order of b, normalizes a copy to z64 and decodes
// the header. b is not retained.
func Parse(b []byte) (*ROM, error) {
	if len(b) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooSmall, len(b))
	}
	f, err := Detect(b)
	if err != nil {
		return nil, err
	}
	data, err := Normalize(b, f)
	if err != nil {
		return nil, err
	}

	h := Header{
		ClockRate: binary.BigEndian.Uint32(data[offClockRate:]),
		Entry:     binary.BigEndian.Uint32(data[offEntry:]),
		Release:   binary.BigEndian.Uint32(data[offRelease:]),
		CRC1:      binary.BigEndian.Uint32(data[offCRC1:]),
		CRC2:      binary.BigEndian.Uint32(data[offCRC2:]),
		Title:     decodeTitle(data[offTitle : offTitle+titleLen]),
		GameCode:  strings.TrimRight(string(data[offGameCode:offGameCode+4]), "\x00 "),
		Region:    data[offRegion],
		Version:   data[offVersion],
	}
	return &ROM{Format: f, Header: h, Data: data}, nil
}

func decodeTitle(raw []byte) string {
	raw = []byte(strings.TrimRight(string(raw), "\x00 "))
	s, _, err := transform.Bytes(japanese.ShiftJIS.NewDecoder(), raw)
	if err != nil {
		return string(raw)
	}
	return strings.TrimRight(string(s), " 　")
}

// Stage copies the image into a block obtained from s.Malloc and returns a
// view of it. release frees the block and must be called exactly once.
func Stage(s *shim.Shim, r *ROM) (buf []byte, release func(), err error) {
	p := s.Malloc(uintptr(len(r.Data)))
	if p == nil {
		return nil, nil, fmt.Errorf("%w: %d bytes", ErrStage, len(r.Data))
	}
	buf = unsafe.Slice((*byte)(p), len(r.Data))
	copy(buf, r.Data)
	return buf, func() { s.Free(p) }, nil
}
