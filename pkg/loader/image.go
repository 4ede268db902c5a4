package loader

import (
	"cmp"
	"errors"
	"fmt"
	"math"
	"slices"

	"kcore/pkg/config"
)

// Image format errors.
var (
	ErrInvalidMagic   = errors.New("invalid image magic")
	ErrInvalidVersion = errors.New("unsupported image version")
	ErrBadSegment     = errors.New("malformed segment")
	ErrTrailingBytes  = errors.New("trailing bytes after last segment")
)

// Magic starts every image file.
var Magic = [4]byte{'K', 'I', 'M', 'G'}

// Version is the only image version understood.
const Version = 1

const (
	headerSize  = 4 + 2 + 8 + 2
	segmentHead = 8 + 8 + 1 + 4
)

// Perm is the access mode of a segment.
type Perm uint8

const (
	PermRead  Perm = 1 << 0
	PermWrite Perm = 1 << 1
	PermExec  Perm = 1 << 2
)

func (p Perm) String() string {
	s := []byte("---")
	if p&PermRead != 0 {
		s[0] = 'r'
	}
	if p&PermWrite != 0 {
		s[1] = 'w'
	}
	if p&PermExec != 0 {
		s[2] = 'x'
	}
	return string(s)
}

// ParsePerm reads a mode written as any combination of r, w and x. A dash
// stands for an absent bit.
func ParsePerm(s string) (Perm, error) {
	var p Perm
	for _, c := range s {
		switch c {
		case 'r':
			p |= PermRead
		case 'w':
			p |= PermWrite
		case 'x':
			p |= PermExec
		case '-':
		default:
			return 0, fmt.Errorf("invalid permission %q", s)
		}
	}
	return p, nil
}

// Segment is a loadable piece of an image. Bytes past len(Data) up to MemSize
// are zero.
type Segment struct {
	VAddr   uint64
	MemSize uint64
	Perm    Perm
	Data    []byte
}

// End returns one past the last byte of the segment.
func (s Segment) End() uint64 { return s.VAddr + s.MemSize }

// Image is a decoded program.
type Image struct {
	Entry    uint64
	Segments []Segment
}

// Validate checks the segment descriptors. Segments are mapped page by
// page, so two segments may not touch the same page.
func (img *Image) Validate() error {
	for i, s := range img.Segments {
		switch {
		case s.MemSize == 0:
			return fmt.Errorf("segment %d: %w: empty", i, ErrBadSegment)
		case uint64(len(s.Data)) > s.MemSize:
			return fmt.Errorf("segment %d: %w: file size exceeds memory size", i, ErrBadSegment)
		case s.VAddr > math.MaxUint64-s.MemSize:
			return fmt.Errorf("segment %d: %w: wraps the address space", i, ErrBadSegment)
		case s.Perm&^(PermRead|PermWrite|PermExec) != 0:
			return fmt.Errorf("segment %d: %w: permission %#x", i, ErrBadSegment, uint8(s.Perm))
		}
	}

	segs := slices.Clone(img.Segments)
	slices.SortFunc(segs, func(a, b Segment) int { return cmp.Compare(a.VAddr, b.VAddr) })
	for i := 1; i < len(segs); i++ {
		prev, s := segs[i-1], segs[i]
		if last := (prev.End() - 1) / config.PageSize; s.VAddr/config.PageSize <= last {
			return fmt.Errorf("%w: segments at %#x and %#x share page %#x",
				ErrBadSegment, prev.VAddr, s.VAddr, last*config.PageSize)
		}
	}
	return nil
}

// Encode serializes the image.
func (img *Image) Encode() ([]byte, error) {
	if err := img.Validate(); err != nil {
		return nil, err
	}
	if len(img.Segments) > math.MaxUint16 {
		return nil, fmt.Errorf("%w: too many segments", ErrBadSegment)
	}

	size := headerSize
	for _, s := range img.Segments {
		size += segmentHead + len(s.Data)
	}

	c := newCodec(make([]byte, size))
	c.writeBytes(Magic[:])
	c.writeUint16(Version)
	c.writeUint64(img.Entry)
	c.writeUint16(uint16(len(img.Segments)))
	for _, s := range img.Segments {
		c.writeUint64(s.VAddr)
		c.writeUint64(s.MemSize)
		c.writeUint8(uint8(s.Perm))
		c.writeUint32(uint32(len(s.Data)))
		c.writeBytes(s.Data)
	}
	return c.buf, nil
}

// Decode parses an image.
func Decode(raw []byte) (*Image, error) {
	c := newCodec(raw)

	magic, err := c.readBytes(4)
	if err != nil {
		return nil, err
	}
	if [4]byte(magic) != Magic {
		return nil, ErrInvalidMagic
	}
	version, err := c.readUint16()
	if err != nil {
		return nil, err
	}
	if version != Version {
		return nil, fmt.Errorf("%w: %d", ErrInvalidVersion, version)
	}

	img := &Image{}
	if img.Entry, err = c.readUint64(); err != nil {
		return nil, err
	}
	count, err := c.readUint16()
	if err != nil {
		return nil, err
	}

	img.Segments = make([]Segment, 0, count)
	for i := 0; i < int(count); i++ {
		var s Segment
		if s.VAddr, err = c.readUint64(); err != nil {
			return nil, err
		}
		if s.MemSize, err = c.readUint64(); err != nil {
			return nil, err
		}
		perm, err := c.readUint8()
		if err != nil {
			return nil, err
		}
		s.Perm = Perm(perm)
		n, err := c.readUint32()
		if err != nil {
			return nil, err
		}
		if s.Data, err = c.readBytes(int(n)); err != nil {
			return nil, err
		}
		img.Segments = append(img.Segments, s)
	}
	if c.remaining() != 0 {
		return nil, ErrTrailingBytes
	}
	if err := img.Validate(); err != nil {
		return nil, err
	}
	return img, nil
}
