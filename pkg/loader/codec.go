package loader

import (
	"encoding/binary"
	"io"
)

// codec walks a fixed buffer reading or writing big-endian fields.
type codec struct {
	buf []byte
	pos int
}

func newCodec(buf []byte) *codec {
	return &codec{buf: buf}
}

func (c *codec) remaining() int { return len(c.buf) - c.pos }

func (c *codec) readUint8() (uint8, error) {
	if c.pos >= len(c.buf) {
		return 0, io.ErrUnexpectedEOF
	}
	b := c.buf[c.pos]
	c.pos++
	return b, nil
}

func (c *codec) readUint16() (uint16, error) {
	if c.pos+2 > len(c.buf) {
		return 0, io.ErrUnexpectedEOF
	}
	v := binary.BigEndian.Uint16(c.buf[c.pos:])
	c.pos += 2
	return v, nil
}

func (c *codec) readUint32() (uint32, error) {
	if c.pos+4 > len(c.buf) {
		return 0, io.ErrUnexpectedEOF
	}
	v := binary.BigEndian.Uint32(c.buf[c.pos:])
	c.pos += 4
	return v, nil
}

func (c *codec) readUint64() (uint64, error) {
	if c.pos+8 > len(c.buf) {
		return 0, io.ErrUnexpectedEOF
	}
	v := binary.BigEndian.Uint64(c.buf[c.pos:])
	c.pos += 8
	return v, nil
}

func (c *codec) readBytes(n int) ([]byte, error) {
	if n < 0 || c.pos+n > len(c.buf) {
		return nil, io.ErrUnexpectedEOF
	}
	b := make([]byte, n)
	copy(b, c.buf[c.pos:c.pos+n])
	c.pos += n
	return b, nil
}

// Writers assume the buffer was sized up front.

func (c *codec) writeUint8(v uint8) {
	c.buf[c.pos] = v
	c.pos++
}

func (c *codec) writeUint16(v uint16) {
	binary.BigEndian.PutUint16(c.buf[c.pos:], v)
	c.pos += 2
}

func (c *codec) writeUint32(v uint32) {
	binary.BigEndian.PutUint32(c.buf[c.pos:], v)
	c.pos += 4
}

func (c *codec) writeUint64(v uint64) {
	binary.BigEndian.PutUint64(c.buf[c.pos:], v)
	c.pos += 8
}

func (c *codec) writeBytes(b []byte) {
	copy(c.buf[c.pos:], b)
	c.pos += len(b)
}
