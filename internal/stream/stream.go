// Package stream provides a bounds-checked cursor over an in-memory byte
// buffer with typed reads in either byte order.
package stream

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/exp/constraints"
)

var (
	ErrStreamEOF     = errors.New("stream: unexpected end of data")
	ErrStreamOverrun = errors.New("stream: value too large")
	ErrBadPtrSize    = errors.New("stream: pointer size must be 4 or 8")
)

// Stream reads fixed-width and variable-length values from a byte slice.
type Stream struct {
	data  []byte
	pos   int
	end   int
	order binary.ByteOrder
}

// New creates a little-endian stream over data.
func New(data []byte) *Stream {
	return &Stream{data: data, end: len(data), order: binary.LittleEndian}
}

// NewWithOrder creates a stream over data using the given byte order.
func NewWithOrder(data []byte, order binary.ByteOrder) *Stream {
	if order == nil {
		order = binary.LittleEndian
	}
	return &Stream{data: data, end: len(data), order: order}
}

// NewAt creates a little-endian stream starting at offset within data.
func NewAt(data []byte, offset int) *Stream {
	s := New(data)
	s.SetPosition(offset)
	return s
}

// Order returns the stream byte order.
func (s *Stream) Order() binary.ByteOrder { return s.order }

// Len returns the size of the underlying buffer.
func (s *Stream) Len() int { return s.end }

// Bytes returns the underlying buffer.
func (s *Stream) Bytes() []byte { return s.data[:s.end] }

// Position returns the current read position.
func (s *Stream) Position() int { return s.pos }

// SetPosition sets the read position, clamped to the end of data.
func (s *Stream) SetPosition(pos int) {
	if pos < 0 {
		pos = 0
	}
	if pos > s.end {
		pos = s.end
	}
	s.pos = pos
}

// Remaining returns bytes left to read.
func (s *Stream) Remaining() int { return s.end - s.pos }

func (s *Stream) need(n int) error {
	if n < 0 || s.pos+n > s.end {
		return ErrStreamEOF
	}
	return nil
}

// ReadByte reads a single byte.
func (s *Stream) ReadByte() (byte, error) {
	if err := s.need(1); err != nil {
		return 0, err
	}
	b := s.data[s.pos]
	s.pos++
	return b, nil
}

// ReadBytes reads n bytes into a new slice.
func (s *Stream) ReadBytes(n int) ([]byte, error) {
	if err := s.need(n); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, s.data[s.pos:s.pos+n])
	s.pos += n
	return out, nil
}

// Slice returns n bytes without copying and advances past them.
func (s *Stream) Slice(n int) ([]byte, error) {
	if err := s.need(n); err != nil {
		return nil, err
	}
	out := s.data[s.pos : s.pos+n]
	s.pos += n
	return out, nil
}

// ReadUint16 reads a uint16.
func (s *Stream) ReadUint16() (uint16, error) {
	if err := s.need(2); err != nil {
		return 0, err
	}
	v := s.order.Uint16(s.data[s.pos:])
	s.pos += 2
	return v, nil
}

// ReadUint32 reads a uint32.
func (s *Stream) ReadUint32() (uint32, error) {
	if err := s.need(4); err != nil {
		return 0, err
	}
	v := s.order.Uint32(s.data[s.pos:])
	s.pos += 4
	return v, nil
}

// ReadUint64 reads a uint64.
func (s *Stream) ReadUint64() (uint64, error) {
	if err := s.need(8); err != nil {
		return 0, err
	}
	v := s.order.Uint64(s.data[s.pos:])
	s.pos += 8
	return v, nil
}

// ReadInt32 reads an int32.
func (s *Stream) ReadInt32() (int32, error) {
	v, err := s.ReadUint32()
	return int32(v), err
}

// ReadUint reads an unsigned value of 1, 2, 4 or 8 bytes, zero-extended.
func (s *Stream) ReadUint(size int) (uint64, error) {
	switch size {
	case 1:
		b, err := s.ReadByte()
		return uint64(b), err
	case 2:
		v, err := s.ReadUint16()
		return uint64(v), err
	case 4:
		v, err := s.ReadUint32()
		return uint64(v), err
	case 8:
		return s.ReadUint64()
	}
	return 0, fmt.Errorf("stream: unsupported width %d", size)
}

// ReadPointer reads a pointer of ptrSize bytes (4 or 8).
func (s *Stream) ReadPointer(ptrSize int) (uint64, error) {
	if ptrSize != 4 && ptrSize != 8 {
		return 0, ErrBadPtrSize
	}
	return s.ReadUint(ptrSize)
}

// ReadULEB128 reads an unsigned LEB128 value (WebAssembly encoding).
func (s *Stream) ReadULEB128() (uint64, error) {
	var r uint64
	var shift uint
	for {
		b, err := s.ReadByte()
		if err != nil {
			return 0, err
		}
		r |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return r, nil
		}
		shift += 7
		if shift >= 64 {
			return 0, ErrStreamOverrun
		}
	}
}

// ReadSLEB128 reads a signed LEB128 value.
func (s *Stream) ReadSLEB128() (int64, error) {
	var r int64
	var shift uint
	for {
		b, err := s.ReadByte()
		if err != nil {
			return 0, err
		}
		r |= int64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			if shift < 64 && b&0x40 != 0 {
				r |= -1 << shift
			}
			return r, nil
		}
		if shift >= 64 {
			return 0, ErrStreamOverrun
		}
	}
}

// ReadCString reads a null-terminated string.
func (s *Stream) ReadCString() (string, error) {
	start := s.pos
	for s.pos < s.end {
		if s.data[s.pos] == 0 {
			str := string(s.data[start:s.pos])
			s.pos++
			return str, nil
		}
		s.pos++
	}
	s.pos = start
	return "", fmt.Errorf("stream: unterminated string at offset %d", start)
}

// Align advances position to the next alignment boundary.
func (s *Stream) Align(alignment int) {
	if alignment <= 0 {
		return
	}
	s.SetPosition(AlignUp(s.pos, alignment))
}

// Skip advances the position by n bytes.
func (s *Stream) Skip(n int) error {
	if err := s.need(n); err != nil {
		return err
	}
	s.pos += n
	return nil
}

// AlignUp rounds v up to a multiple of a. a must be a power of two.
func AlignUp[I constraints.Integer](v, a I) I {
	return (v + a - 1) &^ (a - 1)
}

// Uint decodes an unsigned value of size bytes from b using order.
func Uint(b []byte, size int, order binary.ByteOrder) (uint64, bool) {
	if len(b) < size {
		return 0, false
	}
	switch size {
	case 1:
		return uint64(b[0]), true
	case 2:
		return uint64(order.Uint16(b)), true
	case 4:
		return uint64(order.Uint32(b)), true
	case 8:
		return order.Uint64(b), true
	}
	return 0, false
}
