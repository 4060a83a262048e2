package layout

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"

	"unil2cpp/internal/stream"
)

// Kind is the storage class of a field.
type Kind uint8

const (
	Ptr Kind = iota // pointer-sized: counts and pointers of the registrations
	U8
	U16
	U32
	I32
	U64
)

func (k Kind) size(ptrSize int) int {
	switch k {
	case Ptr:
		return ptrSize
	case U8:
		return 1
	case U16:
		return 2
	case U32, I32:
		return 4
	case U64:
		return 8
	}
	return 0
}

// Field is one member of a versioned record. A zero bound is open.
type Field struct {
	Name string
	Kind Kind
	Min  Version
	Max  Version
	// Also is a second closed presence range, used when a field was
	// backported to an older line.
	Also [2]Version
}

// In reports whether the field exists at version v.
func (f Field) In(v Version) bool {
	if f.Also[0] != 0 && v >= f.Also[0] && v <= f.Also[1] {
		return true
	}
	if f.Min != 0 && v < f.Min {
		return false
	}
	if f.Max != 0 && v > f.Max {
		return false
	}
	return true
}

// Layout is an ordered, version-gated field list of one record type.
type Layout struct {
	Name   string
	Fields []Field
}

// Placed is a field resolved to a byte offset for a concrete version.
type Placed struct {
	Field
	Offset int
	Size   int
}

// Place resolves the present fields of l at version v with C natural
// alignment and returns them with the padded record size.
func (l *Layout) Place(v Version, ptrSize int) ([]Placed, int) {
	out := make([]Placed, 0, len(l.Fields))
	off, align := 0, 1
	for _, f := range l.Fields {
		if !f.In(v) {
			continue
		}
		sz := f.Kind.size(ptrSize)
		off = stream.AlignUp(off, sz)
		out = append(out, Placed{Field: f, Offset: off, Size: sz})
		off += sz
		if sz > align {
			align = sz
		}
	}
	return out, stream.AlignUp(off, align)
}

// Has reports whether the named field exists at v.
func (l *Layout) Has(v Version, name string) bool {
	for _, f := range l.Fields {
		if f.Name == name {
			return f.In(v)
		}
	}
	return false
}

// Offset returns the byte offset of the named field at v.
func (l *Layout) Offset(v Version, ptrSize int, name string) (int, bool) {
	placed, _ := l.Place(v, ptrSize)
	for _, p := range placed {
		if p.Name == name {
			return p.Offset, true
		}
	}
	return 0, false
}

// ErrShortRecord is returned when a buffer is smaller than the record.
var ErrShortRecord = errors.New("layout: short record")

// Record is one decoded instance of a layout.
type Record struct {
	layout *Layout
	fields []Placed
	vals   []uint64
}

// Decode reads one record of l at version v from b.
func (l *Layout) Decode(b []byte, v Version, ptrSize int, order binary.ByteOrder) (Record, error) {
	placed, size := l.Place(v, ptrSize)
	if len(b) < size {
		return Record{}, errors.Wrapf(ErrShortRecord, "%s %s: have %d bytes, need %d", l.Name, v, len(b), size)
	}
	r := Record{layout: l, fields: placed, vals: make([]uint64, len(placed))}
	for i, p := range placed {
		r.vals[i], _ = stream.Uint(b[p.Offset:], p.Size, order)
	}
	return r, nil
}

func (r Record) index(name string) int {
	for i, p := range r.fields {
		if p.Name == name {
			return i
		}
	}
	return -1
}

// Fields returns the placed fields of the record in layout order.
func (r Record) Fields() []Placed { return r.fields }

// Has reports whether the record carries the named field.
func (r Record) Has(name string) bool { return r.index(name) >= 0 }

// Get returns the raw unsigned value of a field, or zero when absent.
func (r Record) Get(name string) uint64 {
	if i := r.index(name); i >= 0 {
		return r.vals[i]
	}
	return 0
}

// Int returns a field sign-extended by its kind, or -1 when absent.
func (r Record) Int(name string) int64 {
	i := r.index(name)
	if i < 0 {
		return -1
	}
	if r.fields[i].Kind == I32 {
		return int64(int32(r.vals[i]))
	}
	return int64(r.vals[i])
}

// Map returns the record as a name -> value map.
func (r Record) Map() map[string]uint64 {
	m := make(map[string]uint64, len(r.fields))
	for i, p := range r.fields {
		m[p.Name] = r.vals[i]
	}
	return m
}

func (r Record) String() string {
	if r.layout == nil {
		return "<nil record>"
	}
	return fmt.Sprintf("%s%v", r.layout.Name, r.Map())
}

// Encode writes one record of l at version v. Fields missing from vals are
// zero; names not present at v are ignored.
func (l *Layout) Encode(vals map[string]uint64, v Version, ptrSize int, order binary.ByteOrder) []byte {
	placed, size := l.Place(v, ptrSize)
	b := make([]byte, size)
	for _, p := range placed {
		x := vals[p.Name]
		w := b[p.Offset : p.Offset+p.Size]
		switch p.Size {
		case 1:
			w[0] = byte(x)
		case 2:
			order.PutUint16(w, uint16(x))
		case 4:
			order.PutUint32(w, uint32(x))
		case 8:
			order.PutUint64(w, x)
		}
	}
	return b
}
