package loader

import (
	"bytes"
	"encoding/binary"

	"github.com/lunixbochs/struc"
	"github.com/pkg/errors"

	"unil2cpp/internal/image"
)

const (
	fatMagic        = 0xcafebabe
	fatMagicSwapped = 0xbebafeca
	maxFatArchs     = 64
)

type fatHeader struct {
	Magic uint32
	NArch uint32
}

type fatArch struct {
	CPU    uint32
	SubCPU uint32
	Offset uint32
	Size   uint32
	Align  uint32
}

// Fat is a universal Mach-O container. It is not an image itself: a slice
// has to be selected and dispatched again.
type Fat struct {
	raw    []byte
	slices []image.Slice
}

// NewFat parses the big-endian fat header and its architecture table.
func NewFat(raw []byte) (*Fat, error) {
	r := bytes.NewReader(raw)
	var h fatHeader
	if err := struc.UnpackWithOrder(r, &h, binary.BigEndian); err != nil {
		return nil, &image.FormatError{Format: image.FormatFat, Msg: "header", Err: err}
	}
	if h.Magic != fatMagic {
		return nil, image.Formatf(image.FormatFat, "bad magic 0x%x", h.Magic)
	}
	if h.NArch == 0 || h.NArch > maxFatArchs {
		return nil, image.Formatf(image.FormatFat, "bad architecture count %d", h.NArch)
	}
	fat := &Fat{raw: raw}
	for i := uint32(0); i < h.NArch; i++ {
		var a fatArch
		if err := struc.UnpackWithOrder(r, &a, binary.BigEndian); err != nil {
			return nil, &image.FormatError{Format: image.FormatFat, Msg: "arch table", Err: err}
		}
		if uint64(a.Offset)+uint64(a.Size) > uint64(len(raw)) || a.Size < 4 {
			return nil, image.Formatf(image.FormatFat, "slice %d out of range: 0x%x+0x%x", i, a.Offset, a.Size)
		}
		fat.slices = append(fat.slices, image.Slice{
			Magic:  binary.LittleEndian.Uint32(raw[a.Offset:]),
			CPU:    a.CPU,
			Offset: a.Offset,
			Size:   a.Size,
		})
	}
	return fat, nil
}

// Slices returns the architecture table.
func (f *Fat) Slices() []image.Slice {
	return append([]image.Slice(nil), f.slices...)
}

// GetSlice returns exactly the bytes of slice index.
func (f *Fat) GetSlice(index int) ([]byte, error) {
	if index < 0 || index >= len(f.slices) {
		return nil, errors.Errorf("fat: slice %d out of range (have %d)", index, len(f.slices))
	}
	s := f.slices[index]
	return f.raw[s.Offset : s.Offset+s.Size], nil
}
