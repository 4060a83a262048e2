package loader

import (
	"encoding/binary"
	"os"

	"github.com/apex/log"
	"github.com/pkg/errors"

	"unil2cpp/internal/image"
)

const (
	elfMagic = 0x464c457f
	peMagic  = 0x905a4d // "MZ\x90", low three bytes
)

// A header may lay out at most mapExpansion bytes of memory per input
// byte, and never less than minMapLimit in total.
const (
	mapExpansion = 256
	minMapLimit  = 1 << 24
)

func mapLimit(inputLen int) uint64 { return max(uint64(inputLen)*mapExpansion, minMapLimit) }

// SliceSelector picks one architecture slice of a fat container.
type SliceSelector interface {
	SelectSlice(slices []image.Slice) (int, error)
}

// Detect names the container format of raw from its leading magic. Fat
// containers report FormatFat; their slices are dispatched separately.
func Detect(raw []byte) (image.Format, error) {
	if len(raw) < 4 {
		return "", image.Formatf("", "file too short (%d bytes)", len(raw))
	}
	magic := binary.LittleEndian.Uint32(raw)
	switch {
	case magic == wasmMagic:
		return image.FormatWasm, nil
	case magic == nsoMagic:
		return image.FormatNSO, nil
	case magic&0xffffff == peMagic:
		return image.FormatPE, nil
	case magic == elfMagic:
		if len(raw) > 4 && raw[4] == 2 {
			return image.FormatElf64, nil
		}
		return image.FormatElf32, nil
	case magic == fatMagic || magic == fatMagicSwapped:
		return image.FormatFat, nil
	case magic == machoMagic64:
		return image.FormatMacho64, nil
	case magic == machoMagic32:
		return image.FormatMacho32, nil
	}
	return "", image.Formatf("", "unrecognized magic 0x%08x", magic)
}

// Open dispatches raw to its reader. A fat container is resolved to one
// slice through sel and the slice is dispatched once more.
func Open(raw []byte, sel SliceSelector) (image.Image, error) {
	format, err := Detect(raw)
	if err != nil {
		return nil, err
	}
	log.Debugf("loader: detected %s", format)
	switch format {
	case image.FormatWasm:
		return NewWasm(raw)
	case image.FormatNSO:
		return NewNSO(raw)
	case image.FormatPE:
		return NewPE(raw)
	case image.FormatElf32, image.FormatElf64:
		return NewELF(raw)
	case image.FormatMacho32, image.FormatMacho64:
		return NewMachO(raw)
	case image.FormatFat:
		return openFat(raw, sel)
	}
	return nil, image.Formatf(format, "no reader")
}

func openFat(raw []byte, sel SliceSelector) (image.Image, error) {
	fat, err := NewFat(raw)
	if err != nil {
		return nil, err
	}
	if sel == nil {
		return nil, image.Formatf(image.FormatFat, "slice selection required")
	}
	idx, err := sel.SelectSlice(fat.Slices())
	if err != nil {
		return nil, errors.Wrap(err, "select slice")
	}
	slice, err := fat.GetSlice(idx)
	if err != nil {
		return nil, err
	}
	switch binary.LittleEndian.Uint32(slice) {
	case machoMagic32, machoMagic64:
		return NewMachO(slice)
	}
	return nil, image.Formatf(image.FormatFat, "slice %d is not a thin Mach-O", idx)
}

// OpenFile reads path and dispatches it.
func OpenFile(path string, sel SliceSelector) (image.Image, []byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, errors.Wrap(err, "read image")
	}
	img, err := Open(raw, sel)
	return img, raw, err
}
