package loader

import (
	"bytes"
	"encoding/binary"

	"github.com/blacktop/go-macho"
	"github.com/blacktop/go-macho/types"
	"github.com/pkg/errors"

	"unil2cpp/internal/image"
)

const (
	machoMagic32 = 0xfeedface
	machoMagic64 = 0xfeedfacf
)

var ErrNotMachO = errors.New("loader: not a thin Mach-O file")

// MachO is a thin Mach-O image translated through its segments.
type MachO struct {
	*image.Table
	f *macho.File
}

// NewMachO parses raw as a thin 32- or 64-bit Mach-O.
func NewMachO(raw []byte) (*MachO, error) {
	if len(raw) < 8 {
		return nil, &image.FormatError{Format: image.FormatMacho64, Msg: "short header", Err: ErrNotMachO}
	}
	format, arch := image.FormatMacho64, image.Arch{Bits: 64, ByteOrder: binary.LittleEndian}
	switch binary.LittleEndian.Uint32(raw) {
	case machoMagic64:
	case machoMagic32:
		format, arch.Bits = image.FormatMacho32, 32
	default:
		return nil, &image.FormatError{Format: image.FormatMacho64, Msg: "bad magic", Err: ErrNotMachO}
	}
	arch.Machine = CPUName(binary.LittleEndian.Uint32(raw[4:]))

	f, err := macho.NewFile(bytes.NewReader(raw))
	if err != nil {
		return nil, &image.FormatError{Format: format, Msg: "parse", Err: errors.Wrap(ErrNotMachO, err.Error())}
	}
	m := &MachO{f: f}
	var secs []image.Section
	for _, seg := range f.Segments() {
		if seg.Name == "__PAGEZERO" {
			continue
		}
		prot := types.VmProtection(seg.Prot)
		var fl image.SectionFlags
		if prot.Read() {
			fl |= image.FlagRead
		}
		if prot.Write() {
			fl |= image.FlagWrite
		}
		if prot.Execute() {
			fl |= image.FlagExec
		}
		secs = append(secs, image.Section{
			Name:     seg.Name,
			Offset:   seg.Offset,
			Addr:     seg.Addr,
			FileSize: seg.Filesz,
			MemSize:  seg.Memsz,
			Flags:    fl,
		})
	}
	if len(secs) == 0 {
		return nil, image.Formatf(format, "no segments")
	}
	m.Table = image.NewTable(format, arch, raw, secs)
	return m, nil
}

// CPUName names a Mach-O cputype.
func CPUName(cpu uint32) string {
	switch cpu {
	case 7:
		return "i386"
	case 0x01000007:
		return "x86_64"
	case 12:
		return "arm"
	case 0x0100000c:
		return "arm64"
	}
	return "unknown"
}

// Symbols returns the symtab entries. Names keep their leading underscore.
func (m *MachO) Symbols() ([]image.Symbol, error) {
	if m.f.Symtab == nil {
		return nil, nil
	}
	out := make([]image.Symbol, 0, len(m.f.Symtab.Syms))
	for _, s := range m.f.Symtab.Syms {
		if s.Value == 0 || s.Name == "" {
			continue
		}
		out = append(out, image.Symbol{Name: s.Name, Value: s.Value})
	}
	return out, nil
}
