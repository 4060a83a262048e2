// Package loader holds one reader per container format and the magic
// dispatch that selects between them.
package loader

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"

	"github.com/apex/log"
	"github.com/pkg/errors"

	"unil2cpp/internal/image"
)

var (
	ErrNotELF    = errors.New("loader: not an ELF file")
	ErrNoSegment = errors.New("loader: no PT_LOAD segment")
)

// Relocation types resolved at load time. Everything else is left alone.
const (
	rAARCH64ABS64    = 257
	rAARCH64GLOBDAT  = 1025
	rAARCH64RELATIVE = 1027
	rX8664_64        = 1
	rX8664GLOBDAT    = 6
	rX8664RELATIVE   = 8
)

// ELF is an ELF32/ELF64 image translated through its PT_LOAD segments.
type ELF struct {
	*image.Table
	f     *elf.File
	raw   []byte
	loads []elf.ProgHeader
	// sectionsLost is set when the section header table points outside the
	// buffer, which is what a process dump looks like.
	sectionsLost bool
}

// NewELF parses raw as ELF. Relative relocations of 64-bit images are
// applied to a private copy of the buffer.
func NewELF(raw []byte) (*ELF, error) {
	f, err := elf.NewFile(bytes.NewReader(raw))
	lost := false
	if err != nil {
		// Retry without section headers: dumps keep program headers intact
		// but the section table was never mapped.
		stripped, ok := stripSectionHeaders(raw)
		if !ok {
			return nil, &image.FormatError{Format: image.FormatElf64, Msg: "parse", Err: errors.Wrap(ErrNotELF, err.Error())}
		}
		f, err = elf.NewFile(bytes.NewReader(stripped))
		if err != nil {
			return nil, &image.FormatError{Format: image.FormatElf64, Msg: "parse", Err: errors.Wrap(ErrNotELF, err.Error())}
		}
		lost = true
	}

	format := image.FormatElf64
	arch := image.Arch{Bits: 64, ByteOrder: f.ByteOrder, Machine: f.Machine.String()}
	if f.Class == elf.ELFCLASS32 {
		format = image.FormatElf32
		arch.Bits = 32
	}

	e := &ELF{f: f, raw: raw, sectionsLost: lost}
	for _, p := range f.Progs {
		if p.Type == elf.PT_LOAD {
			e.loads = append(e.loads, p.ProgHeader)
		}
	}
	if len(e.loads) == 0 {
		return nil, &image.FormatError{Format: format, Msg: "no loadable segments", Err: ErrNoSegment}
	}
	e.Table = image.NewTable(format, arch, raw, e.fileSections())

	if arch.Bits == 64 && !lost {
		if n, err := e.relocate(); err != nil {
			log.Warnf("elf: relocations skipped: %v", err)
		} else if n > 0 {
			log.Debugf("elf: applied %d relocations", n)
		}
	}
	return e, nil
}

func stripSectionHeaders(raw []byte) ([]byte, bool) {
	if len(raw) < 0x34 || string(raw[:4]) != elf.ELFMAG {
		return nil, false
	}
	var order binary.ByteOrder = binary.LittleEndian
	if raw[elf.EI_DATA] == byte(elf.ELFDATA2MSB) {
		order = binary.BigEndian
	}
	out := append([]byte(nil), raw...)
	switch elf.Class(raw[elf.EI_CLASS]) {
	case elf.ELFCLASS64:
		if len(raw) < 0x40 {
			return nil, false
		}
		order.PutUint64(out[0x28:], 0) // e_shoff
		order.PutUint16(out[0x3c:], 0) // e_shnum
		order.PutUint16(out[0x3e:], 0) // e_shstrndx
	case elf.ELFCLASS32:
		order.PutUint32(out[0x20:], 0)
		order.PutUint16(out[0x30:], 0)
		order.PutUint16(out[0x32:], 0)
	default:
		return nil, false
	}
	return out, true
}

func progFlags(p elf.ProgHeader) image.SectionFlags {
	var fl image.SectionFlags
	if p.Flags&elf.PF_R != 0 {
		fl |= image.FlagRead
	}
	if p.Flags&elf.PF_W != 0 {
		fl |= image.FlagWrite
	}
	if p.Flags&elf.PF_X != 0 {
		fl |= image.FlagExec
	}
	return fl
}

func (e *ELF) fileSections() []image.Section {
	out := make([]image.Section, 0, len(e.loads))
	for i, p := range e.loads {
		out = append(out, image.Section{
			Name:     fmt.Sprintf("LOAD%d", i),
			Offset:   p.Off,
			Addr:     p.Vaddr,
			FileSize: p.Filesz,
			MemSize:  p.Memsz,
			Flags:    progFlags(p),
		})
	}
	return out
}

// Type returns the ELF object type.
func (e *ELF) Type() elf.Type { return e.f.Type }

// CheckDump reports whether the file looks like a memory image: a shared
// object whose first segment is not zero-based, a segment whose file range
// runs past the buffer, or a section table that was never mapped.
func (e *ELF) CheckDump() bool {
	if e.sectionsLost {
		return true
	}
	if e.f.Type == elf.ET_DYN && e.loads[0].Vaddr >= 0x10000 {
		return true
	}
	for _, p := range e.loads {
		if p.Off+p.Filesz > uint64(len(e.raw)) {
			return true
		}
	}
	return false
}

// Reload rebuilds the segment table for a dump: file offset equals the
// image-relative address and every segment is backed for its full memory
// size. Absolute addresses are rebased by ImageBase.
func (e *ELF) Reload() error {
	if !e.IsDumped() {
		e.Replace(e.fileSections())
		return nil
	}
	base := e.ImageBase()
	out := make([]image.Section, 0, len(e.loads))
	for i, p := range e.loads {
		rel := p.Vaddr
		if base != 0 && rel >= base {
			rel -= base
		}
		out = append(out, image.Section{
			Name:     fmt.Sprintf("LOAD%d", i),
			Offset:   rel,
			Addr:     rel,
			FileSize: p.Memsz,
			MemSize:  p.Memsz,
			Flags:    progFlags(p),
		})
	}
	e.Replace(out)
	log.Debugf("elf: reloaded %d segments at base 0x%x", len(out), base)
	return nil
}

// Symbols returns the static and dynamic symbols that carry a value.
func (e *ELF) Symbols() ([]image.Symbol, error) {
	var out []image.Symbol
	for _, get := range []func() ([]elf.Symbol, error){e.f.Symbols, e.f.DynamicSymbols} {
		syms, err := get()
		if err != nil {
			if errors.Is(err, elf.ErrNoSymbols) {
				continue
			}
			return out, errors.Wrap(err, "elf symbols")
		}
		for _, s := range syms {
			if s.Value == 0 || s.Name == "" {
				continue
			}
			out = append(out, image.Symbol{Name: s.Name, Value: s.Value, Size: s.Size})
		}
	}
	return out, nil
}

// relocate applies RELA entries that resolve to fixed values when the
// image is loaded at address zero.
func (e *ELF) relocate() (int, error) {
	addrs, err := e.f.DynValue(elf.DT_RELA)
	if err != nil || len(addrs) == 0 {
		return 0, nil
	}
	sizes, err := e.f.DynValue(elf.DT_RELASZ)
	if err != nil || len(sizes) == 0 {
		return 0, nil
	}
	tab, err := e.ReadBytes(addrs[0], int(sizes[0]))
	if err != nil {
		return 0, errors.Wrap(err, "rela table")
	}
	dynsyms, _ := e.f.DynamicSymbols()

	order := e.Arch().ByteOrder
	patched := append([]byte(nil), e.raw...)
	n := 0
	for i := 0; i+24 <= len(tab); i += 24 {
		where := order.Uint64(tab[i:])
		info := order.Uint64(tab[i+8:])
		addend := order.Uint64(tab[i+16:])
		typ, sym := uint32(info), int(info>>32)

		var val uint64
		switch typ {
		case rAARCH64RELATIVE, rX8664RELATIVE:
			val = addend
		case rAARCH64ABS64, rAARCH64GLOBDAT, rX8664_64, rX8664GLOBDAT:
			// DynamicSymbols drops the null entry at index 0.
			if sym == 0 || sym > len(dynsyms) || dynsyms[sym-1].Value == 0 {
				continue
			}
			val = dynsyms[sym-1].Value + addend
		default:
			continue
		}
		off, err := e.VaToOffset(where)
		if err != nil || off+8 > uint64(len(patched)) {
			continue
		}
		order.PutUint64(patched[off:], val)
		n++
	}
	if n > 0 {
		e.raw = patched
		e.Table = image.NewTable(e.Format(), e.Arch(), patched, e.fileSections())
	}
	return n, nil
}
