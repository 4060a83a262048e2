package loader

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"strings"

	"github.com/pkg/errors"

	"unil2cpp/internal/image"
)

var ErrNotPE = errors.New("loader: not a PE file")

// PE is a Windows image. Addresses are absolute: the section table holds
// RVAs and ImageBase starts at the optional header's preferred base.
type PE struct {
	*image.Table
	f            *pe.File
	sectionAlign uint32
	fileAlign    uint32
	sizeOfImage  uint32
	headers      uint32
}

// NewPE parses raw as a PE file on disk.
func NewPE(raw []byte) (*PE, error) {
	p, err := parsePE(raw)
	if err != nil {
		return nil, err
	}
	p.Table = image.NewTable(image.FormatPE, p.arch(), raw, p.fileSections())
	p.Table.SetImageBase(p.PreferredBase())
	return p, nil
}

func parsePE(raw []byte) (*PE, error) {
	f, err := pe.NewFile(bytes.NewReader(raw))
	if err != nil {
		return nil, &image.FormatError{Format: image.FormatPE, Msg: "parse", Err: errors.Wrap(ErrNotPE, err.Error())}
	}
	p := &PE{f: f}
	switch oh := f.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		p.sectionAlign, p.fileAlign = oh.SectionAlignment, oh.FileAlignment
		p.sizeOfImage, p.headers = oh.SizeOfImage, oh.SizeOfHeaders
	case *pe.OptionalHeader64:
		p.sectionAlign, p.fileAlign = oh.SectionAlignment, oh.FileAlignment
		p.sizeOfImage, p.headers = oh.SizeOfImage, oh.SizeOfHeaders
	default:
		return nil, image.Formatf(image.FormatPE, "missing optional header")
	}
	if len(f.Sections) == 0 {
		return nil, image.Formatf(image.FormatPE, "no sections")
	}
	return p, nil
}

func (p *PE) arch() image.Arch {
	a := image.Arch{Bits: 32, ByteOrder: binary.LittleEndian, Machine: peMachine(p.f.Machine)}
	if _, ok := p.f.OptionalHeader.(*pe.OptionalHeader64); ok {
		a.Bits = 64
	}
	return a
}

func peMachine(m uint16) string {
	switch m {
	case pe.IMAGE_FILE_MACHINE_I386:
		return "I386"
	case pe.IMAGE_FILE_MACHINE_AMD64:
		return "AMD64"
	case pe.IMAGE_FILE_MACHINE_ARM64:
		return "ARM64"
	case pe.IMAGE_FILE_MACHINE_ARMNT:
		return "ARMNT"
	}
	return "unknown"
}

// PreferredBase returns the optional header's ImageBase.
func (p *PE) PreferredBase() uint64 {
	switch oh := p.f.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		return uint64(oh.ImageBase)
	case *pe.OptionalHeader64:
		return oh.ImageBase
	}
	return 0
}

func peFlags(c uint32) image.SectionFlags {
	var fl image.SectionFlags
	if c&pe.IMAGE_SCN_MEM_READ != 0 {
		fl |= image.FlagRead
	}
	if c&pe.IMAGE_SCN_MEM_WRITE != 0 {
		fl |= image.FlagWrite
	}
	if c&(pe.IMAGE_SCN_MEM_EXECUTE|pe.IMAGE_SCN_CNT_CODE) != 0 {
		fl |= image.FlagExec
	}
	return fl
}

func (p *PE) fileSections() []image.Section {
	out := make([]image.Section, 0, len(p.f.Sections))
	for _, s := range p.f.Sections {
		mem := s.VirtualSize
		if mem < s.Size {
			mem = s.Size
		}
		out = append(out, image.Section{
			Name:     strings.TrimRight(s.Name, "\x00"),
			Offset:   uint64(s.Offset),
			Addr:     uint64(s.VirtualAddress),
			FileSize: uint64(s.Size),
			MemSize:  uint64(mem),
			Flags:    peFlags(s.Characteristics),
		})
	}
	return out
}

// mappedSections describes the image as laid out in memory: every section
// is backed at its RVA for its full virtual size.
func (p *PE) mappedSections(limit uint64) []image.Section {
	out := make([]image.Section, 0, len(p.f.Sections))
	for _, s := range p.f.Sections {
		size := uint64(s.VirtualSize)
		if size < uint64(s.Size) {
			size = uint64(s.Size)
		}
		if end := uint64(s.VirtualAddress) + size; end > limit {
			if uint64(s.VirtualAddress) >= limit {
				continue
			}
			size = limit - uint64(s.VirtualAddress)
		}
		out = append(out, image.Section{
			Name:     strings.TrimRight(s.Name, "\x00"),
			Offset:   uint64(s.VirtualAddress),
			Addr:     uint64(s.VirtualAddress),
			FileSize: size,
			MemSize:  size,
			Flags:    peFlags(s.Characteristics),
		})
	}
	return out
}

// CheckDump reports whether every section's raw pointer equals its RVA
// although file and section alignment differ: the layout of an image
// copied out of process memory.
func (p *PE) CheckDump() bool {
	if p.fileAlign == p.sectionAlign {
		return false
	}
	for _, s := range p.f.Sections {
		if s.Offset != s.VirtualAddress {
			return false
		}
	}
	return true
}

// SetImageBase overrides the embedded setter so that zero means "use the
// preferred base".
func (p *PE) SetImageBase(b uint64) {
	if b == 0 {
		b = p.PreferredBase()
	}
	p.Table.SetImageBase(b)
}
