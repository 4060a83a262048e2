package image

import (
	"encoding/binary"
	"sort"
)

// Table is the shared translation core embedded by every format reader. It
// owns the raw buffer, the section table and the mutable base/dump state.
type Table struct {
	format   Format
	arch     Arch
	raw      []byte
	sections []Section
	base     uint64
	dumped   bool
}

// NewTable builds a translation table. Sections are sorted by address and
// empty ranges are dropped.
func NewTable(format Format, arch Arch, raw []byte, sections []Section) *Table {
	t := &Table{format: format, arch: arch, raw: raw}
	if t.arch.ByteOrder == nil {
		t.arch.ByteOrder = binary.LittleEndian
	}
	t.setSections(sections)
	return t
}

func (t *Table) setSections(sections []Section) {
	out := make([]Section, 0, len(sections))
	for _, s := range sections {
		if s.MemSize == 0 && s.FileSize == 0 {
			continue
		}
		if s.MemSize < s.FileSize {
			s.MemSize = s.FileSize
		}
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	t.sections = out
}

// Replace swaps the section table. Only reloaders call it.
func (t *Table) Replace(sections []Section) { t.setSections(sections) }

func (t *Table) Format() Format    { return t.format }
func (t *Table) Arch() Arch        { return t.arch }
func (t *Table) Raw() []byte       { return t.raw }
func (t *Table) ImageBase() uint64 { return t.base }
func (t *Table) IsDumped() bool    { return t.dumped }

func (t *Table) SetImageBase(b uint64) { t.base = b }
func (t *Table) SetDumped(d bool)      { t.dumped = d }

// Sections returns a copy of the section table.
func (t *Table) Sections() []Section {
	out := make([]Section, len(t.sections))
	copy(out, t.sections)
	return out
}

func (t *Table) find(rel uint64) (Section, bool) {
	i := sort.Search(len(t.sections), func(i int) bool {
		return t.sections[i].Addr+t.sections[i].MemSize > rel
	})
	if i < len(t.sections) && t.sections[i].ContainsVirt(rel) {
		return t.sections[i], true
	}
	return Section{}, false
}

// VaToOffset translates a runtime address to a buffer offset. Addresses in
// the zero-fill tail of a section (past FileSize) are not mapped.
func (t *Table) VaToOffset(va uint64) (uint64, error) {
	rel := va
	if t.base != 0 {
		if va < t.base {
			return 0, &TranslationError{Addr: va, Err: ErrNotMapped}
		}
		rel = va - t.base
	}
	s, ok := t.find(rel)
	if !ok || rel-s.Addr >= s.FileSize {
		return 0, &TranslationError{Addr: va, Err: ErrNotMapped}
	}
	return rel - s.Addr + s.Offset, nil
}

// OffsetToVa translates a buffer offset back to a runtime address.
func (t *Table) OffsetToVa(off uint64) (uint64, error) {
	for _, s := range t.sections {
		if s.ContainsPhys(off) {
			return off - s.Offset + s.Addr + t.base, nil
		}
	}
	return 0, &TranslationError{Addr: off, Err: ErrNotMapped}
}

// ReadBytes returns n bytes at va. The returned slice aliases the buffer.
func (t *Table) ReadBytes(va uint64, n int) ([]byte, error) {
	off, err := t.VaToOffset(va)
	if err != nil {
		return nil, err
	}
	if n < 0 || off+uint64(n) > uint64(len(t.raw)) || off+uint64(n) < off {
		return nil, &TranslationError{Addr: va, Err: ErrOutOfBounds}
	}
	return t.raw[off : off+uint64(n)], nil
}
