// Package image defines the container-independent view of an executable
// that every format reader produces and the recovery engine consumes.
package image

import (
	"encoding/binary"
	"fmt"

	"unil2cpp/internal/stream"
)

// Format names a container variant.
type Format string

const (
	FormatPE      Format = "PE"
	FormatElf32   Format = "ELF32"
	FormatElf64   Format = "ELF64"
	FormatMacho32 Format = "Mach-O 32"
	FormatMacho64 Format = "Mach-O 64"
	FormatFat     Format = "Fat Mach-O"
	FormatNSO     Format = "NSO"
	FormatWasm    Format = "WebAssembly"
)

// SectionFlags are the characteristics of a mapped range.
type SectionFlags uint8

const (
	FlagRead SectionFlags = 1 << iota
	FlagWrite
	FlagExec
)

func (f SectionFlags) String() string {
	perm := []byte("---")
	if f&FlagRead != 0 {
		perm[0] = 'R'
	}
	if f&FlagWrite != 0 {
		perm[1] = 'W'
	}
	if f&FlagExec != 0 {
		perm[2] = 'X'
	}
	return string(perm)
}

// Section is one contiguous mapped range of an image.
// Addr is the file-relative virtual address (before ImageBase correction).
type Section struct {
	Name     string       `json:"name"`
	Offset   uint64       `json:"offset"`
	Addr     uint64       `json:"addr"`
	FileSize uint64       `json:"file_size"`
	MemSize  uint64       `json:"mem_size"`
	Flags    SectionFlags `json:"flags"`
}

// Exec reports whether the section holds code.
func (s Section) Exec() bool { return s.Flags&FlagExec != 0 }

// Data reports whether the section is a non-executable data range.
func (s Section) Data() bool { return s.Flags&FlagExec == 0 }

// ContainsVirt reports whether addr lies in [Addr, Addr+MemSize).
func (s Section) ContainsVirt(addr uint64) bool {
	return s.Addr <= addr && addr < s.Addr+s.MemSize
}

// ContainsPhys reports whether off lies in [Offset, Offset+FileSize).
func (s Section) ContainsPhys(off uint64) bool {
	return s.Offset <= off && off < s.Offset+s.FileSize
}

func (s Section) String() string {
	return fmt.Sprintf("%-12s VA=0x%08x Off=0x%08x Filesz=0x%08x Memsz=0x%08x %s",
		s.Name, s.Addr, s.Offset, s.FileSize, s.MemSize, s.Flags)
}

// Arch describes pointer width and byte order.
type Arch struct {
	Bits      int              `json:"bits"`
	ByteOrder binary.ByteOrder `json:"-"`
	Machine   string           `json:"machine"`
}

// PointerSize returns the pointer width in bytes.
func (a Arch) PointerSize() int {
	if a.Bits == 32 {
		return 4
	}
	return 8
}

// Image is the uniform capability set of every container reader.
//
// Addresses passed to VaToOffset and ReadBytes are runtime addresses: when
// ImageBase is non-zero it is subtracted before the section lookup, and
// OffsetToVa adds it back. The section table itself never changes after
// construction except through Reloader.
type Image interface {
	Format() Format
	Arch() Arch
	Sections() []Section
	VaToOffset(va uint64) (uint64, error)
	OffsetToVa(off uint64) (uint64, error)
	ReadBytes(va uint64, n int) ([]byte, error)
	Raw() []byte

	ImageBase() uint64
	SetImageBase(base uint64)
	IsDumped() bool
	SetDumped(dumped bool)
}

// Reloader re-derives the translation table after ImageBase or the dump
// state changed. Only ELF images implement it.
type Reloader interface {
	Reload() error
}

// DumpChecker classifies an image as a raw memory dump.
type DumpChecker interface {
	CheckDump() bool
}

// Slice describes one architecture slice of a fat container.
type Slice struct {
	Magic  uint32 `json:"magic"`
	CPU    uint32 `json:"cpu"`
	Offset uint32 `json:"offset"`
	Size   uint32 `json:"size"`
}

// Is64 reports whether the slice is a 64-bit Mach-O.
func (s Slice) Is64() bool { return s.Magic == 0xfeedfacf }

// SliceProvider exposes the architecture slices of a fat container.
type SliceProvider interface {
	Slices() []Slice
	GetSlice(index int) ([]byte, error)
}

// Symbol is a named address from a symbol table.
type Symbol struct {
	Name  string `json:"name"`
	Value uint64 `json:"value"`
	Size  uint64 `json:"size,omitempty"`
}

// SymbolTable is implemented by images that retain symbols.
type SymbolTable interface {
	Symbols() ([]Symbol, error)
}

// ReadPointer reads one pointer-sized value at va.
func ReadPointer(img Image, va uint64) (uint64, error) {
	return ReadUint(img, va, img.Arch().PointerSize())
}

// ReadUint reads an unsigned value of size bytes at va.
func ReadUint(img Image, va uint64, size int) (uint64, error) {
	b, err := img.ReadBytes(va, size)
	if err != nil {
		return 0, err
	}
	return stream.NewWithOrder(b, img.Arch().ByteOrder).ReadUint(size)
}

// ReadPointers reads count consecutive pointers starting at va.
func ReadPointers(img Image, va uint64, count int) ([]uint64, error) {
	ps := img.Arch().PointerSize()
	if count < 0 {
		return nil, &TranslationError{Addr: va, Err: ErrOutOfBounds}
	}
	b, err := img.ReadBytes(va, count*ps)
	if err != nil {
		return nil, err
	}
	s := stream.NewWithOrder(b, img.Arch().ByteOrder)
	out := make([]uint64, count)
	for i := range out {
		if out[i], err = s.ReadPointer(ps); err != nil {
			return nil, &TranslationError{Addr: va, Err: ErrOutOfBounds}
		}
	}
	return out, nil
}

// ReadCString reads a NUL-terminated string of at most max bytes at va.
func ReadCString(img Image, va uint64, max int) (string, error) {
	off, err := img.VaToOffset(va)
	if err != nil {
		return "", err
	}
	raw := img.Raw()
	if off >= uint64(len(raw)) {
		return "", &TranslationError{Addr: va, Err: ErrOutOfBounds}
	}
	end := off + uint64(max)
	if end > uint64(len(raw)) {
		end = uint64(len(raw))
	}
	for i := off; i < end; i++ {
		if raw[i] == 0 {
			return string(raw[off:i]), nil
		}
	}
	return "", &TranslationError{Addr: va, Err: ErrOutOfBounds}
}

// IsMapped reports whether va translates to an in-buffer offset.
func IsMapped(img Image, va uint64) bool {
	off, err := img.VaToOffset(va)
	return err == nil && off < uint64(len(img.Raw()))
}

// InExec reports whether va falls into an executable section.
func InExec(img Image, va uint64) bool {
	return inSection(img, va, Section.Exec)
}

// InData reports whether va falls into a non-executable section.
func InData(img Image, va uint64) bool {
	return inSection(img, va, Section.Data)
}

func inSection(img Image, va uint64, pred func(Section) bool) bool {
	rel := va
	if b := img.ImageBase(); b != 0 {
		if va < b {
			return false
		}
		rel = va - b
	}
	for _, s := range img.Sections() {
		if s.ContainsVirt(rel) && pred(s) {
			return true
		}
	}
	return false
}

// ExecSections returns the executable sections of img.
func ExecSections(img Image) []Section {
	var out []Section
	for _, s := range img.Sections() {
		if s.Exec() {
			out = append(out, s)
		}
	}
	return out
}

// DataSections returns the readable or writable sections of img. A
// read-execute segment counts as data too: registration records of some
// builds live in the same PT_LOAD as code.
func DataSections(img Image) []Section {
	var out []Section
	for _, s := range img.Sections() {
		if s.Flags&(FlagRead|FlagWrite) != 0 {
			out = append(out, s)
		}
	}
	return out
}
