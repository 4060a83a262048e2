// Package fixture builds small synthetic containers and metadata files for
// tests. Builders favour explicit offsets over convenience: callers place
// data where the test needs it.
package fixture

import (
	"debug/elf"
	"encoding/binary"
)

var le = binary.LittleEndian

// Load is one PT_LOAD program header.
type Load struct {
	Off, Vaddr, Filesz, Memsz uint64
	Flags                     elf.ProgFlag
}

// Rela is one RELA relocation entry.
type Rela struct {
	Where  uint64
	Type   uint32
	Sym    uint32
	Addend uint64
}

type sym struct {
	name  string
	value uint64
}

// ELF builds an ELF32/ELF64 little-endian file.
type ELF struct {
	Bits    int
	Type    elf.Type
	Machine elf.Machine
	// BrokenSections points e_shoff past the end of the file, the way a
	// process dump keeps a stale section table reference.
	BrokenSections bool

	buf   []byte
	loads []Load
	syms  []sym
	rela  struct {
		va uint64
		n  int
	}
}

// NewELF returns a builder for a file of size bytes. Headers occupy the
// first 0x200 bytes; keep payloads above that.
func NewELF(bits, size int) *ELF {
	e := &ELF{Bits: bits, Type: elf.ET_EXEC, Machine: elf.EM_AARCH64, buf: make([]byte, size)}
	if bits == 32 {
		e.Machine = elf.EM_ARM
	}
	return e
}

// Load appends a PT_LOAD header.
func (e *ELF) Load(off, vaddr, filesz, memsz uint64, flags elf.ProgFlag) *ELF {
	e.loads = append(e.loads, Load{off, vaddr, filesz, memsz, flags})
	return e
}

// Put copies b to file offset off.
func (e *ELF) Put(off uint64, b []byte) *ELF {
	copy(e.buf[off:], b)
	return e
}

// PutPtr writes pointer-sized values at off.
func (e *ELF) PutPtr(off uint64, vals ...uint64) *ELF {
	for i, v := range vals {
		if e.Bits == 32 {
			le.PutUint32(e.buf[off+uint64(i*4):], uint32(v))
		} else {
			le.PutUint64(e.buf[off+uint64(i*8):], v)
		}
	}
	return e
}

// Symbol adds a .symtab entry.
func (e *ELF) Symbol(name string, value uint64) *ELF {
	e.syms = append(e.syms, sym{name, value})
	return e
}

// Relocs writes RELA entries at file offset off (mapped at va) and records
// them in a .dynamic section.
func (e *ELF) Relocs(off, va uint64, rs []Rela) *ELF {
	for i, r := range rs {
		p := e.buf[off+uint64(i*24):]
		le.PutUint64(p, r.Where)
		le.PutUint64(p[8:], uint64(r.Sym)<<32|uint64(r.Type))
		le.PutUint64(p[16:], r.Addend)
	}
	e.rela.va, e.rela.n = va, len(rs)
	return e
}

type shdr struct {
	name, typ, link uint32
	off, size, ent  uint64
}

// Bytes serializes the file. Section headers are appended only when
// symbols or relocations were added.
func (e *ELF) Bytes() []byte {
	out := append([]byte(nil), e.buf...)
	is64 := e.Bits != 32

	var shoff uint64
	var shnum, shstrndx int
	if len(e.syms) > 0 || e.rela.n > 0 || e.BrokenSections {
		shstr := []byte{0}
		addName := func(n string) uint32 {
			at := uint32(len(shstr))
			shstr = append(append(shstr, n...), 0)
			return at
		}
		var secs []shdr
		align := func() {
			for len(out)%8 != 0 {
				out = append(out, 0)
			}
		}

		strtab := []byte{0}
		symEnt := 24
		if !is64 {
			symEnt = 16
		}
		symtab := make([]byte, symEnt) // null symbol
		for _, s := range e.syms {
			ent := make([]byte, symEnt)
			nameAt := uint32(len(strtab))
			strtab = append(append(strtab, s.name...), 0)
			le.PutUint32(ent, nameAt)
			if is64 {
				ent[4] = byte(elf.STB_GLOBAL)<<4 | byte(elf.STT_OBJECT)
				le.PutUint16(ent[6:], uint16(elf.SHN_ABS))
				le.PutUint64(ent[8:], s.value)
			} else {
				le.PutUint32(ent[4:], uint32(s.value))
				ent[12] = byte(elf.STB_GLOBAL)<<4 | byte(elf.STT_OBJECT)
				le.PutUint16(ent[14:], uint16(elf.SHN_ABS))
			}
			symtab = append(symtab, ent...)
		}

		nShstr, nStr, nSym, nDyn := addName(".shstrtab"), addName(".strtab"), addName(".symtab"), addName(".dynamic")

		align()
		strOff := uint64(len(out))
		out = append(out, strtab...)
		align()
		symOff := uint64(len(out))
		out = append(out, symtab...)
		secs = append(secs,
			shdr{name: nStr, typ: uint32(elf.SHT_STRTAB), off: strOff, size: uint64(len(strtab))},
			shdr{name: nSym, typ: uint32(elf.SHT_SYMTAB), link: 1, off: symOff, size: uint64(len(symtab)), ent: uint64(symEnt)})

		if e.rela.n > 0 && is64 {
			align()
			dynOff := uint64(len(out))
			dyn := make([]byte, 48)
			le.PutUint64(dyn, uint64(elf.DT_RELA))
			le.PutUint64(dyn[8:], e.rela.va)
			le.PutUint64(dyn[16:], uint64(elf.DT_RELASZ))
			le.PutUint64(dyn[24:], uint64(e.rela.n*24))
			out = append(out, dyn...) // last 16 bytes are DT_NULL
			secs = append(secs, shdr{name: nDyn, typ: uint32(elf.SHT_DYNAMIC), link: 1, off: dynOff, size: 48, ent: 16})
		}

		align()
		shstrOff := uint64(len(out))
		out = append(out, shstr...)
		secs = append(secs, shdr{name: nShstr, typ: uint32(elf.SHT_STRTAB), off: shstrOff, size: uint64(len(shstr))})

		align()
		shoff = uint64(len(out))
		all := append([]shdr{{}}, secs...)
		for _, s := range all {
			out = append(out, e.shdrBytes(s)...)
		}
		shnum, shstrndx = len(all), len(all)-1
		if e.BrokenSections {
			shoff = uint64(len(out)) + 0x100000
		}
	}

	e.header(out, shoff, shnum, shstrndx)
	return out
}

func (e *ELF) shdrBytes(s shdr) []byte {
	if e.Bits == 32 {
		b := make([]byte, 40)
		le.PutUint32(b, s.name)
		le.PutUint32(b[4:], s.typ)
		le.PutUint32(b[16:], uint32(s.off))
		le.PutUint32(b[20:], uint32(s.size))
		le.PutUint32(b[24:], s.link)
		le.PutUint32(b[32:], 1)
		le.PutUint32(b[36:], uint32(s.ent))
		return b
	}
	b := make([]byte, 64)
	le.PutUint32(b, s.name)
	le.PutUint32(b[4:], s.typ)
	le.PutUint64(b[24:], s.off)
	le.PutUint64(b[32:], s.size)
	le.PutUint32(b[40:], s.link)
	le.PutUint64(b[48:], 1)
	le.PutUint64(b[56:], s.ent)
	return b
}

func (e *ELF) header(out []byte, shoff uint64, shnum, shstrndx int) {
	copy(out, elf.ELFMAG)
	out[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	out[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	if e.Bits == 32 {
		out[elf.EI_CLASS] = byte(elf.ELFCLASS32)
		le.PutUint16(out[16:], uint16(e.Type))
		le.PutUint16(out[18:], uint16(e.Machine))
		le.PutUint32(out[20:], uint32(elf.EV_CURRENT))
		le.PutUint32(out[28:], 52)
		le.PutUint32(out[32:], uint32(shoff))
		le.PutUint16(out[40:], 52)
		le.PutUint16(out[42:], 32)
		le.PutUint16(out[44:], uint16(len(e.loads)))
		le.PutUint16(out[46:], 40)
		le.PutUint16(out[48:], uint16(shnum))
		le.PutUint16(out[50:], uint16(shstrndx))
		for i, l := range e.loads {
			p := out[52+i*32:]
			le.PutUint32(p, uint32(elf.PT_LOAD))
			le.PutUint32(p[4:], uint32(l.Off))
			le.PutUint32(p[8:], uint32(l.Vaddr))
			le.PutUint32(p[12:], uint32(l.Vaddr))
			le.PutUint32(p[16:], uint32(l.Filesz))
			le.PutUint32(p[20:], uint32(l.Memsz))
			le.PutUint32(p[24:], uint32(l.Flags))
			le.PutUint32(p[28:], 0x1000)
		}
		return
	}
	out[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	le.PutUint16(out[16:], uint16(e.Type))
	le.PutUint16(out[18:], uint16(e.Machine))
	le.PutUint32(out[20:], uint32(elf.EV_CURRENT))
	le.PutUint64(out[32:], 64)
	le.PutUint64(out[40:], shoff)
	le.PutUint16(out[52:], 64)
	le.PutUint16(out[54:], 56)
	le.PutUint16(out[56:], uint16(len(e.loads)))
	le.PutUint16(out[58:], 64)
	le.PutUint16(out[60:], uint16(shnum))
	le.PutUint16(out[62:], uint16(shstrndx))
	for i, l := range e.loads {
		p := out[64+i*56:]
		le.PutUint32(p, uint32(elf.PT_LOAD))
		le.PutUint32(p[4:], uint32(l.Flags))
		le.PutUint64(p[8:], l.Off)
		le.PutUint64(p[16:], l.Vaddr)
		le.PutUint64(p[24:], l.Vaddr)
		le.PutUint64(p[32:], l.Filesz)
		le.PutUint64(p[40:], l.Memsz)
		le.PutUint64(p[48:], 0x1000)
	}
}
