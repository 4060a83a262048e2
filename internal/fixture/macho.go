package fixture

// Segment is one LC_SEGMENT_64 command without sections.
type Segment struct {
	Name                 string
	Addr, Size, Off, Len uint64
	Prot                 uint32
}

// VM protections.
const (
	ProtR = 1
	ProtW = 2
	ProtX = 4
)

// MachO builds a thin little-endian Mach-O executable.
type MachO struct {
	CPU  uint32
	Bits int

	buf  []byte
	segs []Segment
	syms []sym
}

// NewMachO returns a builder for a file of size bytes. Load commands live
// below 0x400; keep payloads above it.
func NewMachO(size int) *MachO {
	return &MachO{CPU: 0x0100000c, Bits: 64, buf: make([]byte, size)}
}

// NewMachO32 is NewMachO for a 32-bit ARM image.
func NewMachO32(size int) *MachO {
	return &MachO{CPU: 12, Bits: 32, buf: make([]byte, size)}
}

// Segment appends a segment command.
func (m *MachO) Segment(name string, addr, size, off, filesz uint64, prot uint32) *MachO {
	m.segs = append(m.segs, Segment{name, addr, size, off, filesz, prot})
	return m
}

// Put copies b to file offset off.
func (m *MachO) Put(off uint64, b []byte) *MachO {
	copy(m.buf[off:], b)
	return m
}

// PutPtr writes 64-bit values at off.
func (m *MachO) PutPtr(off uint64, vals ...uint64) *MachO {
	for i, v := range vals {
		le.PutUint64(m.buf[off+uint64(i*8):], v)
	}
	return m
}

// Symbol adds an external symbol. Pass the name with its leading underscore.
func (m *MachO) Symbol(name string, value uint64) *MachO {
	m.syms = append(m.syms, sym{name, value})
	return m
}

// Bytes serializes the file. The symbol and string tables are appended.
func (m *MachO) Bytes() []byte {
	out := append([]byte(nil), m.buf...)

	var cmds []byte
	ncmds := 0
	for _, s := range m.segs {
		if m.Bits == 32 {
			c := make([]byte, 56)
			le.PutUint32(c, 0x1) // LC_SEGMENT
			le.PutUint32(c[4:], 56)
			copy(c[8:24], s.Name)
			le.PutUint32(c[24:], uint32(s.Addr))
			le.PutUint32(c[28:], uint32(s.Size))
			le.PutUint32(c[32:], uint32(s.Off))
			le.PutUint32(c[36:], uint32(s.Len))
			le.PutUint32(c[40:], 7)
			le.PutUint32(c[44:], s.Prot)
			cmds = append(cmds, c...)
			ncmds++
			continue
		}
		c := make([]byte, 72)
		le.PutUint32(c, 0x19) // LC_SEGMENT_64
		le.PutUint32(c[4:], 72)
		copy(c[8:24], s.Name)
		le.PutUint64(c[24:], s.Addr)
		le.PutUint64(c[32:], s.Size)
		le.PutUint64(c[40:], s.Off)
		le.PutUint64(c[48:], s.Len)
		le.PutUint32(c[56:], 7)
		le.PutUint32(c[60:], s.Prot)
		cmds = append(cmds, c...)
		ncmds++
	}

	if len(m.syms) > 0 {
		for len(out)%8 != 0 {
			out = append(out, 0)
		}
		strtab := []byte{' ', 0}
		symoff := uint32(len(out))
		for _, s := range m.syms {
			var n []byte
			if m.Bits == 32 {
				n = make([]byte, 12)
				le.PutUint32(n[8:], uint32(s.value))
			} else {
				n = make([]byte, 16)
				le.PutUint64(n[8:], s.value)
			}
			le.PutUint32(n, uint32(len(strtab)))
			n[4] = 0x03 // N_ABS | N_EXT
			out = append(out, n...)
			strtab = append(append(strtab, s.name...), 0)
		}
		stroff := uint32(len(out))
		out = append(out, strtab...)

		c := make([]byte, 24)
		le.PutUint32(c, 0x2) // LC_SYMTAB
		le.PutUint32(c[4:], 24)
		le.PutUint32(c[8:], symoff)
		le.PutUint32(c[12:], uint32(len(m.syms)))
		le.PutUint32(c[16:], stroff)
		le.PutUint32(c[20:], uint32(len(strtab)))
		cmds = append(cmds, c...)
		ncmds++
	}

	magic, hdrSize := uint32(0xfeedfacf), 32
	if m.Bits == 32 {
		magic, hdrSize = 0xfeedface, 28
	}
	le.PutUint32(out, magic)
	le.PutUint32(out[4:], m.CPU)
	le.PutUint32(out[12:], 2) // MH_EXECUTE
	le.PutUint32(out[16:], uint32(ncmds))
	le.PutUint32(out[20:], uint32(len(cmds)))
	copy(out[hdrSize:], cmds)
	return out
}

// Fat wraps thin images into a universal binary. Each slice is placed at
// a 0x1000-aligned offset.
func Fat(cpus []uint32, slices ...[]byte) []byte {
	const align = 0x1000
	out := make([]byte, align)
	be := func(b []byte, v uint32) { b[0], b[1], b[2], b[3] = byte(v>>24), byte(v>>16), byte(v>>8), byte(v) }
	be(out, 0xcafebabe)
	be(out[4:], uint32(len(slices)))
	for i, s := range slices {
		off := len(out)
		a := out[8+i*20:]
		be(a, cpus[i])
		be(a[8:], uint32(off))
		be(a[12:], uint32(len(s)))
		be(a[16:], 12)
		out = append(out, s...)
		for len(out)%align != 0 {
			out = append(out, 0)
		}
	}
	return out
}
