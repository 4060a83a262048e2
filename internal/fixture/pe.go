package fixture

import "debug/pe"

// PESection is one section table entry.
type PESection struct {
	Name            string
	RVA, VSize      uint32
	Offset, Size    uint32
	Characteristics uint32
}

// PE builds a PE32 or PE32+ image.
type PE struct {
	Bits         int
	Machine      uint16
	ImageBase    uint64
	SectionAlign uint32
	FileAlign    uint32

	buf      []byte
	sections []PESection
}

// peHeaders is both SizeOfHeaders and the lowest payload offset.
const peHeaders = 0x400

// NewPE returns a builder for a file of size bytes. Keep payloads at or
// above 0x400.
func NewPE(bits, size int) *PE {
	p := &PE{Bits: bits, Machine: pe.IMAGE_FILE_MACHINE_AMD64, ImageBase: 0x180000000,
		SectionAlign: 0x1000, FileAlign: 0x200, buf: make([]byte, size)}
	if bits == 32 {
		p.Machine, p.ImageBase = pe.IMAGE_FILE_MACHINE_I386, 0x10000000
	}
	return p
}

// Section appends a section table entry.
func (p *PE) Section(name string, rva, vsize, off, size, chars uint32) *PE {
	p.sections = append(p.sections, PESection{name, rva, vsize, off, size, chars})
	return p
}

// Put copies b to file offset off.
func (p *PE) Put(off uint64, b []byte) *PE {
	copy(p.buf[off:], b)
	return p
}

// PutPtr writes pointer-sized values at off.
func (p *PE) PutPtr(off uint64, vals ...uint64) *PE {
	for i, v := range vals {
		if p.Bits == 32 {
			le.PutUint32(p.buf[off+uint64(i*4):], uint32(v))
		} else {
			le.PutUint64(p.buf[off+uint64(i*8):], v)
		}
	}
	return p
}

// SizeOfImage is the end of the last section rounded to SectionAlign.
func (p *PE) SizeOfImage() uint32 {
	end := uint32(peHeaders)
	for _, s := range p.sections {
		end = max(end, s.RVA+max(s.VSize, s.Size))
	}
	a := p.SectionAlign
	return (end + a - 1) &^ (a - 1)
}

// Bytes serializes the file.
func (p *PE) Bytes() []byte {
	out := append([]byte(nil), p.buf...)
	out[0], out[1], out[2] = 'M', 'Z', 0x90
	le.PutUint32(out[0x3c:], 0x40)
	copy(out[0x40:], "PE\x00\x00")

	optSize := 240
	if p.Bits == 32 {
		optSize = 224
	}
	fh := out[0x44:]
	le.PutUint16(fh, p.Machine)
	le.PutUint16(fh[2:], uint16(len(p.sections)))
	le.PutUint16(fh[16:], uint16(optSize))
	le.PutUint16(fh[18:], pe.IMAGE_FILE_EXECUTABLE_IMAGE|pe.IMAGE_FILE_DLL)

	oh := out[0x58:]
	if p.Bits == 32 {
		le.PutUint16(oh, 0x10b)
		le.PutUint32(oh[28:], uint32(p.ImageBase))
		le.PutUint32(oh[92:], 16)
	} else {
		le.PutUint16(oh, 0x20b)
		le.PutUint64(oh[24:], p.ImageBase)
		le.PutUint32(oh[108:], 16)
	}
	le.PutUint32(oh[32:], p.SectionAlign)
	le.PutUint32(oh[36:], p.FileAlign)
	le.PutUint32(oh[56:], p.SizeOfImage())
	le.PutUint32(oh[60:], peHeaders)

	sh := out[0x58+optSize:]
	for i, s := range p.sections {
		e := sh[i*40:]
		copy(e[:8], s.Name)
		le.PutUint32(e[8:], s.VSize)
		le.PutUint32(e[12:], s.RVA)
		le.PutUint32(e[16:], s.Size)
		le.PutUint32(e[20:], s.Offset)
		le.PutUint32(e[36:], s.Characteristics)
	}
	return out
}

// Section characteristics used by tests.
const (
	SCNCode = pe.IMAGE_SCN_CNT_CODE | pe.IMAGE_SCN_MEM_EXECUTE | pe.IMAGE_SCN_MEM_READ
	SCNData = pe.IMAGE_SCN_CNT_INITIALIZED_DATA | pe.IMAGE_SCN_MEM_READ | pe.IMAGE_SCN_MEM_WRITE
	SCNRO   = pe.IMAGE_SCN_CNT_INITIALIZED_DATA | pe.IMAGE_SCN_MEM_READ
)
