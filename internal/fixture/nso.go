package fixture

import (
	"crypto/sha256"

	"github.com/pierrec/lz4/v4"
)

// NSO builds a Switch executable from three segment images.
type NSO struct {
	Text, Ro, Data []byte
	Bss            uint32
	Compress       bool
	Hash           bool

	syms []sym
}

func page(n int) uint32 { return uint32((n + 0xfff) &^ 0xfff) }

// DynSym adds a dynamic symbol. The table is appended to .rodata.
func (n *NSO) DynSym(name string, value uint64) *NSO {
	n.syms = append(n.syms, sym{name, value})
	return n
}

// rodata returns .rodata with the dynamic tables appended, and the
// rodata-relative offset and size of dynsym and dynstr.
func (n *NSO) rodata() (ro []byte, symAt, symLen, strAt, strLen uint32) {
	ro = append([]byte(nil), n.Ro...)
	if len(n.syms) == 0 {
		return ro, 0, 0, 0, 0
	}
	strtab := []byte{0}
	symtab := make([]byte, 24)
	for _, s := range n.syms {
		e := make([]byte, 24)
		le.PutUint32(e, uint32(len(strtab)))
		le.PutUint64(e[8:], s.value)
		symtab = append(symtab, e...)
		strtab = append(append(strtab, s.name...), 0)
	}
	for len(ro)%8 != 0 {
		ro = append(ro, 0)
	}
	symAt, symLen = uint32(len(ro)), uint32(len(symtab))
	ro = append(ro, symtab...)
	strAt, strLen = uint32(len(ro)), uint32(len(strtab))
	ro = append(ro, strtab...)
	return
}

// MemOffsets returns the memory offsets of .text, .rodata and .data.
func (n *NSO) MemOffsets() (text, ro, data uint32) {
	r, _, _, _, _ := n.rodata()
	ro = page(len(n.Text))
	data = ro + page(len(r))
	return 0, ro, data
}

// Bytes serializes the file.
func (n *NSO) Bytes() []byte {
	out := make([]byte, 0x100)
	le.PutUint32(out, 0x304f534e)

	ro, symAt, symLen, strAt, strLen := n.rodata()
	textMem, roMem, dataMem := n.MemOffsets()
	segs := []struct {
		data                []byte
		mem                 uint32
		hdr, fileSz, hashAt int
		flag                uint32
	}{
		{n.Text, textMem, 16, 96, 160, 1},
		{ro, roMem, 32, 100, 192, 2},
		{n.Data, dataMem, 48, 104, 224, 4},
	}
	var flags uint32
	var c lz4.Compressor
	for _, s := range segs {
		stored := s.data
		if n.Compress && len(s.data) > 0 {
			buf := make([]byte, lz4.CompressBlockBound(len(s.data)))
			if k, err := c.CompressBlock(s.data, buf); err == nil && k > 0 {
				stored = buf[:k]
				flags |= s.flag
			}
		}
		if n.Hash {
			sum := sha256.Sum256(s.data)
			copy(out[s.hashAt:], sum[:])
			flags |= s.flag << 3
		}
		le.PutUint32(out[s.hdr:], uint32(len(out)))
		le.PutUint32(out[s.hdr+4:], s.mem)
		le.PutUint32(out[s.hdr+8:], uint32(len(s.data)))
		le.PutUint32(out[s.fileSz:], uint32(len(stored)))
		out = append(out, stored...)
	}
	le.PutUint32(out[12:], flags)
	le.PutUint32(out[60:], n.Bss)
	le.PutUint32(out[144:], strAt)
	le.PutUint32(out[148:], strLen)
	le.PutUint32(out[152:], symAt)
	le.PutUint32(out[156:], symLen)
	return out
}
