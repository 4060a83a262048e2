package disasm

import "encoding/binary"

// DecodeADRP decodes ADRP Xd, label at pc and returns the page address.
//
// Encoding: 1 | immlo(2) | 10000 | immhi(19) | Rd
// Mask: 0x9F000000, Value: 0x90000000
func DecodeADRP(raw uint32, pc uint64) (rd int, page uint64, ok bool) {
	if raw&0x9F000000 != 0x90000000 {
		return 0, 0, false
	}
	immlo := (raw >> 29) & 0x3
	immhi := (raw >> 5) & 0x7FFFF
	imm := int64(signExtend(immhi<<2|immlo, 21)) << 12
	return int(raw & 0x1F), uint64(int64(pc&^0xFFF) + imm), true
}

// DecodeADDImm decodes ADD Xd, Xn, #imm (64-bit) and returns the effective
// immediate with the optional 12-bit shift applied.
//
// Encoding: sf=1 | op=0 | S=0 | 100010 | sh | imm12 | Rn | Rd
// Mask: 0xFF800000, Value: 0x91000000
func DecodeADDImm(raw uint32) (rd, rn int, imm uint64, ok bool) {
	if raw&0xFF800000 != 0x91000000 {
		return 0, 0, 0, false
	}
	rd = int(raw & 0x1F)
	rn = int((raw >> 5) & 0x1F)
	imm = uint64((raw >> 10) & 0xFFF)
	if (raw>>22)&1 == 1 {
		imm <<= 12
	}
	return rd, rn, imm, true
}

// Stub is a matched registration call: the argument registers X0..X2
// loaded with ADRP/ADD pairs, followed by a tail call or call.
type Stub struct {
	Addr   uint64
	Args   [3]uint64
	NArgs  int
	Target uint64
	Insts  int
}

// maxStubInsts bounds the window: three ADRP/ADD pairs and the branch.
const maxStubInsts = 7

// MatchStub tries to match a registration stub starting at code[0], which
// sits at address pc. Instruction order inside the window is free as long
// as every ADD consumes the ADRP of the same register.
func MatchStub(code []byte, pc uint64) (Stub, bool) {
	var pages [3]uint64
	var havePage, haveArg [3]bool
	st := Stub{Addr: pc}
	for i := 0; i < maxStubInsts && (i+1)*4 <= len(code); i++ {
		raw := binary.LittleEndian.Uint32(code[i*4:])
		at := pc + uint64(i*4)
		if rd, page, ok := DecodeADRP(raw, at); ok {
			if rd > 2 || havePage[rd] {
				return Stub{}, false
			}
			pages[rd], havePage[rd] = page, true
			continue
		}
		if rd, rn, imm, ok := DecodeADDImm(raw); ok {
			if rd > 2 || rd != rn || !havePage[rd] || haveArg[rd] {
				return Stub{}, false
			}
			st.Args[rd], haveArg[rd] = pages[rd]+imm, true
			continue
		}
		br := DecodeBranch(raw, at)
		if br == nil {
			return Stub{}, false
		}
		if !haveArg[0] || !haveArg[1] {
			return Stub{}, false
		}
		for r := 0; r < 3; r++ {
			if havePage[r] != haveArg[r] {
				return Stub{}, false
			}
		}
		st.NArgs = 2
		if haveArg[2] {
			st.NArgs = 3
		}
		st.Target, st.Insts = br.Target, i+1
		return st, true
	}
	return Stub{}, false
}

// ScanStubs returns every stub in code, which starts at address base.
func ScanStubs(code []byte, base uint64) []Stub {
	var out []Stub
	for off := 0; off+12 <= len(code); off += 4 {
		// Cheap prefilter: a stub starts with ADRP.
		if binary.LittleEndian.Uint32(code[off:])&0x9F000000 != 0x90000000 {
			continue
		}
		if st, ok := MatchStub(code[off:], base+uint64(off)); ok {
			out = append(out, st)
		}
	}
	return out
}
