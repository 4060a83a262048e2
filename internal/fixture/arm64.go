package fixture

// ADRP encodes ADRP Xrd, target as if placed at pc.
func ADRP(rd int, pc, target uint64) uint32 {
	imm := uint32((int64(target&^0xFFF) - int64(pc&^0xFFF)) >> 12)
	return 0x90000000 | (imm&0x3)<<29 | ((imm>>2)&0x7FFFF)<<5 | uint32(rd)
}

// ADD encodes ADD Xrd, Xrn, #imm12.
func ADD(rd, rn int, imm uint32) uint32 {
	return 0x91000000 | (imm&0xFFF)<<10 | uint32(rn)<<5 | uint32(rd)
}

// B encodes B target as if placed at pc.
func B(pc, target uint64) uint32 {
	return 0x14000000 | uint32((int64(target)-int64(pc))/4)&0x03FFFFFF
}

// BL encodes BL target as if placed at pc.
func BL(pc, target uint64) uint32 {
	return 0x94000000 | uint32((int64(target)-int64(pc))/4)&0x03FFFFFF
}

// NOP is the ARM64 NOP encoding.
const NOP uint32 = 0xD503201F

// Code serializes instructions little-endian.
func Code(insts ...uint32) []byte {
	out := make([]byte, 4*len(insts))
	for i, in := range insts {
		le.PutUint32(out[i*4:], in)
	}
	return out
}

// RegistrationStub encodes the codegen registration thunk at pc: X0 gets
// code, X1 gets meta and X2 gets opts, then a tail call to callee.
func RegistrationStub(pc, code, meta, opts, callee uint64) []byte {
	return Code(
		ADRP(0, pc, code),
		ADRP(1, pc+4, meta),
		ADD(0, 0, uint32(code&0xFFF)),
		ADD(1, 1, uint32(meta&0xFFF)),
		ADRP(2, pc+16, opts),
		ADD(2, 2, uint32(opts&0xFFF)),
		B(pc+24, callee),
	)
}
