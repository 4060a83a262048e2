package disasm

// BranchInfo describes a decoded unconditional branch.
type BranchInfo struct {
	Target uint64 // absolute target address
	Link   bool   // BL: the callee returns to the next instruction
}

// DecodeBranch decodes B and BL at pc. Returns nil for anything else.
func DecodeBranch(raw uint32, pc uint64) *BranchInfo {
	var link bool
	switch raw & 0xFC000000 {
	case 0x14000000: // B: 000101 imm26
	case 0x94000000: // BL: 100101 imm26
		link = true
	default:
		return nil
	}
	offset := int64(signExtend(raw&0x03FFFFFF, 26)) * 4
	return &BranchInfo{Target: uint64(int64(pc) + offset), Link: link}
}

// signExtend sign-extends a value from the given bit width to int32.
func signExtend(val uint32, bits int) int32 {
	sign := uint32(1) << (bits - 1)
	mask := sign - 1
	if val&sign != 0 {
		return int32(val | ^mask)
	}
	return int32(val & mask)
}
