// Package disasm decodes the handful of ARM64 instructions the registration
// stub scan needs and renders matched code for diagnostics.
package disasm

import (
	"encoding/binary"
	"fmt"
	"strings"

	"golang.org/x/arch/arm64/arm64asm"
)

// Inst is a decoded ARM64 instruction with address and raw bytes.
type Inst struct {
	Addr     uint64
	Raw      uint32
	Mnemonic string
	Operands string
	Text     string // full disassembly line
}

// Options controls disassembly behavior.
type Options struct {
	BaseAddr uint64 // VA of the first byte in Data
	MaxSteps int    // maximum instructions to decode; 0 = 4096
}

const defaultMaxSteps = 4096

func (o Options) effectiveMax() int {
	if o.MaxSteps > 0 {
		return o.MaxSteps
	}
	return defaultMaxSteps
}

// Disassemble decodes ARM64 instructions from a byte region.
// Returns decoded instructions up to MaxSteps or end of data.
func Disassemble(data []byte, opts Options) []Inst {
	n := min(len(data)/4, opts.effectiveMax())
	result := make([]Inst, 0, n)
	for i := 0; i < n; i++ {
		off := i * 4
		raw := binary.LittleEndian.Uint32(data[off : off+4])

		var mnemonic, operands, text string
		inst, err := arm64asm.Decode(data[off : off+4])
		if err != nil {
			mnemonic = ".word"
			operands = fmt.Sprintf("0x%08x", raw)
			text = ".word " + operands
		} else {
			text = inst.String()
			parts := strings.SplitN(text, " ", 2)
			mnemonic = parts[0]
			if len(parts) > 1 {
				operands = parts[1]
			}
		}
		result = append(result, Inst{
			Addr:     opts.BaseAddr + uint64(off),
			Raw:      raw,
			Mnemonic: mnemonic,
			Operands: operands,
			Text:     text,
		})
	}
	return result
}

// Format renders instructions as stable text, one per line:
// <addr>  <hex bytes>  <disasm>
func Format(insts []Inst) string {
	var b strings.Builder
	for _, inst := range insts {
		fmt.Fprintf(&b, "0x%08x  ", inst.Addr)
		fmt.Fprintf(&b, "%02x %02x %02x %02x  ",
			byte(inst.Raw), byte(inst.Raw>>8), byte(inst.Raw>>16), byte(inst.Raw>>24))
		b.WriteString(inst.Text)
		b.WriteByte('\n')
	}
	return b.String()
}

var stubMnemonics = map[string]bool{"ADRP": true, "ADD": true, "B": true, "BL": true}

// Confirm disassembles the window st was matched on, with code starting at
// st.Addr, and reports whether every instruction in it is an ADRP, ADD or
// unconditional branch.
func Confirm(code []byte, st Stub) ([]Inst, bool) {
	insts := Disassemble(code, Options{BaseAddr: st.Addr, MaxSteps: st.Insts})
	if st.Insts == 0 || len(insts) != st.Insts {
		return insts, false
	}
	for _, in := range insts {
		if !stubMnemonics[strings.ToUpper(in.Mnemonic)] {
			return insts, false
		}
	}
	return insts, true
}
