package recovery

import (
	"strings"

	"github.com/apex/log"

	"unil2cpp/internal/disasm"
	"unil2cpp/internal/image"
	"unil2cpp/internal/layout"
)

// search needs no metadata counts. On ARM64 it first looks for the
// registration thunk that loads both addresses into X0 and X1 before
// calling into the runtime; then it falls back to a scan for records
// whose shape alone is consistent.
func (e *Engine) search() (uint64, uint64, error) {
	if isARM64(e.img.Arch().Machine) && e.ptrSize() == 8 {
		if code, meta, ok := e.stubScan(); ok {
			return code, meta, nil
		}
	}
	return e.shapeScan()
}

func isARM64(machine string) bool {
	m := strings.ToLower(machine)
	return strings.Contains(m, "aarch64") || strings.Contains(m, "arm64")
}

func (e *Engine) stubScan() (uint64, uint64, bool) {
	raw := e.img.Raw()
	base := e.img.ImageBase()
	for _, s := range image.ExecSections(e.img) {
		end := min(s.Offset+s.FileSize, uint64(len(raw)))
		if s.Offset >= end {
			continue
		}
		text := raw[s.Offset:end]
		for _, st := range disasm.ScanStubs(text, base+s.Addr) {
			insts, ok := disasm.Confirm(text[st.Addr-(base+s.Addr):], st)
			if !ok {
				log.Debugf("recovery: Search: rejected stub at 0x%x:\n%s", st.Addr, disasm.Format(insts))
				continue
			}
			code, meta := st.Args[0], st.Args[1]
			if !e.validMetadataRegistration(meta, -1) || !e.validCodeRegistration(code, -1, -1) {
				continue
			}
			log.Debugf("recovery: Search: registration stub at 0x%x calls 0x%x:\n%s", st.Addr, st.Target, disasm.Format(insts))
			return code, meta, true
		}
	}
	return 0, 0, false
}

// shapeScan looks for MetadataRegistration first, then for a
// CodeRegistration that does not overlap it.
func (e *Engine) shapeScan() (uint64, uint64, error) {
	fo := uint64(e.offsetOf(layout.MetadataRegistration, "fieldOffsetsCount"))
	ts := uint64(e.offsetOf(layout.MetadataRegistration, "typeDefinitionsSizesCount"))
	metaSize := uint64(e.sizeOf(layout.MetadataRegistration))

	var meta uint64
	found := e.eachWord(func(va, v uint64) bool {
		if !inRange(v, maxTableCount) || va < fo {
			return false
		}
		cand := va - fo
		if w, err := image.ReadPointer(e.img, cand+ts); err != nil || w != v {
			return false
		}
		if e.validMetadataRegistration(cand, -1) {
			meta = cand
			return true
		}
		return false
	})
	if !found {
		return 0, 0, ErrNotFound
	}
	log.Debugf("recovery: Search: MetadataRegistration shape at 0x%x", meta)

	field := "methodPointersCount"
	if e.desc.UsesCodeGenModules() {
		field = "codeGenModulesCount"
	}
	off := uint64(e.offsetOf(layout.CodeRegistration, field))
	codeSize := uint64(e.sizeOf(layout.CodeRegistration))

	var code uint64
	found = e.eachWord(func(va, v uint64) bool {
		if !inRange(v, maxTableCount) || va < off {
			return false
		}
		cand := va - off
		if cand < meta+metaSize && meta < cand+codeSize {
			return false
		}
		if e.validCodeRegistration(cand, -1, -1) {
			code = cand
			return true
		}
		return false
	})
	if !found {
		return 0, 0, ErrNotFound
	}
	return code, meta, nil
}
