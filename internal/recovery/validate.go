package recovery

import (
	"strings"

	"unil2cpp/internal/image"
	"unil2cpp/internal/layout"
)

// Upper bounds for counts read from candidate records.
const (
	maxTableCount  = 1 << 22
	maxModuleCount = 1 << 12
	maxModuleName  = 256
)

func (e *Engine) ptrSize() int { return e.img.Arch().PointerSize() }

func (e *Engine) sizeOf(l *layout.Layout) int {
	return e.sizes.Of(l, e.desc.Version, e.ptrSize())
}

func (e *Engine) offsetOf(l *layout.Layout, field string) int {
	off, ok := l.Offset(e.desc.Version, e.ptrSize(), field)
	if !ok {
		return -1
	}
	return off
}

func (e *Engine) readRecord(l *layout.Layout, va uint64) (layout.Record, error) {
	b, err := e.img.ReadBytes(va, e.sizeOf(l))
	if err != nil {
		return layout.Record{}, err
	}
	return l.Decode(b, e.desc.Version, e.ptrSize(), e.img.Arch().ByteOrder)
}

func (e *Engine) mapped(va uint64) bool { return va != 0 && image.IsMapped(e.img, va) }

// isCode accepts va as a compiled method entry. Images without executable
// sections (wasm) store table indices, so every value passes.
func (e *Engine) isCode(va uint64) bool {
	if !e.hasExec {
		return true
	}
	return va != 0 && image.InExec(e.img, va)
}

func inRange(n uint64, limit uint64) bool { return n > 0 && n <= limit }

// validMetadataRegistration checks the record at va. When typeDefCount is
// negative the count anchor is skipped and only the shape is checked.
func (e *Engine) validMetadataRegistration(va uint64, typeDefCount int) bool {
	r, err := e.readRecord(layout.MetadataRegistration, va)
	if err != nil {
		return false
	}
	fo, ts := r.Get("fieldOffsetsCount"), r.Get("typeDefinitionsSizesCount")
	if fo != ts || !inRange(fo, maxTableCount) {
		return false
	}
	if typeDefCount >= 0 && fo != uint64(typeDefCount) {
		return false
	}
	if !inRange(r.Get("typesCount"), maxTableCount) {
		return false
	}
	for _, p := range []string{"fieldOffsets", "typeDefinitionsSizes", "types"} {
		if !e.mapped(r.Get(p)) {
			return false
		}
	}
	// The first type pointer must itself lead somewhere readable.
	first, err := image.ReadPointer(e.img, r.Get("types"))
	if err != nil || !e.mapped(first) {
		return false
	}
	return true
}

// validCodeRegistration checks the record at va. Negative counts skip the
// corresponding anchor.
func (e *Engine) validCodeRegistration(va uint64, methodCount, imageCount int) bool {
	r, err := e.readRecord(layout.CodeRegistration, va)
	if err != nil || !e.validPairs(r) {
		return false
	}
	if e.desc.UsesCodeGenModules() {
		return e.validModules(r, imageCount)
	}
	n := r.Get("methodPointersCount")
	if !inRange(n, maxTableCount) || (methodCount >= 0 && n != uint64(methodCount)) {
		return false
	}
	ptrs, err := image.ReadPointers(e.img, r.Get("methodPointers"), int(n))
	if err != nil || !e.mapped(r.Get("methodPointers")) {
		return false
	}
	for _, p := range ptrs {
		if !e.isCode(p) {
			return false
		}
	}
	if methodCount < 0 {
		// Without the anchor also require the invoker table.
		inv := r.Get("invokerPointersCount")
		if !inRange(inv, maxTableCount) || !e.mapped(r.Get("invokerPointers")) {
			return false
		}
	}
	return true
}

// validPairs checks every count/pointer pair of r: a count within bounds,
// a non-empty table mapped, and every lone pointer either null or mapped.
// Reading a record at the wrong revision shifts counts into pointer slots,
// which this rejects.
func (e *Engine) validPairs(r layout.Record) bool {
	fields := r.Fields()
	for i := 0; i < len(fields); i++ {
		f := fields[i]
		v := r.Get(f.Name)
		if strings.HasSuffix(f.Name, "Count") && i+1 < len(fields) {
			ptr := r.Get(fields[i+1].Name)
			if v > maxTableCount || (v > 0 && ptr == 0) || (ptr != 0 && !e.mapped(ptr)) {
				return false
			}
			i++
			continue
		}
		if v != 0 && !e.mapped(v) {
			return false
		}
	}
	return true
}

func (e *Engine) validModules(r layout.Record, imageCount int) bool {
	n := r.Get("codeGenModulesCount")
	if !inRange(n, maxModuleCount) || (imageCount >= 0 && n != uint64(imageCount)) {
		return false
	}
	mods, err := image.ReadPointers(e.img, r.Get("codeGenModules"), int(n))
	if err != nil {
		return false
	}
	for _, m := range mods {
		if !e.mapped(m) {
			return false
		}
		mod, err := e.readRecord(layout.CodeGenModule, m)
		if err != nil {
			return false
		}
		name, err := image.ReadCString(e.img, mod.Get("moduleName"), maxModuleName)
		if err != nil || !strings.HasSuffix(name, ".dll") {
			return false
		}
	}
	return true
}
