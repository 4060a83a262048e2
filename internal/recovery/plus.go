package recovery

import (
	"github.com/apex/log"

	"unil2cpp/internal/image"
	"unil2cpp/internal/layout"
	"unil2cpp/internal/stream"
)

// plusSearch anchors on the metadata counts: MetadataRegistration carries
// fieldOffsetsCount == typeDefinitionsSizesCount == typeDefCount, and
// CodeRegistration carries methodPointersCount == methodCount (up to v24)
// or codeGenModulesCount == imageCount (v27 on).
func (e *Engine) plusSearch(c Counts) (uint64, uint64, error) {
	typeDefs, methods, images := c.TypeDefCount(), c.MethodCount(), c.ImageDefCount()
	if typeDefs <= 0 {
		return 0, 0, ErrNotFound
	}

	fo := e.offsetOf(layout.MetadataRegistration, "fieldOffsetsCount")
	meta, ok := e.scanWords(uint64(typeDefs), func(va uint64) bool {
		return va >= uint64(fo) && e.validMetadataRegistration(va-uint64(fo), typeDefs)
	})
	if !ok {
		return 0, 0, ErrNotFound
	}
	meta -= uint64(fo)
	log.Debugf("recovery: PlusSearch: MetadataRegistration candidate 0x%x", meta)

	var anchor uint64
	var field string
	if e.desc.UsesCodeGenModules() {
		anchor, field = uint64(images), "codeGenModulesCount"
		methods = -1
	} else {
		anchor, field = uint64(methods), "methodPointersCount"
		images = -1
	}
	if anchor == 0 {
		return 0, 0, ErrNotFound
	}
	off := uint64(e.offsetOf(layout.CodeRegistration, field))
	code, ok := e.scanWords(anchor, func(va uint64) bool {
		return va >= off && e.validCodeRegistration(va-off, methods, images)
	})
	if !ok {
		return 0, 0, ErrNotFound
	}
	return code - off, meta, nil
}

// scanWords walks every pointer-aligned word of the data sections and
// calls accept with the runtime address of each word equal to want. It
// returns the first accepted address.
func (e *Engine) scanWords(want uint64, accept func(va uint64) bool) (uint64, bool) {
	var found uint64
	ok := e.eachWord(func(va, v uint64) bool {
		if v == want && accept(va) {
			found = va
			return true
		}
		return false
	})
	return found, ok
}

// eachWord calls fn for every pointer-aligned word of the data sections
// until fn returns true.
func (e *Engine) eachWord(fn func(va, v uint64) bool) bool {
	raw := e.img.Raw()
	ps := uint64(e.ptrSize())
	order := e.img.Arch().ByteOrder
	base := e.img.ImageBase()
	for _, s := range image.DataSections(e.img) {
		end := min(s.Offset+s.FileSize, uint64(len(raw)))
		for off := stream.AlignUp(s.Offset, ps); off+ps <= end; off += ps {
			v, _ := stream.Uint(raw[off:], int(ps), order)
			if fn(base+s.Addr+(off-s.Offset), v) {
				return true
			}
		}
	}
	return false
}
