package recovery

import (
	"github.com/apex/log"
	"github.com/pkg/errors"

	"unil2cpp/internal/image"
	"unil2cpp/internal/layout"
	"unil2cpp/internal/metadata"
)

// correctMetadataBase recovers where global-metadata.dat was mapped in a
// dumped v27+ process. Type handles there are absolute: the byval type of
// the first type definition points at that definition inside the mapped
// file, so subtracting the table offset yields the mapping base.
func (e *Engine) correctMetadataBase(md *metadata.Metadata) error {
	if !e.desc.HandlesAreAbsolute() || !e.img.IsDumped() {
		return nil
	}
	if len(md.TypeDefs) == 0 {
		return errors.New("no type definitions")
	}
	reg, err := e.readRecord(layout.MetadataRegistration, e.result.MetadataRegistration)
	if err != nil {
		return errors.Wrap(err, "MetadataRegistration")
	}
	idx := md.TypeDefs[0].Int("byvalTypeIndex")
	if idx < 0 || uint64(idx) >= reg.Get("typesCount") {
		return errors.Errorf("byvalTypeIndex %d outside %d types", idx, reg.Get("typesCount"))
	}
	ptr, err := image.ReadPointer(e.img, reg.Get("types")+uint64(idx)*uint64(e.ptrSize()))
	if err != nil {
		return errors.Wrap(err, "types")
	}
	typ, err := e.readRecord(layout.Type, ptr)
	if err != nil {
		return errors.Wrap(err, "Il2CppType")
	}
	md.ImageBase = typ.Get("data") - md.TypeDefinitionsOffset()
	log.Infof("recovery: metadata mapped at 0x%x", md.ImageBase)
	return nil
}
