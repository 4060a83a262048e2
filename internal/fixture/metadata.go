package fixture

import (
	"fmt"

	"unil2cpp/internal/layout"
)

// Metadata describes a synthetic global-metadata.dat.
type Metadata struct {
	Version  layout.Version
	TypeDefs int
	// Methods is the number of method definitions with a compiled body.
	// Abstract is the number appended with methodIndex -1 (v <= 24 only).
	Methods  int
	Abstract int
	Images   int
	// UsageDestinations lists destinationIndex values of the usage pairs.
	UsageDestinations []uint32
	// ByvalTypeIndex is written into every type definition.
	ByvalTypeIndex int32
}

// ImageName is the name given to image i.
func ImageName(i int) string { return fmt.Sprintf("Module%d.dll", i) }

// TypeName is the name given to type definition i.
func TypeName(i int) string { return fmt.Sprintf("Type%d", i) }

// Bytes serializes the file: header, string pool, then the tables.
func (m Metadata) Bytes() []byte {
	v := m.Version
	hdr := map[string]uint64{"sanity": 0xfab11baf, "version": uint64(uint32(v))}
	_, hdrSize := layout.MetadataHeader.Place(v, 4)
	out := make([]byte, hdrSize)

	pool := []byte{0}
	intern := func(s string) uint64 {
		at := uint64(len(pool))
		pool = append(append(pool, s...), 0)
		return at
	}
	nsIdx := intern("Game")
	typeNames := make([]uint64, m.TypeDefs)
	for i := range typeNames {
		typeNames[i] = intern(TypeName(i))
	}
	imageNames := make([]uint64, m.Images)
	for i := range imageNames {
		imageNames[i] = intern(ImageName(i))
	}
	put := func(name string, b []byte) {
		for len(out)%4 != 0 {
			out = append(out, 0)
		}
		hdr[name+"Offset"] = uint64(len(out))
		hdr[name+"Size"] = uint64(len(b))
		out = append(out, b...)
	}
	put("stringLiteral", nil)
	put("string", pool)

	var tds []byte
	for i := 0; i < m.TypeDefs; i++ {
		tds = append(tds, layout.TypeDefinition.Encode(map[string]uint64{
			"nameIndex":      typeNames[i],
			"namespaceIndex": nsIdx,
			"byvalTypeIndex": uint64(uint32(m.ByvalTypeIndex)),
			"parentIndex":    0xffffffff,
			"token":          0x02000000 | uint64(i+1),
		}, v, 4, le)...)
	}
	put("typeDefinitions", tds)

	var mds []byte
	for i := 0; i < m.Methods+m.Abstract; i++ {
		idx := uint64(i)
		if i >= m.Methods {
			idx = 0xffffffff
		}
		mds = append(mds, layout.MethodDefinition.Encode(map[string]uint64{
			"declaringType": uint64(i % max(m.TypeDefs, 1)),
			"methodIndex":   idx,
			"token":         0x06000000 | uint64(i+1),
		}, v, 4, le)...)
	}
	put("methods", mds)

	var ids []byte
	per := 0
	if m.Images > 0 {
		per = m.TypeDefs / m.Images
	}
	for i := 0; i < m.Images; i++ {
		count := per
		if i == m.Images-1 {
			count = m.TypeDefs - per*i
		}
		ids = append(ids, layout.ImageDefinition.Encode(map[string]uint64{
			"nameIndex":       imageNames[i],
			"assemblyIndex":   uint64(i),
			"typeStart":       uint64(per * i),
			"typeCount":       uint64(count),
			"entryPointIndex": 0xffffffff,
			"token":           1,
		}, v, 4, le)...)
	}
	put("images", ids)

	if v >= 19 && v < 27 {
		var ups []byte
		for i, d := range m.UsageDestinations {
			ups = append(ups, layout.MetadataUsagePair.Encode(map[string]uint64{
				"destinationIndex":   uint64(d),
				"encodedSourceIndex": uint64(i),
			}, v, 4, le)...)
		}
		put("metadataUsagePairs", ups)
	}

	copy(out, layout.MetadataHeader.Encode(hdr, v, 4, le))
	return out
}
