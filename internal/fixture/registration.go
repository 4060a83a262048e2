package fixture

import (
	"encoding/binary"

	"unil2cpp/internal/layout"
)

// Registrations lays out MetadataRegistration, CodeRegistration and every
// array they reference in one contiguous blob.
type Registrations struct {
	Version  layout.Version
	PtrSize  int
	Methods  int
	TypeDefs int
	Images   int
	Usages   int
	// Code is the address method and invoker pointers point into.
	Code uint64
	// HandleBase, when set, makes Il2CppType.data an absolute handle into
	// metadata mapped at HandleBase, the way a dumped v27+ process has it.
	HandleBase            uint64
	TypeDefinitionsOffset uint64

	// Overrides replace encoded record fields after layout.
	MetaOverride map[string]uint64
	CodeOverride map[string]uint64
}

// Placed is a built blob and the addresses of both records inside it.
type Placed struct {
	Meta, Code uint64
	Blob       []byte
}

// Record offsets within the blob.
const (
	MetaAt = 0x000
	CodeAt = 0x100
)

// Build lays the blob out for address va.
func (r Registrations) Build(va uint64) Placed {
	v, ps := r.Version, r.PtrSize
	blob := make([]byte, 0x200)
	ptr := func(vals ...uint64) uint64 {
		at := va + uint64(len(blob))
		for _, x := range vals {
			b := make([]byte, ps)
			if ps == 4 {
				binary.LittleEndian.PutUint32(b, uint32(x))
			} else {
				binary.LittleEndian.PutUint64(b, x)
			}
			blob = append(blob, b...)
		}
		return at
	}
	raw := func(b []byte) uint64 {
		at := va + uint64(len(blob))
		blob = append(blob, b...)
		for len(blob)%8 != 0 {
			blob = append(blob, 0)
		}
		return at
	}

	_, tdSize := layout.TypeDefinition.Place(v, 4)
	typePtrs := make([]uint64, r.TypeDefs)
	for i := range typePtrs {
		data := uint64(i)
		if r.HandleBase != 0 {
			data = r.HandleBase + r.TypeDefinitionsOffset + uint64(i*tdSize)
		}
		typePtrs[i] = raw(layout.Type.Encode(map[string]uint64{
			"data": data,
			"bits": layout.TypeClass << 16,
		}, v, ps, le))
	}
	types := ptr(typePtrs...)

	zeros := raw(make([]byte, 16))
	fieldOffsets := ptr(repeat(zeros, r.TypeDefs)...)
	sizes := make([]uint64, r.TypeDefs)
	for i := range sizes {
		sizes[i] = raw(make([]byte, 16))
	}
	typeSizes := ptr(sizes...)
	usages := ptr(repeat(zeros, r.Usages)...)

	meta := map[string]uint64{
		"typesCount":                uint64(r.TypeDefs),
		"types":                     types,
		"fieldOffsetsCount":         uint64(r.TypeDefs),
		"fieldOffsets":              fieldOffsets,
		"typeDefinitionsSizesCount": uint64(r.TypeDefs),
		"typeDefinitionsSizes":      typeSizes,
		"metadataUsagesCount":       uint64(r.Usages),
		"metadataUsages":            usages,
	}

	methods := make([]uint64, r.Methods)
	for i := range methods {
		methods[i] = r.Code + uint64(i*0x10)
	}
	invokers := ptr(r.Code, r.Code+0x8)
	generic := ptr(r.Code)
	code := map[string]uint64{
		"invokerPointersCount":       2,
		"invokerPointers":            invokers,
		"genericMethodPointersCount": 1,
		"genericMethodPointers":      generic,
	}
	if (layout.Descriptor{Version: v}).UsesCodeGenModules() {
		mods := make([]uint64, r.Images)
		per := r.Methods / max(r.Images, 1)
		for i := range mods {
			name := raw(append([]byte(ImageName(i)), 0))
			n := per
			if i == r.Images-1 {
				n = r.Methods - per*i
			}
			mp := ptr(methods[per*i : per*i+n]...)
			mods[i] = raw(layout.CodeGenModule.Encode(map[string]uint64{
				"moduleName":         name,
				"methodPointerCount": uint64(n),
				"methodPointers":     mp,
			}, v, ps, le))
		}
		code["codeGenModulesCount"] = uint64(r.Images)
		code["codeGenModules"] = ptr(mods...)
	} else {
		code["methodPointersCount"] = uint64(r.Methods)
		code["methodPointers"] = ptr(methods...)
	}

	for k, x := range r.MetaOverride {
		meta[k] = x
	}
	for k, x := range r.CodeOverride {
		code[k] = x
	}
	copy(blob[MetaAt:], layout.MetadataRegistration.Encode(meta, v, ps, le))
	copy(blob[CodeAt:], layout.CodeRegistration.Encode(code, v, ps, le))
	return Placed{Meta: va + MetaAt, Code: va + CodeAt, Blob: blob}
}

func repeat(v uint64, n int) []uint64 {
	out := make([]uint64, n)
	for i := range out {
		out[i] = v
	}
	return out
}
