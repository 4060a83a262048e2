// Package model reads the tables hanging off the two recovered root
// structures into memory. A Model is built once and not modified after.
package model

import (
	"fmt"
	"io"

	"github.com/apex/log"
	"github.com/davecgh/go-spew/spew"
	"github.com/pkg/errors"

	"unil2cpp/internal/image"
	"unil2cpp/internal/layout"
	"unil2cpp/internal/metadata"
	"unil2cpp/internal/recovery"
)

// maxCount bounds every array length read from the image. Manually
// supplied addresses are not validated, so counts may be garbage.
const maxCount = 1 << 24

// ErrCount is returned when a registration count exceeds maxCount.
var ErrCount = errors.New("model: implausible count")

// Type is one Il2CppType.
type Type struct {
	Addr uint64 `json:"addr"`
	Data uint64 `json:"data"`
	Bits uint32 `json:"bits"`
}

// Enum returns the element type.
func (t Type) Enum() uint8 { return layout.TypeEnum(uint64(t.Bits)) }

// CodeGenModule is one per-image method pointer table (v27+).
type CodeGenModule struct {
	Addr           uint64   `json:"addr"`
	Name           string   `json:"name"`
	MethodPointers []uint64 `json:"method_pointers"`
}

// Model is the resolved runtime view of an IL2CPP binary.
type Model struct {
	Metadata   *metadata.Metadata
	Descriptor layout.Descriptor
	Strategy   recovery.Strategy
	Dumped     bool

	CodeRegistrationAddr     uint64
	MetadataRegistrationAddr uint64
	CodeRegistration         layout.Record
	MetadataRegistration     layout.Record

	Types                 []Type
	MethodPointers        []uint64
	InvokerPointers       []uint64
	GenericMethodPointers []uint64
	CodeGenModules        []CodeGenModule
	FieldOffsets          []uint64
	MetadataUsages        []uint64
}

type reader struct {
	img image.Image
	v   layout.Version
	ps  int
	err error
}

func (r *reader) record(l *layout.Layout, va uint64) layout.Record {
	if r.err != nil {
		return layout.Record{}
	}
	_, size := l.Place(r.v, r.ps)
	b, err := r.img.ReadBytes(va, size)
	if err != nil {
		r.err = errors.Wrapf(err, "%s at 0x%x", l.Name, va)
		return layout.Record{}
	}
	rec, err := l.Decode(b, r.v, r.ps, r.img.Arch().ByteOrder)
	if err != nil {
		r.err = errors.Wrapf(err, "%s at 0x%x", l.Name, va)
	}
	return rec
}

// pointers reads count pointers at va. A zero count yields nil without
// touching va.
func (r *reader) pointers(what string, va, count uint64) []uint64 {
	if r.err != nil || count == 0 {
		return nil
	}
	if count > maxCount {
		r.err = errors.Wrapf(ErrCount, "%s: %d", what, count)
		return nil
	}
	out, err := image.ReadPointers(r.img, va, int(count))
	if err != nil {
		r.err = errors.Wrap(err, what)
	}
	return out
}

// Build reads both registrations and the arrays they reference.
func Build(img image.Image, md *metadata.Metadata, desc layout.Descriptor, res recovery.Result) (*Model, error) {
	r := &reader{img: img, v: desc.Version, ps: img.Arch().PointerSize()}
	m := &Model{
		Metadata:                 md,
		Descriptor:               desc,
		Strategy:                 res.Strategy,
		Dumped:                   img.IsDumped(),
		CodeRegistrationAddr:     res.CodeRegistration,
		MetadataRegistrationAddr: res.MetadataRegistration,
	}
	m.CodeRegistration = r.record(layout.CodeRegistration, res.CodeRegistration)
	m.MetadataRegistration = r.record(layout.MetadataRegistration, res.MetadataRegistration)
	if r.err != nil {
		return nil, r.err
	}
	code, meta := m.CodeRegistration, m.MetadataRegistration

	for _, va := range r.pointers("types", meta.Get("types"), meta.Get("typesCount")) {
		t := r.record(layout.Type, va)
		m.Types = append(m.Types, Type{Addr: va, Data: t.Get("data"), Bits: uint32(t.Get("bits"))})
	}
	m.FieldOffsets = r.pointers("fieldOffsets", meta.Get("fieldOffsets"), meta.Get("fieldOffsetsCount"))
	if desc.HasMetadataUsages() {
		m.MetadataUsages = r.pointers("metadataUsages", meta.Get("metadataUsages"), desc.MetadataUsagesCount)
	}

	m.InvokerPointers = r.pointers("invokerPointers", code.Get("invokerPointers"), code.Get("invokerPointersCount"))
	m.GenericMethodPointers = r.pointers("genericMethodPointers", code.Get("genericMethodPointers"), code.Get("genericMethodPointersCount"))
	if desc.UsesCodeGenModules() {
		for _, va := range r.pointers("codeGenModules", code.Get("codeGenModules"), code.Get("codeGenModulesCount")) {
			mod := r.record(layout.CodeGenModule, va)
			if r.err != nil {
				break
			}
			name, err := image.ReadCString(img, mod.Get("moduleName"), 256)
			if err != nil {
				return nil, errors.Wrapf(err, "module name at 0x%x", mod.Get("moduleName"))
			}
			m.CodeGenModules = append(m.CodeGenModules, CodeGenModule{
				Addr:           va,
				Name:           name,
				MethodPointers: r.pointers(name, mod.Get("methodPointers"), mod.Get("methodPointerCount")),
			})
		}
	} else {
		m.MethodPointers = r.pointers("methodPointers", code.Get("methodPointers"), code.Get("methodPointersCount"))
	}
	if r.err != nil {
		return nil, r.err
	}
	log.Infof("model: %d types, %d method pointers, %d modules, %d usages",
		len(m.Types), m.MethodPointerCount(), len(m.CodeGenModules), len(m.MetadataUsages))
	return m, nil
}

// MethodPointerCount counts method pointers across the flat table or all
// code gen modules.
func (m *Model) MethodPointerCount() int {
	n := len(m.MethodPointers)
	for _, mod := range m.CodeGenModules {
		n += len(mod.MethodPointers)
	}
	return n
}

// TypeDefIndex maps a class or value type to its type definition. On
// dumped v27+ images the data word is an absolute handle into the mapped
// metadata; everywhere else it is the index itself.
func (m *Model) TypeDefIndex(t Type) (int, error) {
	if e := t.Enum(); e != layout.TypeClass && e != layout.TypeValueType {
		return -1, errors.Errorf("model: type enum 0x%x has no definition", e)
	}
	idx := t.Data
	if m.Descriptor.HandlesAreAbsolute() && m.Dumped {
		base := m.Metadata.ImageBase + m.Metadata.TypeDefinitionsOffset()
		if t.Data < base {
			return -1, errors.Errorf("model: handle 0x%x below metadata at 0x%x", t.Data, base)
		}
		_, size := layout.TypeDefinition.Place(m.Metadata.Version, 4)
		idx = (t.Data - base) / uint64(size)
	}
	if idx >= uint64(len(m.Metadata.TypeDefs)) {
		return -1, errors.Errorf("model: type definition %d of %d", idx, len(m.Metadata.TypeDefs))
	}
	return int(idx), nil
}

// ModulePointers returns the method pointer table of the named image.
func (m *Model) ModulePointers(name string) ([]uint64, bool) {
	for _, mod := range m.CodeGenModules {
		if mod.Name == name {
			return mod.MethodPointers, true
		}
	}
	return nil, false
}

// Dump writes both registration records in a readable form.
func (m *Model) Dump(w io.Writer) {
	cfg := spew.ConfigState{Indent: "  ", SortKeys: true, DisablePointerAddresses: true}
	fmt.Fprintf(w, "CodeRegistration @ 0x%x\n", m.CodeRegistrationAddr)
	cfg.Fdump(w, m.CodeRegistration.Map())
	fmt.Fprintf(w, "MetadataRegistration @ 0x%x\n", m.MetadataRegistrationAddr)
	cfg.Fdump(w, m.MetadataRegistration.Map())
	if m.Metadata == nil {
		return
	}
	fmt.Fprintf(w, "Types (%d)\n", len(m.Types))
	for i, t := range m.Types {
		idx, err := m.TypeDefIndex(t)
		if err != nil {
			continue
		}
		name, err := m.Metadata.TypeName(idx)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "  %4d 0x%x %s\n", i, t.Addr, name)
	}
}
