// Package output writes recovery results to files.
package output

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/apex/log"
	"github.com/zboralski/lattice"
	"github.com/zboralski/lattice/render"

	"unil2cpp/internal/image"
	"unil2cpp/internal/layout"
	"unil2cpp/internal/model"
	"unil2cpp/internal/recovery"
)

// Hex renders an address as a 0x-prefixed string in JSON.
type Hex uint64

func (h Hex) MarshalText() ([]byte, error) { return []byte(fmt.Sprintf("0x%x", uint64(h))), nil }

// ModuleEntry summarizes one code gen module.
type ModuleEntry struct {
	Name           string `json:"name"`
	Address        Hex    `json:"address"`
	MethodPointers int    `json:"method_pointers"`
}

// ImageEntry names one image definition of the metadata.
type ImageEntry struct {
	Name      string `json:"name"`
	TypeStart int    `json:"type_start"`
	TypeCount int    `json:"type_count"`
}

// Summary is the content of model.json.
type Summary struct {
	Format               image.Format      `json:"format"`
	Machine              string            `json:"machine"`
	PointerSize          int               `json:"pointer_size"`
	Dumped               bool              `json:"dumped"`
	ImageBase            Hex               `json:"image_base"`
	Version              layout.Version    `json:"version"`
	Strategy             recovery.Strategy `json:"strategy"`
	CodeRegistration     Hex               `json:"code_registration"`
	MetadataRegistration Hex               `json:"metadata_registration"`
	MetadataImageBase    Hex               `json:"metadata_image_base,omitempty"`

	Types                 int           `json:"types"`
	MethodPointers        int           `json:"method_pointers"`
	InvokerPointers       int           `json:"invoker_pointers"`
	GenericMethodPointers int           `json:"generic_method_pointers"`
	FieldOffsets          int           `json:"field_offsets"`
	MetadataUsages        int           `json:"metadata_usages"`
	Modules               []ModuleEntry `json:"modules,omitempty"`
	Images                []ImageEntry  `json:"images,omitempty"`
}

// Summarize flattens m for JSON output.
func Summarize(img image.Image, m *model.Model) Summary {
	s := Summary{
		Format:                img.Format(),
		Machine:               img.Arch().Machine,
		PointerSize:           img.Arch().PointerSize(),
		Dumped:                m.Dumped,
		ImageBase:             Hex(img.ImageBase()),
		Version:               m.Descriptor.Version,
		Strategy:              m.Strategy,
		CodeRegistration:      Hex(m.CodeRegistrationAddr),
		MetadataRegistration:  Hex(m.MetadataRegistrationAddr),
		Types:                 len(m.Types),
		MethodPointers:        m.MethodPointerCount(),
		InvokerPointers:       len(m.InvokerPointers),
		GenericMethodPointers: len(m.GenericMethodPointers),
		FieldOffsets:          len(m.FieldOffsets),
		MetadataUsages:        len(m.MetadataUsages),
	}
	if md := m.Metadata; md != nil {
		s.MetadataImageBase = Hex(md.ImageBase)
		for i, def := range md.ImageDefs {
			name, err := md.ImageName(i)
			if err != nil {
				log.Warnf("output: image %d: %v", i, err)
				continue
			}
			s.Images = append(s.Images, ImageEntry{Name: name, TypeStart: int(def.Int("typeStart")), TypeCount: int(def.Get("typeCount"))})
		}
	}
	for _, mod := range m.CodeGenModules {
		s.Modules = append(s.Modules, ModuleEntry{Name: mod.Name, Address: Hex(mod.Addr), MethodPointers: len(mod.MethodPointers)})
	}
	return s
}

// WriteModelJSON writes the summary to model.json.
func WriteModelJSON(dir string, s Summary) error {
	return writeJSON(filepath.Join(dir, "model.json"), s)
}

// Graph links the registrations to the tables they own. Empty tables are
// left out.
func Graph(m *model.Model) *lattice.Graph {
	g := &lattice.Graph{}
	code := fmt.Sprintf("CodeRegistration@0x%x", m.CodeRegistrationAddr)
	meta := fmt.Sprintf("MetadataRegistration@0x%x", m.MetadataRegistrationAddr)
	g.Nodes = append(g.Nodes, code, meta)
	table := func(owner, name string, n int) string {
		if n == 0 {
			return ""
		}
		node := fmt.Sprintf("%s[%d]", name, n)
		g.Nodes = append(g.Nodes, node)
		g.Edges = append(g.Edges, lattice.Edge{Caller: owner, Callee: node})
		return node
	}
	table(code, "methodPointers", len(m.MethodPointers))
	table(code, "invokerPointers", len(m.InvokerPointers))
	table(code, "genericMethodPointers", len(m.GenericMethodPointers))
	if mods := table(code, "codeGenModules", len(m.CodeGenModules)); mods != "" {
		for _, mod := range m.CodeGenModules {
			table(mods, mod.Name+".methodPointers", len(mod.MethodPointers))
		}
	}
	table(meta, "types", len(m.Types))
	table(meta, "fieldOffsets", len(m.FieldOffsets))
	table(meta, "metadataUsages", len(m.MetadataUsages))
	g.Dedup()
	return g
}

// WriteGraphDOT renders Graph(m) to registration.dot.
func WriteGraphDOT(dir string, m *model.Model) (*lattice.Graph, error) {
	g := Graph(m)
	path := filepath.Join(dir, "registration.dot")
	if err := os.WriteFile(path, []byte(render.DOT(g, "registration")), 0644); err != nil {
		return nil, fmt.Errorf("output: write %s: %w", path, err)
	}
	return g, nil
}

func writeJSON(path string, v any) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("output: create %s: %w", path, err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("output: encode %s: %w", path, err)
	}
	return nil
}
