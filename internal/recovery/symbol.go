package recovery

import (
	"github.com/pkg/errors"

	"unil2cpp/internal/image"
	"unil2cpp/internal/layout"
)

const (
	symCodeRegistration     = "g_CodeRegistration"
	symMetadataRegistration = "g_MetadataRegistration"
)

// symbolSearch reads both addresses from the symbol table. Mach-O names
// carry a leading underscore.
func (e *Engine) symbolSearch() (uint64, uint64, error) {
	st, ok := e.img.(image.SymbolTable)
	if !ok {
		return 0, 0, errors.Wrapf(ErrNotFound, "%s has no symbol table", e.img.Format())
	}
	syms, err := st.Symbols()
	if err != nil && len(syms) == 0 {
		return 0, 0, errors.Wrap(err, "symbols")
	}
	byName := make(map[string]uint64, len(syms))
	for _, s := range syms {
		byName[s.Name] = s.Value
	}
	lookup := func(name string) (uint64, bool) {
		for _, n := range []string{name, "_" + name} {
			if v, ok := byName[n]; ok && v != 0 {
				if base := e.img.ImageBase(); e.img.IsDumped() && v < base {
					v += base
				}
				return v, true
			}
		}
		return 0, false
	}
	code, ok1 := lookup(symCodeRegistration)
	meta, ok2 := lookup(symMetadataRegistration)
	if !ok1 || !ok2 {
		return 0, 0, ErrNotFound
	}
	e.revise(code)
	if _, err := e.readRecord(layout.CodeRegistration, code); err != nil {
		return 0, 0, errors.Wrap(err, symCodeRegistration)
	}
	if _, err := e.readRecord(layout.MetadataRegistration, meta); err != nil {
		return 0, 0, errors.Wrap(err, symMetadataRegistration)
	}
	return code, meta, nil
}
