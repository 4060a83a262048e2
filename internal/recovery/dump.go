package recovery

import (
	"github.com/apex/log"
	"github.com/pkg/errors"

	"unil2cpp/internal/image"
)

// PrepareDump classifies the image and, for a dump, applies the runtime
// base. ELF dumps need the base from the resolver and are reloaded
// unless NoRedirectedPointer is set; other formats are only marked.
func (e *Engine) PrepareDump() error {
	dumped := e.opts.ForceDump
	if !dumped {
		if dc, ok := e.img.(image.DumpChecker); ok {
			dumped = dc.CheckDump()
		}
	}
	if !dumped {
		return nil
	}
	log.Infof("recovery: %s looks like a memory dump", e.img.Format())

	switch e.img.Format() {
	case image.FormatElf32, image.FormatElf64:
	default:
		e.img.SetDumped(true)
		return nil
	}

	if e.opts.Resolver == nil {
		log.Warnf("recovery: no resolver for the dump base, continuing as file")
		return nil
	}
	base, err := e.opts.Resolver.DumpBase()
	if err != nil {
		return errors.Wrap(err, "dump base")
	}
	if base == 0 {
		log.Infof("recovery: dump base 0, continuing as file")
		return nil
	}
	e.img.SetImageBase(base)
	e.img.SetDumped(true)
	if e.opts.NoRedirectedPointer {
		return nil
	}
	if r, ok := e.img.(image.Reloader); ok {
		if err := r.Reload(); err != nil {
			return errors.Wrap(err, "reload")
		}
	}
	return nil
}
