// Package recovery locates CodeRegistration and MetadataRegistration in an
// image. Strategies run in a fixed order and the first one whose
// candidate passes validation wins:
//
//	PlusSearch -> PlusSearch on the OS-loaded PE -> Search -> SymbolSearch -> Manual
//
// A strategy never fails the run by itself: translation errors and panics
// while probing count as "not found".
package recovery

import (
	"fmt"
	"runtime"

	"github.com/apex/log"
	"github.com/pkg/errors"

	"unil2cpp/internal/image"
	"unil2cpp/internal/layout"
	"unil2cpp/internal/loader"
	"unil2cpp/internal/metadata"
)

// Strategy tags the method that resolved the registrations.
type Strategy int

const (
	None Strategy = iota
	PlusSearch
	Search
	SymbolSearch
	Manual
)

func (s Strategy) String() string {
	switch s {
	case PlusSearch:
		return "PlusSearch"
	case Search:
		return "Search"
	case SymbolSearch:
		return "SymbolSearch"
	case Manual:
		return "Manual"
	}
	return "None"
}

// MarshalText lets the tag appear by name in JSON output.
func (s Strategy) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// State is the engine lifecycle.
type State int

const (
	Unresolved State = iota
	Probing
	Resolved
	Failed
)

func (s State) String() string {
	return [...]string{"Unresolved", "Probing", "Resolved", "Failed"}[s]
}

// Counts are the metadata cardinalities the count-anchored scan looks for.
type Counts interface {
	MethodCount() int
	TypeDefCount() int
	ImageDefCount() int
}

// Options configure one run. They are threaded in explicitly by the
// caller; the engine reads no global state.
type Options struct {
	// Version overrides the metadata version when non-zero.
	Version             layout.Version
	ForceDump           bool
	NoRedirectedPointer bool
	Resolver            Resolver

	// Path is the image file, needed to reload a PE through the OS loader.
	Path string
	// PELoader remaps a PE for the PlusSearch retry. When nil it is
	// loader.LoadPE on Windows and disabled elsewhere.
	PELoader func(path string) (image.Image, error)
}

// Attempt is one strategy run, in order.
type Attempt struct {
	Strategy Strategy
	Remapped bool // ran against the OS-loaded PE
	Err      error
}

// Result holds the resolved addresses.
type Result struct {
	Strategy             Strategy `json:"strategy"`
	CodeRegistration     uint64   `json:"code_registration"`
	MetadataRegistration uint64   `json:"metadata_registration"`
}

// Engine runs recovery over one image. It is not safe for concurrent use.
type Engine struct {
	img   image.Image
	opts  Options
	desc  layout.Descriptor
	sizes *layout.Sizes

	state    State
	result   Result
	attempts []Attempt
	remapped bool
	hasExec  bool
	err      error
}

// New returns an unconfigured engine over img.
func New(img image.Image, opts Options) *Engine {
	if opts.PELoader == nil && runtime.GOOS == "windows" {
		opts.PELoader = func(path string) (image.Image, error) {
			p, err := loader.LoadPE(path)
			if err != nil {
				return nil, err
			}
			return p, nil
		}
	}
	return &Engine{img: img, opts: opts, sizes: layout.NewSizes()}
}

// Image returns the image recovery ran against. It differs from the one
// passed to New when the PE retry replaced it.
func (e *Engine) Image() image.Image { return e.img }

func (e *Engine) State() State                  { return e.state }
func (e *Engine) Result() Result                { return e.result }
func (e *Engine) Descriptor() layout.Descriptor { return e.desc }

// Attempts returns the strategies tried so far.
func (e *Engine) Attempts() []Attempt { return append([]Attempt(nil), e.attempts...) }

// Err returns the error that moved the engine to Failed.
func (e *Engine) Err() error { return e.err }

// Configure sets the version descriptor. Cached structure sizes from a
// previous configuration are dropped.
func (e *Engine) Configure(v layout.Version, metadataUsagesCount uint64) error {
	if !v.Valid() {
		return &ConfigurationError{Msg: fmt.Sprintf("version %s outside %s..%s", v, layout.MinVersion, layout.MaxVersion)}
	}
	if ps := e.img.Arch().PointerSize(); ps != 4 && ps != 8 {
		return &ConfigurationError{Msg: fmt.Sprintf("pointer size %d", ps)}
	}
	e.desc = layout.Descriptor{Version: v, MetadataUsagesCount: metadataUsagesCount}
	e.sizes.Purge()
	e.hasExec = len(image.ExecSections(e.img)) > 0
	log.Debugf("recovery: configured %s usages=%d", v, metadataUsagesCount)
	return nil
}

// Init runs the whole pipeline for md: configuration, dump preparation,
// the strategy chain and the post-resolution correction. It returns nil
// once both registrations are known.
func (e *Engine) Init(md *metadata.Metadata) error {
	v := md.Version
	if e.opts.Version != 0 {
		log.Infof("recovery: runtime version forced to %s (metadata %s)", e.opts.Version, v)
		v = e.opts.Version
	}
	if err := e.Configure(v, md.MetadataUsagesCount); err != nil {
		return err
	}
	if err := e.PrepareDump(); err != nil {
		return err
	}
	if !e.Recover(md) {
		return e.err
	}
	if err := e.correctMetadataBase(md); err != nil {
		e.fail(&RecoveryError{Strategy: e.result.Strategy, Err: errors.Wrap(err, "metadata base")})
		return e.err
	}
	return nil
}

// Recover runs the strategies in order and reports whether one resolved
// both registrations.
func (e *Engine) Recover(c Counts) bool {
	if e.desc.Version == 0 {
		e.fail(&ConfigurationError{Msg: "engine not configured"})
		return false
	}
	e.state = Probing
	log.Infof("recovery: methods=%d typeDefs=%d images=%d", c.MethodCount(), c.TypeDefCount(), c.ImageDefCount())

	plus := e.revised(func() (uint64, uint64, error) { return e.plusSearch(c) })
	if e.try(PlusSearch, plus) {
		return true
	}
	if e.img.Format() == image.FormatPE && e.opts.PELoader != nil && e.opts.Path != "" {
		if e.reloadPE() && e.try(PlusSearch, plus) {
			return true
		}
	}
	if e.try(Search, e.revised(e.search)) {
		return true
	}
	if e.try(SymbolSearch, e.symbolSearch) {
		return true
	}
	return e.manual()
}

func (e *Engine) reloadPE() bool {
	log.Infof("recovery: retrying with the OS PE loader")
	img, err := e.opts.PELoader(e.opts.Path)
	if err != nil {
		log.Warnf("recovery: PE loader: %v", err)
		return false
	}
	e.img, e.remapped = img, true
	if err := e.Configure(e.desc.Version, e.desc.MetadataUsagesCount); err != nil {
		log.Warnf("recovery: %v", err)
		return false
	}
	return true
}

// revised runs find once per code registration revision of the
// configured version and keeps the revision of the first success. The
// configured version is restored when every revision fails.
func (e *Engine) revised(find func() (uint64, uint64, error)) func() (uint64, uint64, error) {
	return func() (code, meta uint64, err error) {
		base, done := e.desc.Version, false
		defer func() {
			if !done {
				e.desc.Version = base
			}
		}()
		var first error
		for _, rev := range layout.Revisions(base) {
			e.desc.Version = rev
			code, meta, err = find()
			if err == nil {
				if rev != base {
					log.Infof("recovery: CodeRegistration laid out as %s", rev)
				}
				done = true
				return code, meta, nil
			}
			if first == nil {
				first = err
			}
		}
		return 0, 0, first
	}
}

// revise picks the revision under which the CodeRegistration at code has
// consistent count/pointer pairs. The configured version stays when none
// does.
func (e *Engine) revise(code uint64) {
	base := e.desc.Version
	for _, rev := range layout.Revisions(base) {
		e.desc.Version = rev
		if r, err := e.readRecord(layout.CodeRegistration, code); err == nil && e.validPairs(r) {
			if rev != base {
				log.Infof("recovery: CodeRegistration laid out as %s", rev)
			}
			return
		}
	}
	e.desc.Version = base
}

// try runs one strategy. Errors and panics are logged and become false.
func (e *Engine) try(s Strategy, find func() (code, meta uint64, err error)) (ok bool) {
	log.Debugf("recovery: trying %s", s)
	defer func() {
		if r := recover(); r != nil {
			err := errors.Errorf("panic: %v", r)
			log.Warnf("recovery: %s: %v", s, err)
			e.attempts = append(e.attempts, Attempt{Strategy: s, Remapped: e.remapped, Err: err})
			ok = false
		}
	}()
	code, meta, err := find()
	e.attempts = append(e.attempts, Attempt{Strategy: s, Remapped: e.remapped, Err: err})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			log.Debugf("recovery: %s: not found", s)
		} else {
			log.Warnf("recovery: %s: %v", s, err)
		}
		return false
	}
	e.resolve(s, code, meta)
	return true
}

func (e *Engine) resolve(s Strategy, code, meta uint64) {
	e.state = Resolved
	e.result = Result{Strategy: s, CodeRegistration: code, MetadataRegistration: meta}
	log.Infof("recovery: %s found CodeRegistration 0x%x MetadataRegistration 0x%x", s, code, meta)
}

func (e *Engine) fail(err error) {
	e.state, e.err = Failed, err
	log.Warnf("%v", err)
}

// manual asks the resolver for both addresses and only checks that the
// two records can be read.
func (e *Engine) manual() bool {
	if e.opts.Resolver == nil {
		e.fail(&RecoveryError{Err: ErrExhausted})
		return false
	}
	log.Infof("recovery: automated search failed, asking for the addresses")
	code, meta, err := e.opts.Resolver.RegistrationAddrs()
	e.attempts = append(e.attempts, Attempt{Strategy: Manual, Remapped: e.remapped, Err: err})
	if err != nil {
		if errors.Is(err, ErrNoAnswer) {
			err = ErrExhausted
		}
		e.fail(&RecoveryError{Strategy: Manual, Err: err})
		return false
	}
	e.revise(code)
	if _, err := e.readRecord(layout.CodeRegistration, code); err != nil {
		e.fail(&RecoveryError{Strategy: Manual, Err: errors.Wrap(err, "CodeRegistration")})
		return false
	}
	if _, err := e.readRecord(layout.MetadataRegistration, meta); err != nil {
		e.fail(&RecoveryError{Strategy: Manual, Err: errors.Wrap(err, "MetadataRegistration")})
		return false
	}
	e.resolve(Manual, code, meta)
	return true
}
