package main

import (
	"flag"

	"github.com/apex/log"
	"github.com/pkg/errors"

	"unil2cpp/internal/console"
	"unil2cpp/internal/image"
	"unil2cpp/internal/recovery"
)

// resolverFlags answer resolver questions from the command line and fall
// back to the console for anything left open.
type resolverFlags struct {
	slice    int
	dumpBase string
	codeReg  string
	metaReg  string
	batch    bool

	openConsole func() (*console.Resolver, error)
	con         *console.Resolver
}

var _ recovery.Resolver = (*resolverFlags)(nil)

func (f *resolverFlags) register(fs *flag.FlagSet) {
	fs.IntVar(&f.slice, "slice", -1, "fat slice index (0-based)")
	fs.StringVar(&f.dumpBase, "dump-base", "", "runtime base of a dump (hex)")
	fs.StringVar(&f.codeReg, "code-reg", "", "CodeRegistration address (hex)")
	fs.StringVar(&f.metaReg, "meta-reg", "", "MetadataRegistration address (hex)")
	fs.BoolVar(&f.batch, "batch", false, "never prompt")
	f.openConsole = console.New
}

func (f *resolverFlags) console() (*console.Resolver, error) {
	if f.batch {
		return nil, recovery.ErrNoAnswer
	}
	if f.con == nil {
		c, err := f.openConsole()
		if err != nil {
			return nil, err
		}
		f.con = c
	}
	return f.con, nil
}

func (f *resolverFlags) SelectSlice(slices []image.Slice) (int, error) {
	if f.slice >= 0 {
		if f.slice >= len(slices) {
			return 0, errors.Errorf("--slice %d: have %d slices", f.slice, len(slices))
		}
		return f.slice, nil
	}
	c, err := f.console()
	if err != nil {
		return 0, err
	}
	return c.SelectSlice(slices)
}

func (f *resolverFlags) DumpBase() (uint64, error) {
	if f.dumpBase != "" {
		b, err := console.ParseHex(f.dumpBase)
		return b, errors.Wrap(err, "--dump-base")
	}
	if f.batch {
		log.Warnf("no --dump-base in batch mode, continuing as file")
		return 0, nil
	}
	c, err := f.console()
	if err != nil {
		return 0, err
	}
	return c.DumpBase()
}

func (f *resolverFlags) RegistrationAddrs() (uint64, uint64, error) {
	if f.codeReg != "" && f.metaReg != "" {
		code, err := console.ParseHex(f.codeReg)
		if err != nil {
			return 0, 0, errors.Wrap(err, "--code-reg")
		}
		meta, err := console.ParseHex(f.metaReg)
		if err != nil {
			return 0, 0, errors.Wrap(err, "--meta-reg")
		}
		return code, meta, nil
	}
	c, err := f.console()
	if err != nil {
		return 0, 0, err
	}
	return c.RegistrationAddrs()
}

func (f *resolverFlags) Close() error {
	if f.con == nil {
		return nil
	}
	return f.con.Close()
}
