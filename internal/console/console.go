// Package console asks an operator the questions recovery cannot answer
// itself: which fat slice to use, where a dump was mapped, and where the
// registrations are when every search failed.
package console

import (
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/mgutz/ansi"
	"github.com/pkg/errors"
	"github.com/shibukawa/configdir"

	"unil2cpp/internal/image"
	"unil2cpp/internal/loader"
	"unil2cpp/internal/recovery"
)

// maxTries bounds re-prompting after unparsable input.
const maxTries = 3

type lineReader interface {
	Readline() (string, error)
	SetPrompt(prompt string)
	Close() error
}

var (
	highlight = ansi.ColorFunc("yellow+b")
	warn      = ansi.ColorFunc("red+b")
)

// Resolver is a recovery.Resolver backed by a terminal.
type Resolver struct {
	rl  lineReader
	out io.Writer
}

var _ recovery.Resolver = (*Resolver)(nil)

// New opens the terminal. History is kept in the user cache folder.
func New() (*Resolver, error) {
	cache := configdir.New("unil2cpp", "console").QueryCacheFolder()
	history := ""
	if err := cache.MkdirAll(); err == nil {
		history = filepath.Join(cache.Path, "history")
	}
	rl, err := readline.NewEx(&readline.Config{
		InterruptPrompt: "\n",
		HistoryFile:     history,
	})
	if err != nil {
		return nil, errors.Wrap(err, "console")
	}
	return &Resolver{rl: rl, out: rl.Stderr()}, nil
}

// Close releases the terminal.
func (r *Resolver) Close() error { return r.rl.Close() }

func (r *Resolver) ask(prompt string, parse func(string) error) error {
	r.rl.SetPrompt(highlight(prompt))
	for try := 0; try < maxTries; try++ {
		line, err := r.rl.Readline()
		if err == readline.ErrInterrupt || err == io.EOF {
			return recovery.ErrNoAnswer
		}
		if err != nil {
			return errors.Wrap(err, "console")
		}
		line = strings.TrimSpace(line)
		if line == "" {
			return recovery.ErrNoAnswer
		}
		if err := parse(line); err != nil {
			fmt.Fprintln(r.out, warn(err.Error()))
			continue
		}
		return nil
	}
	return recovery.ErrNoAnswer
}

// SelectSlice lists the slices 1-based, the way they are numbered on the
// prompt.
func (r *Resolver) SelectSlice(slices []image.Slice) (int, error) {
	var b strings.Builder
	for i, s := range slices {
		bits := "32bit"
		if s.Is64() {
			bits = "64bit"
		}
		fmt.Fprintf(&b, "%d.%s(%s) ", i+1, bits, loader.CPUName(s.CPU))
	}
	fmt.Fprintln(r.out, b.String())
	var idx int
	err := r.ask("Select platform: ", func(s string) error {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > len(slices) {
			return errors.Errorf("choose 1..%d", len(slices))
		}
		idx = n - 1
		return nil
	})
	return idx, err
}

// DumpBase asks for the runtime base of a dump. Zero keeps the file
// layout.
func (r *Resolver) DumpBase() (uint64, error) {
	fmt.Fprintln(r.out, "Detected this may be a dump file.")
	var base uint64
	err := r.ask("Input il2cpp dump address or 0 to force continue: ", func(s string) (err error) {
		base, err = ParseHex(s)
		return err
	})
	return base, err
}

// RegistrationAddrs asks for both addresses.
func (r *Resolver) RegistrationAddrs() (uint64, uint64, error) {
	fmt.Fprintln(r.out, warn("ERROR: Can't use auto mode to process file, try manual mode."))
	var code, meta uint64
	if err := r.ask("Input CodeRegistration: ", func(s string) (err error) {
		code, err = ParseHex(s)
		return err
	}); err != nil {
		return 0, 0, err
	}
	if err := r.ask("Input MetadataRegistration: ", func(s string) (err error) {
		meta, err = ParseHex(s)
		return err
	}); err != nil {
		return 0, 0, err
	}
	return code, meta, nil
}

// ParseHex parses a hexadecimal address with or without a 0x prefix.
func ParseHex(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	t := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	v, err := strconv.ParseUint(t, 16, 64)
	if err != nil {
		return 0, errors.Errorf("not a hex address: %q", s)
	}
	return v, nil
}
