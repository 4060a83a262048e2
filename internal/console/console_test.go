package console

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/chzyer/readline"
	"github.com/pkg/errors"

	"unil2cpp/internal/image"
	"unil2cpp/internal/recovery"
)

type fakeLines struct {
	lines   []string
	err     error
	prompts []string
}

func (f *fakeLines) Readline() (string, error) {
	if len(f.lines) == 0 {
		if f.err != nil {
			return "", f.err
		}
		return "", io.EOF
	}
	l := f.lines[0]
	f.lines = f.lines[1:]
	return l, nil
}

func (f *fakeLines) SetPrompt(p string) { f.prompts = append(f.prompts, p) }
func (f *fakeLines) Close() error       { return nil }

func newTest(lines ...string) (*Resolver, *fakeLines, *bytes.Buffer) {
	f := &fakeLines{lines: lines}
	var out bytes.Buffer
	return &Resolver{rl: f, out: &out}, f, &out
}

func TestSelectSlice(t *testing.T) {
	slices := []image.Slice{
		{Magic: 0xfeedface, CPU: 12},
		{Magic: 0xfeedfacf, CPU: 0x0100000c},
	}
	r, f, out := newTest("7", "two", "2")
	idx, err := r.SelectSlice(slices)
	if err != nil || idx != 1 {
		t.Fatalf("SelectSlice = %d, %v", idx, err)
	}
	if !strings.Contains(out.String(), "1.32bit(arm) 2.64bit(arm64)") {
		t.Errorf("listing:\n%s", out.String())
	}
	if strings.Count(out.String(), "choose 1..2") != 2 {
		t.Errorf("expected two re-prompts:\n%s", out.String())
	}
	if len(f.prompts) != 1 || !strings.Contains(f.prompts[0], "Select platform") {
		t.Errorf("prompts = %q", f.prompts)
	}
}

func TestDumpBase(t *testing.T) {
	for in, want := range map[string]uint64{
		"0":            0,
		"7100000000":   0x7100000000,
		"0x7100000000": 0x7100000000,
		" 0XABC ":      0xabc,
	} {
		r, _, _ := newTest(in)
		got, err := r.DumpBase()
		if err != nil || got != want {
			t.Errorf("DumpBase(%q) = 0x%x, %v", in, got, err)
		}
	}
}

func TestRegistrationAddrs(t *testing.T) {
	r, f, _ := newTest("0x402100", "402000")
	code, meta, err := r.RegistrationAddrs()
	if err != nil || code != 0x402100 || meta != 0x402000 {
		t.Fatalf("RegistrationAddrs = 0x%x 0x%x, %v", code, meta, err)
	}
	if len(f.prompts) != 2 {
		t.Errorf("prompts = %q", f.prompts)
	}
}

func TestNoAnswer(t *testing.T) {
	tests := map[string]*fakeLines{
		"eof":       {},
		"interrupt": {err: readline.ErrInterrupt},
		"empty":     {lines: []string{""}},
		"garbage":   {lines: []string{"x", "y", "z", "0x10"}},
	}
	for name, f := range tests {
		r := &Resolver{rl: f, out: io.Discard}
		if _, _, err := r.RegistrationAddrs(); !errors.Is(err, recovery.ErrNoAnswer) {
			t.Errorf("%s: err = %v", name, err)
		}
	}
}

func TestParseHex(t *testing.T) {
	if _, err := ParseHex("zz"); err == nil {
		t.Error("accepted zz")
	}
	if v, err := ParseHex("0xffffffffffffffff"); err != nil || v != ^uint64(0) {
		t.Errorf("max = 0x%x, %v", v, err)
	}
}
