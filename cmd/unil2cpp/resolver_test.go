package main

import (
	"errors"
	"flag"
	"testing"

	"unil2cpp/internal/console"
	"unil2cpp/internal/image"
	"unil2cpp/internal/recovery"
)

func parseResolver(t *testing.T, args ...string) *resolverFlags {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var rf resolverFlags
	rf.register(fs)
	rf.openConsole = func() (*console.Resolver, error) {
		t.Fatal("console opened")
		return nil, nil
	}
	if err := fs.Parse(args); err != nil {
		t.Fatal(err)
	}
	return &rf
}

func TestResolverFlags(t *testing.T) {
	rf := parseResolver(t, "--slice", "1", "--dump-base", "0x7100000000", "--code-reg", "402100", "--meta-reg", "0x402000")

	idx, err := rf.SelectSlice(make([]image.Slice, 2))
	if err != nil || idx != 1 {
		t.Errorf("SelectSlice = %d, %v", idx, err)
	}
	base, err := rf.DumpBase()
	if err != nil || base != 0x7100000000 {
		t.Errorf("DumpBase = 0x%x, %v", base, err)
	}
	code, meta, err := rf.RegistrationAddrs()
	if err != nil || code != 0x402100 || meta != 0x402000 {
		t.Errorf("RegistrationAddrs = 0x%x 0x%x, %v", code, meta, err)
	}
	if err := rf.Close(); err != nil {
		t.Error(err)
	}
}

func TestResolverFlagsSliceRange(t *testing.T) {
	rf := parseResolver(t, "--slice", "2")
	if _, err := rf.SelectSlice(make([]image.Slice, 2)); err == nil {
		t.Error("accepted out of range slice")
	}
}

func TestResolverFlagsBatch(t *testing.T) {
	rf := parseResolver(t, "--batch", "--code-reg", "0x10")

	if _, err := rf.SelectSlice(make([]image.Slice, 2)); !errors.Is(err, recovery.ErrNoAnswer) {
		t.Errorf("SelectSlice err = %v", err)
	}
	base, err := rf.DumpBase()
	if err != nil || base != 0 {
		t.Errorf("DumpBase = 0x%x, %v", base, err)
	}
	if _, _, err := rf.RegistrationAddrs(); !errors.Is(err, recovery.ErrNoAnswer) {
		t.Errorf("RegistrationAddrs err = %v", err)
	}
}

func TestResolverFlagsBadHex(t *testing.T) {
	rf := parseResolver(t, "--dump-base", "zz")
	if _, err := rf.DumpBase(); err == nil {
		t.Error("accepted zz")
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	f := newRecoverFlags(fs)
	if err := fs.Parse([]string{"--config", "", "--force-version", "29.1", "--force-dump", "--no-redirect"}); err != nil {
		t.Fatal(err)
	}
	cfg, err := f.loadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Version() != 29.1 || !cfg.ForceDump || !cfg.NoRedirectedPointer {
		t.Errorf("cfg = %+v", cfg)
	}
}
