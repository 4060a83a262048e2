package loader

import (
	"debug/elf"
	"testing"

	"unil2cpp/internal/fixture"
	"unil2cpp/internal/image"
)

func TestNewELF64(t *testing.T) {
	raw := fixture.NewELF(64, 0x3000).
		Load(0, 0x400000, 0x1000, 0x1000, elf.PF_R|elf.PF_X).
		Load(0x1000, 0x401000, 0x2000, 0x4000, elf.PF_R|elf.PF_W).
		Put(0x1800, []byte("hello\x00")).
		Bytes()
	e, err := NewELF(raw)
	if err != nil {
		t.Fatal(err)
	}
	if e.Format() != image.FormatElf64 || e.Arch().Bits != 64 || e.Arch().PointerSize() != 8 {
		t.Errorf("format=%s arch=%+v", e.Format(), e.Arch())
	}
	secs := e.Sections()
	if len(secs) != 2 {
		t.Fatalf("got %d sections, want 2", len(secs))
	}
	if !secs[0].Exec() || secs[1].Exec() {
		t.Errorf("flags: %s %s", secs[0].Flags, secs[1].Flags)
	}
	s, err := image.ReadCString(e, 0x401800, 64)
	if err != nil || s != "hello" {
		t.Errorf("ReadCString = %q, %v", s, err)
	}
	// Past FileSize inside MemSize is zero-fill, not file-backed.
	if _, err := e.VaToOffset(0x403800); !image.IsTranslation(err) {
		t.Errorf("bss address translated: %v", err)
	}
	if e.CheckDump() {
		t.Error("plain executable classified as dump")
	}
}

func TestNewELF32(t *testing.T) {
	raw := fixture.NewELF(32, 0x2000).
		Load(0, 0x8000, 0x2000, 0x2000, elf.PF_R|elf.PF_X).
		PutPtr(0x1000, 0xdeadbeef).
		Bytes()
	e, err := NewELF(raw)
	if err != nil {
		t.Fatal(err)
	}
	if e.Format() != image.FormatElf32 || e.Arch().PointerSize() != 4 {
		t.Errorf("format=%s ptr=%d", e.Format(), e.Arch().PointerSize())
	}
	v, err := image.ReadPointer(e, 0x9000)
	if err != nil || v != 0xdeadbeef {
		t.Errorf("ReadPointer = 0x%x, %v", v, err)
	}
}

func TestNewELF_NotELF(t *testing.T) {
	if _, err := NewELF([]byte("not an elf file at all, honestly")); err == nil {
		t.Fatal("expected error")
	}
}

func TestELFCheckDump(t *testing.T) {
	tests := []struct {
		name string
		elf  *fixture.ELF
		want bool
	}{
		{"exec", fixture.NewELF(64, 0x2000).Load(0, 0x400000, 0x2000, 0x2000, elf.PF_R), false},
		{"shared object at zero", func() *fixture.ELF {
			e := fixture.NewELF(64, 0x2000).Load(0, 0, 0x2000, 0x2000, elf.PF_R)
			e.Type = elf.ET_DYN
			return e
		}(), false},
		{"shared object at runtime address", func() *fixture.ELF {
			e := fixture.NewELF(64, 0x2000).Load(0, 0x7100000000, 0x2000, 0x2000, elf.PF_R)
			e.Type = elf.ET_DYN
			return e
		}(), true},
		{"segment past end of file", fixture.NewELF(64, 0x2000).Load(0, 0x400000, 0x8000, 0x8000, elf.PF_R), true},
		{"section table not mapped", func() *fixture.ELF {
			e := fixture.NewELF(64, 0x2000).Load(0, 0x400000, 0x2000, 0x2000, elf.PF_R)
			e.BrokenSections = true
			return e
		}(), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := NewELF(tt.elf.Bytes())
			if err != nil {
				t.Fatal(err)
			}
			if got := e.CheckDump(); got != tt.want {
				t.Errorf("CheckDump = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestELFReload(t *testing.T) {
	f := fixture.NewELF(64, 0x3000).
		Load(0, 0, 0x1000, 0x1000, elf.PF_R|elf.PF_X).
		Load(0x1000, 0x2000, 0x800, 0x1000, elf.PF_R|elf.PF_W)
	f.Type = elf.ET_DYN
	e, err := NewELF(f.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if off, err := e.VaToOffset(0x2010); err != nil || off != 0x1010 {
		t.Fatalf("file layout: 0x2010 -> 0x%x, %v", off, err)
	}

	const base = 0x7100000000
	e.SetImageBase(base)
	e.SetDumped(true)
	if err := e.Reload(); err != nil {
		t.Fatal(err)
	}
	if off, err := e.VaToOffset(base + 0x2010); err != nil || off != 0x2010 {
		t.Errorf("dump layout: 0x%x -> 0x%x, %v", uint64(base+0x2010), off, err)
	}
	// The whole memory range is backed in a dump.
	if _, err := e.VaToOffset(base + 0x2c00); err != nil {
		t.Errorf("dump tail not mapped: %v", err)
	}

	e.SetImageBase(0)
	e.SetDumped(false)
	if err := e.Reload(); err != nil {
		t.Fatal(err)
	}
	if off, err := e.VaToOffset(0x2010); err != nil || off != 0x1010 {
		t.Errorf("restored layout: 0x2010 -> 0x%x, %v", off, err)
	}
}

func TestELFRelocations(t *testing.T) {
	raw := fixture.NewELF(64, 0x3000).
		Load(0, 0x400000, 0x3000, 0x3000, elf.PF_R|elf.PF_W|elf.PF_X).
		Relocs(0x2000, 0x402000, []fixture.Rela{
			{Where: 0x401000, Type: rAARCH64RELATIVE, Addend: 0x400123},
			{Where: 0x401008, Type: 0x7ff, Addend: 0x1}, // unknown type stays untouched
		}).
		Bytes()
	e, err := NewELF(raw)
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := image.ReadPointer(e, 0x401000); v != 0x400123 {
		t.Errorf("relocated pointer = 0x%x, want 0x400123", v)
	}
	if v, _ := image.ReadPointer(e, 0x401008); v != 0 {
		t.Errorf("unrelocated pointer = 0x%x, want 0", v)
	}
	// The caller's buffer is not patched.
	if raw[0x1000] != 0 {
		t.Error("input buffer modified")
	}
}

func TestELFSymbols(t *testing.T) {
	raw := fixture.NewELF(64, 0x2000).
		Load(0, 0x400000, 0x2000, 0x2000, elf.PF_R).
		Symbol("g_CodeRegistration", 0x401000).
		Symbol("g_MetadataRegistration", 0x401100).
		Bytes()
	e, err := NewELF(raw)
	if err != nil {
		t.Fatal(err)
	}
	syms, err := e.Symbols()
	if err != nil {
		t.Fatal(err)
	}
	got := map[string]uint64{}
	for _, s := range syms {
		got[s.Name] = s.Value
	}
	if got["g_CodeRegistration"] != 0x401000 || got["g_MetadataRegistration"] != 0x401100 {
		t.Errorf("symbols = %v", got)
	}
}
