package loader

import (
	"debug/elf"
	"testing"

	"github.com/pkg/errors"

	"unil2cpp/internal/fixture"
	"unil2cpp/internal/image"
)

func TestTranslationRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		open func() (image.Image, error)
	}{
		{"elf64", func() (image.Image, error) {
			return NewELF(fixture.NewELF(64, 0x3000).
				Load(0, 0x400000, 0x1000, 0x1000, elf.PF_R|elf.PF_X).
				Load(0x1000, 0x401000, 0x2000, 0x4000, elf.PF_R|elf.PF_W).
				Bytes())
		}},
		{"elf32", func() (image.Image, error) {
			return NewELF(fixture.NewELF(32, 0x3000).
				Load(0, 0x8000, 0x1000, 0x1000, elf.PF_R|elf.PF_X).
				Load(0x1000, 0xa000, 0x1000, 0x1800, elf.PF_R|elf.PF_W).
				Bytes())
		}},
		{"pe32", func() (image.Image, error) { return NewPE(testPE(32).Bytes()) }},
		{"pe64", func() (image.Image, error) { return NewPE(testPE(64).Bytes()) }},
		{"pe64 mapped", func() (image.Image, error) { return MapPE(testPE(64).Bytes()) }},
		{"macho64", func() (image.Image, error) { return NewMachO(testMachO().Bytes()) }},
		{"macho32", func() (image.Image, error) {
			return NewMachO(fixture.NewMachO32(0x3000).
				Segment("__TEXT", 0x4000, 0x2000, 0, 0x2000, fixture.ProtR|fixture.ProtX).
				Segment("__DATA", 0x8000, 0x1000, 0x2000, 0x800, fixture.ProtR|fixture.ProtW).
				Bytes())
		}},
		{"nso", func() (image.Image, error) { return NewNSO(testNSO().Bytes()) }},
		{"wasm", func() (image.Image, error) {
			return NewWasm(fixture.Wasm(
				fixture.WasmSegment{Offset: 1024, Data: []byte("first\x00")},
				fixture.WasmSegment{Offset: 4096, Data: make([]byte, 64)},
			))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img, err := tt.open()
			if err != nil {
				t.Fatal(err)
			}
			checkRoundTrip(t, img)
		})
	}
}

// checkRoundTrip translates the first, middle and last byte of every
// section both ways, and expects ErrNotMapped for the addresses and
// offsets just outside each section that no other section covers.
func checkRoundTrip(t *testing.T, img image.Image) {
	t.Helper()
	base := img.ImageBase()
	secs := img.Sections()
	if len(secs) == 0 {
		t.Fatal("no sections")
	}
	inFile := func(rel uint64) bool {
		for _, s := range secs {
			if s.Addr <= rel && rel < s.Addr+s.FileSize {
				return true
			}
		}
		return false
	}
	inPhys := func(off uint64) bool {
		for _, s := range secs {
			if s.ContainsPhys(off) {
				return true
			}
		}
		return false
	}

	outside := 0
	for _, s := range secs {
		if s.FileSize == 0 {
			continue
		}
		for _, rel := range []uint64{s.Addr, s.Addr + s.FileSize/2, s.Addr + s.FileSize - 1} {
			va := base + rel
			off, err := img.VaToOffset(va)
			if err != nil {
				t.Errorf("%s: VaToOffset(0x%x): %v", s.Name, va, err)
				continue
			}
			if want := s.Offset + rel - s.Addr; off != want {
				t.Errorf("%s: VaToOffset(0x%x) = 0x%x, want 0x%x", s.Name, va, off, want)
			}
			back, err := img.OffsetToVa(off)
			if err != nil || back != va {
				t.Errorf("%s: OffsetToVa(0x%x) = 0x%x, %v; want 0x%x", s.Name, off, back, err, va)
			}
		}
		for _, off := range []uint64{s.Offset, s.Offset + s.FileSize - 1} {
			va, err := img.OffsetToVa(off)
			if err != nil {
				t.Errorf("%s: OffsetToVa(0x%x): %v", s.Name, off, err)
				continue
			}
			back, err := img.VaToOffset(va)
			if err != nil || back != off {
				t.Errorf("%s: VaToOffset(0x%x) = 0x%x, %v; want 0x%x", s.Name, va, back, err, off)
			}
		}

		rels := []uint64{s.Addr + s.FileSize, s.Addr + s.MemSize}
		if s.Addr > 0 {
			rels = append(rels, s.Addr-1)
		}
		for _, rel := range rels {
			if inFile(rel) {
				continue
			}
			outside++
			if _, err := img.VaToOffset(base + rel); !errors.Is(err, image.ErrNotMapped) {
				t.Errorf("%s: VaToOffset(0x%x) = %v, want ErrNotMapped", s.Name, base+rel, err)
			}
		}
		offs := []uint64{s.Offset + s.FileSize}
		if s.Offset > 0 {
			offs = append(offs, s.Offset-1)
		}
		for _, off := range offs {
			if inPhys(off) {
				continue
			}
			outside++
			if _, err := img.OffsetToVa(off); !errors.Is(err, image.ErrNotMapped) {
				t.Errorf("%s: OffsetToVa(0x%x) = %v, want ErrNotMapped", s.Name, off, err)
			}
		}
	}
	if outside == 0 {
		t.Error("no unmapped boundary checked")
	}
}
