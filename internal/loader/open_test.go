package loader

import (
	"debug/elf"
	"os"
	"path/filepath"
	"testing"

	"unil2cpp/internal/fixture"
	"unil2cpp/internal/image"
)

func TestDetect(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
		want image.Format
	}{
		{"elf64", fixture.NewELF(64, 0x1000).Load(0, 0, 0x1000, 0x1000, elf.PF_R).Bytes(), image.FormatElf64},
		{"elf32", fixture.NewELF(32, 0x1000).Load(0, 0, 0x1000, 0x1000, elf.PF_R).Bytes(), image.FormatElf32},
		{"pe", testPE(64).Bytes(), image.FormatPE},
		{"macho64", testMachO().Bytes(), image.FormatMacho64},
		{"fat", fixture.Fat([]uint32{0x0100000c}, testMachO().Bytes()), image.FormatFat},
		{"nso", testNSO().Bytes(), image.FormatNSO},
		{"wasm", fixture.Wasm(fixture.WasmSegment{Offset: 8, Data: []byte{1}}), image.FormatWasm},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Detect(tt.raw)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("Detect = %s, want %s", got, tt.want)
			}
			img, err := Open(tt.raw, pickSlice(0))
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			if tt.want != image.FormatFat && img.Format() != tt.want {
				t.Errorf("opened as %s", img.Format())
			}
		})
	}
}

func TestDetect_Unknown(t *testing.T) {
	for _, raw := range [][]byte{nil, {1, 2}, []byte("plain text file")} {
		if _, err := Detect(raw); err == nil {
			t.Errorf("%q: expected error", raw)
		}
	}
}

func TestOpenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "libil2cpp.so")
	raw := fixture.NewELF(64, 0x1000).Load(0, 0, 0x1000, 0x1000, elf.PF_R).Bytes()
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatal(err)
	}
	img, got, err := OpenFile(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if img.Format() != image.FormatElf64 || len(got) != len(raw) {
		t.Errorf("format=%s len=%d", img.Format(), len(got))
	}
	if _, _, err := OpenFile(filepath.Join(t.TempDir(), "missing"), nil); err == nil {
		t.Error("missing file opened")
	}
}

func FuzzOpen(f *testing.F) {
	f.Add(fixture.NewELF(64, 0x400).Load(0, 0, 0x400, 0x400, elf.PF_R).Bytes())
	f.Add(testPE(32).Bytes())
	f.Add(testMachO().Bytes())
	f.Add(fixture.Wasm(fixture.WasmSegment{Offset: 8, Data: []byte{1}}))
	f.Add(testNSO().Bytes())
	f.Fuzz(func(t *testing.T, raw []byte) {
		img, err := Open(raw, pickSlice(0))
		if err != nil {
			return
		}
		// Translation of arbitrary addresses must never panic.
		for _, s := range img.Sections() {
			_, _ = img.ReadBytes(s.Addr+img.ImageBase(), 16)
		}
	})
}
