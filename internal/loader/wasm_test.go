package loader

import (
	"testing"

	"unil2cpp/internal/fixture"
	"unil2cpp/internal/image"
)

func TestNewWasm(t *testing.T) {
	raw := fixture.Wasm(
		fixture.WasmSegment{Offset: 1024, Data: []byte("first\x00")},
		fixture.WasmSegment{Data: []byte("skipped"), Passive: true},
		fixture.WasmSegment{Offset: 4096, Data: []byte{0x78, 0x56, 0x34, 0x12}, MemIdx: true},
	)
	w, err := NewWasm(raw)
	if err != nil {
		t.Fatal(err)
	}
	if w.Arch().PointerSize() != 4 {
		t.Errorf("pointer size = %d", w.Arch().PointerSize())
	}
	if got := len(w.Raw()); got != 4100 {
		t.Errorf("linear memory = %d bytes, want 4100", got)
	}
	segs := w.Segments()
	if len(segs) != 2 || segs[0].Offset != 1024 || segs[1].Offset != 4096 {
		t.Errorf("segments = %+v", segs)
	}
	if s, _ := image.ReadCString(w, 1024, 16); s != "first" {
		t.Errorf("segment 0 = %q", s)
	}
	if v, _ := image.ReadUint(w, 4096, 4); v != 0x12345678 {
		t.Errorf("segment 2 = 0x%x", v)
	}
	if len(image.ExecSections(w)) != 0 {
		t.Error("wasm image exposes code sections")
	}
}

func TestNewWasm_Errors(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
	}{
		{"bad magic", []byte{0, 'a', 's', 'x', 1, 0, 0, 0}},
		{"bad version", []byte{0, 'a', 's', 'm', 2, 0, 0, 0}},
		{"no data", []byte{0, 'a', 's', 'm', 1, 0, 0, 0}},
		{"only passive", fixture.Wasm(fixture.WasmSegment{Data: []byte("x"), Passive: true})},
		{"truncated section", append(fixture.Wasm(fixture.WasmSegment{Offset: 8, Data: []byte("abc")})[:10:10], 0xff)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewWasm(tt.raw); err == nil {
				t.Error("expected error")
			}
		})
	}
}
