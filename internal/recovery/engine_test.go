package recovery

import (
	"debug/elf"
	"strings"
	"testing"

	"github.com/pkg/errors"

	"unil2cpp/internal/fixture"
	"unil2cpp/internal/image"
	"unil2cpp/internal/layout"
	"unil2cpp/internal/loader"
	"unil2cpp/internal/metadata"
)

const (
	codeVA = 0x400400
	regOff = 0x2000
	regVA  = 0x402000
)

type counts struct{ methods, typeDefs, images int }

func (c counts) MethodCount() int   { return c.methods }
func (c counts) TypeDefCount() int  { return c.typeDefs }
func (c counts) ImageDefCount() int { return c.images }

// testELF is an ARM64 executable with one R-X segment for code and one RW
// segment for registration data.
func testELF() *fixture.ELF {
	return fixture.NewELF(64, 0x4000).
		Load(0, 0x400000, 0x1000, 0x1000, elf.PF_R|elf.PF_X).
		Load(0x1000, 0x401000, 0x3000, 0x3000, elf.PF_R|elf.PF_W)
}

func regs(v layout.Version) fixture.Registrations {
	return fixture.Registrations{Version: v, PtrSize: 8, Methods: 10, TypeDefs: 5, Images: 2, Usages: 3, Code: codeVA}
}

func openELF(t *testing.T, f *fixture.ELF) *loader.ELF {
	t.Helper()
	img, err := loader.NewELF(f.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	return img
}

func configured(t *testing.T, img image.Image, v layout.Version, opts Options) *Engine {
	t.Helper()
	e := New(img, opts)
	if err := e.Configure(v, 0); err != nil {
		t.Fatal(err)
	}
	return e
}

func wantResult(t *testing.T, e *Engine, s Strategy, code, meta uint64) {
	t.Helper()
	if e.State() != Resolved {
		t.Fatalf("state = %s, err = %v, attempts = %+v", e.State(), e.Err(), e.Attempts())
	}
	r := e.Result()
	if r.Strategy != s || r.CodeRegistration != code || r.MetadataRegistration != meta {
		t.Errorf("result = %s code=0x%x meta=0x%x, want %s code=0x%x meta=0x%x",
			r.Strategy, r.CodeRegistration, r.MetadataRegistration, s, code, meta)
	}
}

func TestRecoverPlusSearch(t *testing.T) {
	for _, v := range []layout.Version{16, 20, 24} {
		t.Run(v.String(), func(t *testing.T) {
			p := regs(v).Build(regVA)
			e := configured(t, openELF(t, testELF().Put(regOff, p.Blob)), v, Options{})
			if !e.Recover(counts{10, 5, 2}) {
				t.Fatalf("Recover failed: %v", e.Err())
			}
			wantResult(t, e, PlusSearch, p.Code, p.Meta)
			if n := len(e.Attempts()); n != 1 {
				t.Errorf("%d attempts, want 1", n)
			}
		})
	}
}

func TestRecoverPlusSearchCodeGenModules(t *testing.T) {
	for _, v := range []layout.Version{27, 29, 31} {
		t.Run(v.String(), func(t *testing.T) {
			p := regs(v).Build(regVA)
			e := configured(t, openELF(t, testELF().Put(regOff, p.Blob)), v, Options{})
			// Method count is not an anchor from v27 on.
			if !e.Recover(counts{1234, 5, 2}) {
				t.Fatalf("Recover failed: %v", e.Err())
			}
			wantResult(t, e, PlusSearch, p.Code, p.Meta)
		})
	}
}

func TestRecoverPlusSearch32(t *testing.T) {
	r := regs(24)
	r.PtrSize, r.Code = 4, 0x8400
	p := r.Build(0xa000)
	f := fixture.NewELF(32, 0x4000).
		Load(0, 0x8000, 0x1000, 0x1000, elf.PF_R|elf.PF_X).
		Load(0x1000, 0x9000, 0x3000, 0x3000, elf.PF_R|elf.PF_W).
		Put(0x2000, p.Blob)
	e := configured(t, openELF(t, f), 24, Options{})
	if !e.Recover(counts{10, 5, 2}) {
		t.Fatalf("Recover failed: %v", e.Err())
	}
	wantResult(t, e, PlusSearch, p.Code, p.Meta)
}

func TestRecoverSearchAfterCountMismatch(t *testing.T) {
	p := regs(24).Build(regVA)
	e := configured(t, openELF(t, testELF().Put(regOff, p.Blob)), 24, Options{})
	// A build that pads its tables reports one type more than the metadata.
	if !e.Recover(counts{10, 6, 2}) {
		t.Fatalf("Recover failed: %v", e.Err())
	}
	wantResult(t, e, Search, p.Code, p.Meta)

	at := e.Attempts()
	if len(at) != 2 || at[0].Strategy != PlusSearch || !errors.Is(at[0].Err, ErrNotFound) {
		t.Errorf("attempts = %+v", at)
	}
}

func TestRecoverSearchRegistrationStub(t *testing.T) {
	target := regs(24).Build(regVA)
	decoy := regs(24).Build(0x401800)
	stub := fixture.RegistrationStub(0x400800, target.Code, target.Meta, regVA+0x800, 0x400900)

	// Without the stub the shape scan settles on the first consistent
	// record, which is the decoy.
	plain := testELF().Put(0x1800, decoy.Blob).Put(regOff, target.Blob)
	e := configured(t, openELF(t, plain), 24, Options{})
	if !e.Recover(counts{99, 99, 99}) {
		t.Fatalf("Recover failed: %v", e.Err())
	}
	wantResult(t, e, Search, decoy.Code, decoy.Meta)

	withStub := testELF().Put(0x1800, decoy.Blob).Put(regOff, target.Blob).Put(0x800, stub)
	e = configured(t, openELF(t, withStub), 24, Options{})
	if !e.Recover(counts{99, 99, 99}) {
		t.Fatalf("Recover failed: %v", e.Err())
	}
	wantResult(t, e, Search, target.Code, target.Meta)
}

func TestRecoverSymbolSearch(t *testing.T) {
	t.Run("elf", func(t *testing.T) {
		f := testELF().
			Symbol("g_CodeRegistration", regVA+0x100).
			Symbol("g_MetadataRegistration", regVA)
		e := configured(t, openELF(t, f), 24, Options{})
		if !e.Recover(counts{10, 5, 2}) {
			t.Fatalf("Recover failed: %v", e.Err())
		}
		wantResult(t, e, SymbolSearch, regVA+0x100, regVA)
		if n := len(e.Attempts()); n != 3 {
			t.Errorf("%d attempts, want 3", n)
		}
	})
	t.Run("macho", func(t *testing.T) {
		raw := fixture.NewMachO(0x3000).
			Segment("__TEXT", 0x100000000, 0x2000, 0, 0x2000, fixture.ProtR|fixture.ProtX).
			Segment("__DATA", 0x100002000, 0x1000, 0x2000, 0x1000, fixture.ProtR|fixture.ProtW).
			Symbol("_g_CodeRegistration", 0x100002100).
			Symbol("_g_MetadataRegistration", 0x100002000).
			Bytes()
		img, err := loader.NewMachO(raw)
		if err != nil {
			t.Fatal(err)
		}
		e := configured(t, img, 24, Options{})
		if !e.Recover(counts{10, 5, 2}) {
			t.Fatalf("Recover failed: %v", e.Err())
		}
		wantResult(t, e, SymbolSearch, 0x100002100, 0x100002000)
	})
}

func TestRecoverManual(t *testing.T) {
	res := &Scripted{Code: regVA + 0x100, Meta: regVA}
	e := configured(t, openELF(t, testELF()), 24, Options{Resolver: res})
	if !e.Recover(counts{10, 5, 2}) {
		t.Fatalf("Recover failed: %v", e.Err())
	}
	wantResult(t, e, Manual, regVA+0x100, regVA)
	if strings.Join(res.Asked, ",") != "registrations" {
		t.Errorf("asked %v", res.Asked)
	}
}

func TestRecoverManualUnreadable(t *testing.T) {
	res := &Scripted{Code: 0x900000, Meta: regVA}
	e := configured(t, openELF(t, testELF()), 24, Options{Resolver: res})
	if e.Recover(counts{10, 5, 2}) {
		t.Fatal("Recover succeeded with an unmapped CodeRegistration")
	}
	if e.State() != Failed {
		t.Errorf("state = %s", e.State())
	}
	var re *RecoveryError
	if !errors.As(e.Err(), &re) || re.Strategy != Manual {
		t.Fatalf("err = %v", e.Err())
	}
	if !image.IsTranslation(re) {
		t.Errorf("cause is not a translation error: %v", re)
	}
}

func TestRecoverExhausted(t *testing.T) {
	for name, res := range map[string]Resolver{
		"no resolver": nil,
		"no answer":   &Scripted{},
	} {
		t.Run(name, func(t *testing.T) {
			e := configured(t, openELF(t, testELF()), 24, Options{Resolver: res})
			if e.Recover(counts{10, 5, 2}) {
				t.Fatal("Recover succeeded on an empty image")
			}
			var re *RecoveryError
			if !errors.As(e.Err(), &re) || !errors.Is(e.Err(), ErrExhausted) {
				t.Errorf("err = %v", e.Err())
			}
		})
	}
}

func TestConfigure(t *testing.T) {
	img := openELF(t, testELF())
	e := New(img, Options{})
	if e.Recover(counts{1, 1, 1}) {
		t.Fatal("Recover ran unconfigured")
	}
	var ce *ConfigurationError
	if !errors.As(e.Err(), &ce) {
		t.Errorf("unconfigured err = %v", e.Err())
	}

	for _, v := range []layout.Version{0, 15, 32} {
		if err := e.Configure(v, 0); !errors.As(err, &ce) {
			t.Errorf("Configure(%s) = %v", v, err)
		}
	}

	if err := e.Configure(24, 7); err != nil {
		t.Fatal(err)
	}
	e.sizeOf(layout.CodeRegistration)
	e.sizeOf(layout.MetadataRegistration)
	if e.sizes.Len() != 2 {
		t.Fatalf("cached %d sizes, want 2", e.sizes.Len())
	}
	if err := e.Configure(27, 0); err != nil {
		t.Fatal(err)
	}
	if e.sizes.Len() != 0 {
		t.Errorf("reconfigure kept %d cached sizes", e.sizes.Len())
	}
	if d := e.Descriptor(); d.Version != 27 || d.MetadataUsagesCount != 0 {
		t.Errorf("descriptor = %+v", d)
	}
}

func TestTryRecoversPanic(t *testing.T) {
	e := configured(t, openELF(t, testELF()), 24, Options{})
	ok := e.try(Search, func() (uint64, uint64, error) { panic("boom") })
	if ok || e.State() == Resolved {
		t.Fatal("panicking strategy resolved")
	}
	at := e.Attempts()
	if len(at) != 1 || at[0].Err == nil || !strings.Contains(at[0].Err.Error(), "boom") {
		t.Errorf("attempts = %+v", at)
	}
}

func TestRecoverPERetry(t *testing.T) {
	const base = 0x180000000
	build := func(blob []byte) []byte {
		return fixture.NewPE(64, 0x1800).
			Section(".text", 0x1000, 0x400, 0x400, 0x400, fixture.SCNCode).
			Section(".data", 0x2000, 0x1000, 0x800, 0x1000, fixture.SCNData).
			Put(0x800, blob).
			Bytes()
	}
	r := regs(24)
	r.Code = base + 0x1000
	p := r.Build(base + 0x2000)

	file, err := loader.NewPE(build(nil))
	if err != nil {
		t.Fatal(err)
	}
	var loaded string
	opts := Options{
		Path: "GameAssembly.dll",
		PELoader: func(path string) (image.Image, error) {
			loaded = path
			m, err := loader.MapPE(build(p.Blob))
			if err != nil {
				return nil, err
			}
			return m, nil
		},
	}
	e := configured(t, file, 24, opts)
	if !e.Recover(counts{10, 5, 2}) {
		t.Fatalf("Recover failed: %v", e.Err())
	}
	wantResult(t, e, PlusSearch, p.Code, p.Meta)
	if loaded != "GameAssembly.dll" {
		t.Errorf("loader called with %q", loaded)
	}
	at := e.Attempts()
	if len(at) != 2 || at[0].Remapped || !at[1].Remapped {
		t.Errorf("attempts = %+v", at)
	}
	if e.Image() == image.Image(file) || !e.Image().IsDumped() {
		t.Error("engine did not switch to the mapped image")
	}
}

func TestPrepareDump(t *testing.T) {
	const runtimeBase = 0x7100000000
	tests := []struct {
		name       string
		opts       Options
		broken     bool
		wantDumped bool
		wantBase   uint64
		wantOffset uint64 // LOAD1 file offset afterwards
		wantAsked  string
	}{
		{name: "file", opts: Options{Resolver: &Scripted{Base: runtimeBase}}, wantOffset: 0x1000},
		{name: "forced", opts: Options{ForceDump: true, Resolver: &Scripted{Base: runtimeBase}},
			wantDumped: true, wantBase: runtimeBase, wantOffset: 0x401000, wantAsked: "base"},
		{name: "detected", broken: true, opts: Options{Resolver: &Scripted{Base: runtimeBase}},
			wantDumped: true, wantBase: runtimeBase, wantOffset: 0x401000, wantAsked: "base"},
		{name: "base zero", opts: Options{ForceDump: true, Resolver: &Scripted{}},
			wantOffset: 0x1000, wantAsked: "base"},
		{name: "no redirect", opts: Options{ForceDump: true, NoRedirectedPointer: true, Resolver: &Scripted{Base: runtimeBase}},
			wantDumped: true, wantBase: runtimeBase, wantOffset: 0x1000, wantAsked: "base"},
		{name: "no resolver", opts: Options{ForceDump: true}, wantOffset: 0x1000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := testELF()
			f.BrokenSections = tt.broken
			e := configured(t, openELF(t, f), 24, tt.opts)
			if err := e.PrepareDump(); err != nil {
				t.Fatal(err)
			}
			img := e.Image()
			if img.IsDumped() != tt.wantDumped || img.ImageBase() != tt.wantBase {
				t.Errorf("dumped=%v base=0x%x", img.IsDumped(), img.ImageBase())
			}
			if off := img.Sections()[1].Offset; off != tt.wantOffset {
				t.Errorf("LOAD1 offset = 0x%x, want 0x%x", off, tt.wantOffset)
			}
			if s, ok := tt.opts.Resolver.(*Scripted); ok {
				if got := strings.Join(s.Asked, ","); got != tt.wantAsked {
					t.Errorf("asked %q, want %q", got, tt.wantAsked)
				}
			}
		})
	}
}

func TestPrepareDumpMarksOtherFormats(t *testing.T) {
	raw := fixture.NewMachO(0x2000).
		Segment("__TEXT", 0x100000000, 0x1000, 0, 0x1000, fixture.ProtR|fixture.ProtX).
		Segment("__DATA", 0x100001000, 0x1000, 0x1000, 0x1000, fixture.ProtR|fixture.ProtW).
		Bytes()
	img, err := loader.NewMachO(raw)
	if err != nil {
		t.Fatal(err)
	}
	res := &Scripted{Base: 0x7100000000}
	e := configured(t, img, 24, Options{ForceDump: true, Resolver: res})
	if err := e.PrepareDump(); err != nil {
		t.Fatal(err)
	}
	if !img.IsDumped() || img.ImageBase() != 0 || len(res.Asked) != 0 {
		t.Errorf("dumped=%v base=0x%x asked=%v", img.IsDumped(), img.ImageBase(), res.Asked)
	}
}

func TestInit(t *testing.T) {
	md, err := metadata.New(fixture.Metadata{
		Version: 20, TypeDefs: 3, Methods: 2, Images: 1, UsageDestinations: []uint32{0, 1},
	}.Bytes(), metadata.Options{})
	if err != nil {
		t.Fatal(err)
	}
	r := regs(20)
	r.Methods, r.TypeDefs, r.Images, r.Usages = 2, 3, 1, 2
	p := r.Build(regVA)

	e := New(openELF(t, testELF().Put(regOff, p.Blob)), Options{})
	if err := e.Init(md); err != nil {
		t.Fatal(err)
	}
	wantResult(t, e, PlusSearch, p.Code, p.Meta)
	if e.Descriptor().MetadataUsagesCount != 2 {
		t.Errorf("usages = %d", e.Descriptor().MetadataUsagesCount)
	}
	if md.ImageBase != 0 {
		t.Errorf("metadata base set on a file image: 0x%x", md.ImageBase)
	}
}

func TestInitCorrectsMetadataBase(t *testing.T) {
	const handleBase = 0x7200000000
	md, err := metadata.New(fixture.Metadata{
		Version: 27, TypeDefs: 3, Methods: 4, Images: 2,
	}.Bytes(), metadata.Options{})
	if err != nil {
		t.Fatal(err)
	}
	r := fixture.Registrations{
		Version: 27, PtrSize: 8, Methods: 4, TypeDefs: 3, Images: 2,
		Code:                  0x100000800,
		HandleBase:            handleBase,
		TypeDefinitionsOffset: md.TypeDefinitionsOffset(),
	}
	p := r.Build(0x100002000)
	raw := fixture.NewMachO(0x3000).
		Segment("__TEXT", 0x100000000, 0x2000, 0, 0x2000, fixture.ProtR|fixture.ProtX).
		Segment("__DATA", 0x100002000, 0x1000, 0x2000, 0x1000, fixture.ProtR|fixture.ProtW).
		Put(0x2000, p.Blob).
		Bytes()
	img, err := loader.NewMachO(raw)
	if err != nil {
		t.Fatal(err)
	}

	e := New(img, Options{ForceDump: true})
	if err := e.Init(md); err != nil {
		t.Fatal(err)
	}
	wantResult(t, e, PlusSearch, p.Code, p.Meta)
	if md.ImageBase != handleBase {
		t.Errorf("metadata base = 0x%x, want 0x%x", md.ImageBase, uint64(handleBase))
	}
}

func TestInitForcedVersion(t *testing.T) {
	md, err := metadata.New(fixture.Metadata{Version: 24, TypeDefs: 5, Methods: 10, Images: 2}.Bytes(), metadata.Options{})
	if err != nil {
		t.Fatal(err)
	}
	p := regs(27).Build(regVA)
	e := New(openELF(t, testELF().Put(regOff, p.Blob)), Options{Version: 27})
	if err := e.Init(md); err != nil {
		t.Fatal(err)
	}
	wantResult(t, e, PlusSearch, p.Code, p.Meta)
	if v := e.Descriptor().Version; v != 27 {
		t.Errorf("descriptor version = %s", v)
	}
}

func TestInitCorrectionFailure(t *testing.T) {
	md, err := metadata.New(fixture.Metadata{
		Version: 27, TypeDefs: 3, Methods: 4, Images: 2, ByvalTypeIndex: 99,
	}.Bytes(), metadata.Options{})
	if err != nil {
		t.Fatal(err)
	}
	r := fixture.Registrations{
		Version: 27, PtrSize: 8, Methods: 4, TypeDefs: 3, Images: 2,
		Code:                  0x100000800,
		HandleBase:            0x7200000000,
		TypeDefinitionsOffset: md.TypeDefinitionsOffset(),
	}
	p := r.Build(0x100002000)
	img, err := loader.NewMachO(fixture.NewMachO(0x3000).
		Segment("__TEXT", 0x100000000, 0x2000, 0, 0x2000, fixture.ProtR|fixture.ProtX).
		Segment("__DATA", 0x100002000, 0x1000, 0x2000, 0x1000, fixture.ProtR|fixture.ProtW).
		Put(0x2000, p.Blob).
		Bytes())
	if err != nil {
		t.Fatal(err)
	}

	e := New(img, Options{ForceDump: true})
	err = e.Init(md)
	var re *RecoveryError
	if !errors.As(err, &re) || re.Strategy != PlusSearch || !strings.Contains(err.Error(), "byvalTypeIndex 99") {
		t.Fatalf("err = %v", err)
	}
	if e.State() != Failed {
		t.Errorf("state = %s", e.State())
	}
	if md.ImageBase != 0 {
		t.Errorf("metadata base set: 0x%x", md.ImageBase)
	}
}

func TestRecoverCodeRegistrationRevision(t *testing.T) {
	tests := []struct {
		base, rev layout.Version
		field     string
	}{
		{27, 27.1, "genericAdjustorThunks"},
		{29, 29.1, "unresolvedInstanceCallPointers"},
	}
	for _, tt := range tests {
		t.Run(tt.rev.String(), func(t *testing.T) {
			r := regs(tt.rev)
			r.CodeOverride = map[string]uint64{tt.field: regVA + 0x800}
			p := r.Build(regVA)
			e := configured(t, openELF(t, testELF().Put(regOff, p.Blob)), tt.base, Options{})
			if !e.Recover(counts{10, 5, 2}) {
				t.Fatalf("Recover failed: %v", e.Err())
			}
			wantResult(t, e, PlusSearch, p.Code, p.Meta)
			if v := e.Descriptor().Version; v != tt.rev {
				t.Errorf("descriptor version = %s, want %s", v, tt.rev)
			}
		})
	}
}

func TestRecoverKeepsBaseRevision(t *testing.T) {
	p := regs(27).Build(regVA)
	e := configured(t, openELF(t, testELF().Put(regOff, p.Blob)), 27, Options{})
	if !e.Recover(counts{10, 5, 2}) {
		t.Fatalf("Recover failed: %v", e.Err())
	}
	if v := e.Descriptor().Version; v != 27 {
		t.Errorf("descriptor version = %s, want v27", v)
	}

	e = configured(t, openELF(t, testELF()), 29, Options{})
	if e.Recover(counts{10, 5, 2}) {
		t.Fatal("Recover succeeded on an empty image")
	}
	if v := e.Descriptor().Version; v != 29 {
		t.Errorf("descriptor version after failure = %s, want v29", v)
	}
}

func TestReviseAddressedRecord(t *testing.T) {
	r := regs(29.1)
	r.CodeOverride = map[string]uint64{"unresolvedStaticCallPointers": regVA + 0x800}
	p := r.Build(regVA)
	e := configured(t, openELF(t, testELF().Put(regOff, p.Blob)), 29, Options{})
	e.revise(p.Code)
	if v := e.Descriptor().Version; v != 29.1 {
		t.Errorf("revised to %s, want v29.1", v)
	}

	e = configured(t, openELF(t, testELF()), 29, Options{})
	e.revise(0x900000)
	if v := e.Descriptor().Version; v != 29 {
		t.Errorf("unreadable record revised to %s", v)
	}
}

func TestValidPairsRejectsShiftedRecord(t *testing.T) {
	p := regs(27.1).Build(regVA)
	e := configured(t, openELF(t, testELF().Put(regOff, p.Blob)), 27, Options{})
	if e.validCodeRegistration(p.Code+8, -1, 2) {
		t.Error("27.1 record read as v27 from the codeGenModulesCount anchor accepted")
	}
	e = configured(t, openELF(t, testELF().Put(regOff, p.Blob)), 27.1, Options{})
	if !e.validCodeRegistration(p.Code, -1, 2) {
		t.Error("27.1 record rejected at its own revision")
	}
}
