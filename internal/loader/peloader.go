package loader

import (
	"os"

	"github.com/apex/log"
	"github.com/pkg/errors"

	"unil2cpp/internal/image"
	"unil2cpp/internal/stream"
)

// ErrLoaderUnsupported is returned by the OS loader on platforms that have
// none; LoadPE then falls back to MapPE.
var ErrLoaderUnsupported = errors.New("loader: OS image loader not available")

// LoadPE maps the PE at path the way the OS loader would and returns the
// in-memory image, marked dumped, with ImageBase set to the load address.
// Where the OS loader is unavailable or refuses the file (wrong bitness),
// the sections are mapped by hand at the preferred base.
func LoadPE(path string) (*PE, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "load pe")
	}
	mem, base, err := osLoad(path)
	if err != nil {
		log.Debugf("pe: OS loader: %v, mapping sections manually", err)
		return MapPE(raw)
	}
	return newMappedPE(mem, base)
}

// MapPE lays the sections of raw out at their RVAs in a buffer of
// SizeOfImage bytes, without relocation or import binding.
func MapPE(raw []byte) (*PE, error) {
	p, err := parsePE(raw)
	if err != nil {
		return nil, err
	}
	if p.sizeOfImage == 0 || uint64(p.sizeOfImage) > min(p.sectionSpan(), mapLimit(len(raw))) {
		return nil, image.Formatf(image.FormatPE, "bad SizeOfImage 0x%x", p.sizeOfImage)
	}
	mem := make([]byte, p.sizeOfImage)
	copy(mem, raw[:min(int(p.headers), len(raw))])
	for _, s := range p.f.Sections {
		if s.Size == 0 || s.VirtualAddress >= p.sizeOfImage {
			continue
		}
		end := min(uint64(s.Offset)+uint64(s.Size), uint64(len(raw)))
		if uint64(s.Offset) >= end {
			continue
		}
		copy(mem[s.VirtualAddress:], raw[s.Offset:end])
	}
	return newMappedPE(mem, p.PreferredBase())
}

// sectionSpan is the end of the last section rounded up to the section
// alignment, the most SizeOfImage can legitimately be.
func (p *PE) sectionSpan() uint64 {
	end := uint64(p.headers)
	for _, s := range p.f.Sections {
		end = max(end, uint64(s.VirtualAddress)+uint64(max(s.VirtualSize, s.Size)))
	}
	return stream.AlignUp(end, max(uint64(p.sectionAlign), 1))
}

func newMappedPE(mem []byte, base uint64) (*PE, error) {
	p, err := parsePE(mem)
	if err != nil {
		return nil, errors.Wrap(err, "mapped image")
	}
	p.Table = image.NewTable(image.FormatPE, p.arch(), mem, p.mappedSections(uint64(len(mem))))
	p.Table.SetImageBase(base)
	p.SetDumped(true)
	return p, nil
}
