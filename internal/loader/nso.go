package loader

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"

	"github.com/apex/log"
	"github.com/lunixbochs/struc"
	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"

	"unil2cpp/internal/image"
	"unil2cpp/internal/stream"
)

const (
	nsoMagic      = 0x304f534e // "NSO0"
	nsoHeaderSize = 0x100
)

const (
	nsoTextCompressed = 1 << iota
	nsoRodataCompressed
	nsoDataCompressed
	nsoTextHash
	nsoRodataHash
	nsoDataHash
)

type nsoHeader struct {
	Magic            uint32
	Version          uint32
	Reserved         uint32
	Flags            uint32
	TextFileOffset   uint32
	TextMemOffset    uint32
	TextSize         uint32
	ModuleNameOffset uint32
	RoFileOffset     uint32
	RoMemOffset      uint32
	RoSize           uint32
	ModuleNameSize   uint32
	DataFileOffset   uint32
	DataMemOffset    uint32
	DataSize         uint32
	BssSize          uint32
	ModuleID         [32]byte
	TextFileSize     uint32
	RoFileSize       uint32
	DataFileSize     uint32
	Reserved2        [28]byte
	APIInfoOffset    uint32
	APIInfoSize      uint32
	DynStrOffset     uint32
	DynStrSize       uint32
	DynSymOffset     uint32
	DynSymSize       uint32
	TextHash         [32]byte
	RoHash           [32]byte
	DataHash         [32]byte
}

type nsoSegment struct {
	name       string
	fileOffset uint32
	memOffset  uint32
	size       uint32
	fileSize   uint32
	compressed bool
	checkHash  bool
	hash       [32]byte
	flags      image.SectionFlags
}

// NSO is a Switch executable. Its segments are decompressed into one flat
// memory image at load time.
type NSO struct {
	*image.Table
	hdr nsoHeader
	mem []byte
}

// NewNSO parses the header, decompresses every segment and verifies the
// segment hashes the header asks for.
func NewNSO(raw []byte) (*NSO, error) {
	h, err := parseNSOHeader(raw)
	if err != nil {
		return nil, err
	}
	n := &NSO{hdr: h}
	mem, err := n.decompress(raw)
	if err != nil {
		return nil, err
	}
	n.mem = mem
	n.Table = image.NewTable(image.FormatNSO, image.Arch{Bits: 64, ByteOrder: binary.LittleEndian, Machine: "arm64"}, mem, n.sections())
	return n, nil
}

// Decompress materializes the flat memory image of an NSO file: every
// segment at its memory offset, followed by zeroed .bss.
func Decompress(raw []byte) ([]byte, error) {
	h, err := parseNSOHeader(raw)
	if err != nil {
		return nil, err
	}
	return (&NSO{hdr: h}).decompress(raw)
}

func parseNSOHeader(raw []byte) (nsoHeader, error) {
	var h nsoHeader
	if len(raw) < nsoHeaderSize {
		return h, image.Formatf(image.FormatNSO, "short header (%d bytes)", len(raw))
	}
	if err := struc.UnpackWithOrder(bytes.NewReader(raw[:nsoHeaderSize]), &h, binary.LittleEndian); err != nil {
		return h, &image.FormatError{Format: image.FormatNSO, Msg: "header", Err: err}
	}
	if h.Magic != nsoMagic {
		return h, image.Formatf(image.FormatNSO, "bad magic 0x%x", h.Magic)
	}
	return h, nil
}

func (n *NSO) segments() []nsoSegment {
	h := n.hdr
	return []nsoSegment{
		{".text", h.TextFileOffset, h.TextMemOffset, h.TextSize, h.TextFileSize, h.Flags&nsoTextCompressed != 0, h.Flags&nsoTextHash != 0, h.TextHash, image.FlagRead | image.FlagExec},
		{".rodata", h.RoFileOffset, h.RoMemOffset, h.RoSize, h.RoFileSize, h.Flags&nsoRodataCompressed != 0, h.Flags&nsoRodataHash != 0, h.RoHash, image.FlagRead},
		{".data", h.DataFileOffset, h.DataMemOffset, h.DataSize, h.DataFileSize, h.Flags&nsoDataCompressed != 0, h.Flags&nsoDataHash != 0, h.DataHash, image.FlagRead | image.FlagWrite},
	}
}

// stored is the segment's length in the file.
func (s nsoSegment) stored() uint32 {
	if s.compressed {
		return s.fileSize
	}
	return s.size
}

func (n *NSO) decompress(raw []byte) ([]byte, error) {
	h := n.hdr
	total := uint64(h.DataMemOffset) + uint64(h.DataSize) + uint64(h.BssSize)
	if total == 0 || total > mapLimit(len(raw)) {
		return nil, image.Formatf(image.FormatNSO, "bad image size 0x%x for a 0x%x byte file", total, len(raw))
	}
	segs := n.segments()
	for _, s := range segs {
		if uint64(s.memOffset)+uint64(s.size) > total {
			return nil, image.Formatf(image.FormatNSO, "%s exceeds image", s.name)
		}
		if uint64(s.fileOffset)+uint64(s.stored()) > uint64(len(raw)) {
			return nil, image.Formatf(image.FormatNSO, "%s data out of range", s.name)
		}
	}
	mem := make([]byte, total)
	for _, s := range segs {
		dst := mem[s.memOffset : s.memOffset+s.size]
		src := raw[s.fileOffset : uint64(s.fileOffset)+uint64(s.stored())]
		if s.compressed {
			got, err := lz4.UncompressBlock(src, dst)
			if err != nil {
				return nil, &image.FormatError{Format: image.FormatNSO, Msg: s.name + " decompress", Err: err}
			}
			if got != int(s.size) {
				return nil, image.Formatf(image.FormatNSO, "%s: decompressed 0x%x bytes, want 0x%x", s.name, got, s.size)
			}
		} else {
			copy(dst, src)
		}
		if s.checkHash {
			if sum := sha256.Sum256(dst); sum != s.hash {
				return nil, image.Formatf(image.FormatNSO, "%s hash mismatch", s.name)
			}
		}
		log.Debugf("nso: %s mem=0x%x size=0x%x compressed=%v", s.name, s.memOffset, s.size, s.compressed)
	}
	return mem, nil
}

func (n *NSO) sections() []image.Section {
	var out []image.Section
	for _, s := range n.segments() {
		out = append(out, image.Section{
			Name:     s.name,
			Offset:   uint64(s.memOffset),
			Addr:     uint64(s.memOffset),
			FileSize: uint64(s.size),
			MemSize:  uint64(s.size),
			Flags:    s.flags,
		})
	}
	if bss := uint64(n.hdr.BssSize); bss > 0 {
		at := uint64(n.hdr.DataMemOffset) + uint64(n.hdr.DataSize)
		out = append(out, image.Section{Name: ".bss", Offset: at, Addr: at, FileSize: bss, MemSize: bss, Flags: image.FlagRead | image.FlagWrite})
	}
	return out
}

// Symbols reads the dynamic symbol table referenced from the header. Its
// offsets are relative to the start of .rodata.
func (n *NSO) Symbols() ([]image.Symbol, error) {
	h := n.hdr
	if h.DynSymSize == 0 || h.DynStrSize == 0 {
		return nil, nil
	}
	ro := uint64(h.RoMemOffset)
	symAt, strAt := ro+uint64(h.DynSymOffset), ro+uint64(h.DynStrOffset)
	if symAt+uint64(h.DynSymSize) > uint64(len(n.mem)) || strAt+uint64(h.DynStrSize) > uint64(len(n.mem)) {
		return nil, errors.New("nso: dynsym out of range")
	}
	strs := n.mem[strAt : strAt+uint64(h.DynStrSize)]
	s := stream.New(n.mem[symAt : symAt+uint64(h.DynSymSize)])
	var out []image.Symbol
	for s.Remaining() >= 24 {
		name, _ := s.ReadUint32()
		s.Skip(4) // info, other, shndx
		value, _ := s.ReadUint64()
		size, _ := s.ReadUint64()
		if value == 0 || int(name) >= len(strs) {
			continue
		}
		str := stream.New(strs)
		str.SetPosition(int(name))
		if nm, err := str.ReadCString(); err == nil && nm != "" {
			out = append(out, image.Symbol{Name: nm, Value: value, Size: size})
		}
	}
	return out, nil
}
