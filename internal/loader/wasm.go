package loader

import (
	"encoding/binary"

	"github.com/apex/log"
	"github.com/pkg/errors"

	"unil2cpp/internal/image"
	"unil2cpp/internal/stream"
)

const (
	wasmMagic       = 0x6d736100 // "\0asm"
	wasmDataSection = 11

	opI32Const = 0x41
	opEnd      = 0x0b

	maxWasmMemory = 1 << 31
)

var ErrNotWasm = errors.New("loader: not a WebAssembly module")

// DataSegment is one active data segment placed into linear memory.
type DataSegment struct {
	Offset uint32
	Size   uint32
}

// Wasm is a WebAssembly module. Linear memory is rebuilt from the active
// data segments and exposed as one data section at address zero. Function
// pointers in a wasm build are table indices, so there is no code section.
type Wasm struct {
	*image.Table
	segments []DataSegment
}

// NewWasm parses the module preamble and section list and lays out the
// data section.
func NewWasm(raw []byte) (*Wasm, error) {
	s := stream.New(raw)
	magic, err := s.ReadUint32()
	if err != nil || magic != wasmMagic {
		return nil, &image.FormatError{Format: image.FormatWasm, Msg: "preamble", Err: ErrNotWasm}
	}
	if v, err := s.ReadUint32(); err != nil || v != 1 {
		return nil, image.Formatf(image.FormatWasm, "unsupported version %d", v)
	}

	var data []byte
	for s.Remaining() > 0 {
		id, err := s.ReadByte()
		if err != nil {
			return nil, &image.FormatError{Format: image.FormatWasm, Msg: "section id", Err: err}
		}
		size, err := s.ReadULEB128()
		if err != nil {
			return nil, &image.FormatError{Format: image.FormatWasm, Msg: "section size", Err: err}
		}
		body, err := s.ReadBytes(int(size))
		if err != nil || size > uint64(len(raw)) {
			return nil, image.Formatf(image.FormatWasm, "section %d truncated", id)
		}
		if id == wasmDataSection {
			data = body
		}
	}

	w := &Wasm{}
	mem, err := w.layout(data)
	if err != nil {
		return nil, err
	}
	secs := []image.Section{{
		Name:     "data",
		Addr:     0,
		Offset:   0,
		FileSize: uint64(len(mem)),
		MemSize:  uint64(len(mem)),
		Flags:    image.FlagRead | image.FlagWrite,
	}}
	w.Table = image.NewTable(image.FormatWasm, image.Arch{Bits: 32, ByteOrder: binary.LittleEndian, Machine: "wasm32"}, mem, secs)
	return w, nil
}

// Segments returns the active data segments in declaration order.
func (w *Wasm) Segments() []DataSegment { return append([]DataSegment(nil), w.segments...) }

func (w *Wasm) layout(body []byte) ([]byte, error) {
	if body == nil {
		return nil, image.Formatf(image.FormatWasm, "no data section")
	}
	s := stream.New(body)
	count, err := s.ReadULEB128()
	if err != nil {
		return nil, &image.FormatError{Format: image.FormatWasm, Msg: "data count", Err: err}
	}
	type pending struct {
		off  uint32
		data []byte
	}
	var segs []pending
	var end uint64
	for i := uint64(0); i < count; i++ {
		flags, err := s.ReadULEB128()
		if err != nil {
			return nil, &image.FormatError{Format: image.FormatWasm, Msg: "segment flags", Err: err}
		}
		active := true
		var off int64
		switch flags {
		case 0:
			off, err = constExpr(s)
		case 1:
			active = false
		case 2:
			if _, err = s.ReadULEB128(); err == nil {
				off, err = constExpr(s)
			}
		default:
			return nil, image.Formatf(image.FormatWasm, "segment %d: unknown flags %d", i, flags)
		}
		if err != nil {
			return nil, &image.FormatError{Format: image.FormatWasm, Msg: "segment offset", Err: err}
		}
		n, err := s.ReadULEB128()
		if err != nil {
			return nil, &image.FormatError{Format: image.FormatWasm, Msg: "segment size", Err: err}
		}
		b, err := s.ReadBytes(int(n))
		if err != nil || n > uint64(len(body)) {
			return nil, image.Formatf(image.FormatWasm, "segment %d truncated", i)
		}
		if !active {
			continue
		}
		if off < 0 || uint64(off)+n > maxWasmMemory {
			return nil, image.Formatf(image.FormatWasm, "segment %d at %d out of range", i, off)
		}
		segs = append(segs, pending{uint32(off), b})
		w.segments = append(w.segments, DataSegment{Offset: uint32(off), Size: uint32(n)})
		end = max(end, uint64(off)+n)
	}
	if end == 0 {
		return nil, image.Formatf(image.FormatWasm, "empty linear memory")
	}
	if end > mapLimit(len(body)) {
		return nil, image.Formatf(image.FormatWasm, "linear memory 0x%x too large for 0x%x bytes of data", end, len(body))
	}
	mem := make([]byte, end)
	for _, p := range segs {
		copy(mem[p.off:], p.data)
	}
	log.Debugf("wasm: %d active data segments, linear memory 0x%x bytes", len(segs), end)
	return mem, nil
}

// constExpr reads an `i32.const N; end` initializer.
func constExpr(s *stream.Stream) (int64, error) {
	op, err := s.ReadByte()
	if err != nil {
		return 0, err
	}
	if op != opI32Const {
		return 0, errors.Errorf("unsupported init opcode 0x%02x", op)
	}
	v, err := s.ReadSLEB128()
	if err != nil {
		return 0, err
	}
	if e, err := s.ReadByte(); err != nil || e != opEnd {
		return 0, errors.New("unterminated init expression")
	}
	return int64(int32(v)), nil
}
