package fixture

// WasmSegment is one data segment. Passive segments carry no offset.
type WasmSegment struct {
	Offset  int32
	Data    []byte
	Passive bool
	MemIdx  bool // encode with flags=2 and an explicit memory index 0
}

// Wasm serializes a module holding a custom section and one data section.
func Wasm(segs ...WasmSegment) []byte {
	out := []byte{0x00, 'a', 's', 'm', 1, 0, 0, 0}

	custom := append(uleb(4), "name"...)
	out = append(out, 0)
	out = append(out, uleb(uint64(len(custom)))...)
	out = append(out, custom...)

	body := uleb(uint64(len(segs)))
	for _, s := range segs {
		switch {
		case s.Passive:
			body = append(body, 1)
		case s.MemIdx:
			body = append(body, 2, 0, 0x41)
			body = append(body, sleb(int64(s.Offset))...)
			body = append(body, 0x0b)
		default:
			body = append(body, 0, 0x41)
			body = append(body, sleb(int64(s.Offset))...)
			body = append(body, 0x0b)
		}
		body = append(body, uleb(uint64(len(s.Data)))...)
		body = append(body, s.Data...)
	}
	out = append(out, 11)
	out = append(out, uleb(uint64(len(body)))...)
	return append(out, body...)
}

func uleb(v uint64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		out = append(out, b)
		if v == 0 {
			return out
		}
	}
}

func sleb(v int64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		done := (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0)
		if !done {
			b |= 0x80
		}
		out = append(out, b)
		if done {
			return out
		}
	}
}
