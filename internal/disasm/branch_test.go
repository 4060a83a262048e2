package disasm

import "testing"

func TestDecodeBranch_B(t *testing.T) {
	// B #0x100 at PC=0x1000 → target=0x1100
	// imm26 = 0x100/4 = 0x40
	raw := uint32(0x14000000 | 0x40)
	bi := DecodeBranch(raw, 0x1000)
	if bi == nil {
		t.Fatal("expected B")
	}
	if bi.Target != 0x1100 {
		t.Errorf("target = 0x%x, want 0x1100", bi.Target)
	}
	if bi.Link {
		t.Error("B should not link")
	}
}

func TestDecodeBranch_B_Negative(t *testing.T) {
	// B #-0x10 at PC=0x1000 → target=0xFF0
	raw := uint32(0x14000000 | (0x03FFFFFF - 3)) // -4 in 26-bit two's complement
	bi := DecodeBranch(raw, 0x1000)
	if bi == nil {
		t.Fatal("expected B")
	}
	if bi.Target != 0x0FF0 {
		t.Errorf("target = 0x%x, want 0xFF0", bi.Target)
	}
}

func TestDecodeBranch_BL(t *testing.T) {
	raw := uint32(0x94000000 | 0x10)
	bi := DecodeBranch(raw, 0x4000)
	if bi == nil {
		t.Fatal("expected BL")
	}
	if bi.Target != 0x4040 || !bi.Link {
		t.Errorf("got %+v, want target 0x4040 with link", *bi)
	}
}

func TestDecodeBranch_Other(t *testing.T) {
	for _, raw := range []uint32{
		0xD65F03C0, // RET
		0x54000100, // B.EQ
		0xD503201F, // NOP
	} {
		if bi := DecodeBranch(raw, 0x1000); bi != nil {
			t.Errorf("0x%08x: unexpected branch %+v", raw, *bi)
		}
	}
}

func TestSignExtend(t *testing.T) {
	tests := []struct {
		val  uint32
		bits int
		want int32
	}{
		{0x1, 26, 1},
		{0x03FFFFFF, 26, -1},
		{0x02000000, 26, -(1 << 25)},
		{0x100000, 21, -(1 << 20)},
		{0xFFFFF, 21, (1 << 20) - 1},
	}
	for _, tt := range tests {
		if got := signExtend(tt.val, tt.bits); got != tt.want {
			t.Errorf("signExtend(0x%x, %d) = %d, want %d", tt.val, tt.bits, got, tt.want)
		}
	}
}
