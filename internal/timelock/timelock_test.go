package timelock

import (
	"errors"
	"math"
	"testing"
)

func TestEncodeStageTime(t *testing.T) {
	tests := []struct {
		name       string
		offsets    [NumStages]uint32
		deployedAt uint32
	}{
		{"zero", [NumStages]uint32{}, 0},
		{"original simple", [NumStages]uint32{10, 120, 121, 150, 10, 100, 3600}, 1_700_000_000},
		{"max values", [NumStages]uint32{math.MaxUint32, math.MaxUint32, 1, 2, 3, 4, math.MaxUint32}, math.MaxUint32},
		{"non monotonic", [NumStages]uint32{500, 1, 400, 2, 300, 3, 200}, 42},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tl := Encode(tt.offsets, tt.deployedAt)
			if tl.DeployedAt() != tt.deployedAt {
				t.Errorf("DeployedAt = %d, want %d", tl.DeployedAt(), tt.deployedAt)
			}
			for _, s := range Stages() {
				want := uint64(tt.deployedAt) + uint64(tt.offsets[s])
				if got := tl.StageTime(s); got != want {
					t.Errorf("StageTime(%s) = %d, want %d", s, got, want)
				}
			}
			if tl.Offsets() != tt.offsets {
				t.Errorf("Offsets = %v, want %v", tl.Offsets(), tt.offsets)
			}
		})
	}
}

func TestByteLayout(t *testing.T) {
	tl := Encode([NumStages]uint32{1, 2, 3, 4, 5, 6, 0x01020304}, 0xAABBCCDD)
	if tl[3] != 1 || tl[7] != 2 || tl[23] != 6 {
		t.Errorf("offsets not at index*4 big-endian: %x", tl[:])
	}
	if tl[24] != 0x01 || tl[25] != 0x02 || tl[26] != 0x03 || tl[27] != 0x04 {
		t.Errorf("DstCancellation bytes = %x", tl[24:28])
	}
	if tl[28] != 0xAA || tl[31] != 0xDD {
		t.Errorf("deployedAt bytes = %x", tl[28:])
	}
	want := "0x00000001000000020000000300000004000000050000000601020304aabbccdd"
	if tl.Hex() != want {
		t.Errorf("Hex = %s, want %s", tl.Hex(), want)
	}
}

func TestSetDeployedAtKeepsOffsets(t *testing.T) {
	offsets := [NumStages]uint32{10, 20, 30, 40, 50, 60, 70}
	orig := Encode(offsets, 999)
	updated := orig.SetDeployedAt(1_000_000)

	if updated.DeployedAt() != 1_000_000 {
		t.Errorf("DeployedAt = %d, want 1000000", updated.DeployedAt())
	}
	if updated.Offsets() != offsets {
		t.Errorf("Offsets changed: %v", updated.Offsets())
	}
	if orig.DeployedAt() != 999 {
		t.Errorf("SetDeployedAt mutated receiver: %d", orig.DeployedAt())
	}
}

func TestStageNames(t *testing.T) {
	for _, s := range Stages() {
		parsed, err := ParseStage(s.String())
		if err != nil || parsed != s {
			t.Errorf("ParseStage(%q) = %v, %v", s.String(), parsed, err)
		}
	}
	if s, err := ParseStage("dstwithdrawal"); err != nil || s != DstWithdrawal {
		t.Errorf("ParseStage case-insensitive = %v, %v", s, err)
	}
	if _, err := ParseStage("Nope"); !errors.Is(err, ErrUnknownStage) {
		t.Errorf("ParseStage unknown error = %v", err)
	}
	if Stage(7).Valid() {
		t.Error("Stage(7) should be invalid")
	}
	if Stage(9).String() != "Stage(9)" {
		t.Errorf("Stage(9).String() = %s", Stage(9).String())
	}
}

func TestOffsetPanicsOnInvalidStage(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic for stage 7")
		}
	}()
	var tl Timelocks
	tl.StageTime(Stage(7))
}

func TestFromBytes(t *testing.T) {
	tl := Encode([NumStages]uint32{1, 2, 3, 4, 5, 6, 7}, 8)
	back, err := FromBytes(tl[:])
	if err != nil || back != tl {
		t.Errorf("FromBytes = %x, %v", back, err)
	}
	if _, err := FromBytes(tl[:31]); err == nil {
		t.Error("FromBytes accepted 31 bytes")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		offsets [NumStages]uint32
		wantErr bool
	}{
		{"ordered", [NumStages]uint32{10, 120, 121, 150, 10, 100, 3600}, false},
		{"equal stages", [NumStages]uint32{0, 0, 0, 0, 5, 5, 5}, false},
		{"src cancellation before withdrawal", [NumStages]uint32{100, 120, 50, 150, 10, 100, 3600}, true},
		{"dst cancellation before public", [NumStages]uint32{10, 120, 121, 150, 10, 100, 90}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(Encode(tt.offsets, 1))
			if tt.wantErr != (err != nil) {
				t.Fatalf("Validate error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrNotMonotonic) {
				t.Errorf("Validate error = %v, want ErrNotMonotonic", err)
			}
		})
	}
}
