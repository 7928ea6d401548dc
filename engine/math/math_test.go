package math

import (
	m "math"
	"testing"
)

func TestAlignUp(t *testing.T) {
	tests := []struct {
		v, align, want uint32
	}{
		{0, 64, 0},
		{1, 64, 64},
		{64, 64, 64},
		{65, 64, 128},
		{56, 32, 64},
		{7, 0, 7},
	}
	for _, tt := range tests {
		if got := AlignUp(tt.v, tt.align); got != tt.want {
			t.Errorf("AlignUp(%d, %d) = %d, want %d", tt.v, tt.align, got, tt.want)
		}
	}
}

func TestClamp(t *testing.T) {
	if got := Clamp(5, 0, 3); got != 3 {
		t.Errorf("Clamp(5, 0, 3) = %d, want 3", got)
	}
	if got := Clamp(-1.5, 0.0, 1.0); got != 0 {
		t.Errorf("Clamp(-1.5, 0, 1) = %v, want 0", got)
	}
}

func TestAffineCarriesTranslation(t *testing.T) {
	m := NewMat4Scale(NewVec3(2, 2, 2)).Mul(NewMat4Translation(NewVec3(1, 2, 3)))
	a := m.Affine()
	want := Affine3x4{
		2, 0, 0, 1,
		0, 2, 0, 2,
		0, 0, 2, 3,
	}
	if a != want {
		t.Errorf("Affine() = %v, want %v", a, want)
	}
}

func TestEulerYQuarterTurn(t *testing.T) {
	a := NewMat4EulerY(float32(m.Pi / 2)).Affine()
	// x maps onto -z: the first column of the 3x4 is (0, 0, -1).
	if abs(a[0]) > 1e-6 || abs(a[4]) > 1e-6 || abs(a[8]+1) > 1e-6 {
		t.Errorf("first column = (%v, %v, %v), want (0, 0, -1)", a[0], a[4], a[8])
	}
	if a[3] != 0 || a[7] != 0 || a[11] != 0 {
		t.Errorf("rotation carries a translation: %v", a)
	}
}

func abs(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}
