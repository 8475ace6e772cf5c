package bitfield

import "testing"

func TestNewSizeRounding(t *testing.T) {
	cases := []struct {
		nBits     int
		wantBytes int
	}{
		{0, 0},
		{1, 1},
		{7, 1},
		{8, 1},
		{9, 2},
		{16, 2},
		{17, 3},
	}

	for _, tc := range cases {
		bf := New(tc.nBits)
		if got := len(bf); got != tc.wantBytes {
			t.Fatalf("New(%d) bytes = %d; want %d", tc.nBits, got, tc.wantBytes)
		}
	}
}

func TestSetHasClearAndBounds(t *testing.T) {
	bf := New(10) // 2 bytes

	if bf.Has(-1) || bf.Has(100) {
		t.Fatalf("Has out-of-range should be false")
	}

	idxs := []int{0, 7, 8, 9}
	for _, i := range idxs {
		bf.Set(i)
	}
	for _, i := range idxs {
		if !bf.Has(i) {
			t.Fatalf("bit %d should be set", i)
		}
	}

	bf.Clear(7)
	if bf.Has(7) {
		t.Fatalf("bit 7 should be cleared")
	}

	bf.Set(100)
	bf.Clear(-42)
	for _, i := range []int{0, 8, 9} {
		if !bf.Has(i) {
			t.Fatalf("out-of-range op corrupted bit %d", i)
		}
	}
}

func TestCountAndEquals(t *testing.T) {
	a := New(16)
	a.Set(0)
	a.Set(15)

	if got := a.Count(); got != 2 {
		t.Fatalf("Count() = %d; want 2", got)
	}

	b := FromBytes(a.Bytes())
	if !a.Equals(b) {
		t.Fatalf("Equals() should hold for a copy")
	}

	b.Set(1)
	if a.Equals(b) {
		t.Fatalf("Equals() should not hold after divergence")
	}
}

func TestExpectedByteLen(t *testing.T) {
	cases := map[int]int{0: 0, 1: 1, 8: 1, 9: 2, 16: 2}
	for n, want := range cases {
		if got := ExpectedByteLen(n); got != want {
			t.Fatalf("ExpectedByteLen(%d) = %d; want %d", n, got, want)
		}
	}
}

func TestString(t *testing.T) {
	bf := New(8)
	bf.Set(0)
	bf.Set(7)

	if got, want := bf.String(), "10000001"; got != want {
		t.Fatalf("String() = %q; want %q", got, want)
	}
}
