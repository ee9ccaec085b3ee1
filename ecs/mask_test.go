package ecs

import "testing"

func TestMaskSetHasClear(t *testing.T) {
	var m Mask
	for _, bit := range []uint8{0, 1, 63, 64, 127, 200, 255} {
		if m.has(bit) {
			t.Fatalf("zero mask has bit %d", bit)
		}
		m = m.with(bit)
		if !m.has(bit) {
			t.Fatalf("bit %d not set", bit)
		}
	}
	if m.onesCount() != 7 {
		t.Fatalf("expected 7 bits, got %d", m.onesCount())
	}
	m = m.without(64)
	if m.has(64) {
		t.Fatal("bit 64 still set after without")
	}
}

func TestMaskContainsAllIntersects(t *testing.T) {
	a := Mask{}.with(1).with(70).with(250)
	sub := Mask{}.with(1).with(250)
	other := Mask{}.with(2)

	if !a.containsAll(sub) {
		t.Fatal("a should contain sub")
	}
	if sub.containsAll(a) {
		t.Fatal("sub should not contain a")
	}
	if a.intersects(other) {
		t.Fatal("a should not intersect other")
	}
	if !a.intersects(sub) {
		t.Fatal("a should intersect sub")
	}
	if !a.containsAll(Mask{}) {
		t.Fatal("every mask contains the empty mask")
	}
}

func TestMaskCompareOrdersNumerically(t *testing.T) {
	low := Mask{}.with(0)
	mid := Mask{}.with(63)
	high := Mask{}.with(64)
	top := Mask{}.with(255)

	ordered := []Mask{{}, low, mid, high, top}
	for i := 0; i < len(ordered)-1; i++ {
		if ordered[i].compare(ordered[i+1]) >= 0 {
			t.Fatalf("mask %d should sort before mask %d", i, i+1)
		}
		if ordered[i+1].compare(ordered[i]) <= 0 {
			t.Fatalf("mask %d should sort after mask %d", i+1, i)
		}
	}
	if low.compare(low) != 0 {
		t.Fatal("mask should compare equal to itself")
	}
}

func TestMaskBytesRoundTrip(t *testing.T) {
	m := Mask{}.with(3).with(64).with(129).with(255)
	got := MaskFromBytes(m.Bytes())
	if got != m {
		t.Fatalf("round trip mismatch: %v != %v", got, m)
	}
}

func TestMaskEachBitAscending(t *testing.T) {
	m := Mask{}.with(200).with(5).with(64)
	var bits []uint8
	m.eachBit(func(b uint8) { bits = append(bits, b) })
	want := []uint8{5, 64, 200}
	if len(bits) != len(want) {
		t.Fatalf("expected %d bits, got %d", len(want), len(bits))
	}
	for i := range want {
		if bits[i] != want[i] {
			t.Fatalf("bit %d: expected %d, got %d", i, want[i], bits[i])
		}
	}
}
