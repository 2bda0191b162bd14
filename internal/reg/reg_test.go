package reg

import "testing"

func TestGeneralPurpose(t *testing.T) {
	var r GeneralPurpose
	if r.Get() != 0 {
		t.Fatalf("fresh register reads %#x, want 0", r.Get())
	}
	r.Set(0xDEADBEEF)
	if r.Get() != 0xDEADBEEF {
		t.Fatalf("register reads %#x, want 0xDEADBEEF", r.Get())
	}
	r.SetBit(0, false)
	if r.Get() != 0xDEADBEEE {
		t.Fatalf("register reads %#x after clearing bit 0", r.Get())
	}
	r.SetBit(28, true)
	if !r.Bit(28) {
		t.Fatal("bit 28 not set")
	}
}

func TestZeroDiscardsWrites(t *testing.T) {
	var z Zero
	z.Set(0xFFFFFFFF)
	z.SetBit(5, true)
	if z.Get() != 0 {
		t.Fatalf("zero register reads %#x, want 0", z.Get())
	}
	if z.Bit(5) {
		t.Fatal("zero register has a bit set")
	}
}

func TestReadOnly(t *testing.T) {
	r := NewReadOnly(0x12345678)
	r.Set(0)
	r.SetBit(0, true)
	if r.Get() != 0x12345678 {
		t.Fatalf("read-only register reads %#x, want 0x12345678", r.Get())
	}
	if !r.Bit(28) || r.Bit(0) {
		t.Fatal("read-only bit view does not match constant")
	}
}
