package guestmem

import "testing"

func newTestMemory(size int) *GuestMemory {
	return New(Region{Base: 0, Data: make([]byte, size)})
}

func TestAddressInRange(t *testing.T) {
	m := newTestMemory(0x10000)

	if !m.AddressInRange(0) {
		t.Fatal("expected base address to be in range")
	}
	if m.AddressInRange(0x10000) {
		t.Fatal("one past the end must not be in range")
	}
	if m.AddressInRange(0x20000) {
		t.Fatal("unmapped address must not be in range")
	}
}

func TestCheckedOffset(t *testing.T) {
	m := newTestMemory(0x1000)

	addr, ok := m.CheckedOffset(0x100, 0x10)
	if !ok || addr != 0x110 {
		t.Fatalf("expected 0x110, got 0x%x ok=%v", addr, ok)
	}

	if _, ok := m.CheckedOffset(0xff0, 0x100); ok {
		t.Fatal("offset leaving mapped region must fail")
	}
}

func TestReadWriteRoundTrip(t *testing.T) {
	m := newTestMemory(0x1000)

	if err := m.WriteUint16(0x10, 0xBEEF); err != nil {
		t.Fatal(err)
	}
	v, err := m.ReadUint16(0x10)
	if err != nil {
		t.Fatal(err)
	}
	if v != 0xBEEF {
		t.Fatalf("expected 0xBEEF, got 0x%x", v)
	}

	if err := m.WriteUint64(0x20, 0x0102030405060708); err != nil {
		t.Fatal(err)
	}
	raw, err := m.Read(0x20, 8)
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{0x08, 0x07, 0x06, 0x05, 0x04, 0x03, 0x02, 0x01}
	for i := range want {
		if raw[i] != want[i] {
			t.Fatalf("byte %d: expected 0x%x, got 0x%x (little-endian mismatch)", i, want[i], raw[i])
		}
	}
}

func TestOutOfRangeErrors(t *testing.T) {
	m := newTestMemory(0x100)

	if _, err := m.ReadUint32(0xfe); err == nil {
		t.Fatal("expected error reading across the end of mapped memory")
	}
	if err := m.WriteUint32(0x200, 1); err == nil {
		t.Fatal("expected error writing to an unmapped address")
	}
}

func TestMultipleRegions(t *testing.T) {
	m := New(
		Region{Base: 0, Data: make([]byte, 0x1000)},
		Region{Base: 0x10000, Data: make([]byte, 0x1000)},
	)

	if !m.AddressInRange(0x10500) {
		t.Fatal("expected second region to be addressable")
	}
	if m.AddressInRange(0x5000) {
		t.Fatal("gap between regions must not be addressable")
	}
}
