package ioapic_test

import (
	"encoding/binary"
	"testing"

	"core_engine/ioapic"
)

type fakeInjector struct {
	lastAddrLo uint32
	lastData   uint32
	count      int32
	err        error
}

func (f *fakeInjector) SignalMsi(addrLo, addrHi, data, flags, devid uint32) (int32, error) {
	f.lastAddrLo = addrLo
	f.lastData = data
	return f.count, f.err
}

func selectReg(a *ioapic.IoApic, reg uint32) {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, reg)
	a.HandleMMIO(0x00, true, buf)
}

func writeWindow(a *ioapic.IoApic, reg, value uint32) {
	selectReg(a, reg)
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, value)
	a.HandleMMIO(0x10, true, buf)
}

func readWindow(a *ioapic.IoApic, reg uint32) uint32 {
	selectReg(a, reg)
	buf := make([]byte, 4)
	a.HandleMMIO(0x10, false, buf)
	return binary.LittleEndian.Uint32(buf)
}

func TestVersionRegisterIsReadOnly(t *testing.T) {
	inj := &fakeInjector{count: 1}
	a := ioapic.New(inj)

	if v := readWindow(a, 0x01); v != 0x00170011 {
		t.Fatalf("expected version register 0x00170011, got 0x%x", v)
	}
	writeWindow(a, 0x01, 0xDEADBEEF)
	if v := readWindow(a, 0x01); v != 0x00170011 {
		t.Fatalf("version register must be unaffected by writes, got 0x%x", v)
	}
}

func TestRTELowWritePreservesStatusAndIRRBits(t *testing.T) {
	inj := &fakeInjector{count: 1}
	a := ioapic.New(inj)

	// Pin 0 low half at indirect register 0x10, high half at 0x11.
	writeWindow(a, 0x10, 0x00000030) // vector 0x30, unmasked, edge, fixed
	writeWindow(a, 0x11, 0x01000000) // destination field = 1, physical mode

	if err := a.ServiceIrq(0); err != nil {
		t.Fatalf("ServiceIrq failed: %v", err)
	}

	// Guest rewrites the low half completely; bits 12 and 14 (which the
	// device may have set) must survive regardless of what the guest sends.
	writeWindow(a, 0x10, 0xFFFFFFFF)
	low := readWindow(a, 0x10)
	if low&0x1000 != 0 {
		t.Fatalf("expected delivery status bit to stay clear despite the guest writing 1, got 0x%x", low)
	}
	if low&0x4000 != 0 {
		t.Fatalf("expected remote IRR bit to stay clear despite the guest writing 1, got 0x%x", low)
	}
}

func TestServiceIrqSynthesizesExpectedMSI(t *testing.T) {
	inj := &fakeInjector{count: 1}
	a := ioapic.New(inj)

	writeWindow(a, 0x10, 0x00000030) // vector=0x30, not masked, edge, fixed delivery, physical dest mode
	writeWindow(a, 0x11, 0x01000000) // destination field = 0x1

	if err := a.ServiceIrq(0); err != nil {
		t.Fatalf("ServiceIrq failed: %v", err)
	}
	if inj.lastAddrLo != 0xFEE01008 {
		t.Fatalf("expected address_lo 0xFEE01008, got 0x%x", inj.lastAddrLo)
	}
	if inj.lastData != 0x00000030 {
		t.Fatalf("expected data 0x00000030, got 0x%x", inj.lastData)
	}

	low := readWindow(a, 0x10)
	if low&0x1000 != 0 {
		t.Fatal("expected delivery status cleared after successful edge-triggered delivery")
	}
	if low&0x4000 != 0 {
		t.Fatal("expected remote IRR to remain clear for edge-triggered delivery")
	}
}

func TestServiceIrqMaskedPinDoesNothing(t *testing.T) {
	inj := &fakeInjector{count: 1}
	a := ioapic.New(inj)
	// Every pin starts masked; default state must not call into the injector.
	if err := a.ServiceIrq(1); err != nil {
		t.Fatalf("ServiceIrq on masked pin must not error: %v", err)
	}
	if inj.lastData != 0 || inj.lastAddrLo != 0 {
		t.Fatal("masked pin must not submit an MSI")
	}
}

func TestLevelTriggeredSetsRemoteIRRUntilEOI(t *testing.T) {
	inj := &fakeInjector{count: 1}
	a := ioapic.New(inj)

	// vector 0x40, level triggered (bit 15), unmasked, fixed delivery.
	writeWindow(a, 0x14, 0x00008040)
	writeWindow(a, 0x15, 0x02000000)

	if err := a.ServiceIrq(2); err != nil {
		t.Fatalf("ServiceIrq failed: %v", err)
	}
	low := readWindow(a, 0x14)
	if low&0x4000 == 0 {
		t.Fatal("expected remote IRR to be set after level-triggered delivery")
	}

	a.EndOfInterrupt(0x40)
	low = readWindow(a, 0x14)
	if low&0x4000 != 0 {
		t.Fatal("expected EOI to clear remote IRR for the matching vector")
	}
}
