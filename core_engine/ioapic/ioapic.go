// Package ioapic emulates the 82093AA I/O Advanced Programmable Interrupt
// Controller: a 24-pin redirection table addressed through a pair of MMIO
// registers, translating legacy pin-level interrupts into message-signalled
// interrupts delivered through the host virtualization facility.
package ioapic

import (
	"encoding/binary"
	"fmt"
	"log"
	"sync"
)

// NumPins is the number of redirection-table entries the 82093AA exposes.
const NumPins = 24

const (
	regIoRegSel = 0x00
	regIoWin    = 0x10

	indirectID          = 0x00
	indirectVersion     = 0x01
	indirectArbitration = 0x02
	indirectRTEBase     = 0x10
	indirectRTELast     = indirectRTEBase + 2*NumPins - 1

	versionRegValue = 0x00170011 // version 0x11, max redirection entry 23
	idWritableMask  = 0x0F000000
)

// MsiInjector is the KVF surface the IoApic calls into to actually deliver a
// synthesised MSI to a vCPU's local APIC.
type MsiInjector interface {
	SignalMsi(addrLo, addrHi, data, flags, devid uint32) (int32, error)
}

// IoApic is the MMIO-addressable redirection-table register file.
type IoApic struct {
	mu       sync.Mutex
	id       uint32
	regSel   uint32
	entries  [NumPins]rte
	injector MsiInjector
}

// New returns an IoApic with every pin masked and idle, delivering MSIs
// through injector.
func New(injector MsiInjector) *IoApic {
	a := &IoApic{injector: injector}
	for i := range a.entries {
		a.entries[i] = rte(1 << rteMaskBit)
	}
	return a
}

// HandleMMIO dispatches a 4-byte access at offset (relative to the IoApic's
// MMIO base) to the IOREGSEL or IOWIN register.
func (a *IoApic) HandleMMIO(offset uint64, isWrite bool, data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(data) != 4 {
		return fmt.Errorf("ioapic: only 4-byte accesses are supported (got %d bytes)", len(data))
	}

	switch offset {
	case regIoRegSel:
		if isWrite {
			a.regSel = binary.LittleEndian.Uint32(data)
		} else {
			binary.LittleEndian.PutUint32(data, a.regSel)
		}
	case regIoWin:
		if isWrite {
			a.writeIndirect(binary.LittleEndian.Uint32(data))
		} else {
			binary.LittleEndian.PutUint32(data, a.readIndirect())
		}
	default:
		log.Printf("ioapic: unrecognized mmio offset 0x%x", offset)
		if !isWrite {
			binary.LittleEndian.PutUint32(data, 0)
		}
	}
	return nil
}

func (a *IoApic) writeIndirect(v uint32) {
	switch {
	case a.regSel == indirectID:
		a.id = v & idWritableMask
	case a.regSel == indirectVersion || a.regSel == indirectArbitration:
		// read-only
	case a.regSel >= indirectRTEBase && a.regSel <= indirectRTELast:
		pin := (a.regSel - indirectRTEBase) / 2
		if (a.regSel-indirectRTEBase)%2 == 0 {
			a.entries[pin] = a.entries[pin].writeLow(v)
		} else {
			a.entries[pin] = a.entries[pin].writeHigh(v)
		}
	default:
		log.Printf("ioapic: write to unknown indirect register 0x%x", a.regSel)
	}
}

func (a *IoApic) readIndirect() uint32 {
	switch {
	case a.regSel == indirectID:
		return a.id
	case a.regSel == indirectVersion:
		return versionRegValue
	case a.regSel == indirectArbitration:
		return a.id
	case a.regSel >= indirectRTEBase && a.regSel <= indirectRTELast:
		pin := (a.regSel - indirectRTEBase) / 2
		if (a.regSel-indirectRTEBase)%2 == 0 {
			return a.entries[pin].low()
		}
		return a.entries[pin].high()
	default:
		log.Printf("ioapic: read from unknown indirect register 0x%x", a.regSel)
		return 0
	}
}

// ServiceIrq is invoked when an external device raises pin i, synthesising
// and submitting an MSI per the programmed RTE.
func (a *IoApic) ServiceIrq(pin int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if pin < 0 || pin >= NumPins {
		return fmt.Errorf("ioapic: pin %d out of range", pin)
	}
	e := a.entries[pin]
	if e.masked() {
		return nil
	}

	destMode := e.destMode()
	if !destMode.valid() {
		return ErrInvalidDestinationMode
	}
	trigger := e.triggerMode()
	if !trigger.valid() {
		return ErrInvalidTriggerMode
	}
	delivery := e.delivery()
	if !delivery.valid() {
		return ErrInvalidDeliveryMode
	}

	destID := e.destinationID()
	const redirectionHint = 1
	addrLo := uint32(0xFEE00000) | (uint32(destID) << 12) | (redirectionHint << 3) | (uint32(destMode) << 2)

	var remoteIRRBit uint32
	if e.remoteIRR() {
		remoteIRRBit = 1
	}
	data := (uint32(trigger) << 15) | (remoteIRRBit << 14) | (uint32(delivery) << 8) | uint32(e.vector())

	a.entries[pin] = e.withDeliveryStatus(true)

	count, err := a.injector.SignalMsi(addrLo, 0, data, 0, uint32(pin))
	if err != nil {
		return &InterruptFailedError{Err: err}
	}
	if count <= 0 {
		log.Printf("ioapic: MSI for pin %d blocked by guest (vector 0x%x)", pin, e.vector())
		return nil
	}

	updated := a.entries[pin].withDeliveryStatus(false)
	if trigger == TriggerLevel {
		updated = updated.withRemoteIRR(true)
	}
	a.entries[pin] = updated
	return nil
}

// RaiseIRQ is ServiceIrq under the RaiseIRQ(line) naming convention of
// legacy PIC-style interrupt sinks, so a device front-end written against
// that call shape can target the IoApic unchanged.
func (a *IoApic) RaiseIRQ(pin int) error { return a.ServiceIrq(pin) }

// EndOfInterrupt acknowledges vector vec: every level-triggered RTE
// programmed with that vector has its remote IRR cleared, re-arming the pin.
func (a *IoApic) EndOfInterrupt(vec uint8) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i, e := range a.entries {
		if e.triggerMode() == TriggerLevel && e.vector() == vec {
			a.entries[i] = e.withRemoteIRR(false)
		}
	}
}
