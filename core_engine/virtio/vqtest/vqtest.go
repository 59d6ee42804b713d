// Package vqtest is a small guest-side ring builder used only by tests: it
// plays the role of the driver, writing descriptor tables and available/used
// rings directly into a guestmem.GuestMemory the way a real guest kernel
// would, so the device-side virtio.Queue code can be exercised without a
// running VM.
package vqtest

import (
	"core_engine/guestmem"
	"core_engine/virtio"
)

// VirtqDesc is the guest-side handle for writing a single descriptor table
// entry.
type VirtqDesc struct {
	mem   *guestmem.GuestMemory
	base  uint64
	index uint16
}

// Set writes all four descriptor fields.
func (d *VirtqDesc) Set(addr uint64, length uint32, flags, next uint16) {
	off := d.base + uint64(d.index)*16
	d.mem.WriteUint64(off, addr)
	d.mem.WriteUint32(off+8, length)
	d.mem.WriteUint16(off+12, flags)
	d.mem.WriteUint16(off+14, next)
}

// VirtqRing is the guest-side handle for the available or used ring.
type VirtqRing struct {
	mem  *guestmem.GuestMemory
	base uint64
	size uint16
}

// SetFlags sets the ring's flags word.
func (r *VirtqRing) SetFlags(flags uint16) { r.mem.WriteUint16(r.base, flags) }

// SetIdx publishes the ring's idx field.
func (r *VirtqRing) SetIdx(idx uint16) { r.mem.WriteUint16(r.base+2, idx) }

// SetAvailEntry writes the ring[pos] slot of an available ring.
func (r *VirtqRing) SetAvailEntry(pos, descIndex uint16) {
	r.mem.WriteUint16(r.base+4+uint64(pos)*2, descIndex)
}

// SetUsedEntry writes the ring[pos] slot (id, len) of a used ring.
func (r *VirtqRing) SetUsedEntry(pos uint16, id, length uint32) {
	off := r.base + 4 + uint64(pos)*8
	r.mem.WriteUint32(off, id)
	r.mem.WriteUint32(off+4, length)
}

// SetAvailEvent writes the trailing avail_event slot of a used ring.
func (r *VirtqRing) SetAvailEvent(size uint16, value uint16) {
	r.mem.WriteUint16(r.base+4+uint64(size)*8, value)
}

// SetUsedEvent writes the trailing used_event slot of an available ring.
func (r *VirtqRing) SetUsedEvent(size uint16, value uint16) {
	r.mem.WriteUint16(r.base+4+uint64(size)*2, value)
}

// VirtQueue lays out one complete split virtqueue (descriptor table,
// available ring, used ring) contiguously in guest memory starting at base,
// and hands back a configured virtio.Queue pointed at it.
type VirtQueue struct {
	Mem       *guestmem.GuestMemory
	Desc      []VirtqDesc
	Avail     VirtqRing
	Used      VirtqRing
	DescAddr  uint64
	AvailAddr uint64
	UsedAddr  uint64
	size      uint16
}

// New lays out a queue of the given size starting at base and returns its
// guest-side handles.
func New(mem *guestmem.GuestMemory, base uint64, size uint16) *VirtQueue {
	descAddr := base
	descTableLen := uint64(size) * 16
	availAddr := (descAddr + descTableLen + 1) &^ 1
	availLen := 4 + uint64(size)*2 + 2
	usedAddr := (availAddr + availLen + 3) &^ 3

	descs := make([]VirtqDesc, size)
	for i := range descs {
		descs[i] = VirtqDesc{mem: mem, base: descAddr, index: uint16(i)}
	}

	return &VirtQueue{
		Mem:       mem,
		Desc:      descs,
		Avail:     VirtqRing{mem: mem, base: availAddr, size: size},
		Used:      VirtqRing{mem: mem, base: usedAddr, size: size},
		DescAddr:  descAddr,
		AvailAddr: availAddr,
		UsedAddr:  usedAddr,
		size:      size,
	}
}

// Queue builds a virtio.Queue wired to this layout, marked ready.
func (v *VirtQueue) Queue() *virtio.Queue {
	q := virtio.NewQueue(v.size)
	q.DescTable = v.DescAddr
	q.AvailRing = v.AvailAddr
	q.UsedRing = v.UsedAddr
	q.Size = v.size
	q.Ready = true
	return q
}
