package virtio

import (
	"log"

	"core_engine/guestmem"
)

// Queue is the device-side view of one split virtqueue: its negotiated
// geometry (size, ring addresses) plus the two cursors (next_avail,
// next_used) that track how far the device has consumed/produced against
// the driver.
type Queue struct {
	maxSize uint16

	Size      uint16
	Ready     bool
	Vector    uint16
	DescTable uint64
	AvailRing uint64
	UsedRing  uint64

	NextAvail uint16
	NextUsed  uint16

	remap    IommuRemap
	eventIdx bool

	signalledUsed    uint16
	hasSignalledUsed bool
}

// NewQueue returns a queue with the given maximum (negotiated-at-reset) size.
func NewQueue(maxSize uint16) *Queue {
	return &Queue{maxSize: maxSize, Size: maxSize}
}

// MaxSize returns the queue's ceiling size, fixed at construction.
func (q *Queue) MaxSize() uint16 { return q.maxSize }

// ActualSize returns the smaller of the driver-negotiated size and maxSize.
func (q *Queue) ActualSize() uint16 {
	if q.Size < q.maxSize {
		return q.Size
	}
	return q.maxSize
}

// SetIommuRemap installs an address-translation callback applied to ring
// base addresses and descriptor buffer addresses alike.
func (q *Queue) SetIommuRemap(remap IommuRemap) { q.remap = remap }

// SetEventIdx turns VIRTIO_F_RING_EVENT_IDX notification suppression on or
// off, resetting the signalled-used bookkeeping used to compute it.
func (q *Queue) SetEventIdx(enabled bool) {
	q.hasSignalledUsed = false
	q.eventIdx = enabled
}

// Enable transitions the queue to the ready state, remapping its ring base
// addresses through the IOMMU callback if one is installed. Disabling clears
// the ring addresses so a stale queue can't be walked accidentally.
func (q *Queue) Enable(ready bool) {
	q.Ready = ready
	if !ready {
		q.DescTable, q.AvailRing, q.UsedRing = 0, 0, 0
		return
	}
	if q.remap == nil {
		return
	}
	if a, err := q.remap(q.DescTable); err == nil {
		q.DescTable = a
	}
	if a, err := q.remap(q.AvailRing); err == nil {
		q.AvailRing = a
	}
	if a, err := q.remap(q.UsedRing); err == nil {
		q.UsedRing = a
	}
}

// Reset restores the queue to its power-up state.
func (q *Queue) Reset() {
	q.Ready = false
	q.Size = q.maxSize
	q.Vector = 0
	q.DescTable, q.AvailRing, q.UsedRing = 0, 0, 0
	q.NextAvail = 0
	q.NextUsed = 0
	q.eventIdx = false
	q.signalledUsed = 0
	q.hasSignalledUsed = false
}

func fits(mem *guestmem.GuestMemory, base, size uint64) bool {
	_, ok := mem.CheckedOffset(base, size)
	return ok
}

// IsValid reports whether the queue's current geometry is safe to iterate:
// ready, a power-of-two size within bounds, every ring fully mapped, and
// each ring address aligned per the VIRTIO 1.0 split-ring layout.
func (q *Queue) IsValid(mem *guestmem.GuestMemory) bool {
	size := uint64(q.ActualSize())
	descTableSize := 16 * size
	availRingSize := 6 + 2*size
	usedRingSize := 6 + 8*size

	switch {
	case !q.Ready:
		log.Printf("virtio: attempt to use a queue that is not ready")
		return false
	case q.Size > q.maxSize || q.Size == 0 || q.Size&(q.Size-1) != 0:
		log.Printf("virtio: queue has invalid size %d", q.Size)
		return false
	case !fits(mem, q.DescTable, descTableSize):
		log.Printf("virtio: descriptor table goes out of bounds")
		return false
	case !fits(mem, q.AvailRing, availRingSize):
		log.Printf("virtio: available ring goes out of bounds")
		return false
	case !fits(mem, q.UsedRing, usedRingSize):
		log.Printf("virtio: used ring goes out of bounds")
		return false
	case q.DescTable&0xf != 0:
		log.Printf("virtio: descriptor table breaks alignment constraints")
		return false
	case q.AvailRing&0x1 != 0:
		log.Printf("virtio: available ring breaks alignment constraints")
		return false
	case q.UsedRing&0x3 != 0:
		log.Printf("virtio: used ring breaks alignment constraints")
		return false
	default:
		return true
	}
}

// AvailIter is a one-shot consuming iterator over the descriptor chains
// newly posted to the available ring since the queue's next_avail cursor.
type AvailIter struct {
	q         *Queue
	mem       *guestmem.GuestMemory
	descTable uint64
	availRing uint64
	queueSize uint16
	nextIndex uint16
	lastIndex uint16
	remap     IommuRemap
}

// Iter snapshots avail.idx (with an acquire fence, since the driver may have
// published it concurrently) and returns an iterator over the chains that
// follow.
func (q *Queue) Iter(mem *guestmem.GuestMemory) *AvailIter {
	queueSize := q.ActualSize()
	empty := &AvailIter{q: q, mem: mem, descTable: q.DescTable, availRing: q.AvailRing, queueSize: queueSize, nextIndex: q.NextAvail, lastIndex: q.NextAvail, remap: q.remap}

	idxAddr, ok := mem.CheckedOffset(q.AvailRing, 2)
	if !ok {
		log.Printf("virtio: invalid offset while reading avail.idx")
		return empty
	}
	guestmem.FenceAcquire()
	lastIdx, err := mem.ReadUint16(idxAddr)
	if err != nil {
		log.Printf("virtio: failed to read avail.idx from memory")
		return empty
	}

	return &AvailIter{
		q:         q,
		mem:       mem,
		descTable: q.DescTable,
		availRing: q.AvailRing,
		queueSize: queueSize,
		nextIndex: q.NextAvail,
		lastIndex: lastIdx,
		remap:     q.remap,
	}
}

// Next returns the next posted chain, or (nil, false) once next_index has
// caught up with the snapshot of avail.idx. A malformed ring entry stops
// iteration without advancing the queue's shared next_avail cursor.
func (it *AvailIter) Next() (*DescriptorChain, bool) {
	if it.nextIndex == it.lastIndex {
		return nil, false
	}

	offset := uint64(4 + (it.nextIndex%it.queueSize)*2)
	addr, ok := it.mem.CheckedOffset(it.availRing, offset)
	if !ok {
		log.Printf("virtio: invalid offset while reading available ring entry")
		return nil, false
	}
	descIndex, err := it.mem.ReadUint16(addr)
	if err != nil {
		log.Printf("virtio: failed to read available ring entry from memory")
		return nil, false
	}
	it.nextIndex++

	chain, ok := newDescriptorChain(it.mem, it.descTable, it.queueSize, it.queueSize, descIndex, it.remap)
	if ok {
		it.q.NextAvail++
	}
	return chain, ok
}

// GoToPreviousPosition rewinds next_avail by one, used when a device
// decides it cannot process a chain it just consumed and wants to retry it
// on the next kick.
func (q *Queue) GoToPreviousPosition() { q.NextAvail-- }

// AddUsed publishes a completed chain onto the used ring and bumps used.idx,
// returning the new used.idx value for notification accounting.
func (q *Queue) AddUsed(mem *guestmem.GuestMemory, descIndex uint16, length uint32) (uint16, bool) {
	if descIndex >= q.ActualSize() {
		log.Printf("virtio: attempted to add out-of-bounds descriptor %d to used ring", descIndex)
		return 0, false
	}

	slot := uint64(q.NextUsed % q.ActualSize())
	elemAddr := q.UsedRing + 4 + slot*8
	if err := mem.WriteUint32(elemAddr, uint32(descIndex)); err != nil {
		log.Printf("virtio: failed to write used ring id")
		return 0, false
	}
	if err := mem.WriteUint32(elemAddr+4, length); err != nil {
		log.Printf("virtio: failed to write used ring length")
		return 0, false
	}

	q.NextUsed++
	guestmem.FenceRelease()
	if err := mem.WriteUint16(q.UsedRing+2, q.NextUsed); err != nil {
		log.Printf("virtio: failed to publish used.idx")
		return 0, false
	}
	return q.NextUsed, true
}

func (q *Queue) usedEvent(mem *guestmem.GuestMemory) (uint16, bool) {
	addr, ok := mem.CheckedOffset(q.AvailRing, uint64(4+uint64(q.ActualSize())*2))
	if !ok {
		log.Printf("virtio: invalid offset while reading used_event")
		return 0, false
	}
	guestmem.FenceAcquire()
	v, err := mem.ReadUint16(addr)
	if err != nil {
		return 0, false
	}
	return v, true
}

// UpdateAvailEvent republishes the current avail.idx into avail_event, the
// mechanism the driver uses (under VIRTIO_F_RING_EVENT_IDX) to learn where
// the device would next like to be kicked.
func (q *Queue) UpdateAvailEvent(mem *guestmem.GuestMemory) {
	idxAddr, ok := mem.CheckedOffset(q.AvailRing, 2)
	if !ok {
		log.Printf("virtio: invalid offset while reading avail.idx")
		return
	}
	lastIdx, err := mem.ReadUint16(idxAddr)
	if err != nil {
		return
	}

	eventAddr, ok := mem.CheckedOffset(q.UsedRing, uint64(4+uint64(q.ActualSize())*8))
	if !ok {
		log.Printf("virtio: can't update avail_event")
		return
	}
	if err := mem.WriteUint16(eventAddr, lastIdx); err != nil {
		return
	}
	guestmem.FenceRelease()
}

// NeedsNotification decides, given the used.idx value just published,
// whether the driver should be kicked. With event-idx negotiated this
// suppresses redundant notifications; otherwise every AddUsed notifies.
func (q *Queue) NeedsNotification(mem *guestmem.GuestMemory, usedIdx uint16) bool {
	if !q.eventIdx {
		return true
	}

	notify := true
	if q.hasSignalledUsed {
		if usedEvent, ok := q.usedEvent(mem); ok {
			if usedIdx-usedEvent-1 >= usedIdx-q.signalledUsed {
				notify = false
			}
		}
	}
	q.signalledUsed = usedIdx
	q.hasSignalledUsed = true
	return notify
}

func (q *Queue) indexFromMemory(ring uint64, mem *guestmem.GuestMemory) (uint16, error) {
	addr, ok := mem.CheckedOffset(ring, 2)
	if !ok {
		return 0, &InvalidOffsetError{Offset: ring + 2}
	}
	v, err := mem.ReadUint16(addr)
	if err != nil {
		return 0, &InvalidRingIndexError{Err: err}
	}
	return v, nil
}

// AvailIndexFromMemory reads the driver's published avail.idx directly.
func (q *Queue) AvailIndexFromMemory(mem *guestmem.GuestMemory) (uint16, error) {
	return q.indexFromMemory(q.AvailRing, mem)
}

// UsedIndexFromMemory reads the device's own published used.idx directly.
func (q *Queue) UsedIndexFromMemory(mem *guestmem.GuestMemory) (uint16, error) {
	return q.indexFromMemory(q.UsedRing, mem)
}

// AvailableDescriptors reports whether the driver has posted chains the
// device has not yet consumed, without mutating any cursor.
func (q *Queue) AvailableDescriptors(mem *guestmem.GuestMemory) (bool, error) {
	usedIdx, err := q.UsedIndexFromMemory(mem)
	if err != nil {
		return false, err
	}
	availIdx, err := q.AvailIndexFromMemory(mem)
	if err != nil {
		return false, err
	}
	return usedIdx < availIdx, nil
}
