package virtio

import "core_engine/guestmem"

// IommuRemap translates a descriptor buffer address through an IOMMU
// mapping. Most guests run without one, in which case it is nil and every
// address is used as-is.
type IommuRemap func(addr uint64) (uint64, error)

// DescriptorChain walks a guest-supplied chain of descriptors starting at a
// table index pulled off the available ring. It carries its own TTL so a
// guest cannot wedge the device by constructing a cyclic chain: each chain
// can traverse at most tableSize links before iteration is forced to stop.
type DescriptorChain struct {
	mem       *guestmem.GuestMemory
	descTable uint64
	tableSize uint16
	ttl       uint16
	index     uint16
	desc      Descriptor
	remap     IommuRemap
}

func fetchDescriptorAt(mem *guestmem.GuestMemory, tableBase uint64, tableSize, index uint16, remap IommuRemap) (Descriptor, error) {
	if index >= tableSize {
		return Descriptor{}, ErrInvalidChain
	}
	off := uint64(index) * descriptorSize
	b, err := mem.Read(tableBase+off, descriptorSize)
	if err != nil {
		return Descriptor{}, ErrGuestMemory
	}
	d := decodeDescriptor(b)
	if remap != nil {
		addr, err := remap(d.Addr)
		if err != nil {
			return Descriptor{}, err
		}
		d.Addr = addr
	}
	return d, nil
}

func (c *DescriptorChain) isValid() bool {
	if _, ok := c.mem.CheckedOffset(c.desc.Addr, uint64(c.desc.Len)); !ok {
		return false
	}
	if c.desc.HasNext() && c.desc.Next >= c.tableSize {
		return false
	}
	return true
}

func newDescriptorChain(mem *guestmem.GuestMemory, descTable uint64, tableSize, ttl, index uint16, remap IommuRemap) (*DescriptorChain, bool) {
	desc, err := fetchDescriptorAt(mem, descTable, tableSize, index, remap)
	if err != nil {
		return nil, false
	}
	c := &DescriptorChain{
		mem:       mem,
		descTable: descTable,
		tableSize: tableSize,
		ttl:       ttl,
		index:     index,
		desc:      desc,
		remap:     remap,
	}
	if !c.isValid() {
		return nil, false
	}
	return c, true
}

// NewDescriptorChain constructs the head of a chain rooted at the queue's
// descriptor table, bounding its traversal TTL at tableSize.
func NewDescriptorChain(mem *guestmem.GuestMemory, descTable uint64, tableSize, index uint16, remap IommuRemap) (*DescriptorChain, bool) {
	return newDescriptorChain(mem, descTable, tableSize, tableSize, index, remap)
}

// Index returns the head descriptor's table index, used as the used-ring id
// once the chain has been fully processed.
func (c *DescriptorChain) Index() uint16 { return c.index }

// Head returns the descriptor the chain currently points at.
func (c *DescriptorChain) Head() Descriptor { return c.desc }

// HasNext reports whether another link remains within the TTL budget.
func (c *DescriptorChain) HasNext() bool {
	return c.desc.HasNext() && c.ttl > 1
}

// IsIndirect reports whether the current descriptor's buffer is itself an
// indirect descriptor table.
func (c *DescriptorChain) IsIndirect() bool { return c.desc.IsIndirect() }

// NewFromIndirect resolves the current (indirect) descriptor into a fresh
// chain walking the table it points at.
func (c *DescriptorChain) NewFromIndirect() (*DescriptorChain, error) {
	if !c.IsIndirect() {
		return nil, ErrInvalidIndirectDescriptor
	}

	tableBase := c.desc.Addr
	if _, ok := c.mem.CheckedOffset(tableBase, descriptorSize); !ok {
		return nil, ErrGuestMemory
	}
	b, err := c.mem.Read(tableBase, descriptorSize)
	if err != nil {
		return nil, ErrGuestMemory
	}
	desc := decodeDescriptor(b)
	if c.remap != nil {
		addr, rerr := c.remap(desc.Addr)
		if rerr != nil {
			return nil, ErrGuestMemory
		}
		desc.Addr = addr
	}

	tableSize := uint16(c.desc.Len / descriptorSize)
	nc := &DescriptorChain{
		mem:       c.mem,
		descTable: tableBase,
		tableSize: tableSize,
		ttl:       tableSize,
		index:     0,
		desc:      desc,
		remap:     c.remap,
	}
	if !nc.isValid() {
		return nil, ErrInvalidChain
	}
	return nc, nil
}

// Next advances the chain to its next link and returns the descriptor the
// chain was pointing at before advancing, mirroring a consuming iterator.
func (c *DescriptorChain) Next() (Descriptor, bool) {
	if c.ttl == 0 {
		return Descriptor{}, false
	}
	curr := c.desc
	if !c.HasNext() {
		c.ttl = 0
		return curr, true
	}
	next, err := fetchDescriptorAt(c.mem, c.descTable, c.tableSize, c.desc.Next, c.remap)
	if err != nil {
		c.ttl = 0
		return curr, true
	}
	c.desc = next
	c.ttl--
	return curr, true
}

// RWIter filters a DescriptorChain down to either its readable or writable
// links, in traversal order.
type RWIter struct {
	chain    *DescriptorChain
	writable bool
}

// Readable returns an iterator over the chain's device-readable descriptors.
func (c *DescriptorChain) Readable() *RWIter { return &RWIter{chain: c, writable: false} }

// Writable returns an iterator over the chain's device-writable descriptors.
func (c *DescriptorChain) Writable() *RWIter { return &RWIter{chain: c, writable: true} }

// Next returns the next descriptor matching the iterator's direction.
func (it *RWIter) Next() (Descriptor, bool) {
	for {
		d, ok := it.chain.Next()
		if !ok {
			return Descriptor{}, false
		}
		if d.IsWriteOnly() == it.writable {
			return d, true
		}
	}
}
