package virtio_test

import (
	"testing"

	"core_engine/guestmem"
	"core_engine/virtio"
	"core_engine/virtio/vqtest"
)

func newMem(size int) *guestmem.GuestMemory {
	return guestmem.New(guestmem.Region{Base: 0, Data: make([]byte, size)})
}

func TestDescriptorChainSimpleWalk(t *testing.T) {
	mem := newMem(0x10000)
	vq := vqtest.New(mem, 0x1000, 16)

	vq.Desc[0].Set(0x8000, 16, virtio.DescFNext, 1)
	vq.Desc[1].Set(0x8100, 32, virtio.DescFNext, 2)
	vq.Desc[2].Set(0x8200, 48, 0, 0)

	chain, ok := virtio.NewDescriptorChain(mem, vq.DescAddr, 16, 0, nil)
	if !ok {
		t.Fatal("expected a valid chain at index 0")
	}

	var lengths []uint32
	for {
		d, more := chain.Next()
		if !more {
			break
		}
		lengths = append(lengths, d.Len)
	}

	want := []uint32{16, 32, 48}
	if len(lengths) != len(want) {
		t.Fatalf("expected %d descriptors, got %d (%v)", len(want), len(lengths), lengths)
	}
	for i := range want {
		if lengths[i] != want[i] {
			t.Fatalf("descriptor %d: expected len %d, got %d", i, want[i], lengths[i])
		}
	}
}

func TestDescriptorChainStopsOnMissingNextFlag(t *testing.T) {
	mem := newMem(0x10000)
	vq := vqtest.New(mem, 0x1000, 4)
	vq.Desc[0].Set(0x8000, 8, 0, 0)

	chain, ok := virtio.NewDescriptorChain(mem, vq.DescAddr, 4, 0, nil)
	if !ok {
		t.Fatal("expected valid chain")
	}
	if _, more := chain.Next(); !more {
		t.Fatal("expected exactly one descriptor")
	}
	if _, more := chain.Next(); more {
		t.Fatal("chain without NEXT flag must stop after one descriptor")
	}
}

func TestDescriptorChainRejectsOutOfBoundsAddress(t *testing.T) {
	mem := newMem(0x1000)
	vq := vqtest.New(mem, 0x100, 4)
	vq.Desc[0].Set(0x5000, 8, 0, 0) // buffer address well past mapped memory

	if _, ok := virtio.NewDescriptorChain(mem, vq.DescAddr, 4, 0, nil); ok {
		t.Fatal("chain pointing at an unmapped buffer must be rejected")
	}
}

func TestDescriptorChainIndirect(t *testing.T) {
	mem := newMem(0x10000)
	vq := vqtest.New(mem, 0x1000, 4)

	indirectBase := uint64(0x9000)
	vq.Desc[0].Set(indirectBase, 3*16, virtio.DescFIndirect, 0)

	writeIndirectDesc := func(idx uint16, addr uint64, length uint32, flags, next uint16) {
		off := indirectBase + uint64(idx)*16
		mem.WriteUint64(off, addr)
		mem.WriteUint32(off+8, length)
		mem.WriteUint16(off+12, flags)
		mem.WriteUint16(off+14, next)
	}
	writeIndirectDesc(0, 0xa000, 4, virtio.DescFNext, 1)
	writeIndirectDesc(1, 0xa100, 8, 0, 0)

	chain, ok := virtio.NewDescriptorChain(mem, vq.DescAddr, 4, 0, nil)
	if !ok {
		t.Fatal("expected valid chain head")
	}
	if !chain.IsIndirect() {
		t.Fatal("expected head descriptor to be marked indirect")
	}

	inner, err := chain.NewFromIndirect()
	if err != nil {
		t.Fatalf("NewFromIndirect failed: %v", err)
	}

	var lengths []uint32
	for {
		d, more := inner.Next()
		if !more {
			break
		}
		lengths = append(lengths, d.Len)
	}
	if len(lengths) != 2 || lengths[0] != 4 || lengths[1] != 8 {
		t.Fatalf("unexpected indirect chain contents: %v", lengths)
	}
}

func TestDescriptorChainReadableWritableSplit(t *testing.T) {
	mem := newMem(0x10000)
	vq := vqtest.New(mem, 0x1000, 4)

	vq.Desc[0].Set(0x8000, 10, virtio.DescFNext, 1)
	vq.Desc[1].Set(0x8100, 20, virtio.DescFNext|virtio.DescFWrite, 2)
	vq.Desc[2].Set(0x8200, 30, virtio.DescFWrite, 0)

	chain, ok := virtio.NewDescriptorChain(mem, vq.DescAddr, 4, 0, nil)
	if !ok {
		t.Fatal("expected valid chain")
	}

	readable := chain.Readable()
	d, more := readable.Next()
	if !more || d.Len != 10 {
		t.Fatalf("expected single readable descriptor of len 10, got %+v more=%v", d, more)
	}
	if _, more := readable.Next(); more {
		t.Fatal("expected only one readable descriptor")
	}

	chain2, _ := virtio.NewDescriptorChain(mem, vq.DescAddr, 4, 0, nil)
	writable := chain2.Writable()
	var total uint32
	for {
		d, more := writable.Next()
		if !more {
			break
		}
		total += d.Len
	}
	if total != 50 {
		t.Fatalf("expected writable descriptors to total 50 bytes, got %d", total)
	}
}
