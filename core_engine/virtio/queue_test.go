package virtio_test

import (
	"testing"

	"core_engine/guestmem"
	"core_engine/virtio/vqtest"
)

func TestQueueIsValidRequiresReadyAndAlignment(t *testing.T) {
	mem := newMem(0x10000)
	vq := vqtest.New(mem, 0x1000, 8)
	q := vq.Queue()

	if !q.IsValid(mem) {
		t.Fatal("expected a freshly laid out queue to be valid")
	}

	q.Ready = false
	if q.IsValid(mem) {
		t.Fatal("a queue that isn't ready must be invalid")
	}
	q.Ready = true

	q.Size = 3 // not a power of two
	if q.IsValid(mem) {
		t.Fatal("a non power-of-two size must be rejected")
	}
	q.Size = 8

	q.DescTable++
	if q.IsValid(mem) {
		t.Fatal("a misaligned descriptor table must be rejected")
	}
}

func TestQueueIterConsumesAvailableChains(t *testing.T) {
	mem := newMem(0x10000)
	vq := vqtest.New(mem, 0x1000, 8)

	vq.Desc[0].Set(0x8000, 16, 0, 0)
	vq.Desc[1].Set(0x8100, 32, 0, 0)
	vq.Avail.SetAvailEntry(0, 0)
	vq.Avail.SetAvailEntry(1, 1)
	vq.Avail.SetIdx(2)

	q := vq.Queue()
	it := q.Iter(mem)

	var seen []uint16
	for {
		chain, ok := it.Next()
		if !ok {
			break
		}
		seen = append(seen, chain.Index())
	}
	if len(seen) != 2 || seen[0] != 0 || seen[1] != 1 {
		t.Fatalf("expected to consume descriptor indices [0 1], got %v", seen)
	}
	if q.NextAvail != 2 {
		t.Fatalf("expected next_avail to advance to 2, got %d", q.NextAvail)
	}

	// A second iteration with no new avail.idx movement yields nothing.
	it2 := q.Iter(mem)
	if _, ok := it2.Next(); ok {
		t.Fatal("expected no further chains once next_avail caught up with avail.idx")
	}
}

func TestQueueAddUsedPublishesEntryAndBumpsIdx(t *testing.T) {
	mem := newMem(0x10000)
	vq := vqtest.New(mem, 0x1000, 8)
	q := vq.Queue()

	usedIdx, ok := q.AddUsed(mem, 3, 128)
	if !ok {
		t.Fatal("AddUsed failed unexpectedly")
	}
	if usedIdx != 1 {
		t.Fatalf("expected used.idx to become 1, got %d", usedIdx)
	}

	gotIdx, err := q.UsedIndexFromMemory(mem)
	if err != nil || gotIdx != 1 {
		t.Fatalf("expected used.idx readable as 1, got %d err=%v", gotIdx, err)
	}

	id, err := mem.ReadUint32(vq.UsedAddr + 4)
	if err != nil || id != 3 {
		t.Fatalf("expected used ring slot 0 id=3, got %d err=%v", id, err)
	}
	length, err := mem.ReadUint32(vq.UsedAddr + 8)
	if err != nil || length != 128 {
		t.Fatalf("expected used ring slot 0 len=128, got %d err=%v", length, err)
	}
}

func TestQueueAddUsedRejectsOutOfBoundsIndex(t *testing.T) {
	mem := newMem(0x10000)
	vq := vqtest.New(mem, 0x1000, 4)
	q := vq.Queue()

	if _, ok := q.AddUsed(mem, 99, 1); ok {
		t.Fatal("AddUsed must reject a descriptor index beyond queue size")
	}
}

func TestQueueNeedsNotificationWithoutEventIdxAlwaysTrue(t *testing.T) {
	mem := newMem(0x10000)
	vq := vqtest.New(mem, 0x1000, 4)
	q := vq.Queue()

	if !q.NeedsNotification(mem, 1) {
		t.Fatal("without event-idx negotiated, every used entry must notify")
	}
	if !q.NeedsNotification(mem, 2) {
		t.Fatal("without event-idx negotiated, every used entry must notify")
	}
}

func TestQueueNeedsNotificationWithEventIdxSuppression(t *testing.T) {
	mem := newMem(0x10000)
	vq := vqtest.New(mem, 0x1000, 8)
	q := vq.Queue()
	q.SetEventIdx(true)

	vq.Avail.SetUsedEvent(8, 5)

	if !q.NeedsNotification(mem, 1) {
		t.Fatal("first notification after enabling event-idx must always fire")
	}
	if q.NeedsNotification(mem, 2) {
		t.Fatal("used_event=5 should suppress notification for used.idx=2")
	}
	if !q.NeedsNotification(mem, 6) {
		t.Fatal("used.idx passing used_event should notify")
	}
}

func TestQueueAvailableDescriptors(t *testing.T) {
	mem := newMem(0x10000)
	vq := vqtest.New(mem, 0x1000, 4)
	q := vq.Queue()

	vq.Avail.SetIdx(0)
	guestmem.FenceRelease()
	if has, err := q.AvailableDescriptors(mem); err != nil || has {
		t.Fatalf("expected no available descriptors, has=%v err=%v", has, err)
	}

	vq.Avail.SetIdx(1)
	if has, err := q.AvailableDescriptors(mem); err != nil || !has {
		t.Fatalf("expected available descriptors once avail.idx advances, has=%v err=%v", has, err)
	}
}
