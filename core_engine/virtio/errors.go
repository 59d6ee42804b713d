package virtio

import "fmt"

// Sentinel errors mirroring the taxonomy a split virtqueue can surface.
// None of these indicate a host bug: they mean the guest driver produced a
// malformed ring, and the caller should drop the current chain rather than
// propagate a fault into the VMM.
var (
	ErrGuestMemory               = fmt.Errorf("virtio: error accessing guest memory")
	ErrInvalidChain              = fmt.Errorf("virtio: invalid descriptor chain")
	ErrInvalidIndirectDescriptor = fmt.Errorf("virtio: invalid indirect descriptor")
)

// InvalidOffsetError reports a ring index read whose address falls outside
// mapped guest memory.
type InvalidOffsetError struct {
	Offset uint64
}

func (e *InvalidOffsetError) Error() string {
	return fmt.Sprintf("virtio: invalid offset %d", e.Offset)
}

// InvalidRingIndexError wraps a GuestMemory failure encountered while
// reading a ring index.
type InvalidRingIndexError struct {
	Err error
}

func (e *InvalidRingIndexError) Error() string {
	return fmt.Sprintf("virtio: invalid ring index from memory: %v", e.Err)
}

func (e *InvalidRingIndexError) Unwrap() error {
	return e.Err
}
