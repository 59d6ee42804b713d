package virtio

import "encoding/binary"

// Descriptor layout flags, per the VIRTIO 1.0 split virtqueue spec.
const (
	DescFNext     = 0x1
	DescFWrite    = 0x2
	DescFIndirect = 0x4
)

const descriptorSize = 16

// Descriptor is the decoded, host-endian form of a single 16-byte ring
// descriptor entry.
type Descriptor struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

func decodeDescriptor(b []byte) Descriptor {
	return Descriptor{
		Addr:  binary.LittleEndian.Uint64(b[0:8]),
		Len:   binary.LittleEndian.Uint32(b[8:12]),
		Flags: binary.LittleEndian.Uint16(b[12:14]),
		Next:  binary.LittleEndian.Uint16(b[14:16]),
	}
}

// HasNext reports whether VIRTQ_DESC_F_NEXT is set.
func (d Descriptor) HasNext() bool { return d.Flags&DescFNext != 0 }

// IsWriteOnly reports whether the descriptor's buffer is device-writable.
func (d Descriptor) IsWriteOnly() bool { return d.Flags&DescFWrite != 0 }

// IsIndirect reports whether the descriptor's buffer holds an indirect table.
func (d Descriptor) IsIndirect() bool { return d.Flags&DescFIndirect != 0 }

// IsEmpty reports a zero-length buffer descriptor.
func (d Descriptor) IsEmpty() bool { return d.Len == 0 }
