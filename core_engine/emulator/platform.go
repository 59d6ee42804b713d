// Package emulator decodes and executes the MOV family of x86 instructions
// against a PlatformEmulator, the abstraction the KVF exit handler uses to
// finish off an MMIO access the host couldn't decode itself.
package emulator

// Register names a general-purpose or instruction-pointer register, keyed
// by its full 64-bit identity; sub-width access (AL, AX, EAX, ...) is
// resolved against this set by the decoder-facing layer in mov.go.
type Register int

const (
	RAX Register = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
	RIP
)

// CpuState is a point-in-time snapshot of the architectural state the
// emulator may need to consult beyond the registers it directly touches.
type CpuState struct {
	Regs [16]uint64
	Rip  uint64
}

// PlatformEmulator is the contract the instruction emulator consumes: a
// single vCPU's memory and register file, addressed without the emulator
// knowing anything about the underlying KVF transport.
type PlatformEmulator interface {
	ReadMem(gva uint64, length int) ([]byte, error)
	WriteMem(gva uint64, data []byte) error
	ReadReg(reg Register) (uint64, error)
	WriteReg(reg Register, value uint64) error
	CPUState() (CpuState, error)
}
