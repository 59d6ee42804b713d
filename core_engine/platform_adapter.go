package core_engine

import (
	"fmt"

	"core_engine/emulator"
	"core_engine/hypervisor"
)

// vcpuPlatformAdapter implements emulator.PlatformEmulator over a single
// VCPU's KVF register file and the VM's unified memory view (guest RAM plus
// anything routed through the MmioBus). It is built fresh for each
// instruction-emulation fallback rather than cached on the VCPU, since its
// only state is the vcpu/vm pair it closes over.
type vcpuPlatformAdapter struct {
	vm   *VirtualMachine
	vcpu *VCPU
}

func (p *vcpuPlatformAdapter) ReadMem(gpa uint64, length int) ([]byte, error) {
	if dev, offset, ok := p.vm.mmioBus.Lookup(gpa); ok {
		buf := make([]byte, length)
		if err := dev.HandleMMIO(offset, false, buf); err != nil {
			return nil, err
		}
		return buf, nil
	}
	return p.vm.guestMem.Read(gpa, length)
}

func (p *vcpuPlatformAdapter) WriteMem(gpa uint64, data []byte) error {
	if dev, offset, ok := p.vm.mmioBus.Lookup(gpa); ok {
		return dev.HandleMMIO(offset, true, data)
	}
	return p.vm.guestMem.Write(gpa, data)
}

func (p *vcpuPlatformAdapter) ReadReg(reg emulator.Register) (uint64, error) {
	regs, err := hypervisor.DoKVMGetRegs(p.vcpu.fd)
	if err != nil {
		return 0, err
	}
	return regFromKvmRegs(regs, reg)
}

func (p *vcpuPlatformAdapter) WriteReg(reg emulator.Register, value uint64) error {
	regs, err := hypervisor.DoKVMGetRegs(p.vcpu.fd)
	if err != nil {
		return err
	}
	if err := setRegInKvmRegs(regs, reg, value); err != nil {
		return err
	}
	return hypervisor.DoKVMSetRegs(p.vcpu.fd, regs)
}

func (p *vcpuPlatformAdapter) CPUState() (emulator.CpuState, error) {
	regs, err := hypervisor.DoKVMGetRegs(p.vcpu.fd)
	if err != nil {
		return emulator.CpuState{}, err
	}
	var state emulator.CpuState
	for i := emulator.RAX; i <= emulator.R15; i++ {
		v, _ := regFromKvmRegs(regs, i)
		state.Regs[i] = v
	}
	state.Rip = regs.RIP
	return state, nil
}

// regFromKvmRegs and setRegInKvmRegs translate between the emulator's
// architecture-neutral Register enum and the KVF's flat KvmRegs struct.
func regFromKvmRegs(regs *hypervisor.KvmRegs, reg emulator.Register) (uint64, error) {
	switch reg {
	case emulator.RAX:
		return regs.RAX, nil
	case emulator.RCX:
		return regs.RCX, nil
	case emulator.RDX:
		return regs.RDX, nil
	case emulator.RBX:
		return regs.RBX, nil
	case emulator.RSP:
		return regs.RSP, nil
	case emulator.RBP:
		return regs.RBP, nil
	case emulator.RSI:
		return regs.RSI, nil
	case emulator.RDI:
		return regs.RDI, nil
	case emulator.R8:
		return regs.R8, nil
	case emulator.R9:
		return regs.R9, nil
	case emulator.R10:
		return regs.R10, nil
	case emulator.R11:
		return regs.R11, nil
	case emulator.R12:
		return regs.R12, nil
	case emulator.R13:
		return regs.R13, nil
	case emulator.R14:
		return regs.R14, nil
	case emulator.R15:
		return regs.R15, nil
	case emulator.RIP:
		return regs.RIP, nil
	default:
		return 0, fmt.Errorf("platform_adapter: unknown register %v", reg)
	}
}

func setRegInKvmRegs(regs *hypervisor.KvmRegs, reg emulator.Register, value uint64) error {
	switch reg {
	case emulator.RAX:
		regs.RAX = value
	case emulator.RCX:
		regs.RCX = value
	case emulator.RDX:
		regs.RDX = value
	case emulator.RBX:
		regs.RBX = value
	case emulator.RSP:
		regs.RSP = value
	case emulator.RBP:
		regs.RBP = value
	case emulator.RSI:
		regs.RSI = value
	case emulator.RDI:
		regs.RDI = value
	case emulator.R8:
		regs.R8 = value
	case emulator.R9:
		regs.R9 = value
	case emulator.R10:
		regs.R10 = value
	case emulator.R11:
		regs.R11 = value
	case emulator.R12:
		regs.R12 = value
	case emulator.R13:
		regs.R13 = value
	case emulator.R14:
		regs.R14 = value
	case emulator.R15:
		regs.R15 = value
	case emulator.RIP:
		regs.RIP = value
	default:
		return fmt.Errorf("platform_adapter: unknown register %v", reg)
	}
	return nil
}
