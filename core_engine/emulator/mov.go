package emulator

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

type regEntry struct {
	reg      Register
	width    int
	highByte bool
}

// registerInfo maps every x86asm sub-width register name onto its owning
// 64-bit Register plus the width/high-byte-alias info needed to read or
// write just that slice of it. Grounded on the same x86asm register-enum
// walk gokvm's machine.GetReg uses, generalized from a single kvm.Regs
// target to the PlatformEmulator abstraction.
var registerInfo = map[x86asm.Reg]regEntry{
	x86asm.AL: {RAX, 1, false}, x86asm.AH: {RAX, 1, true},
	x86asm.CL: {RCX, 1, false}, x86asm.CH: {RCX, 1, true},
	x86asm.DL: {RDX, 1, false}, x86asm.DH: {RDX, 1, true},
	x86asm.BL: {RBX, 1, false}, x86asm.BH: {RBX, 1, true},
	x86asm.SPB: {RSP, 1, false},
	x86asm.BPB: {RBP, 1, false},
	x86asm.SIB: {RSI, 1, false},
	x86asm.DIB: {RDI, 1, false},
	x86asm.R8B: {R8, 1, false}, x86asm.R9B: {R9, 1, false},
	x86asm.R10B: {R10, 1, false}, x86asm.R11B: {R11, 1, false},
	x86asm.R12B: {R12, 1, false}, x86asm.R13B: {R13, 1, false},
	x86asm.R14B: {R14, 1, false}, x86asm.R15B: {R15, 1, false},

	x86asm.AX: {RAX, 2, false}, x86asm.CX: {RCX, 2, false},
	x86asm.DX: {RDX, 2, false}, x86asm.BX: {RBX, 2, false},
	x86asm.SP: {RSP, 2, false}, x86asm.BP: {RBP, 2, false},
	x86asm.SI: {RSI, 2, false}, x86asm.DI: {RDI, 2, false},
	x86asm.R8W: {R8, 2, false}, x86asm.R9W: {R9, 2, false},
	x86asm.R10W: {R10, 2, false}, x86asm.R11W: {R11, 2, false},
	x86asm.R12W: {R12, 2, false}, x86asm.R13W: {R13, 2, false},
	x86asm.R14W: {R14, 2, false}, x86asm.R15W: {R15, 2, false},

	x86asm.EAX: {RAX, 4, false}, x86asm.ECX: {RCX, 4, false},
	x86asm.EDX: {RDX, 4, false}, x86asm.EBX: {RBX, 4, false},
	x86asm.ESP: {RSP, 4, false}, x86asm.EBP: {RBP, 4, false},
	x86asm.ESI: {RSI, 4, false}, x86asm.EDI: {RDI, 4, false},
	x86asm.R8L: {R8, 4, false}, x86asm.R9L: {R9, 4, false},
	x86asm.R10L: {R10, 4, false}, x86asm.R11L: {R11, 4, false},
	x86asm.R12L: {R12, 4, false}, x86asm.R13L: {R13, 4, false},
	x86asm.R14L: {R14, 4, false}, x86asm.R15L: {R15, 4, false},

	x86asm.RAX: {RAX, 8, false}, x86asm.RCX: {RCX, 8, false},
	x86asm.RDX: {RDX, 8, false}, x86asm.RBX: {RBX, 8, false},
	x86asm.RSP: {RSP, 8, false}, x86asm.RBP: {RBP, 8, false},
	x86asm.RSI: {RSI, 8, false}, x86asm.RDI: {RDI, 8, false},
	x86asm.R8: {R8, 8, false}, x86asm.R9: {R9, 8, false},
	x86asm.R10: {R10, 8, false}, x86asm.R11: {R11, 8, false},
	x86asm.R12: {R12, 8, false}, x86asm.R13: {R13, 8, false},
	x86asm.R14: {R14, 8, false}, x86asm.R15: {R15, 8, false},
}

func widthMask(width int) uint64 {
	if width >= 8 {
		return ^uint64(0)
	}
	return (uint64(1) << (uint(width) * 8)) - 1
}

func decodeLE(b []byte) uint64 {
	var v uint64
	for i, c := range b {
		v |= uint64(c) << (uint(i) * 8)
	}
	return v
}

func encodeLE(v uint64, width int) []byte {
	b := make([]byte, width)
	for i := range b {
		b[i] = byte(v >> (uint(i) * 8))
	}
	return b
}

func addressReg(pe PlatformEmulator, r x86asm.Reg) (uint64, error) {
	if r == 0 {
		return 0, nil
	}
	info, ok := registerInfo[r]
	if !ok {
		return 0, fmt.Errorf("emulator: unsupported addressing register %v", r)
	}
	v, err := pe.ReadReg(info.reg)
	if err != nil {
		return 0, err
	}
	return v, nil
}

func effectiveAddress(pe PlatformEmulator, m x86asm.Mem) (uint64, error) {
	var addr uint64
	base, err := addressReg(pe, m.Base)
	if err != nil {
		return 0, err
	}
	addr += base

	if m.Index != 0 {
		idx, err := addressReg(pe, m.Index)
		if err != nil {
			return 0, err
		}
		addr += idx * uint64(m.Scale)
	}
	addr += uint64(m.Disp)
	return addr, nil
}

// operandWidth reports the byte width an operand contributes when the
// instruction doesn't otherwise pin one down (MemBytes covers the memory
// operand case).
func operandWidth(arg x86asm.Arg) (int, error) {
	switch v := arg.(type) {
	case x86asm.Reg:
		info, ok := registerInfo[v]
		if !ok {
			return 0, fmt.Errorf("emulator: unsupported register operand %v", v)
		}
		return info.width, nil
	default:
		return 0, fmt.Errorf("emulator: cannot infer width from operand %T", arg)
	}
}

func getOperandValue(pe PlatformEmulator, arg x86asm.Arg, width int) (uint64, error) {
	switch v := arg.(type) {
	case x86asm.Reg:
		info, ok := registerInfo[v]
		if !ok {
			return 0, fmt.Errorf("emulator: unsupported register operand %v", v)
		}
		raw, err := pe.ReadReg(info.reg)
		if err != nil {
			return 0, &PlatformEmulationError{Err: err}
		}
		if info.highByte {
			return (raw >> 8) & 0xFF, nil
		}
		return raw & widthMask(info.width), nil
	case x86asm.Mem:
		addr, err := effectiveAddress(pe, v)
		if err != nil {
			return 0, err
		}
		b, err := pe.ReadMem(addr, width)
		if err != nil {
			return 0, &PlatformEmulationError{Err: err}
		}
		return decodeLE(b), nil
	case x86asm.Imm:
		return uint64(v), nil
	default:
		return 0, fmt.Errorf("emulator: unsupported source operand kind %T", arg)
	}
}

func setOperandValue(pe PlatformEmulator, arg x86asm.Arg, width int, value uint64) error {
	switch v := arg.(type) {
	case x86asm.Reg:
		info, ok := registerInfo[v]
		if !ok {
			return fmt.Errorf("emulator: unsupported register operand %v", v)
		}
		if info.highByte {
			raw, err := pe.ReadReg(info.reg)
			if err != nil {
				return &PlatformEmulationError{Err: err}
			}
			raw = (raw &^ 0xFF00) | ((value & 0xFF) << 8)
			if err := pe.WriteReg(info.reg, raw); err != nil {
				return &PlatformEmulationError{Err: err}
			}
			return nil
		}

		var newVal uint64
		switch info.width {
		case 4:
			// A 32-bit GP register write zero-extends to the full 64 bits.
			newVal = value & 0xFFFFFFFF
		case 8:
			newVal = value
		default:
			raw, err := pe.ReadReg(info.reg)
			if err != nil {
				return &PlatformEmulationError{Err: err}
			}
			mask := widthMask(info.width)
			newVal = (raw &^ mask) | (value & mask)
		}
		if err := pe.WriteReg(info.reg, newVal); err != nil {
			return &PlatformEmulationError{Err: err}
		}
		return nil
	case x86asm.Mem:
		addr, err := effectiveAddress(pe, v)
		if err != nil {
			return err
		}
		if err := pe.WriteMem(addr, encodeLE(value, width)); err != nil {
			return &PlatformEmulationError{Err: err}
		}
		return nil
	default:
		return fmt.Errorf("emulator: unsupported destination operand kind %T", arg)
	}
}

// Emulate decodes one instruction from code and, if it is a supported MOV
// variant, reproduces its effect against pe: fetch operand 1 by whatever
// kind it is (register, memory, or immediate), store it into operand 0, and
// advance the instruction pointer past the decoded length. Every
// register/memory/immediate combination the decoder can produce for MOV
// r8/r16/r32/r64 and their rm/imm counterparts funnels through this single
// routine rather than one handler type per variant.
func Emulate(code []byte, pe PlatformEmulator) error {
	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		return platformErr(err)
	}
	if inst.Op != x86asm.MOV {
		return platformErr(fmt.Errorf("unsupported opcode %v", inst.Op))
	}

	dst := inst.Args[0]
	src := inst.Args[1]

	width := inst.MemBytes
	if width == 0 {
		width, err = operandWidth(dst)
		if err != nil {
			width, err = operandWidth(src)
		}
		if err != nil {
			return platformErr(err)
		}
	}

	value, err := getOperandValue(pe, src, width)
	if err != nil {
		return platformErr(err)
	}
	if err := setOperandValue(pe, dst, width, value); err != nil {
		return platformErr(err)
	}

	rip, err := pe.ReadReg(RIP)
	if err != nil {
		return platformErr(err)
	}
	if err := pe.WriteReg(RIP, rip+uint64(inst.Len)); err != nil {
		return platformErr(err)
	}
	return nil
}
