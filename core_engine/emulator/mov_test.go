package emulator_test

import (
	"encoding/binary"
	"testing"

	"core_engine/emulator"
)

type fakePlatform struct {
	regs [16]uint64
	rip  uint64
	mem  []byte
}

func newFakePlatform(memSize int) *fakePlatform {
	return &fakePlatform{mem: make([]byte, memSize)}
}

func (p *fakePlatform) ReadMem(gva uint64, length int) ([]byte, error) {
	out := make([]byte, length)
	copy(out, p.mem[gva:gva+uint64(length)])
	return out, nil
}

func (p *fakePlatform) WriteMem(gva uint64, data []byte) error {
	copy(p.mem[gva:gva+uint64(len(data))], data)
	return nil
}

func (p *fakePlatform) ReadReg(reg emulator.Register) (uint64, error) {
	if reg == emulator.RIP {
		return p.rip, nil
	}
	return p.regs[reg], nil
}

func (p *fakePlatform) WriteReg(reg emulator.Register, v uint64) error {
	if reg == emulator.RIP {
		p.rip = v
		return nil
	}
	p.regs[reg] = v
	return nil
}

func (p *fakePlatform) CPUState() (emulator.CpuState, error) {
	return emulator.CpuState{Regs: p.regs, Rip: p.rip}, nil
}

func TestEmulateMovR64R64(t *testing.T) {
	pe := newFakePlatform(0x10)
	pe.WriteReg(emulator.RBX, 0x8899AABBCCDDEEFF)

	code := []byte{0x48, 0x89, 0xd8} // mov rax, rbx
	if err := emulator.Emulate(code, pe); err != nil {
		t.Fatalf("Emulate failed: %v", err)
	}

	rax, _ := pe.ReadReg(emulator.RAX)
	if rax != 0x8899AABBCCDDEEFF {
		t.Fatalf("expected rax=0x8899AABBCCDDEEFF, got 0x%x", rax)
	}
	if pe.rip != 3 {
		t.Fatalf("expected rip to advance by 3, got %d", pe.rip)
	}
}

func TestEmulateMovR64Mem(t *testing.T) {
	pe := newFakePlatform(0x1000)
	pe.WriteReg(emulator.RAX, 0x100)
	binary.LittleEndian.PutUint64(pe.mem[0x200:], 0x1234567812345678)

	code := []byte{0x48, 0x8b, 0x04, 0x00} // mov rax, [rax+rax]
	if err := emulator.Emulate(code, pe); err != nil {
		t.Fatalf("Emulate failed: %v", err)
	}

	rax, _ := pe.ReadReg(emulator.RAX)
	if rax != 0x1234567812345678 {
		t.Fatalf("expected rax=0x1234567812345678, got 0x%x", rax)
	}
	if pe.rip != 4 {
		t.Fatalf("expected rip to advance by 4, got %d", pe.rip)
	}
}

func TestEmulateMovSubWidthRegister(t *testing.T) {
	pe := newFakePlatform(0x10)
	pe.WriteReg(emulator.RAX, 0xFFFFFFFFFFFFFFFF)
	pe.WriteReg(emulator.RCX, 0x00000000000000AB)

	code := []byte{0x88, 0xc8} // mov al, cl
	if err := emulator.Emulate(code, pe); err != nil {
		t.Fatalf("Emulate failed: %v", err)
	}

	rax, _ := pe.ReadReg(emulator.RAX)
	if rax != 0xFFFFFFFFFFFFFFAB {
		t.Fatalf("expected only the low byte of rax to change, got 0x%x", rax)
	}
}

func TestEmulateMovImmediate(t *testing.T) {
	pe := newFakePlatform(0x10)

	code := []byte{0xb8, 0x78, 0x56, 0x34, 0x12} // mov eax, 0x12345678
	if err := emulator.Emulate(code, pe); err != nil {
		t.Fatalf("Emulate failed: %v", err)
	}

	rax, _ := pe.ReadReg(emulator.RAX)
	if rax != 0x12345678 {
		t.Fatalf("expected rax=0x12345678 (zero-extended), got 0x%x", rax)
	}
}
