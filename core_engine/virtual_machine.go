package core_engine

import (
	"fmt"
	"log"
	"syscall"
	"unsafe"

	"core_engine/devices"
	"core_engine/emulator"
	"core_engine/guestmem"
	"core_engine/hypervisor"
	"core_engine/ioapic"
)

// IoApicMmioBase is the fixed guest-physical base address the IoApic's
// IOREGSEL/IOWIN register pair is mapped at, matching the 82093AA's
// conventional placement.
const IoApicMmioBase = 0xFEC00000
const ioApicMmioSize = 0x20

// vmMsiInjector adapts the VM's KVF handle to the ioapic.MsiInjector
// contract the IoApic uses to submit synthesised MSIs.
type vmMsiInjector struct {
	vmFD int
}

func (m *vmMsiInjector) SignalMsi(addrLo, addrHi, data, flags, devid uint32) (int32, error) {
	return hypervisor.DoKVMSignalMsi(m.vmFD, hypervisor.KvmMsi{
		AddressLo: addrLo,
		AddressHi: addrHi,
		Data:      data,
		Flags:     flags,
		Devid:     devid,
	})
}

// gdtDescriptor is one 8-byte x86 segment descriptor, bit-packed per the
// hardware's fixed GDT entry format.
type gdtDescriptor struct {
	limitLow  uint16
	baseLow   uint16
	baseMid   uint8
	access    uint8
	limitHigh uint8
	baseHigh  uint8
}

func newGDTDescriptor(base, limit uint32, access, flags uint8) gdtDescriptor {
	return gdtDescriptor{
		limitLow:  uint16(limit & 0xFFFF),
		baseLow:   uint16(base & 0xFFFF),
		baseMid:   uint8((base >> 16) & 0xFF),
		access:    access,
		limitHigh: uint8((limit>>16)&0x0F) | (flags << 4),
		baseHigh:  uint8((base >> 24) & 0xFF),
	}
}

// Flat-mode flags for the boot GDT's code/data descriptors: present, 4KB
// granularity, 32-bit operand size.
const (
	gdtAccessCode = 0x9A // Present, DPL0, Executable, Read/Write
	gdtAccessData = 0x92 // Present, DPL0, Read/Write
	gdtFlagsFlat  = 0xC  // Granularity=4KB, 32-bit
)

// Page-directory-entry flags for the identity-mapped 4MB boot page.
const (
	pdePresent   = 1 << 0
	pdeReadWrite = 1 << 1
	pdeUserSuper = 1 << 2
	pdePageSize  = 1 << 7
)

// newPDE4MB builds a page-directory entry mapping a 4MB page at physAddr,
// per the x86 32-bit (PSE) paging format.
func newPDE4MB(physAddr uint32, flags uint32) uint32 {
	return (physAddr & 0xFFC00000) | flags
}

// VirtualMachine represents a KVM-based virtual machine.
type VirtualMachine struct {
	vmFD         int
	kvmFD        int
	guestMemory  []byte
	vcpus        []*VCPU
	guestMem     *guestmem.GuestMemory
	mmioBus      *devices.MmioBus
	ioApicDevice *ioapic.IoApic
	MemorySize   uint64
	NumVCPUs     int
	stopChan     chan struct{}
	vcpusRunning chan struct{} // Used to signal when all VCPUs have exited their run loops
	Debug        bool
}

// NewVirtualMachine creates and initializes a new virtual machine.
func NewVirtualMachine(memSize uint64, numVCPUs int, enableDebug bool) (*VirtualMachine, error) {
	if memSize == 0 {
		memSize = 128 * 1024 * 1024 // Default to 128MB
	}
	if numVCPUs == 0 {
		numVCPUs = 1 // Default to 1 VCPU
	}

	kvmFD, err := syscall.Open("/dev/kvm", syscall.O_RDWR|syscall.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open /dev/kvm: %v", err)
	}

	vmFD, err := hypervisor.DoKVMCreateVM(kvmFD)
	if err != nil {
		syscall.Close(kvmFD)
		return nil, fmt.Errorf("failed to create KVM VM: %v", err)
	}

	// Allocate guest memory
	guestMem, err := syscall.Mmap(-1, 0, int(memSize), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_PRIVATE|syscall.MAP_ANONYMOUS|syscall.MAP_NORESERVE)
	if err != nil {
		syscall.Close(vmFD)
		syscall.Close(kvmFD)
		return nil, fmt.Errorf("failed to mmap guest memory: %v", err)
	}

	// Tell KVM about the memory region
	err = hypervisor.DoKVMSetUserMemoryRegion(vmFD, 0, 0, memSize, uintptr(unsafe.Pointer(&guestMem[0])))
	if err != nil {
		syscall.Munmap(guestMem)
		syscall.Close(vmFD)
		syscall.Close(kvmFD)
		return nil, fmt.Errorf("failed to set user memory region: %v", err)
	}

	// Unified guest-physical memory view shared by the virtio queue helpers
	// and the instruction-emulation fallback path.
	guestMemView := guestmem.New(guestmem.Region{Base: 0, Data: guestMem})

	// IoApic is mapped at its conventional MMIO base and wired to inject
	// MSIs straight through the KVF rather than a legacy PIC pin path.
	mmioBus := devices.NewMmioBus()
	ioApic := ioapic.New(&vmMsiInjector{vmFD: vmFD})
	mmioBus.RegisterDevice(IoApicMmioBase, IoApicMmioBase+ioApicMmioSize, ioApic)

	vm := &VirtualMachine{
		vmFD:         vmFD,
		kvmFD:        kvmFD,
		guestMemory:  guestMem,
		guestMem:     guestMemView,
		mmioBus:      mmioBus,
		ioApicDevice: ioApic,
		MemorySize:   memSize,
		NumVCPUs:     numVCPUs,
		stopChan:     make(chan struct{}),
		vcpusRunning: make(chan struct{}, numVCPUs), // Buffered channel
		Debug:        enableDebug,
	}

	// Create VCPUs
	for i := 0; i < numVCPUs; i++ {
		vcpu, err := NewVCPU(vm, i) // Pass reference to VM
		if err != nil {
			vm.Close() // Cleanup already initialized parts
			return nil, fmt.Errorf("failed to create VCPU %d: %v", i, err)
		}
		vm.vcpus = append(vm.vcpus, vcpu)
	}

	// Construct and load the flat-mode boot GDT.
	gdtBaseAddress := uint64(0x500) // Arbitrary low-memory address for GDT
	gdt := [3]gdtDescriptor{
		newGDTDescriptor(0, 0, 0, 0),                              // Null descriptor
		newGDTDescriptor(0, 0xFFFFF, gdtAccessCode, gdtFlagsFlat), // Code: base 0, 4GB limit
		newGDTDescriptor(0, 0xFFFFF, gdtAccessData, gdtFlagsFlat), // Data: base 0, 4GB limit
	}

	gdtBytes := make([]byte, len(gdt)*8) // Each GDT entry is 8 bytes
	for i, entry := range gdt {
		entryBytes := (*[8]byte)(unsafe.Pointer(&entry))
		copy(gdtBytes[i*8:], entryBytes[:])
	}

	if gdtBaseAddress+uint64(len(gdtBytes)) > vm.MemorySize {
		vm.Close()
		return nil, fmt.Errorf("GDT too large or base address too high for guest memory")
	}
	copy(vm.guestMemory[gdtBaseAddress:], gdtBytes)
	if vm.Debug {
		log.Printf("VirtualMachine: GDT constructed and loaded at 0x%x (%d entries, %d bytes).", gdtBaseAddress, len(gdt), len(gdtBytes))
	}

	// VMM-side paging setup: identity map the first 4MB via a single PSE
	// page-directory entry.
	pageDirectoryBaseAddress := uint64(0x1000) // Must be 4KB aligned
	pdSizeBytes := uint64(1024 * 4)            // 1024 PDEs, 4 bytes each

	if pageDirectoryBaseAddress+pdSizeBytes > vm.MemorySize {
		vm.Close()
		return nil, fmt.Errorf("page directory too large or base address too high for guest memory")
	}

	pdeFlags := uint32(pdePresent | pdeReadWrite | pdeUserSuper | pdePageSize)
	pdeEntry := newPDE4MB(0x0, pdeFlags) // Identity maps physical 0x0-0x3FFFFF

	if len(vm.guestMemory) < int(pageDirectoryBaseAddress+4) {
		vm.Close()
		return nil, fmt.Errorf("not enough guest memory to write PDE for paging setup")
	}
	vm.guestMemory[pageDirectoryBaseAddress+0] = byte(pdeEntry >> 0)
	vm.guestMemory[pageDirectoryBaseAddress+1] = byte(pdeEntry >> 8)
	vm.guestMemory[pageDirectoryBaseAddress+2] = byte(pdeEntry >> 16)
	vm.guestMemory[pageDirectoryBaseAddress+3] = byte(pdeEntry >> 24)

	if vm.Debug {
		log.Printf("VirtualMachine: Page Directory set up at 0x%x. First PDE (4MB page) created for 0x0-0x3FFFFF.", pageDirectoryBaseAddress)
	}

	if enableDebug {
		log.Println("VirtualMachine: KVM VM and VCPU(s) created successfully. GDT and Page Directory loaded.")
	}
	return vm, nil
}

// LoadBinary loads a binary image (e.g., bootloader, kernel) into guest memory.
func (vm *VirtualMachine) LoadBinary(image []byte, address uint64) error {
	if address+uint64(len(image)) > vm.MemorySize {
		return fmt.Errorf("binary image too large or address out of bounds")
	}
	copy(vm.guestMemory[address:], image)
	if vm.Debug {
		log.Printf("VirtualMachine: Loaded %d bytes into guest memory at 0x%x\n", len(image), address)
	}
	return nil
}

// Run starts the execution of all VCPUs.
func (vm *VirtualMachine) Run() error {
	if vm.Debug {
		log.Println("VirtualMachine: Starting VCPU run loops...")
	}
	for _, vcpu := range vm.vcpus {
		go func(v *VCPU) {
			if err := v.Run(); err != nil {
				log.Printf("VCPU %d exited with error: %v", v.id, err)
			} else {
				if vm.Debug {
					log.Printf("VCPU %d exited normally.", v.id)
				}
			}
			vm.vcpusRunning <- struct{}{} // Signal that this VCPU has finished
		}(vcpu)
	}

	// Wait for all VCPUs to finish or for a stop signal
	for i := 0; i < vm.NumVCPUs; i++ {
		select {
		case <-vm.vcpusRunning:
			// A VCPU finished
		case <-vm.stopChan:
			// Stop signal received, though VCPUs manage their own stopChan
			if vm.Debug {
				log.Println("VirtualMachine: Run loop detected stop signal (should be handled by VCPUs).")
			}
		}
	}

	if vm.Debug {
		log.Println("VirtualMachine: All VCPUs have completed their run loops.")
	}
	return nil // Or return an error if any VCPU failed catastrophically
}

// Stop signals all VCPUs to stop execution.
func (vm *VirtualMachine) Stop() {
	if vm.Debug {
		log.Println("VirtualMachine: Sending stop signal to VCPUs...")
	}
	close(vm.stopChan) // Signal all VCPUs to stop
}

// Close cleans up resources used by the virtual machine.
func (vm *VirtualMachine) Close() {
	if vm.Debug {
		log.Println("VirtualMachine: Closing...")
	}
	// Ensure VCPUs are stopped first
	vm.Stop()

	for _, vcpu := range vm.vcpus {
		if vcpu != nil {
			vcpu.Close() // vcpu.Close() should be idempotent
		}
	}
	if vm.guestMemory != nil {
		syscall.Munmap(vm.guestMemory)
		vm.guestMemory = nil
	}
	if vm.vmFD != 0 {
		syscall.Close(vm.vmFD)
		vm.vmFD = 0
	}
	if vm.kvmFD != 0 {
		syscall.Close(vm.kvmFD)
		vm.kvmFD = 0
	}
	if vm.Debug {
		log.Println("VirtualMachine: Closed.")
	}
}

// GetVCPU returns a specific VCPU by its ID.
func (vm *VirtualMachine) GetVCPU(id int) (*VCPU, error) {
	if id < 0 || id >= len(vm.vcpus) {
		return nil, fmt.Errorf("VCPU ID %d out of range", id)
	}
	return vm.vcpus[id], nil
}

// HandleIO is called by VCPU on KVM_EXIT_IO. No port-I/O device is modeled
// by this core (device front-ends are out of scope); unclaimed port access
// is logged and ignored rather than treated as fatal, since a guest probing
// for legacy PC hardware that isn't present is expected, not an error.
func (vm *VirtualMachine) HandleIO(vcpuID int, port uint16, data []byte, direction uint8, size uint8, count uint32) error {
	if vm.Debug {
		log.Printf("VM: VCPU %d IO Exit: Port=0x%x, Dir=%d, Size=%d, Count=%d, DataLen=%d (no PIO device registered, ignoring)\n",
			vcpuID, port, direction, size, count, len(data))
	}
	return nil
}

// HandleMMIO is called by VCPU on KVM_EXIT_MMIO. It first tries the direct
// dispatch path KVF normally takes when it can decode the faulting
// instruction itself: the MmioBus routes the already-decoded access straight
// to its owning device (the IoApic, currently). When no device claims the
// address, the exit is one KVF couldn't fully decode, so the access falls
// back to the InstructionEmulator, which re-derives the effective address
// from the faulting instruction and retries against the same unified memory
// view: the adapter sends the re-derived access to the MmioBus when a device
// claims that address, and to guest RAM otherwise.
func (vm *VirtualMachine) HandleMMIO(vcpuID int, physAddr uint64, data []byte, isWrite bool) error {
	if vm.Debug {
		accessType := "READ"
		if isWrite {
			accessType = "WRITE"
		}
		log.Printf("VM: VCPU %d MMIO Exit: Address=0x%X, Data=%v (len %d), IsWrite=%s\n",
			vcpuID, physAddr, data, len(data), accessType)
	}

	if err := vm.mmioBus.HandleMMIO(physAddr, isWrite, data); err == nil {
		return nil
	}

	vcpu, err := vm.GetVCPU(vcpuID)
	if err != nil {
		return fmt.Errorf("MMIO to address 0x%x (length %d, write: %t): %w", physAddr, len(data), isWrite, err)
	}

	adapter := &vcpuPlatformAdapter{vm: vm, vcpu: vcpu}
	regs, err := hypervisor.DoKVMGetRegs(vcpu.fd)
	if err != nil {
		return fmt.Errorf("MMIO to address 0x%x: failed to read VCPU %d registers for emulation: %w", physAddr, vcpuID, err)
	}

	const maxInstrLen = 15
	code, err := vm.guestMem.Read(regs.RIP, maxInstrLen)
	if err != nil {
		return fmt.Errorf("MMIO to address 0x%x: failed to fetch instruction bytes at rip 0x%x: %w", physAddr, regs.RIP, err)
	}

	if err := emulator.Emulate(code, adapter); err != nil {
		return fmt.Errorf("MMIO to address 0x%x (length %d, write: %t): instruction emulation failed: %w", physAddr, len(data), isWrite, err)
	}
	return nil
}
