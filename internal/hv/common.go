package hv

import "io"

// Device is anything a virtual machine can host. Init runs once when the
// device is added, before the guest executes.
type Device interface {
	Init(vm VirtualMachine) error
}

// MMIORegion is a guest physical address range served by a device.
type MMIORegion struct {
	Address uint64
	Size    uint64
}

// VirtualMachine is the narrow view of a running guest that devices need:
// guest physical memory plus device registration.
type VirtualMachine interface {
	io.ReaderAt
	io.WriterAt

	io.Closer

	MemorySize() uint64
	MemoryBase() uint64

	AddDevice(dev Device) error
}
