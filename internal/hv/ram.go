package hv

import (
	"fmt"
	"io"
)

// RAM is a block of guest physical memory starting at a fixed base address.
// On Linux it is backed by an anonymous mapping so large guests do not dirty
// the Go heap; elsewhere it falls back to a plain allocation.
type RAM struct {
	base uint64
	mem  []byte

	devices []Device
}

// NewRAM allocates size bytes of guest memory based at base.
func NewRAM(base, size uint64) (*RAM, error) {
	if size == 0 {
		return nil, fmt.Errorf("guest memory size must be non-zero")
	}
	mem, err := allocateGuestMemory(size)
	if err != nil {
		return nil, fmt.Errorf("allocate guest memory: %w", err)
	}
	return &RAM{base: base, mem: mem}, nil
}

func (r *RAM) MemorySize() uint64 { return uint64(len(r.mem)) }
func (r *RAM) MemoryBase() uint64 { return r.base }

// ReadAt implements io.ReaderAt over guest physical offsets.
func (r *RAM) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || uint64(off) >= uint64(len(r.mem)) {
		return 0, io.EOF
	}
	n := copy(p, r.mem[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements io.WriterAt over guest physical offsets.
func (r *RAM) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || uint64(off) >= uint64(len(r.mem)) {
		return 0, io.ErrShortWrite
	}
	n := copy(r.mem[off:], p)
	if n < len(p) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

// AddDevice records a device and runs its Init hook.
func (r *RAM) AddDevice(dev Device) error {
	if dev == nil {
		return fmt.Errorf("device is nil")
	}
	if err := dev.Init(r); err != nil {
		return err
	}
	r.devices = append(r.devices, dev)
	return nil
}

// Close releases the guest memory. The RAM must not be used afterwards.
func (r *RAM) Close() error {
	mem := r.mem
	r.mem = nil
	return releaseGuestMemory(mem)
}

var _ VirtualMachine = (*RAM)(nil)
