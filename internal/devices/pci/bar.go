package pci

// TrapKind selects how guest accesses to a BAR window are intercepted.
type TrapKind uint8

const (
	// TrapNone marks an unimplemented BAR slot.
	TrapNone TrapKind = iota
	// TrapMmioSync delivers MMIO accesses synchronously to the device.
	TrapMmioSync
	// TrapMmioBell is a doorbell window: only the fact that a write happened
	// matters, so a transport may complete the guest access without waiting
	// for the device. This model dispatches it on the synchronous path.
	TrapMmioBell
	// TrapPioSync delivers legacy port I/O accesses synchronously.
	TrapPioSync
)

func (k TrapKind) mmio() bool {
	return k == TrapMmioSync || k == TrapMmioBell
}

// BAR models one base address register. Size and Kind are fixed by the
// device before connect; Addr is assigned by the bus allocator at connect
// time and may be repositioned by the guest through config space writes.
type BAR struct {
	Kind TrapKind
	Addr uint64
	Size uint32

	n      int
	device *Device
}

func (b *BAR) implemented() bool {
	return b != nil && b.Kind != TrapNone && b.Size > 0
}

// Aspace returns the low type-encoding bits of the BAR: 64-bit
// non-prefetchable memory for MMIO kinds, zero otherwise.
func (b *BAR) Aspace() uint32 {
	if !b.implemented() || !b.Kind.mmio() {
		return 0
	}
	return barMmioType64Bit
}

// Base returns the guest physical base of an MMIO BAR with the type bits
// cleared, or zero for port I/O and unimplemented BARs.
func (b *BAR) Base() uint64 {
	if !b.implemented() || !b.Kind.mmio() {
		return 0
	}
	return b.Addr & barMmioAddressMask
}

// Read delegates a window access to the owning device's backend.
func (b *BAR) Read(off uint64, v *Value) error {
	if b.device == nil {
		return ErrBadState
	}
	return b.device.handler.ReadBar(b.n, off, v)
}

// Write delegates a window access to the owning device's backend.
func (b *BAR) Write(off uint64, v Value) error {
	if b.device == nil {
		return ErrBadState
	}
	return b.device.handler.WriteBar(b.n, off, v)
}
