package pci

// The chipset dispatch layer works on byte slices; these adapters cut guest
// accesses into naturally aligned 1/2/4-byte values and forward them to the
// Value-based bus and BAR entry points.

// pickAccessSize returns the widest natural access that fits the alignment
// of addr and the remaining byte count.
func pickAccessSize(addr uint64, remaining int) uint8 {
	if addr%4 == 0 && remaining >= 4 {
		return 4
	}
	if addr%2 == 0 && remaining >= 2 {
		return 2
	}
	return 1
}

type valueReader func(addr uint64, v *Value) error
type valueWriter func(addr uint64, v Value) error

func sliceRead(addr uint64, data []byte, read valueReader) error {
	cursor := 0
	for cursor < len(data) {
		v := Value{Size: pickAccessSize(addr, len(data)-cursor)}
		if err := read(addr, &v); err != nil {
			return err
		}
		v.Store(data[cursor:])
		cursor += int(v.Size)
		addr += uint64(v.Size)
	}
	return nil
}

func sliceWrite(addr uint64, data []byte, write valueWriter) error {
	cursor := 0
	for cursor < len(data) {
		v, err := ValueFromBytes(data[cursor : cursor+int(pickAccessSize(addr, len(data)-cursor))])
		if err != nil {
			return err
		}
		if err := write(addr, v); err != nil {
			return err
		}
		cursor += int(v.Size)
		addr += uint64(v.Size)
	}
	return nil
}

// portHandler adapts the chipset port dispatch onto the bus's legacy config
// mechanism.
type portHandler struct {
	bus *Bus
}

func (h *portHandler) ReadIOPort(port uint16, data []byte) error {
	return sliceRead(uint64(port), data, func(addr uint64, v *Value) error {
		return h.bus.ReadIOPort(uint16(addr), v)
	})
}

func (h *portHandler) WriteIOPort(port uint16, data []byte) error {
	return sliceWrite(uint64(port), data, func(addr uint64, v Value) error {
		return h.bus.WriteIOPort(uint16(addr), v)
	})
}

// ecamHandler adapts the chipset MMIO dispatch onto the bus's ECAM window.
type ecamHandler struct {
	bus *Bus
}

func (h *ecamHandler) ReadMMIO(addr uint64, data []byte) error {
	return sliceRead(addr, data, func(addr uint64, v *Value) error {
		return h.bus.ReadECAM(addr-h.bus.cfg.EcamBase, v)
	})
}

func (h *ecamHandler) WriteMMIO(addr uint64, data []byte) error {
	return sliceWrite(addr, data, func(addr uint64, v Value) error {
		return h.bus.WriteECAM(addr-h.bus.cfg.EcamBase, v)
	})
}

// barMmioHandler forwards accesses inside an MMIO BAR window to the owning
// device's backend. base is the address the trap was registered at; the
// guest may move the BAR afterwards, but the trap stays where it was, so
// offsets are computed against the registration-time base.
type barMmioHandler struct {
	bar  *BAR
	base uint64
}

func (h *barMmioHandler) ReadMMIO(addr uint64, data []byte) error {
	return sliceRead(addr, data, func(addr uint64, v *Value) error {
		return h.bar.Read(addr-h.base, v)
	})
}

func (h *barMmioHandler) WriteMMIO(addr uint64, data []byte) error {
	return sliceWrite(addr, data, func(addr uint64, v Value) error {
		return h.bar.Write(addr-h.base, v)
	})
}

// barPioHandler forwards accesses inside a port I/O BAR window to the owning
// device's backend. base is the port the trap was registered at.
type barPioHandler struct {
	bar  *BAR
	base uint64
}

func (h *barPioHandler) ReadIOPort(port uint16, data []byte) error {
	return sliceRead(uint64(port), data, func(addr uint64, v *Value) error {
		return h.bar.Read(addr-h.base, v)
	})
}

func (h *barPioHandler) WriteIOPort(port uint16, data []byte) error {
	return sliceWrite(uint64(port), data, func(addr uint64, v Value) error {
		return h.bar.Write(addr-h.base, v)
	})
}
