package pci

import (
	"fmt"
	"log/slog"
	"sync"
)

// BarHandler is the hook a concrete PCI device backend implements: the
// contents of the MMIO or port windows behind its BARs. Everything else
// (config space, capability encoding, BAR register plumbing) is provided by
// Device.
type BarHandler interface {
	ReadBar(bar int, off uint64, v *Value) error
	WriteBar(bar int, off uint64, v Value) error
}

// Attributes is the immutable identity of a PCI function, set at
// construction and never mutated.
type Attributes struct {
	DeviceID          uint16
	VendorID          uint16
	SubsystemID       uint16
	SubsystemVendorID uint16

	// DeviceClass is the class/subclass/prog-if triple in the layout of the
	// upper 24 bits of the class code dword. The revision byte reads as 0.
	DeviceClass uint32
}

// Device is an emulated PCI function. Concrete devices construct one with
// their identity and BAR backend, declare BAR windows and capabilities, and
// then connect it to a Bus. After connect, configuration space access and
// interrupt delivery are handled here.
type Device struct {
	attrs   Attributes
	handler BarHandler

	// mu guards command and pendingIRQ. It is never held across a call back
	// into the bus or the interrupt controller.
	mu         sync.Mutex
	command    uint16
	pendingIRQ bool

	globalIRQ uint32
	bar       [MaxBars]BAR
	caps      []Capability

	bus *Bus
}

// NewDevice returns a device with the given identity. handler may be nil for
// functions without BAR windows.
func NewDevice(attrs Attributes, handler BarHandler) *Device {
	return &Device{attrs: attrs, handler: handler}
}

// Attributes returns the device identity.
func (d *Device) Attributes() Attributes { return d.attrs }

// BAR returns the base address register at slot n, or nil if out of range.
func (d *Device) BAR(n int) *BAR {
	if n < 0 || n >= MaxBars {
		return nil
	}
	return &d.bar[n]
}

// ConfigureBAR declares a BAR window ahead of connecting to a bus. An MMIO
// BAR is 64-bit and therefore also occupies the following register slot as
// its high dword.
func (d *Device) ConfigureBAR(n int, size uint32, kind TrapKind) error {
	if d.bus != nil {
		return fmt.Errorf("%w: BARs must be configured before connect", ErrBadState)
	}
	if n < 0 || n >= MaxBars {
		return fmt.Errorf("BAR index %d out of range", n)
	}
	if kind == TrapNone || size == 0 {
		return fmt.Errorf("BAR %d must have a trap kind and a non-zero size", n)
	}
	if size > 1<<31 {
		return fmt.Errorf("BAR %d size %#x exceeds the 32-bit sizing mask", n, size)
	}
	if d.handler == nil {
		return fmt.Errorf("device has no BAR backend")
	}
	if d.bar[n].implemented() {
		return fmt.Errorf("BAR %d already configured", n)
	}
	if n > 0 && d.bar[n-1].implemented() && d.bar[n-1].Kind.mmio() {
		return fmt.Errorf("BAR %d is the high dword of BAR %d", n, n-1)
	}
	if kind.mmio() && n == MaxBars-1 {
		return fmt.Errorf("64-bit BAR %d has no slot for its high dword", n)
	}
	d.bar[n] = BAR{Kind: kind, Size: size}
	return nil
}

// ReadConfig reads an access-sized slice of configuration space at byte
// offset reg: the containing dword is read and the requested bytes are
// extracted. Reads of unimplemented registers return zero, per the PCI spec.
func (d *Device) ReadConfig(reg uint16, v *Value) error {
	aligned := reg &^ 0x3
	word := d.readConfigDWord(aligned)
	shift := (reg - aligned) * 8
	v.Data = (word >> shift) & v.Mask()
	return nil
}

func (d *Device) readConfigDWord(reg uint16) uint32 {
	switch reg {
	case cfgVendorID:
		return uint32(d.attrs.DeviceID)<<16 | uint32(d.attrs.VendorID)
	case cfgCommand:
		d.mu.Lock()
		command := d.command
		d.mu.Unlock()
		status := uint32(statusInterrupt)
		if len(d.caps) > 0 {
			status |= statusCapList
		}
		return status<<16 | uint32(command)
	case cfgRevisionID:
		// Class code with the revision byte forced to 0.
		return d.attrs.DeviceClass &^ 0xff
	case cfgHeaderType:
		// Standard header; BIST, latency timer and cache line size read 0.
		return 0
	case cfgSubsystem:
		return uint32(d.attrs.SubsystemID)<<16 | uint32(d.attrs.SubsystemVendorID)
	case cfgCapPointer:
		if len(d.caps) > 0 {
			return capBase
		}
		return 0
	case cfgInterruptLine:
		// Interrupt pin INTA; line, latency and grant read 0.
		return 0x100
	}

	if reg >= cfgBARBase && reg < cfgBARBase+cfgBARCount*4 {
		return d.readBARDWord(reg)
	}

	if reg >= capBase && reg < cfgSpaceEnd {
		if value, ok := d.readCapability(reg); ok {
			return value
		}
	}

	// Unimplemented and reserved registers read as zero.
	return 0
}

func (d *Device) readBARDWord(reg uint16) uint32 {
	slot := int(reg-cfgBARBase) / 4
	if b := &d.bar[slot]; b.implemented() {
		return uint32(b.Addr) | b.Aspace()
	}
	if slot > 0 {
		if prev := &d.bar[slot-1]; prev.implemented() && prev.Kind.mmio() {
			return uint32(prev.Addr >> 32)
		}
	}
	return 0
}

// WriteConfig applies a guest write to configuration space. Command register
// writes must be exactly 16 bits and BAR register writes exactly 32; writes
// to any other register are silently discarded, per the PCI spec.
func (d *Device) WriteConfig(reg uint16, v Value) error {
	if reg == cfgCommand {
		if v.Size != 2 {
			slog.Debug("pci: rejected config write", "reg", fmt.Sprintf("%#x", reg), "size", v.Size)
			return fmt.Errorf("%w: command register write of %d bytes", ErrNotSupported, v.Size)
		}
		return d.writeCommand(uint16(v.Data))
	}

	if reg >= cfgBARBase && reg < cfgBARBase+cfgBARCount*4 {
		if v.Size != 4 || reg&0x3 != 0 {
			slog.Debug("pci: rejected config write", "reg", fmt.Sprintf("%#x", reg), "size", v.Size)
			return fmt.Errorf("%w: BAR register write of %d bytes at %#x", ErrNotSupported, v.Size, reg)
		}
		d.writeBARDWord(reg, v.Data)
		return nil
	}

	return nil
}

func (d *Device) writeCommand(command uint16) error {
	d.mu.Lock()
	d.command = command
	deliver := d.pendingIRQ && command&commandIntxDisable == 0
	if deliver {
		d.pendingIRQ = false
	}
	d.mu.Unlock()

	// A latched interrupt is delivered as soon as the guest unmasks it.
	if deliver {
		return d.Interrupt()
	}
	return nil
}

func (d *Device) writeBARDWord(reg uint16, value uint32) {
	slot := int(reg-cfgBARBase) / 4
	if b := &d.bar[slot]; b.implemented() {
		// The low size bits stay clear so the window cannot be repositioned
		// to an unaligned address; this is also what makes all-ones sizing
		// writes read back the window size.
		low := uint64(value) &^ uint64(b.Size-1)
		b.Addr = b.Addr&^0xffff_ffff | low&0xffff_ffff
		return
	}
	if slot > 0 {
		if prev := &d.bar[slot-1]; prev.implemented() && prev.Kind.mmio() {
			prev.Addr = prev.Addr&0xffff_ffff | uint64(value)<<32
		}
	}
}

// Interrupt requests delivery of this device's interrupt line.
func (d *Device) Interrupt() error {
	bus := d.bus
	if bus == nil {
		return fmt.Errorf("%w: device is not connected to a bus", ErrBadState)
	}
	return bus.Interrupt(d)
}

// reset restores the BIOS-initialized command register and drops any
// latched interrupt.
func (d *Device) reset() {
	d.mu.Lock()
	d.command = commandIOEnable | commandMemEnable
	d.pendingIRQ = false
	d.mu.Unlock()
}

// setupTraps registers a guest intercept for every implemented BAR, in BAR
// order, stopping at the first failure.
func (d *Device) setupTraps(traps TrapRegistry) error {
	for n := range d.bar {
		b := &d.bar[n]
		if !b.implemented() {
			continue
		}
		b.n = n
		b.device = d

		switch b.Kind {
		case TrapMmioSync, TrapMmioBell:
			if err := traps.WithMmioRegion(b.Base(), uint64(b.Size), &barMmioHandler{bar: b, base: b.Base()}); err != nil {
				return fmt.Errorf("register MMIO trap for BAR %d: %w", n, err)
			}
		case TrapPioSync:
			end := b.Addr + uint64(b.Size)
			if end > 0x10000 {
				return fmt.Errorf("BAR %d port window %#x-%#x exceeds port space", n, b.Addr, end)
			}
			handler := &barPioHandler{bar: b, base: b.Addr}
			for port := b.Addr; port < end; port++ {
				if err := traps.WithPioPort(uint16(port), handler); err != nil {
					return fmt.Errorf("register PIO trap for BAR %d: %w", n, err)
				}
			}
		}
	}
	return nil
}
