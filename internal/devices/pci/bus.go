package pci

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/stratovm/strato/internal/chipset"
	"github.com/stratovm/strato/internal/hv"
)

// InterruptController receives interrupt delivery requests for a global IRQ
// line. Production wiring adapts a chipset line set.
type InterruptController interface {
	Interrupt(irq uint32) error
}

// TrapRegistry registers guest-access intercepts for the bus windows and for
// device BARs. *chipset.ChipsetBuilder satisfies it.
type TrapRegistry interface {
	WithMmioRegion(base, size uint64, handler chipset.MmioHandler) error
	WithPioPort(port uint16, handler chipset.PortIOHandler) error
}

// BusConfig describes the guest physical layout served by a Bus.
type BusConfig struct {
	// EcamBase is where the single-bus ECAM window is mapped.
	EcamBase uint64
	// MMIOBase/MMIOSize reserve the window BAR addresses are carved from.
	MMIOBase uint64
	MMIOSize uint64
	// PortBase is where port I/O BAR windows are carved from.
	PortBase uint16
}

// DefaultBusConfig returns the stock guest physical layout.
func DefaultBusConfig() BusConfig {
	return BusConfig{
		EcamBase: 0xd000_0000,
		MMIOBase: 0xf000_0000,
		MMIOSize: 0x0800_0000,
		PortBase: 0x6000,
	}
}

// Bus multiplexes up to MaxDevices emulated PCI functions behind a single
// root bus, serving both the legacy CF8/CFC configuration mechanism and the
// ECAM window. It is invoked concurrently from vCPU exit handling; see the
// locking notes on the fields.
type Bus struct {
	cfg   BusConfig
	intc  InterruptController
	traps TrapRegistry

	// mu guards configAddr only. It is never held while calling into a
	// device, and device mutexes are never held while calling into the bus,
	// so the two lock domains cannot form a cycle.
	mu         sync.Mutex
	configAddr uint32

	// The slot table and allocator cursors are mutated only during
	// single-threaded machine construction (Attach/Connect), before the
	// guest runs; dispatch reads them without locking.
	device       [MaxDevices]*Device
	nextOpenSlot int
	mmioCursor   uint64
	portCursor   uint32

	rootComplex *Device
}

// NewBus returns an unattached bus. Call Attach before connecting devices.
func NewBus(cfg BusConfig, intc InterruptController) *Bus {
	return &Bus{
		cfg:        cfg,
		intc:       intc,
		mmioCursor: cfg.MMIOBase,
		portCursor: uint32(cfg.PortBase),
	}
}

// Attach installs the root complex at slot 0 and registers the ECAM and
// legacy config port traps with the guest mapping collaborator.
func (b *Bus) Attach(traps TrapRegistry) error {
	if b.traps != nil {
		return fmt.Errorf("%w: bus already attached", ErrBadState)
	}
	if traps == nil {
		return fmt.Errorf("trap registry is nil")
	}
	b.traps = traps

	root := NewDevice(Attributes{
		VendorID:    rootComplexVendorID,
		DeviceID:    rootComplexDeviceID,
		DeviceClass: classBridgeHost,
	}, rootComplexHandler{})
	if err := root.ConfigureBAR(0, pageSize, TrapMmioSync); err != nil {
		return fmt.Errorf("configure root complex BAR: %w", err)
	}
	if err := b.Connect(root); err != nil {
		return fmt.Errorf("connect root complex: %w", err)
	}
	b.rootComplex = root

	if err := traps.WithMmioRegion(b.cfg.EcamBase, EcamWindowSize, &ecamHandler{bus: b}); err != nil {
		return fmt.Errorf("register ECAM window: %w", err)
	}
	ports := &portHandler{bus: b}
	for i := uint16(0); i < configPortCount; i++ {
		if err := traps.WithPioPort(configAddressPortBase+i, ports); err != nil {
			return fmt.Errorf("register config port %#x: %w", configAddressPortBase+i, err)
		}
	}
	return nil
}

// Connect installs a device in the next open slot, allocates its BAR
// windows, assigns its IRQ line and registers its BAR traps. On trap
// registration failure the slot and addresses stay consumed; the slot is
// unusable rather than rolled back.
func (b *Bus) Connect(d *Device) error {
	if b.traps == nil {
		return fmt.Errorf("%w: bus is not attached", ErrBadState)
	}
	if d.bus != nil {
		return fmt.Errorf("%w: device already connected", ErrBadState)
	}
	if b.nextOpenSlot >= MaxDevices {
		return fmt.Errorf("%w: all %d device slots are connected", ErrOutOfRange, MaxDevices)
	}
	slot := b.nextOpenSlot
	if b.device[slot] != nil {
		panic(fmt.Sprintf("pci: slot %d already occupied", slot))
	}

	// Windows are rounded to a power of two and allocated at size-aligned
	// addresses: the write mask in writeBARDWord clears the low size bits,
	// so an unaligned base would be unreachable after a guest rewrite.
	mmioCursor := b.mmioCursor
	portCursor := uint64(b.portCursor)
	for n := range d.bar {
		bar := &d.bar[n]
		if !bar.implemented() {
			continue
		}
		bar.Size = alignBARSize(bar.Size)
		align := uint64(bar.Size)
		if bar.Kind.mmio() {
			bar.Addr = (mmioCursor + align - 1) &^ (align - 1)
			mmioCursor = bar.Addr + align
		} else {
			bar.Addr = (portCursor + align - 1) &^ (align - 1)
			portCursor = bar.Addr + align
		}
	}
	if mmioCursor > b.cfg.MMIOBase+b.cfg.MMIOSize {
		return fmt.Errorf("%w: BAR allocation exceeds MMIO window", ErrNoResources)
	}
	if portCursor > 0x10000 {
		return fmt.Errorf("%w: BAR allocation exceeds port space", ErrNoResources)
	}
	b.mmioCursor = mmioCursor
	b.portCursor = uint32(portCursor)

	// BIOS-initialized state: the device is usable without an explicit
	// command register write.
	d.mu.Lock()
	d.command = commandIOEnable | commandMemEnable
	d.mu.Unlock()

	d.globalIRQ = slotIRQs[slot]
	d.bus = b
	b.device[slot] = d
	b.nextOpenSlot++

	if err := d.setupTraps(b.traps); err != nil {
		return fmt.Errorf("device %d BAR traps: %w", slot, err)
	}

	slog.Debug("pci: connected device",
		"slot", slot,
		"vendor", fmt.Sprintf("%04x", d.attrs.VendorID),
		"device", fmt.Sprintf("%04x", d.attrs.DeviceID),
		"irq", d.globalIRQ)
	return nil
}

// Interrupt requests delivery of the device's assigned IRQ line. If the
// guest has interrupts masked in the command register the request is latched
// and replayed when the guest unmasks; guests commonly probe a device with
// interrupts disabled before unmasking.
func (b *Bus) Interrupt(d *Device) error {
	d.mu.Lock()
	if d.command&commandIntxDisable != 0 {
		d.pendingIRQ = true
		d.mu.Unlock()
		return nil
	}
	d.pendingIRQ = false
	irq := d.globalIRQ
	d.mu.Unlock()

	if b.intc == nil {
		return nil
	}
	return b.intc.Interrupt(irq)
}

// ReadIOPort serves the legacy CF8/CFC configuration mechanism.
func (b *Bus) ReadIOPort(port uint16, v *Value) error {
	switch {
	case port >= configAddressPortBase && port < configDataPortBase:
		shift := (port - configAddressPortBase) * 8
		b.mu.Lock()
		addr := b.configAddr
		b.mu.Unlock()
		v.Data = (addr >> shift) & v.Mask()
		return nil
	case port >= configDataPortBase && port < configDataPortBase+4:
		addr := b.configAddrSnapshot()
		d, ok := b.typeOneTarget(addr)
		if !ok {
			// Non-existent device or function: reads float high.
			v.Data = v.Mask()
			return nil
		}
		reg := uint16(addr&0xfc) + (port - configDataPortBase)
		return d.ReadConfig(reg, v)
	default:
		slog.Debug("pci: unhandled config port read", "port", fmt.Sprintf("%#04x", port))
		return fmt.Errorf("unhandled read from I/O port %#04x", port)
	}
}

// WriteIOPort serves the legacy CF8/CFC configuration mechanism.
func (b *Bus) WriteIOPort(port uint16, v Value) error {
	switch {
	case port >= configAddressPortBase && port < configDataPortBase:
		// Partial-width writes touch only the addressed bytes of the shadow
		// register.
		shift := (port - configAddressPortBase) * 8
		mask := v.Mask() << shift
		b.mu.Lock()
		b.configAddr = b.configAddr&^mask | v.Data<<shift&mask
		b.mu.Unlock()
		return nil
	case port >= configDataPortBase && port < configDataPortBase+4:
		addr := b.configAddrSnapshot()
		d, ok := b.typeOneTarget(addr)
		if !ok {
			// Writes to non-existent devices are discarded.
			return nil
		}
		reg := uint16(addr&0xfc) + (port - configDataPortBase)
		return d.WriteConfig(reg, v)
	default:
		slog.Debug("pci: unhandled config port write", "port", fmt.Sprintf("%#04x", port))
		return fmt.Errorf("unhandled write to I/O port %#04x", port)
	}
}

// ReadECAM serves a configuration read at the given offset into the ECAM
// window.
func (b *Bus) ReadECAM(off uint64, v *Value) error {
	d, reg, ok := b.ecamTarget(off)
	if !ok {
		v.Data = v.Mask()
		return nil
	}
	return d.ReadConfig(reg, v)
}

// WriteECAM serves a configuration write at the given offset into the ECAM
// window.
func (b *Bus) WriteECAM(off uint64, v Value) error {
	d, reg, ok := b.ecamTarget(off)
	if !ok {
		return nil
	}
	return d.WriteConfig(reg, v)
}

func (b *Bus) configAddrSnapshot() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.configAddr
}

// typeOneTarget decodes the CF8 shadow register and returns the addressed
// device. Only bus 0, function 0 exists.
func (b *Bus) typeOneTarget(addr uint32) (*Device, bool) {
	busNum := addr >> typeOneBusShift & typeOneBusMask
	slot := int(addr >> typeOneDeviceShift & typeOneDeviceMask)
	function := addr >> typeOneFunctionShift & typeOneFunctionMask
	if busNum != 0 || function != 0 || slot >= b.nextOpenSlot {
		return nil, false
	}
	return b.device[slot], true
}

// ecamTarget decodes an ECAM window offset. The 12-bit register field allows
// access to the whole capability area, unlike the legacy 8-bit field.
func (b *Bus) ecamTarget(off uint64) (*Device, uint16, bool) {
	busNum := off >> ecamBusShift & ecamBusMask
	slot := int(off >> ecamDeviceShift & ecamDeviceMask)
	function := off >> ecamFunctionShift & ecamFunctionMask
	if busNum != 0 || function != 0 || slot >= b.nextOpenSlot {
		return nil, 0, false
	}
	return b.device[slot], uint16(off & ecamRegisterMask), true
}

// rootComplexHandler backs the root complex's nominal BAR window.
type rootComplexHandler struct{}

func (rootComplexHandler) ReadBar(bar int, off uint64, v *Value) error {
	v.Data = 0
	return nil
}

func (rootComplexHandler) WriteBar(bar int, off uint64, v Value) error {
	return nil
}

// Reset restores every connected device to its BIOS-initialized command
// state, drops latched interrupts and clears the CF8 shadow register.
func (b *Bus) Reset() error {
	for slot := 0; slot < b.nextOpenSlot; slot++ {
		b.device[slot].reset()
	}
	b.mu.Lock()
	b.configAddr = 0
	b.mu.Unlock()
	return nil
}

// The bus is registered as a chipset device so it takes part in the machine
// lifecycle. Its traps are installed through the registry at Attach time, so
// it declares no intercepts of its own.

func (b *Bus) Init(vm hv.VirtualMachine) error { return nil }

func (b *Bus) Start() error { return nil }

func (b *Bus) Stop() error { return nil }

func (b *Bus) SupportsPortIO() *chipset.PortIOIntercept { return nil }

func (b *Bus) SupportsMmio() *chipset.MmioIntercept { return nil }

var _ chipset.ChipsetDevice = (*Bus)(nil)
