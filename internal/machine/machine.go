package machine

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/stratovm/strato/internal/chipset"
	"github.com/stratovm/strato/internal/devices/pci"
	"github.com/stratovm/strato/internal/hv"
)

// Machine is a built guest: memory, the chipset dispatch tables and the PCI
// bus populated from a Config.
type Machine struct {
	VM      *hv.RAM
	Bus     *pci.Bus
	Chipset *chipset.Chipset
	Lines   *chipset.LineSet

	devices map[string]*pci.Device
}

// Build constructs a machine from the layout. Interrupt assertions are
// forwarded to sink; pass nil to drop them.
func Build(cfg *Config, sink chipset.InterruptSink) (*Machine, error) {
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	vm, err := hv.NewRAM(0, cfg.MemoryMB<<20)
	if err != nil {
		return nil, err
	}

	lines := chipset.NewLineSet(sink)
	builder := chipset.NewBuilder()
	bus := pci.NewBus(pci.BusConfig{
		EcamBase: cfg.PCI.EcamBase,
		MMIOBase: cfg.PCI.MMIOBase,
		MMIOSize: cfg.PCI.MMIOSize,
		PortBase: cfg.PCI.PortBase,
	}, &lineController{lines: lines})
	if err := bus.Attach(builder); err != nil {
		vm.Close()
		return nil, fmt.Errorf("attach pci bus: %w", err)
	}
	if err := vm.AddDevice(bus); err != nil {
		vm.Close()
		return nil, err
	}
	if err := builder.RegisterDevice("pci", bus); err != nil {
		vm.Close()
		return nil, err
	}

	m := &Machine{
		VM:      vm,
		Bus:     bus,
		Lines:   lines,
		devices: make(map[string]*pci.Device, len(cfg.Devices)),
	}
	for _, devCfg := range cfg.Devices {
		dev, backend, err := buildDevice(devCfg)
		if err != nil {
			vm.Close()
			return nil, fmt.Errorf("device %q: %w", devCfg.Name, err)
		}
		if err := bus.Connect(dev); err != nil {
			vm.Close()
			return nil, fmt.Errorf("connect device %q: %w", devCfg.Name, err)
		}
		// Window sizes are final only after the bus rounds them at connect.
		backend.sizeWindows(dev)
		m.devices[devCfg.Name] = dev
	}

	built, err := builder.Build()
	if err != nil {
		vm.Close()
		return nil, err
	}
	m.Chipset = built
	return m, nil
}

// Device returns the connected device registered under name, or nil.
func (m *Machine) Device(name string) *pci.Device {
	return m.devices[name]
}

// Reset returns the machine's devices to their power-on state.
func (m *Machine) Reset() error {
	return m.Chipset.Reset()
}

// Close releases the guest memory.
func (m *Machine) Close() error {
	return m.VM.Close()
}

func buildDevice(cfg DeviceConfig) (*pci.Device, *memoryBackend, error) {
	backend := &memoryBackend{}
	dev := pci.NewDevice(pci.Attributes{
		VendorID:          cfg.VendorID,
		DeviceID:          cfg.DeviceID,
		SubsystemVendorID: cfg.SubsystemVendorID,
		SubsystemID:       cfg.SubsystemID,
		DeviceClass:       cfg.Class << 8,
	}, backend)

	// MMIO BARs are 64-bit and consume the following register slot, so
	// windows land on even slots.
	if len(cfg.BARs) > pci.MaxBars/2 {
		return nil, nil, fmt.Errorf("at most %d BARs per device", pci.MaxBars/2)
	}
	for i, barCfg := range cfg.BARs {
		slot := i * 2
		if err := dev.ConfigureBAR(slot, barCfg.Size, trapKind(barCfg.Kind)); err != nil {
			return nil, nil, err
		}
		backend.slots = append(backend.slots, slot)
	}

	for _, capCfg := range cfg.Capabilities {
		payload, err := capCfg.Payload()
		if err != nil {
			return nil, nil, err
		}
		if err := dev.AddCapability(capCfg.ID, payload); err != nil {
			return nil, nil, err
		}
	}
	return dev, backend, nil
}

func trapKind(kind string) pci.TrapKind {
	switch kind {
	case "bell":
		return pci.TrapMmioBell
	case "pio":
		return pci.TrapPioSync
	default:
		return pci.TrapMmioSync
	}
}

// memoryBackend gives synthetic devices plain memory behind each BAR.
type memoryBackend struct {
	mu      sync.Mutex
	windows [][]byte
	slots   []int
}

// sizeWindows allocates the memory behind each configured BAR using the
// window sizes the bus settled on.
func (b *memoryBackend) sizeWindows(dev *pci.Device) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.windows = b.windows[:0]
	for _, slot := range b.slots {
		b.windows = append(b.windows, make([]byte, dev.BAR(slot).Size))
	}
}

func (b *memoryBackend) window(bar int) []byte {
	for i, slot := range b.slots {
		if slot == bar {
			return b.windows[i]
		}
	}
	return nil
}

func (b *memoryBackend) ReadBar(bar int, off uint64, v *pci.Value) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	window := b.window(bar)
	if window == nil || off+uint64(v.Size) > uint64(len(window)) {
		return fmt.Errorf("BAR %d access at %#x out of window", bar, off)
	}
	var buf [4]byte
	copy(buf[:v.Size], window[off:])
	v.Data = binary.LittleEndian.Uint32(buf[:]) & v.Mask()
	return nil
}

func (b *memoryBackend) WriteBar(bar int, off uint64, v pci.Value) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	window := b.window(bar)
	if window == nil || off+uint64(v.Size) > uint64(len(window)) {
		return fmt.Errorf("BAR %d access at %#x out of window", bar, off)
	}
	v.Store(window[off:])
	return nil
}

// lineController adapts the chipset line set to the bus's interrupt
// controller interface.
type lineController struct {
	lines *chipset.LineSet

	mu      sync.Mutex
	handles map[uint8]chipset.LineInterrupt
}

func (c *lineController) Interrupt(irq uint32) error {
	line := uint8(irq)
	c.mu.Lock()
	if c.handles == nil {
		c.handles = make(map[uint8]chipset.LineInterrupt)
	}
	handle, ok := c.handles[line]
	if !ok {
		handle = c.lines.AllocateLine(line)
		c.handles[line] = handle
	}
	c.mu.Unlock()

	handle.PulseInterrupt()
	return nil
}
