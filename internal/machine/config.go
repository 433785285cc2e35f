package machine

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config describes a machine layout: guest memory, the PCI windows and the
// devices populating the bus.
type Config struct {
	Version  int    `yaml:"version"`
	Name     string `yaml:"name"`
	MemoryMB uint64 `yaml:"memoryMB,omitempty"`

	PCI     PCIConfig      `yaml:"pci"`
	Devices []DeviceConfig `yaml:"devices,omitempty"`
}

// PCIConfig fixes the guest physical layout of the PCI windows.
type PCIConfig struct {
	EcamBase uint64 `yaml:"ecamBase,omitempty"`
	MMIOBase uint64 `yaml:"mmioBase,omitempty"`
	MMIOSize uint64 `yaml:"mmioSize,omitempty"`
	PortBase uint16 `yaml:"portBase,omitempty"`
}

// DeviceConfig describes one synthetic PCI function.
type DeviceConfig struct {
	Name string `yaml:"name"`

	VendorID          uint16 `yaml:"vendorID"`
	DeviceID          uint16 `yaml:"deviceID"`
	Class             uint32 `yaml:"class"`
	SubsystemVendorID uint16 `yaml:"subsystemVendorID,omitempty"`
	SubsystemID       uint16 `yaml:"subsystemID,omitempty"`

	BARs         []BARConfig        `yaml:"bars,omitempty"`
	Capabilities []CapabilityConfig `yaml:"capabilities,omitempty"`
}

// BARConfig describes one BAR window. Kind is "mmio" (default), "bell" or
// "pio".
type BARConfig struct {
	Size uint32 `yaml:"size"`
	Kind string `yaml:"kind,omitempty"`
}

// CapabilityConfig describes one capability record. Data is the hex-encoded
// payload following the two-byte header.
type CapabilityConfig struct {
	ID   uint8  `yaml:"id"`
	Data string `yaml:"data,omitempty"`
}

// Payload decodes the hex payload.
func (c CapabilityConfig) Payload() ([]byte, error) {
	data := strings.ReplaceAll(c.Data, " ", "")
	if data == "" {
		return nil, nil
	}
	payload, err := hex.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("capability %#02x payload: %w", c.ID, err)
	}
	return payload, nil
}

func (c *Config) normalize() {
	if c.Version == 0 {
		c.Version = 1
	}
	if c.Name == "" {
		c.Name = "machine"
	}
	if c.MemoryMB == 0 {
		c.MemoryMB = 64
	}
	if c.PCI.EcamBase == 0 {
		c.PCI.EcamBase = 0xd000_0000
	}
	if c.PCI.MMIOBase == 0 {
		c.PCI.MMIOBase = 0xf000_0000
	}
	if c.PCI.MMIOSize == 0 {
		c.PCI.MMIOSize = 0x0800_0000
	}
	if c.PCI.PortBase == 0 {
		c.PCI.PortBase = 0x6000
	}
	for i := range c.Devices {
		if c.Devices[i].Name == "" {
			c.Devices[i].Name = fmt.Sprintf("device%d", i)
		}
		for j := range c.Devices[i].BARs {
			if c.Devices[i].BARs[j].Kind == "" {
				c.Devices[i].BARs[j].Kind = "mmio"
			}
		}
	}
}

func (c *Config) validate() error {
	seen := make(map[string]struct{}, len(c.Devices))
	for _, dev := range c.Devices {
		if _, dup := seen[dev.Name]; dup {
			return fmt.Errorf("duplicate device name %q", dev.Name)
		}
		seen[dev.Name] = struct{}{}
		if dev.VendorID == 0 {
			return fmt.Errorf("device %q has no vendor ID", dev.Name)
		}
		for i, bar := range dev.BARs {
			if bar.Size == 0 {
				return fmt.Errorf("device %q BAR %d has zero size", dev.Name, i)
			}
			switch bar.Kind {
			case "mmio", "bell", "pio":
			default:
				return fmt.Errorf("device %q BAR %d has unknown kind %q", dev.Name, i, bar.Kind)
			}
		}
	}
	return nil
}

// Load reads and validates a machine layout file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &cfg, nil
}

// DefaultConfig returns a layout with a pair of synthetic functions, enough
// to exercise enumeration without a layout file.
func DefaultConfig() *Config {
	cfg := &Config{
		Name: "default",
		Devices: []DeviceConfig{
			{
				Name:              "net0",
				VendorID:          0x1af4,
				DeviceID:          0x1000,
				Class:             0x02_00_00,
				SubsystemVendorID: 0x1af4,
				SubsystemID:       0x0001,
				BARs: []BARConfig{
					{Size: 0x1000, Kind: "mmio"},
				},
				Capabilities: []CapabilityConfig{
					{ID: 0x09, Data: "000000c0"},
				},
			},
			{
				Name:              "blk0",
				VendorID:          0x1af4,
				DeviceID:          0x1001,
				Class:             0x01_80_00,
				SubsystemVendorID: 0x1af4,
				SubsystemID:       0x0002,
				BARs: []BARConfig{
					{Size: 0x1000, Kind: "mmio"},
					{Size: 0x2000, Kind: "bell"},
				},
			},
		},
	}
	cfg.normalize()
	return cfg
}
