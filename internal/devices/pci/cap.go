package pci

import "fmt"

// Capability is one record in a device's capability chain. Data holds the
// payload that follows the two-byte ID/next header. Capabilities are
// registered at device construction time and never mutated afterwards; the
// chain's "next" pointers are derived from position, not stored.
type Capability struct {
	ID   uint8
	Data []byte
}

// wireLen is the space the capability occupies in configuration space: the
// two header bytes plus the payload, rounded up to a DWORD boundary.
func (c Capability) wireLen() uint8 {
	return align4(2 + uint8(len(c.Data)))
}

// AddCapability appends a capability to the device's chain. The chain must
// fit between the capability base and the end of configuration space.
func (d *Device) AddCapability(id uint8, data []byte) error {
	if d.bus != nil {
		return fmt.Errorf("%w: capabilities must be registered before connect", ErrBadState)
	}
	if len(data) > cfgSpaceEnd-capBase-2 {
		return fmt.Errorf("capability payload of %d bytes does not fit", len(data))
	}
	next := Capability{ID: id, Data: append([]byte(nil), data...)}
	total := uint16(0)
	for _, c := range d.caps {
		total += uint16(c.wireLen())
	}
	total += uint16(next.wireLen())
	if capBase+total > cfgSpaceEnd {
		return fmt.Errorf("capability chain exceeds configuration space (%#x bytes)", total)
	}
	d.caps = append(d.caps, next)
	return nil
}

// findCapability locates the capability containing the configuration space
// byte address addr, returning its index and the address it starts at.
func (d *Device) findCapability(addr uint16) (int, uint16, bool) {
	base := uint16(capBase)
	for i, c := range d.caps {
		end := base + uint16(c.wireLen())
		if addr >= base && addr < end {
			return i, base, true
		}
		base = end
	}
	return 0, 0, false
}

// readCapability reconstructs the dword of capability space at the aligned
// byte address addr. Byte 0 of a capability is its ID, byte 1 the computed
// next pointer (0 terminates the chain), and the rest the payload, zero
// padded through the DWORD-aligned tail.
func (d *Device) readCapability(addr uint16) (uint32, bool) {
	index, base, ok := d.findCapability(addr)
	if !ok {
		return 0, false
	}
	c := d.caps[index]

	next := uint8(0)
	if index+1 < len(d.caps) {
		next = uint8(base) + c.wireLen()
	}

	var value uint32
	for i := uint16(0); i < 4; i++ {
		rel := addr + i - base
		var b byte
		switch {
		case rel == 0:
			b = c.ID
		case rel == 1:
			b = next
		case int(rel-2) < len(c.Data):
			b = c.Data[rel-2]
		}
		value |= uint32(b) << (8 * i)
	}
	return value, true
}
