package pci

import "fmt"

// Value is a sized I/O access. Size is 1, 2 or 4 bytes and callers must not
// interpret bits of Data beyond Size*8.
type Value struct {
	Size uint8
	Data uint32
}

// Mask returns the all-ones pattern for the access width.
func (v Value) Mask() uint32 {
	switch v.Size {
	case 1:
		return 0xff
	case 2:
		return 0xffff
	default:
		return 0xffff_ffff
	}
}

// ValueFromBytes decodes a little-endian byte slice into a sized value.
func ValueFromBytes(data []byte) (Value, error) {
	size := len(data)
	if size != 1 && size != 2 && size != 4 {
		return Value{}, fmt.Errorf("unsupported access size %d", size)
	}
	v := Value{Size: uint8(size)}
	for i, b := range data {
		v.Data |= uint32(b) << (8 * i)
	}
	return v, nil
}

// Store writes the low Size bytes of the value into data, little-endian.
func (v Value) Store(data []byte) {
	for i := 0; i < int(v.Size) && i < len(data); i++ {
		data[i] = byte(v.Data >> (8 * i))
	}
}
