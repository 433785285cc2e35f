package pci

import "errors"

var (
	// ErrNotSupported reports a malformed access the emulation refuses, such
	// as a command register write that is not exactly 16 bits wide.
	ErrNotSupported = errors.New("pci: access not supported")

	// ErrBadState reports use of an object before it was attached, such as a
	// BAR access before the owning device connected to a bus.
	ErrBadState = errors.New("pci: bad state")

	// ErrOutOfRange reports that no free device slot remains.
	ErrOutOfRange = errors.New("pci: out of range")

	// ErrNoResources reports exhaustion of the MMIO window reserved for BARs.
	ErrNoResources = errors.New("pci: out of resources")
)
