package pci

import "math/bits"

const (
	// MaxBars is the number of type 0 base address register slots.
	MaxBars = 6

	// MaxDevices bounds the slot table. It matches the length of the static
	// per-slot IRQ table below, not the architectural limit of 32.
	MaxDevices = 16
)

// Standard type 0 configuration space register offsets.
const (
	cfgVendorID      = 0x00
	cfgCommand       = 0x04
	cfgRevisionID    = 0x08
	cfgHeaderType    = 0x0c
	cfgBARBase       = 0x10
	cfgBARCount      = 6
	cfgExpansionROM  = 0x30
	cfgSubsystem     = 0x2c
	cfgCapPointer    = 0x34
	cfgInterruptLine = 0x3c

	// capBase is where the capability chain starts. Capabilities occupy
	// [capBase, 0x100).
	capBase     = 0xa4
	cfgSpaceEnd = 0x100
)

// Command register bits.
const (
	commandIOEnable    = 1 << 0
	commandMemEnable   = 1 << 1
	commandIntxDisable = 1 << 10
)

// Status register bits. The interrupt status bit is always asserted to
// indicate the INTx pin state is observable; the capability list bit is set
// when the device carries at least one capability.
const (
	statusInterrupt = 1 << 3
	statusCapList   = 1 << 4
)

// BAR low dword type encoding for memory BARs: 64-bit, non-prefetchable.
const (
	barMmioType64Bit   = 0b10 << 1
	barMmioAddressMask = ^uint64(0xf)
)

// Legacy configuration mechanism ports.
const (
	configAddressPortBase = 0x0cf8
	configDataPortBase    = 0x0cfc
	configPortCount       = 8
)

// ECAM address decomposition: bus[27:20] device[19:15] function[14:12]
// register[11:0].
const (
	ecamDeviceShift   = 15
	ecamDeviceMask    = 0x1f
	ecamFunctionShift = 12
	ecamFunctionMask  = 0x7
	ecamRegisterMask  = 0xfff
	ecamBusShift      = 20
	ecamBusMask       = 0xff

	// EcamWindowSize covers a single bus worth of 4 KiB function windows.
	EcamWindowSize = 1 << 20
)

// Legacy CF8 address decomposition (type 1): bus[23:16] device[15:11]
// function[10:8] register[7:0].
const (
	typeOneDeviceShift   = 11
	typeOneDeviceMask    = 0x1f
	typeOneFunctionShift = 8
	typeOneFunctionMask  = 0x7
	typeOneRegisterMask  = 0xff
	typeOneBusShift      = 16
	typeOneBusMask       = 0xff
)

// pageSize is the guest page granularity BAR windows are rounded to.
const pageSize = 0x1000

// slotIRQs fixes the global IRQ line assigned to each device slot. The
// table length bounds MaxDevices.
var slotIRQs = [MaxDevices]uint32{
	32, 33, 34, 35, 36, 37, 38, 39,
	40, 41, 42, 43, 44, 45, 46, 47,
}

// Root complex identity: Intel Q35 host bridge.
const (
	rootComplexVendorID = 0x8086
	rootComplexDeviceID = 0x29c0
	classBridgeHost     = 0x0600 << 16
)

// alignBARSize rounds a BAR window up to a power of two of at least one
// guest page. Sizing probes only decode cleanly for power-of-two windows.
func alignBARSize(size uint32) uint32 {
	if size <= pageSize {
		return pageSize
	}
	return 1 << uint(bits.Len32(size-1))
}

func align4(n uint8) uint8 {
	return (n + 3) &^ 3
}
