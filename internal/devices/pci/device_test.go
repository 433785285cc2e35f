package pci

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func readConfig32(t *testing.T, dev *Device, reg uint16) uint32 {
	t.Helper()
	v := Value{Size: 4}
	if err := dev.ReadConfig(reg, &v); err != nil {
		t.Fatalf("read config %#x: %v", reg, err)
	}
	return v.Data
}

func TestIdentityRegisters(t *testing.T) {
	dev := NewDevice(Attributes{
		VendorID:          0x1af4,
		DeviceID:          0x1042,
		SubsystemVendorID: 0x1af4,
		SubsystemID:       0x0010,
		DeviceClass:       0x01_80_00_00,
	}, nullBackend{})

	if got, want := readConfig32(t, dev, cfgVendorID), uint32(0x1042_1af4); got != want {
		t.Fatalf("ID dword = %#x, want %#x", got, want)
	}
	if got, want := readConfig32(t, dev, cfgRevisionID), uint32(0x01_80_00_00); got != want {
		t.Fatalf("class dword = %#x, want %#x", got, want)
	}
	if got, want := readConfig32(t, dev, cfgSubsystem), uint32(0x0010_1af4); got != want {
		t.Fatalf("subsystem dword = %#x, want %#x", got, want)
	}
	if got := readConfig32(t, dev, cfgHeaderType); got != 0 {
		t.Fatalf("header type dword = %#x, want 0", got)
	}
	if got, want := readConfig32(t, dev, cfgInterruptLine), uint32(0x100); got != want {
		t.Fatalf("interrupt dword = %#x, want pin INTA (%#x)", got, want)
	}

	// Read-only registers discard writes of any size.
	if err := dev.WriteConfig(cfgVendorID, Value{Size: 4, Data: 0xdead_beef}); err != nil {
		t.Fatalf("write to ID dword: %v", err)
	}
	if got, want := readConfig32(t, dev, cfgVendorID), uint32(0x1042_1af4); got != want {
		t.Fatalf("ID dword after write = %#x, want %#x", got, want)
	}
}

func TestSubDwordReads(t *testing.T) {
	dev := NewDevice(Attributes{VendorID: 0x1af4, DeviceID: 0x1042}, nullBackend{})

	v := Value{Size: 2}
	if err := dev.ReadConfig(0x00, &v); err != nil {
		t.Fatalf("read vendor: %v", err)
	}
	if v.Data != 0x1af4 {
		t.Fatalf("vendor = %#x, want 0x1af4", v.Data)
	}
	if err := dev.ReadConfig(0x02, &v); err != nil {
		t.Fatalf("read device: %v", err)
	}
	if v.Data != 0x1042 {
		t.Fatalf("device = %#x, want 0x1042", v.Data)
	}

	// Status lives in the upper half of the command dword.
	if err := dev.ReadConfig(0x06, &v); err != nil {
		t.Fatalf("read status: %v", err)
	}
	if v.Data != statusInterrupt {
		t.Fatalf("status = %#x, want %#x", v.Data, statusInterrupt)
	}

	v = Value{Size: 1}
	if err := dev.ReadConfig(0x01, &v); err != nil {
		t.Fatalf("read byte: %v", err)
	}
	if v.Data != 0x1a {
		t.Fatalf("vendor high byte = %#x, want 0x1a", v.Data)
	}
}

func TestUnimplementedRegisters(t *testing.T) {
	dev := newTestDevice(t)

	for _, reg := range []uint16{0x28, 0x40, 0x80, 0xfc} {
		if got := readConfig32(t, dev, reg); got != 0 {
			t.Fatalf("register %#x = %#x, want 0", reg, got)
		}
		if err := dev.WriteConfig(reg, Value{Size: 4, Data: 0xffff_ffff}); err != nil {
			t.Fatalf("write to register %#x: %v", reg, err)
		}
		if got := readConfig32(t, dev, reg); got != 0 {
			t.Fatalf("register %#x after write = %#x, want 0", reg, got)
		}
	}
}

func TestCommandWriteWidth(t *testing.T) {
	dev := newTestDevice(t)

	for _, size := range []uint8{1, 4} {
		err := dev.WriteConfig(cfgCommand, Value{Size: size, Data: 0})
		if !errors.Is(err, ErrNotSupported) {
			t.Fatalf("%d-byte command write = %v, want ErrNotSupported", size, err)
		}
	}
	if err := dev.WriteConfig(cfgCommand, Value{Size: 2, Data: commandMemEnable}); err != nil {
		t.Fatalf("16-bit command write: %v", err)
	}
	if got := readConfig32(t, dev, cfgCommand) & 0xffff; got != commandMemEnable {
		t.Fatalf("command = %#x, want %#x", got, commandMemEnable)
	}
}

func TestBARWriteWidth(t *testing.T) {
	dev := newTestDevice(t, 0x1000)

	if err := dev.WriteConfig(cfgBARBase, Value{Size: 2, Data: 0}); !errors.Is(err, ErrNotSupported) {
		t.Fatalf("16-bit BAR write = %v, want ErrNotSupported", err)
	}
	if err := dev.WriteConfig(cfgBARBase+2, Value{Size: 4, Data: 0}); !errors.Is(err, ErrNotSupported) {
		t.Fatalf("misaligned BAR write = %v, want ErrNotSupported", err)
	}
}

func TestBARRoundTrip(t *testing.T) {
	bus, _, _ := newTestBus(t)
	dev := newTestDevice(t, 0x1000)
	if err := bus.Connect(dev); err != nil {
		t.Fatalf("connect: %v", err)
	}

	const written = uint32(0xfebc_5678)
	if err := dev.WriteConfig(cfgBARBase, Value{Size: 4, Data: written}); err != nil {
		t.Fatalf("write BAR low: %v", err)
	}
	want := written&^uint32(0x1000-1) | barMmioType64Bit
	if got := readConfig32(t, dev, cfgBARBase); got != want {
		t.Fatalf("BAR low = %#x, want %#x", got, want)
	}

	// The following slot is the high dword of the 64-bit window.
	if err := dev.WriteConfig(cfgBARBase+4, Value{Size: 4, Data: 0x12}); err != nil {
		t.Fatalf("write BAR high: %v", err)
	}
	if got := readConfig32(t, dev, cfgBARBase+4); got != 0x12 {
		t.Fatalf("BAR high = %#x, want 0x12", got)
	}
	if got, want := dev.BAR(0).Base(), uint64(0x12_febc_5000); got != want {
		t.Fatalf("BAR base = %#x, want %#x", got, want)
	}
}

func TestBARSizingProbe(t *testing.T) {
	bus, _, _ := newTestBus(t)
	dev := newTestDevice(t, 0x4000)
	if err := bus.Connect(dev); err != nil {
		t.Fatalf("connect: %v", err)
	}
	original := readConfig32(t, dev, cfgBARBase)

	if err := dev.WriteConfig(cfgBARBase, Value{Size: 4, Data: 0xffff_ffff}); err != nil {
		t.Fatalf("sizing write: %v", err)
	}
	sized := readConfig32(t, dev, cfgBARBase)
	if size := ^(sized &^ 0xf) + 1; size != 0x4000 {
		t.Fatalf("sized window = %#x, want 0x4000", size)
	}

	if err := dev.WriteConfig(cfgBARBase, Value{Size: 4, Data: original}); err != nil {
		t.Fatalf("restore write: %v", err)
	}
	if got := readConfig32(t, dev, cfgBARBase); got != original {
		t.Fatalf("BAR after restore = %#x, want %#x", got, original)
	}
}

func TestUnimplementedBARSlots(t *testing.T) {
	dev := newTestDevice(t, 0x1000)

	// Slot 2 onward is unimplemented: reads zero, writes discarded.
	if got := readConfig32(t, dev, cfgBARBase+8); got != 0 {
		t.Fatalf("unimplemented BAR = %#x, want 0", got)
	}
	if err := dev.WriteConfig(cfgBARBase+8, Value{Size: 4, Data: 0xffff_ffff}); err != nil {
		t.Fatalf("write unimplemented BAR: %v", err)
	}
	if got := readConfig32(t, dev, cfgBARBase+8); got != 0 {
		t.Fatalf("unimplemented BAR after write = %#x, want 0", got)
	}
	if got := readConfig32(t, dev, cfgExpansionROM); got != 0 {
		t.Fatalf("expansion ROM = %#x, want 0", got)
	}
}

func TestConfigureBARRules(t *testing.T) {
	dev := NewDevice(Attributes{VendorID: 0x1af4}, nullBackend{})

	if err := dev.ConfigureBAR(0, 0, TrapMmioSync); err == nil {
		t.Fatalf("zero-size BAR accepted")
	}
	if err := dev.ConfigureBAR(6, 0x1000, TrapMmioSync); err == nil {
		t.Fatalf("out-of-range BAR accepted")
	}
	if err := dev.ConfigureBAR(0, 0x1000, TrapMmioSync); err != nil {
		t.Fatalf("configure BAR 0: %v", err)
	}
	if err := dev.ConfigureBAR(0, 0x1000, TrapMmioSync); err == nil {
		t.Fatalf("duplicate BAR accepted")
	}
	// Slot 1 is BAR 0's high dword.
	if err := dev.ConfigureBAR(1, 0x1000, TrapMmioSync); err == nil {
		t.Fatalf("high-dword slot accepted")
	}
	if err := dev.ConfigureBAR(2, 0x1000, TrapPioSync); err != nil {
		t.Fatalf("configure BAR 2: %v", err)
	}
	// The last slot cannot hold a 64-bit BAR: its high dword would have no
	// register.
	if err := dev.ConfigureBAR(5, 0x1000, TrapMmioSync); err == nil {
		t.Fatalf("64-bit BAR in last slot accepted")
	}
	if err := dev.ConfigureBAR(4, 0xffff_ffff, TrapMmioSync); err == nil {
		t.Fatalf("oversized BAR accepted")
	}

	noBackend := NewDevice(Attributes{VendorID: 0x1af4}, nil)
	if err := noBackend.ConfigureBAR(0, 0x1000, TrapMmioSync); err == nil {
		t.Fatalf("BAR without backend accepted")
	}

	bus, _, _ := newTestBus(t)
	if err := bus.Connect(dev); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := dev.ConfigureBAR(4, 0x1000, TrapMmioSync); !errors.Is(err, ErrBadState) {
		t.Fatalf("post-connect configure = %v, want ErrBadState", err)
	}
}

func TestRejectedWritesLogged(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	defer slog.SetDefault(prev)

	dev := newTestDevice(t, 0x1000)
	if err := dev.WriteConfig(cfgCommand, Value{Size: 4, Data: 0}); !errors.Is(err, ErrNotSupported) {
		t.Fatalf("4-byte command write = %v, want ErrNotSupported", err)
	}
	if err := dev.WriteConfig(cfgBARBase, Value{Size: 1, Data: 0}); !errors.Is(err, ErrNotSupported) {
		t.Fatalf("1-byte BAR write = %v, want ErrNotSupported", err)
	}
	if got := buf.String(); strings.Count(got, "rejected config write") != 2 {
		t.Fatalf("rejections not logged:\n%s", got)
	}
}

func TestBARAccessUnattached(t *testing.T) {
	var bar BAR
	v := Value{Size: 4}
	if err := bar.Read(0, &v); !errors.Is(err, ErrBadState) {
		t.Fatalf("read on unattached BAR = %v, want ErrBadState", err)
	}
	if err := bar.Write(0, Value{Size: 4}); !errors.Is(err, ErrBadState) {
		t.Fatalf("write on unattached BAR = %v, want ErrBadState", err)
	}
}
