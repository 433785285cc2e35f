package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/charmbracelet/x/ansi"
	"golang.org/x/term"

	"github.com/stratovm/strato/internal/machine"
)

// pcidump builds a machine from a layout file and enumerates the emulated
// PCI bus the way a guest would: through the ECAM window, not by inspecting
// internal state.

type enumerator struct {
	m        *machine.Machine
	ecamBase uint64
	color    bool
}

func (e *enumerator) read(dev uint8, reg uint16, size int) (uint32, error) {
	buf := make([]byte, size)
	addr := e.ecamBase + uint64(dev)<<15 + uint64(reg)
	if err := e.m.Chipset.HandleMMIO(addr, buf, false); err != nil {
		return 0, err
	}
	var full [4]byte
	copy(full[:], buf)
	return binary.LittleEndian.Uint32(full[:]), nil
}

func (e *enumerator) write32(dev uint8, reg uint16, value uint32) error {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, value)
	addr := e.ecamBase + uint64(dev)<<15 + uint64(reg)
	return e.m.Chipset.HandleMMIO(addr, buf, true)
}

func (e *enumerator) styled(style ansi.Style, text string) string {
	if !e.color {
		return text
	}
	return style.Styled(text)
}

var classNames = map[uint32]string{
	0x0180: "storage controller",
	0x0200: "ethernet controller",
	0x0300: "display controller",
	0x0600: "host bridge",
	0x0780: "communication controller",
	0x0880: "system peripheral",
}

func className(classCode uint32) string {
	if name, ok := classNames[classCode>>16]; ok {
		return name
	}
	return "unknown class"
}

func (e *enumerator) dumpDevice(dev uint8) (bool, error) {
	ident, err := e.read(dev, 0x00, 4)
	if err != nil {
		return false, err
	}
	if ident == 0xffff_ffff {
		return false, nil
	}

	classRev, err := e.read(dev, 0x08, 4)
	if err != nil {
		return false, err
	}
	classCode := classRev >> 8

	header := fmt.Sprintf("00:%02x.0 %04x: %04x:%04x", dev, classCode>>8,
		ident&0xffff, ident>>16)
	fmt.Printf("%s %s\n",
		e.styled(ansi.Style{}.Bold(), header),
		e.styled(ansi.Style{}.ForegroundColor(ansi.Cyan), className(classCode<<8)))

	commandStatus, err := e.read(dev, 0x04, 4)
	if err != nil {
		return false, err
	}
	subsystem, err := e.read(dev, 0x2c, 4)
	if err != nil {
		return false, err
	}
	irqLinePin, err := e.read(dev, 0x3c, 4)
	if err != nil {
		return false, err
	}
	fmt.Printf("\tcommand %04x status %04x subsystem %04x:%04x pin %d\n",
		commandStatus&0xffff, commandStatus>>16,
		subsystem&0xffff, subsystem>>16, irqLinePin>>8&0xff)

	if err := e.dumpBARs(dev); err != nil {
		return false, err
	}
	if err := e.dumpCapabilities(dev); err != nil {
		return false, err
	}
	return true, nil
}

func (e *enumerator) dumpBARs(dev uint8) error {
	for slot := uint16(0); slot < 6; slot++ {
		reg := 0x10 + slot*4
		low, err := e.read(dev, reg, 4)
		if err != nil {
			return err
		}
		if low == 0 {
			continue
		}
		if low&0x7 != 0x4 {
			// Not a 64-bit memory BAR low dword; either a port window or
			// the high half of the previous BAR.
			continue
		}
		high, err := e.read(dev, reg+4, 4)
		if err != nil {
			return err
		}
		base := uint64(high)<<32 | uint64(low&^uint32(0xf))

		// Size the window the way firmware does: write all-ones, read the
		// mask back, then restore the original value.
		if err := e.write32(dev, reg, 0xffff_ffff); err != nil {
			return err
		}
		sized, err := e.read(dev, reg, 4)
		if err != nil {
			return err
		}
		if err := e.write32(dev, reg, low); err != nil {
			return err
		}
		size := ^(sized &^ 0xf) + 1

		line := fmt.Sprintf("\tBAR%d: mem64 %#010x [size %#x]", slot/2*2, base, size)
		fmt.Println(e.styled(ansi.Style{}.Faint(), line))
	}
	return nil
}

func (e *enumerator) dumpCapabilities(dev uint8) error {
	status, err := e.read(dev, 0x06, 2)
	if err != nil {
		return err
	}
	if status&0x10 == 0 {
		return nil
	}
	pointer, err := e.read(dev, 0x34, 1)
	if err != nil {
		return err
	}
	for pointer != 0 {
		header, err := e.read(dev, uint16(pointer), 4)
		if err != nil {
			return err
		}
		line := fmt.Sprintf("\tcapability %#02x at %#02x", header&0xff, pointer)
		fmt.Println(e.styled(ansi.Style{}.Faint(), line))
		pointer = header >> 8 & 0xff
	}
	return nil
}

func run() error {
	configPath := flag.String("config", "", "machine layout YAML (default: built-in sample layout)")
	noColor := flag.Bool("no-color", false, "disable styled output")
	verbose := flag.Bool("v", false, "enable debug logging")
	flag.Parse()

	if *verbose {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}

	cfg := machine.DefaultConfig()
	if *configPath != "" {
		loaded, err := machine.Load(*configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	m, err := machine.Build(cfg, nil)
	if err != nil {
		return err
	}
	defer m.Close()

	e := &enumerator{
		m:        m,
		ecamBase: cfg.PCI.EcamBase,
		color:    !*noColor && term.IsTerminal(int(os.Stdout.Fd())),
	}

	for dev := uint8(0); dev < 32; dev++ {
		if _, err := e.dumpDevice(dev); err != nil {
			return fmt.Errorf("device %02x: %w", dev, err)
		}
	}
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "pcidump: %v\n", err)
		os.Exit(1)
	}
}
