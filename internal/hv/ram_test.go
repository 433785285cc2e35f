package hv

import (
	"bytes"
	"io"
	"testing"
)

func TestRAMReadWrite(t *testing.T) {
	ram, err := NewRAM(0x1000, 0x10000)
	if err != nil {
		t.Fatalf("new RAM: %v", err)
	}
	defer ram.Close()

	if ram.MemorySize() != 0x10000 {
		t.Fatalf("size = %#x", ram.MemorySize())
	}
	if ram.MemoryBase() != 0x1000 {
		t.Fatalf("base = %#x", ram.MemoryBase())
	}

	payload := []byte{1, 2, 3, 4}
	if _, err := ram.WriteAt(payload, 0x100); err != nil {
		t.Fatalf("write: %v", err)
	}
	got := make([]byte, 4)
	if _, err := ram.ReadAt(got, 0x100); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("read % x, want % x", got, payload)
	}
}

func TestRAMBounds(t *testing.T) {
	ram, err := NewRAM(0, 0x1000)
	if err != nil {
		t.Fatalf("new RAM: %v", err)
	}
	defer ram.Close()

	if _, err := ram.ReadAt(make([]byte, 1), 0x1000); err != io.EOF {
		t.Fatalf("read past end = %v, want io.EOF", err)
	}
	if n, err := ram.ReadAt(make([]byte, 8), 0xffc); n != 4 || err != io.EOF {
		t.Fatalf("truncated read = (%d, %v), want (4, io.EOF)", n, err)
	}
	if _, err := ram.WriteAt(make([]byte, 8), 0xffc); err != io.ErrShortWrite {
		t.Fatalf("truncated write = %v, want io.ErrShortWrite", err)
	}
	if _, err := ram.ReadAt(make([]byte, 1), -1); err != io.EOF {
		t.Fatalf("negative offset read = %v, want io.EOF", err)
	}
}

func TestRAMZeroSize(t *testing.T) {
	if _, err := NewRAM(0, 0); err == nil {
		t.Fatalf("zero-size RAM accepted")
	}
}

type initRecorder struct {
	vm VirtualMachine
}

func (d *initRecorder) Init(vm VirtualMachine) error {
	d.vm = vm
	return nil
}

func TestRAMAddDevice(t *testing.T) {
	ram, err := NewRAM(0, 0x1000)
	if err != nil {
		t.Fatalf("new RAM: %v", err)
	}
	defer ram.Close()

	dev := &initRecorder{}
	if err := ram.AddDevice(dev); err != nil {
		t.Fatalf("add device: %v", err)
	}
	if dev.vm != VirtualMachine(ram) {
		t.Fatalf("device initialized with wrong VM")
	}
	if err := ram.AddDevice(nil); err == nil {
		t.Fatalf("nil device accepted")
	}
}
