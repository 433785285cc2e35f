package pci

import (
	"bytes"
	"testing"
)

func TestValueFromBytes(t *testing.T) {
	v, err := ValueFromBytes([]byte{0x78, 0x56, 0x34, 0x12})
	if err != nil {
		t.Fatalf("decode dword: %v", err)
	}
	if v.Size != 4 || v.Data != 0x1234_5678 {
		t.Fatalf("decoded %+v, want size 4 data 0x12345678", v)
	}

	v, err = ValueFromBytes([]byte{0xcd, 0xab})
	if err != nil {
		t.Fatalf("decode word: %v", err)
	}
	if v.Size != 2 || v.Data != 0xabcd {
		t.Fatalf("decoded %+v, want size 2 data 0xabcd", v)
	}

	for _, n := range []int{0, 3, 5} {
		if _, err := ValueFromBytes(make([]byte, n)); err == nil {
			t.Fatalf("%d-byte access accepted", n)
		}
	}
}

func TestValueStore(t *testing.T) {
	buf := []byte{0xee, 0xee, 0xee, 0xee}
	Value{Size: 2, Data: 0x1234_abcd}.Store(buf)
	if want := []byte{0xcd, 0xab, 0xee, 0xee}; !bytes.Equal(buf, want) {
		t.Fatalf("stored % x, want % x", buf, want)
	}
}

func TestValueMask(t *testing.T) {
	if got := (Value{Size: 1}).Mask(); got != 0xff {
		t.Fatalf("byte mask = %#x", got)
	}
	if got := (Value{Size: 2}).Mask(); got != 0xffff {
		t.Fatalf("word mask = %#x", got)
	}
	if got := (Value{Size: 4}).Mask(); got != 0xffff_ffff {
		t.Fatalf("dword mask = %#x", got)
	}
}
