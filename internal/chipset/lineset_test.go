package chipset

import "testing"

type recordedIRQ struct {
	line  uint8
	level bool
}

type fakeSink struct {
	irqs []recordedIRQ
}

func (f *fakeSink) SetIRQ(line uint8, level bool) {
	f.irqs = append(f.irqs, recordedIRQ{line: line, level: level})
}

func TestLineSetLevelEdges(t *testing.T) {
	sink := &fakeSink{}
	lines := NewLineSet(sink)
	line := lines.AllocateLine(5)

	// Only level changes are forwarded.
	line.SetLevel(true)
	line.SetLevel(true)
	line.SetLevel(false)

	want := []recordedIRQ{{5, true}, {5, false}}
	if len(sink.irqs) != len(want) {
		t.Fatalf("forwarded %v, want %v", sink.irqs, want)
	}
	for i := range want {
		if sink.irqs[i] != want[i] {
			t.Fatalf("forwarded %v, want %v", sink.irqs, want)
		}
	}
}

func TestLineSetPulse(t *testing.T) {
	sink := &fakeSink{}
	lines := NewLineSet(sink)
	line := lines.AllocateLine(33)

	line.PulseInterrupt()

	want := []recordedIRQ{{33, true}, {33, false}}
	if len(sink.irqs) != 2 || sink.irqs[0] != want[0] || sink.irqs[1] != want[1] {
		t.Fatalf("pulse forwarded %v, want %v", sink.irqs, want)
	}
}

func TestLineSetNilSink(t *testing.T) {
	lines := NewLineSet(nil)
	line := lines.AllocateLine(1)
	line.SetLevel(true)
	line.PulseInterrupt()
}
