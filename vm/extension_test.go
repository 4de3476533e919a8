package vm

import (
	"testing"
	"time"
)

func TestConsoleBridgeRefusesFileAndNet(t *testing.T) {
	b := &ConsoleBridge{}
	mem := NewMemory(1 << 12)
	if _, err := b.Host(HostRequest{Class: HostFile}, mem); err == nil {
		t.Error("file class should be refused")
	}
	if _, err := b.Host(HostRequest{Class: HostNet}, mem); err == nil {
		t.Error("net class should be refused")
	}
}

func TestConsoleBridgeClock(t *testing.T) {
	b := &ConsoleBridge{}
	mem := NewMemory(1 << 12)

	before := time.Now().UnixNano()
	v, err := b.Host(HostRequest{Class: HostTime, Op: TimeUnixNano}, mem)
	if err != nil {
		t.Fatal(err)
	}
	after := time.Now().UnixNano()
	if int64(v) < before || int64(v) > after {
		t.Errorf("clock read %d outside [%d, %d]", v, before, after)
	}

	m1, err := b.Host(HostRequest{Class: HostTime, Op: TimeMonotonic}, mem)
	if err != nil {
		t.Fatal(err)
	}
	m2, err := b.Host(HostRequest{Class: HostTime, Op: TimeMonotonic}, mem)
	if err != nil {
		t.Fatal(err)
	}
	if m2 < m1 {
		t.Errorf("monotonic clock went backwards: %d then %d", m1, m2)
	}
}

func TestConsoleBridgeWriteChecksCapability(t *testing.T) {
	b := &ConsoleBridge{}
	mem := NewMemory(1 << 12)

	// No capability at all: the guest cannot leak memory it cannot read.
	if _, err := b.Host(HostRequest{Class: HostConsole, Op: ConsoleWrite, Arg: 4}, mem); err == nil {
		t.Error("console write without a readable capability should fail")
	}
}

func TestExtensionDispatcherNames(t *testing.T) {
	d := NewExtensionDispatcher()
	if err := d.Register(1, "checksum", func(a, b uint64, mem *Memory) (uint64, error) {
		return a ^ b, nil
	}); err != nil {
		t.Fatal(err)
	}
	names := d.Names()
	if names[1] != "checksum" {
		t.Errorf("names = %v", names)
	}

	v, err := d.Call(1, 6, 3, nil)
	if err != nil || v != 5 {
		t.Errorf("call = %d, %v", v, err)
	}
	if _, err := d.Call(2, 0, 0, nil); err == nil {
		t.Error("unknown id should fail")
	}
}

func TestExtensionCanTouchGuestMemory(t *testing.T) {
	mem := NewMemory(1 << 16)
	c := NewCapability(0x1000, 16, PermRead|PermWrite)
	d := NewExtensionDispatcher()
	if err := d.Register(3, "fill", func(addr, val uint64, m *Memory) (uint64, error) {
		if trap := m.Store(c.WithAddr(addr), 0, WidthDouble, val); trap != TrapNone {
			return 0, trap
		}
		return 8, nil
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := d.Call(3, 0x1000, 0xbeef, mem); err != nil {
		t.Fatal(err)
	}
	got, trap := mem.Load(c, 0, WidthDouble)
	if trap != TrapNone || got != 0xbeef {
		t.Errorf("guest memory holds %#x (%v)", got, trap)
	}
}
