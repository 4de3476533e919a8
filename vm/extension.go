package vm

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// ---------------------------------------------------------------------------
// Host bridge
// ---------------------------------------------------------------------------

// HostRequest is one host instruction forwarded out of the guest. Class is
// the instruction's mode (file, net, console, time), Op the sub-operation
// selector from the immediate, Arg a scalar operand and Buf the guest
// buffer capability, which may be invalid when the operation needs none.
type HostRequest struct {
	Class uint8
	Op    uint64
	Arg   uint64
	Buf   Capability
}

// HostBridge receives host instructions. The engine forwards requests
// verbatim and never interprets them; policy (which files, which sockets,
// whether at all) lives entirely in the bridge implementation. Bridge
// errors surface in the guest as a user trap.
type HostBridge interface {
	Host(req HostRequest, mem *Memory) (uint64, error)
}

// Console sub-operations understood by ConsoleBridge.
const (
	ConsoleWrite uint64 = 0 // write Arg bytes from Buf to stdout
	ConsoleError uint64 = 1 // write Arg bytes from Buf to stderr
)

// Time sub-operations understood by ConsoleBridge.
const (
	TimeUnixNano  uint64 = 0
	TimeMonotonic uint64 = 1
)

// ConsoleBridge is the default bridge: console output and clock reads only.
// File and network classes are refused, which keeps a default-configured
// engine incapable of touching the filesystem or the network.
type ConsoleBridge struct {
	start time.Time
	once  sync.Once
}

// Host implements HostBridge.
func (b *ConsoleBridge) Host(req HostRequest, mem *Memory) (uint64, error) {
	b.once.Do(func() { b.start = time.Now() })

	switch req.Class {
	case HostConsole:
		n := int(req.Arg)
		if n < 0 || n > mem.Size() {
			return 0, fmt.Errorf("console write of %d bytes out of range", n)
		}
		buf := make([]byte, n)
		if trap := mem.ReadBytes(req.Buf, 0, buf); trap != TrapNone {
			return 0, trap
		}
		out := os.Stdout
		if req.Op == ConsoleError {
			out = os.Stderr
		}
		written, err := out.Write(buf)
		return uint64(written), err

	case HostTime:
		switch req.Op {
		case TimeUnixNano:
			return uint64(time.Now().UnixNano()), nil
		case TimeMonotonic:
			return uint64(time.Since(b.start)), nil
		}
		return 0, fmt.Errorf("unknown time operation %d", req.Op)
	}
	return 0, fmt.Errorf("host class %d refused", req.Class)
}

// ---------------------------------------------------------------------------
// Extension dispatch
// ---------------------------------------------------------------------------

// ExtensionFunc is a host function callable from guest code. Results feed
// back into a register and arrive tainted, like all external input.
type ExtensionFunc func(arg1, arg2 uint64, mem *Memory) (uint64, error)

// ExtensionDispatcher maps extension call ids to registered host functions.
// Registration happens before execution starts; dispatch is read-only and
// safe across spawned contexts.
type ExtensionDispatcher struct {
	mu    sync.RWMutex
	fns   map[uint64]ExtensionFunc
	names map[uint64]string
}

// NewExtensionDispatcher returns an empty dispatcher.
func NewExtensionDispatcher() *ExtensionDispatcher {
	return &ExtensionDispatcher{
		fns:   make(map[uint64]ExtensionFunc),
		names: make(map[uint64]string),
	}
}

// Register binds an id to a function. Rebinding an id is an error.
func (d *ExtensionDispatcher) Register(id uint64, name string, fn ExtensionFunc) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, dup := d.fns[id]; dup {
		return fmt.Errorf("extension id %d already bound to %q", id, d.names[id])
	}
	d.fns[id] = fn
	d.names[id] = name
	return nil
}

// Call dispatches an extension call.
func (d *ExtensionDispatcher) Call(id, arg1, arg2 uint64, mem *Memory) (uint64, error) {
	d.mu.RLock()
	fn := d.fns[id]
	d.mu.RUnlock()
	if fn == nil {
		return 0, fmt.Errorf("no extension bound to id %d", id)
	}
	return fn(arg1, arg2, mem)
}

// Names returns a copy of the id to name table, for diagnostics.
func (d *ExtensionDispatcher) Names() map[uint64]string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[uint64]string, len(d.names))
	for id, name := range d.names {
		out[id] = name
	}
	return out
}
