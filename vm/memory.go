package vm

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// Guest memory
// ---------------------------------------------------------------------------

// DefaultMemorySize is the guest address space size when the manifest does
// not override it.
const DefaultMemorySize = 1 << 20

// Memory is the flat guest address space. Every access goes through a
// capability check first; there is no way to read or write a byte without
// presenting a valid capability covering it.
//
// Capability tags live out of band: storing a capability sets a tag on its
// 16-byte aligned line, and any scalar store overlapping that line clears
// it. Loading 16 bytes from an untagged line yields an invalid capability,
// so copying raw bytes around cannot forge authority.
type Memory struct {
	mu    sync.Mutex // serialises atomics across spawned contexts
	data  []byte
	tags  map[uint64]struct{}
	epoch atomic.Uint64
}

// Fence orders this context's memory accesses against every other's: an
// atomic read-modify-write is sequentially consistent under the Go memory
// model, giving a full two-way barrier.
func (m *Memory) Fence() {
	m.epoch.Add(1)
}

// NewMemory allocates a zeroed guest address space.
func NewMemory(size int) *Memory {
	if size <= 0 {
		size = DefaultMemorySize
	}
	return &Memory{
		data: make([]byte, size),
		tags: make(map[uint64]struct{}),
	}
}

// Size returns the address space size in bytes.
func (m *Memory) Size() int { return len(m.data) }

// resolve runs the capability check and maps the access to a data slice.
func (m *Memory) resolve(c Capability, offset int64, size int, perm uint8) ([]byte, uint64, Trap) {
	if t := c.CheckAccess(offset, size, perm); t != TrapNone {
		return nil, 0, t
	}
	addr := uint64(int64(c.Addr) + offset)
	if addr+uint64(size) > uint64(len(m.data)) {
		return nil, 0, TrapOutOfBounds
	}
	return m.data[addr : addr+uint64(size)], addr, TrapNone
}

// Load reads a zero-extended scalar of the given width mode.
func (m *Memory) Load(c Capability, offset int64, mode uint8) (uint64, Trap) {
	size := widthSize(mode)
	buf, _, t := m.resolve(c, offset, size, PermRead)
	if t != TrapNone {
		return 0, t
	}
	switch mode {
	case WidthByte:
		return uint64(buf[0]), TrapNone
	case WidthHalf:
		return uint64(binary.LittleEndian.Uint16(buf)), TrapNone
	case WidthWord:
		return uint64(binary.LittleEndian.Uint32(buf)), TrapNone
	case WidthDouble:
		return binary.LittleEndian.Uint64(buf), TrapNone
	}
	return 0, TrapInvalidInstruction
}

// Store writes a scalar of the given width mode, clearing any capability
// tags the write overlaps.
func (m *Memory) Store(c Capability, offset int64, mode uint8, val uint64) Trap {
	size := widthSize(mode)
	buf, addr, t := m.resolve(c, offset, size, PermWrite)
	if t != TrapNone {
		return t
	}
	m.clearTags(addr, size)
	switch mode {
	case WidthByte:
		buf[0] = byte(val)
	case WidthHalf:
		binary.LittleEndian.PutUint16(buf, uint16(val))
	case WidthWord:
		binary.LittleEndian.PutUint32(buf, uint32(val))
	case WidthDouble:
		binary.LittleEndian.PutUint64(buf, val)
	default:
		return TrapInvalidInstruction
	}
	return TrapNone
}

// LoadCap reads a full capability. The authorising capability needs both
// read and capability permissions, and the line must still carry its tag.
func (m *Memory) LoadCap(c Capability, offset int64) (Capability, Trap) {
	buf, addr, t := m.resolve(c, offset, CapabilitySize, PermRead|PermCap)
	if t != TrapNone {
		return Capability{}, t
	}
	if addr%CapabilitySize != 0 {
		return Capability{}, TrapCapabilityViolation
	}
	out, err := DecodeCapability(buf)
	if err != nil {
		return Capability{}, TrapCapabilityViolation
	}
	if _, tagged := m.tags[addr]; !tagged {
		out.invalidate()
	}
	// Taint flows through the authorising capability: a capability read
	// via a tainted one comes out at least that tainted.
	if c.Taint > out.Taint {
		out.Taint = c.Taint
	}
	return out, TrapNone
}

// StoreCap writes a full capability and tags its line. Storing an invalid
// capability clears the tag instead, which is how capability slots are
// deliberately wiped.
func (m *Memory) StoreCap(c Capability, offset int64, stored Capability) Trap {
	buf, addr, t := m.resolve(c, offset, CapabilitySize, PermWrite|PermCap)
	if t != TrapNone {
		return t
	}
	if addr%CapabilitySize != 0 {
		return TrapCapabilityViolation
	}
	if err := EncodeCapability(buf, stored); err != nil {
		return TrapCapabilityViolation
	}
	if stored.Valid() {
		m.tags[addr] = struct{}{}
	} else {
		delete(m.tags, addr)
	}
	return TrapNone
}

// clearTags drops capability tags on every line the range [addr, addr+size)
// touches.
func (m *Memory) clearTags(addr uint64, size int) {
	if len(m.tags) == 0 {
		return
	}
	first := addr / CapabilitySize * CapabilitySize
	last := (addr + uint64(size) - 1) / CapabilitySize * CapabilitySize
	for line := first; line <= last; line += CapabilitySize {
		delete(m.tags, line)
	}
}

// Atomic applies fn to the 64-bit word the capability addresses, under the
// memory lock, returning the previous value. fn returns the new value and
// whether to store it (compare-and-swap declines on mismatch).
func (m *Memory) Atomic(c Capability, offset int64, fn func(old uint64) (uint64, bool)) (uint64, Trap) {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf, addr, t := m.resolve(c, offset, 8, PermRead|PermWrite)
	if t != TrapNone {
		return 0, t
	}
	old := binary.LittleEndian.Uint64(buf)
	if next, store := fn(old); store {
		m.clearTags(addr, 8)
		binary.LittleEndian.PutUint64(buf, next)
	}
	return old, TrapNone
}

// WriteBytes copies host bytes into guest memory through a capability, for
// program loading and host bridge results.
func (m *Memory) WriteBytes(c Capability, offset int64, src []byte) Trap {
	buf, addr, t := m.resolve(c, offset, len(src), PermWrite)
	if t != TrapNone {
		return t
	}
	m.clearTags(addr, len(src))
	copy(buf, src)
	return TrapNone
}

// ReadBytes copies guest bytes out through a capability.
func (m *Memory) ReadBytes(c Capability, offset int64, dst []byte) Trap {
	buf, _, t := m.resolve(c, offset, len(dst), PermRead)
	if t != TrapNone {
		return t
	}
	copy(dst, buf)
	return TrapNone
}
