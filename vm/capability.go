package vm

import (
	"encoding/binary"
	"fmt"
)

// ---------------------------------------------------------------------------
// Capability fat pointers
// ---------------------------------------------------------------------------

// Permission bits carried by a capability.
const (
	PermRead   uint8 = 1 << 0
	PermWrite  uint8 = 1 << 1
	PermExec   uint8 = 1 << 2
	PermCap    uint8 = 1 << 3 // may load/store whole capabilities
	PermSeal   uint8 = 1 << 4
	PermUnseal uint8 = 1 << 5

	PermAll = PermRead | PermWrite | PermExec | PermCap | PermSeal | PermUnseal
)

// Capability tag values. Anything other than tagValid is an invalid
// capability; tagNull is the canonical cleared value.
const (
	tagValid uint8 = 0xCA
	tagNull  uint8 = 0x00
)

// CapabilitySize is the in-memory footprint of an encoded capability.
const CapabilitySize = 16

// Capability is a 128-bit fat pointer: a 56-bit current address plus base,
// length, permission mask, taint level and validity tag. All memory access
// is mediated by a capability; registers hold them whole.
type Capability struct {
	Base    uint64 // region start address
	Length  uint32 // region size in bytes
	Addr    uint64 // current address, 56 bits
	Perms   uint8
	Taint   uint8
	tag     uint8
	Sealed  bool
	SealKey uint32
}

// NewCapability creates a valid capability spanning [base, base+length)
// with its address at base. Only privileged engine code calls this; guest
// programs can shrink capabilities, never mint them.
func NewCapability(base uint64, length uint32, perms uint8) Capability {
	return Capability{
		Base:   base,
		Length: length,
		Addr:   base,
		Perms:  perms,
		tag:    tagValid,
	}
}

// Valid reports whether the capability carries the valid tag.
func (c Capability) Valid() bool { return c.tag == tagValid }

// invalidate clears the tag, leaving the other fields for diagnostics.
func (c *Capability) invalidate() { c.tag = tagNull }

// CheckAccess validates an access of size bytes at the capability's current
// address plus offset, requiring the given permission. Checks run in a fixed
// order so the reported trap is deterministic: tag, then lower bound, then
// upper bound, then permission.
func (c Capability) CheckAccess(offset int64, size int, perm uint8) Trap {
	if !c.Valid() {
		return TrapInvalidTag
	}
	// The sums below must not wrap: a negative effective address or an
	// overflowed end would otherwise compare as huge unsigned values and
	// slip past both bound checks.
	sum := int64(c.Addr) + offset
	if sum < 0 || (offset > 0 && sum < int64(c.Addr)) || (offset < 0 && sum > int64(c.Addr)) {
		return TrapOutOfBounds
	}
	addr := uint64(sum)
	end := addr + uint64(size)
	limit := c.Base + uint64(c.Length)
	if end < addr || limit < c.Base {
		return TrapOutOfBounds
	}
	if addr < c.Base || end > limit {
		return TrapOutOfBounds
	}
	if c.Perms&perm != perm {
		return TrapPermissionDenied
	}
	return TrapNone
}

// RestrictBounds returns a copy with narrowed bounds. The new region must
// lie entirely within the old one; widening in either direction is a
// capability violation and invalidates nothing (the trap aborts the
// instruction before any state changes).
func (c Capability) RestrictBounds(base uint64, length uint32) (Capability, Trap) {
	if !c.Valid() {
		return Capability{}, TrapInvalidTag
	}
	if base < c.Base || base+uint64(length) > c.Base+uint64(c.Length) {
		return Capability{}, TrapCapabilityViolation
	}
	out := c
	out.Base = base
	out.Length = length
	if out.Addr < base {
		out.Addr = base
	}
	return out, TrapNone
}

// RestrictPerms returns a copy with the permission mask reduced to perms.
// perms must be a subset of the current mask.
func (c Capability) RestrictPerms(perms uint8) (Capability, Trap) {
	if !c.Valid() {
		return Capability{}, TrapInvalidTag
	}
	if perms&^c.Perms != 0 {
		return Capability{}, TrapCapabilityViolation
	}
	out := c
	out.Perms = perms
	return out, TrapNone
}

// RaiseTaint returns a copy with the taint level raised to level. Taint is
// monotone: lowering it through restriction is a violation, only an
// explicit sanitize clears it.
func (c Capability) RaiseTaint(level uint8) (Capability, Trap) {
	if !c.Valid() {
		return Capability{}, TrapInvalidTag
	}
	if level < c.Taint {
		return Capability{}, TrapCapabilityViolation
	}
	out := c
	out.Taint = level
	return out, TrapNone
}

// WithAddr returns a copy pointing at a new current address. Moving the
// cursor is unchecked; the bounds check happens at access time.
func (c Capability) WithAddr(addr uint64) Capability {
	c.Addr = addr & addrMask
	return c
}

const addrMask = 1<<56 - 1

// ---------------------------------------------------------------------------
// Binary form
// ---------------------------------------------------------------------------

// The 128-bit layout packs two 64-bit words:
//
//	meta[63:56] tag    addr[63:56] base high bits
//	meta[55:48] taint  addr[55:0]  current address
//	meta[47:40] perms
//	meta[39:8]  length
//	meta[7:0]   base low bits

// EncodeCapability writes the 16-byte form into dst.
func EncodeCapability(dst []byte, c Capability) error {
	if len(dst) < CapabilitySize {
		return fmt.Errorf("encode capability: need %d bytes, have %d", CapabilitySize, len(dst))
	}
	// The packed form carries 16 base bits; refuse a lossy store.
	if c.Base > 0xffff {
		return fmt.Errorf("encode capability: base %#x exceeds packed range", c.Base)
	}
	meta := uint64(c.tag)<<56 | uint64(c.Taint)<<48 | uint64(c.Perms)<<40 |
		uint64(c.Length)<<8 | c.Base&0xff
	addr := c.Base>>8<<56 | c.Addr&addrMask
	binary.LittleEndian.PutUint64(dst[0:8], meta)
	binary.LittleEndian.PutUint64(dst[8:16], addr)
	return nil
}

// DecodeCapability reads the 16-byte form. A tag byte that is neither the
// valid tag nor zero yields an untagged capability, so forged bit patterns
// in memory never round-trip into authority.
func DecodeCapability(src []byte) (Capability, error) {
	if len(src) < CapabilitySize {
		return Capability{}, fmt.Errorf("decode capability: need %d bytes, have %d", CapabilitySize, len(src))
	}
	meta := binary.LittleEndian.Uint64(src[0:8])
	addr := binary.LittleEndian.Uint64(src[8:16])

	c := Capability{
		Base:   addr>>56<<8 | meta&0xff,
		Length: uint32(meta >> 8),
		Addr:   addr & addrMask,
		Perms:  uint8(meta >> 40),
		Taint:  uint8(meta >> 48),
	}
	if tag := uint8(meta >> 56); tag == tagValid {
		c.tag = tagValid
	}
	return c, nil
}

// ---------------------------------------------------------------------------
// Taint tracking
// ---------------------------------------------------------------------------

// TaintTracker records per-register taint levels. Data taint propagates
// through every instruction as the maximum of its source operands, raised
// explicitly by taint instructions and cleared only by sanitize.
type TaintTracker struct {
	levels [NumRegisters]uint8
}

// Level returns the taint level of a register.
func (t *TaintTracker) Level(r Register) uint8 {
	return t.levels[r&0x1f]
}

// Merge sets rd's taint to the maximum of its source operands. The
// destination's old level does not survive: the write replaced its value.
func (t *TaintTracker) Merge(rd Register, srcs ...Register) {
	if !rd.Writable() {
		return
	}
	level := uint8(0)
	for _, s := range srcs {
		if l := t.levels[s&0x1f]; l > level {
			level = l
		}
	}
	t.levels[rd&0x1f] = level
}

// Raise lifts a register's taint to at least level.
func (t *TaintTracker) Raise(r Register, level uint8) {
	if r.Writable() && level > t.levels[r&0x1f] {
		t.levels[r&0x1f] = level
	}
}

// Sanitize clears a register's taint. This is the only downward transition.
func (t *TaintTracker) Sanitize(r Register) {
	if r.Writable() {
		t.levels[r&0x1f] = 0
	}
}

// String summarises the nonzero entries, for trace logging.
func (t *TaintTracker) String() string {
	out := ""
	for i, l := range t.levels {
		if l != 0 {
			if out != "" {
				out += " "
			}
			out += fmt.Sprintf("%s=%d", Register(i), l)
		}
	}
	if out == "" {
		return "clean"
	}
	return out
}
