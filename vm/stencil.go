package vm

import (
	"encoding/binary"
	"fmt"
)

// ---------------------------------------------------------------------------
// Stencils
// ---------------------------------------------------------------------------

// PatchKind identifies what a stencil hole receives when a template is
// copied into an executable buffer.
type PatchKind uint8

const (
	PatchDstReg       PatchKind = iota // 8-byte hole, destination register index
	PatchSrc1Reg                       // 8-byte hole, first source register index
	PatchSrc2Reg                       // 8-byte hole, second source register index
	PatchImm64                         // 8-byte hole, instruction immediate
	PatchBranchTarget                  // 4-byte hole, rel32 byte displacement
)

var patchKindNames = [...]string{"dst", "src1", "src2", "imm64", "branch"}

func (k PatchKind) String() string {
	if int(k) < len(patchKindNames) {
		return patchKindNames[k]
	}
	return fmt.Sprintf("patch(%d)", uint8(k))
}

// size returns the hole width in bytes.
func (k PatchKind) size() int {
	if k == PatchBranchTarget {
		return 4
	}
	return 8
}

// PatchInfo is one hole in a stencil: a byte offset into the template and
// the kind of value patched there.
type PatchInfo struct {
	Offset int
	Kind   PatchKind
}

// StencilEntry is one machine-code template. Code holds the template bytes
// with holes zeroed; Patches lists the holes in ascending offset order.
type StencilEntry struct {
	Code    []byte
	Patches []PatchInfo
}

// Size returns the template length in bytes.
func (e *StencilEntry) Size() int { return len(e.Code) }

// hole returns the patch info for a kind, or nil.
func (e *StencilEntry) hole(kind PatchKind) *PatchInfo {
	for i := range e.Patches {
		if e.Patches[i].Kind == kind {
			return &e.Patches[i]
		}
	}
	return nil
}

// Patch copies the template into dst and fills every hole from the
// instruction. Branch target holes are left zeroed for the compiler's
// resolve pass, which runs after all site offsets are known.
func (e *StencilEntry) Patch(dst []byte, in Instruction) error {
	if len(dst) < len(e.Code) {
		return fmt.Errorf("patch: site needs %d bytes, have %d", len(e.Code), len(dst))
	}
	copy(dst, e.Code)
	for _, p := range e.Patches {
		switch p.Kind {
		case PatchDstReg:
			binary.LittleEndian.PutUint64(dst[p.Offset:], uint64(in.Rd))
		case PatchSrc1Reg:
			binary.LittleEndian.PutUint64(dst[p.Offset:], uint64(in.Rs1))
		case PatchSrc2Reg:
			binary.LittleEndian.PutUint64(dst[p.Offset:], uint64(in.Rs2))
		case PatchImm64:
			binary.LittleEndian.PutUint64(dst[p.Offset:], uint64(in.Imm))
		case PatchBranchTarget:
			binary.LittleEndian.PutUint32(dst[p.Offset:], 0)
		}
	}
	return nil
}

// isHole reports whether template byte offset off falls inside a hole.
func (e *StencilEntry) isHole(off int) bool {
	for _, p := range e.Patches {
		if off >= p.Offset && off < p.Offset+p.Kind.size() {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Stencil table
// ---------------------------------------------------------------------------

// StencilTable maps the shared (opcode, mode) discriminant to templates.
// It is direct-indexed by the same value the interpreter dispatches on, so
// an instruction either has both an interpreter handler and a stencil slot
// or neither; the two strategies cannot drift apart silently.
type StencilTable struct {
	entries  [NumOpcodes * NumModes]*StencilEntry
	Prologue []byte // buffer entry sequence emitted once per compilation
}

// Register installs a template for an (opcode, mode) pair.
func (t *StencilTable) Register(op Opcode, mode uint8, e *StencilEntry) {
	t.entries[stencilIndex(op, mode)] = e
}

// Lookup returns the template for an (opcode, mode) pair, or a
// MissingStencil error.
func (t *StencilTable) Lookup(op Opcode, mode uint8) (*StencilEntry, error) {
	if !op.Valid() || !op.ValidMode(mode) {
		return nil, &CompileError{Kind: MissingStencil, Opcode: op, Mode: mode}
	}
	e := t.entries[stencilIndex(op, mode)]
	if e == nil {
		return nil, &CompileError{Kind: MissingStencil, Opcode: op, Mode: mode}
	}
	return e, nil
}

// ForEach visits every registered template in discriminant order.
func (t *StencilTable) ForEach(fn func(op Opcode, mode uint8, e *StencilEntry)) {
	for i, e := range t.entries {
		if e != nil {
			fn(Opcode(i>>3), uint8(i&0x7), e)
		}
	}
}

// Len returns the number of registered templates.
func (t *StencilTable) Len() int {
	n := 0
	for _, e := range t.entries {
		if e != nil {
			n++
		}
	}
	return n
}

// DefaultStencilTable builds the full x86-64 template set. The templates
// are plain data: they can be built, patched and audited on any platform,
// and additionally executed directly where native calls are enabled.
func DefaultStencilTable() *StencilTable {
	return buildStencilTable()
}
