package vm

import (
	"encoding/binary"
	"sort"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// Copy-and-patch compiler
// ---------------------------------------------------------------------------

// site records where one instruction's patched template landed in the
// buffer. Index is the shared (opcode, mode) discriminant, so the walker
// can recover the stencil that produced the bytes.
type site struct {
	Off   int
	Size  int
	Index int
}

// NativeEntry is one compiled program: a checked-out buffer plus the site
// table mapping instruction indices to patched code. Entries handed out by
// the code cache are pinned while a run walks them; eviction of a pinned
// entry defers the buffer's poison-and-release until the last runner
// unpins.
type NativeEntry struct {
	buf      *ExecBuffer
	table    *StencilTable
	sites    []site
	codeLen  int
	released atomic.Bool
	refs     atomic.Int32
	evicted  atomic.Bool
}

// Compiler turns decoded programs into patched native code. Compilation is
// two passes: lay every template down with operand holes filled, then
// resolve branch holes once all site offsets are known.
type Compiler struct {
	table *StencilTable
	pool  *BufferPool
}

// NewCompiler builds a compiler over a stencil table and buffer pool.
func NewCompiler(table *StencilTable, pool *BufferPool) *Compiler {
	return &Compiler{table: table, pool: pool}
}

// Compile compiles a whole program into a single buffer. Every failure
// mode is recoverable: a missing stencil, an exhausted pool and an
// oversized program all come back as a CompileError the caller can answer
// with interpretation.
func (c *Compiler) Compile(p *Program) (*NativeEntry, error) {
	// Pass 0: size the program and fail before touching the pool.
	entries := make([]*StencilEntry, len(p.Instrs))
	total := len(c.table.Prologue)
	for i, in := range p.Instrs {
		e, err := c.table.Lookup(in.Op, in.Mode)
		if err != nil {
			return nil, err
		}
		entries[i] = e
		total += e.Size()
	}
	if total > c.pool.BufferCapacity() {
		return nil, &CompileError{Kind: ProgramTooLarge, Size: total, Limit: c.pool.BufferCapacity()}
	}

	buf, err := c.pool.Acquire()
	if err != nil {
		return nil, err
	}

	// Pass 1: copy and patch.
	mem := buf.Mem()
	off := copy(mem, c.table.Prologue)
	sites := make([]site, len(p.Instrs))
	for i, in := range p.Instrs {
		e := entries[i]
		if err := e.Patch(mem[off:off+e.Size()], in); err != nil {
			_ = c.pool.Release(buf)
			return nil, err
		}
		sites[i] = site{Off: off, Size: e.Size(), Index: stencilIndex(in.Op, in.Mode)}
		off += e.Size()
	}
	buf.SetUsed(off)

	// Pass 2: resolve branch targets. A rel32 is relative to the first
	// byte after the hole. Targets past either end of the program land on
	// the code end, which the walker maps to an out of bounds trap.
	for i, in := range p.Instrs {
		hole := entries[i].hole(PatchBranchTarget)
		if hole == nil {
			continue
		}
		target := i + int(in.Imm)
		var targetOff int
		switch {
		case target >= 0 && target < len(sites):
			targetOff = sites[target].Off
		default:
			targetOff = off
		}
		holePos := sites[i].Off + hole.Offset
		rel := int32(targetOff - (holePos + 4))
		binary.LittleEndian.PutUint32(mem[holePos:], uint32(rel))
	}

	return &NativeEntry{
		buf:     buf,
		table:   c.table,
		sites:   sites,
		codeLen: off,
	}, nil
}

// Size returns the compiled code size in bytes, prologue included.
func (e *NativeEntry) Size() int { return e.codeLen }

// Sites returns the number of compiled instruction sites.
func (e *NativeEntry) Sites() int { return len(e.sites) }

// Buffer exposes the backing buffer, for pool bookkeeping and tests.
func (e *NativeEntry) Buffer() *ExecBuffer { return e.buf }

// Released reports whether the entry's buffer has gone back to the pool.
func (e *NativeEntry) Released() bool { return e.released.Load() }

// Release returns the buffer to the pool. The entry is dead afterwards;
// running it traps on the poison fill rather than executing stale code.
func (e *NativeEntry) Release(pool *BufferPool) error {
	if !e.released.CompareAndSwap(false, true) {
		return nil
	}
	return pool.Release(e.buf)
}

// pin takes a reference that keeps the buffer alive across a run. The
// cache calls it under its lock before handing the entry out.
func (e *NativeEntry) pin() { e.refs.Add(1) }

// unpin drops a run's reference. The last runner off an evicted entry
// performs the deferred release.
func (e *NativeEntry) unpin(pool *BufferPool) error {
	if e.refs.Add(-1) == 0 && e.evicted.Load() {
		return e.Release(pool)
	}
	return nil
}

// retire marks an entry as gone from the cache and releases its buffer
// once no runner holds it. Release itself is idempotent, so the race
// between the last unpin and retire resolves to a single pool release.
func (e *NativeEntry) retire(pool *BufferPool) error {
	e.evicted.Store(true)
	if e.refs.Load() == 0 {
		return e.Release(pool)
	}
	return nil
}

// siteAt returns the site for an instruction index.
func (e *NativeEntry) siteAt(pc int) (site, bool) {
	if pc < 0 || pc >= len(e.sites) {
		return site{}, false
	}
	return e.sites[pc], true
}

// indexAtOffset maps a byte offset back to the instruction index whose
// site starts there. The code end maps to one past the last instruction.
func (e *NativeEntry) indexAtOffset(off int) (int, bool) {
	if off == e.codeLen {
		return len(e.sites), true
	}
	i := sort.Search(len(e.sites), func(i int) bool { return e.sites[i].Off >= off })
	if i < len(e.sites) && e.sites[i].Off == off {
		return i, true
	}
	return 0, false
}
