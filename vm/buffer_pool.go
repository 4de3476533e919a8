package vm

import (
	"fmt"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// Executable buffer pool
// ---------------------------------------------------------------------------

const (
	// BufferSize is the capacity of one executable buffer. A compiled
	// program must fit a single buffer.
	BufferSize = 4096

	// DefaultPoolBuffers is the pool size when the manifest does not
	// override it.
	DefaultPoolBuffers = 64

	// poisonByte fills released buffers. It is the x86 breakpoint
	// instruction, so stale native code faults immediately, and the
	// audited walker rejects a poisoned site before touching it.
	poisonByte = 0xCC
)

// ExecBuffer is one fixed-size executable region checked out of the pool.
type ExecBuffer struct {
	mem   []byte
	id    uint32
	used  int
	inuse atomic.Bool
}

// Bytes returns the written portion of the buffer.
func (b *ExecBuffer) Bytes() []byte { return b.mem[:b.used] }

// Mem returns the whole buffer for the compiler to write into.
func (b *ExecBuffer) Mem() []byte { return b.mem }

// Capacity returns the buffer size.
func (b *ExecBuffer) Capacity() int { return len(b.mem) }

// SetUsed records how many bytes of the buffer hold live code.
func (b *ExecBuffer) SetUsed(n int) { b.used = n }

// ID returns the buffer's pool index.
func (b *ExecBuffer) ID() uint32 { return b.id }

// BufferPool hands out fixed-size executable buffers from one RWX mapping.
// Acquire and Release go through a lock-free bounded ring, so compilation
// on one goroutine never blocks release on another. Released buffers are
// poisoned before they rejoin the free list.
type BufferPool struct {
	region []byte
	bufs   []ExecBuffer
	free   *idRing
	nfree  atomic.Int64
}

// NewBufferPool maps count executable buffers. count defaults to
// DefaultPoolBuffers when zero.
func NewBufferPool(count int) (*BufferPool, error) {
	if count <= 0 {
		count = DefaultPoolBuffers
	}
	region, err := mapExec(count * BufferSize)
	if err != nil {
		return nil, fmt.Errorf("buffer pool: %w", err)
	}
	p := &BufferPool{
		region: region,
		bufs:   make([]ExecBuffer, count),
		free:   newIDRing(count),
	}
	for i := range p.bufs {
		p.bufs[i].id = uint32(i)
		p.bufs[i].mem = region[i*BufferSize : (i+1)*BufferSize : (i+1)*BufferSize]
		fill(p.bufs[i].mem, poisonByte)
		p.free.push(uint32(i))
	}
	p.nfree.Store(int64(count))
	return p, nil
}

// Acquire checks a buffer out of the pool. An exhausted pool is a
// recoverable compile error, not a fatal one; callers fall back to the
// interpreter or retry after releases.
func (p *BufferPool) Acquire() (*ExecBuffer, error) {
	id, ok := p.free.pop()
	if !ok {
		return nil, &CompileError{Kind: BufferAllocationFailed}
	}
	b := &p.bufs[id]
	b.inuse.Store(true)
	b.used = 0
	p.nfree.Add(-1)
	return b, nil
}

// Release poisons a buffer and returns it to the free list. Releasing a
// buffer twice is an error; the second caller does not own it.
func (p *BufferPool) Release(b *ExecBuffer) error {
	if b == nil || int(b.id) >= len(p.bufs) || &p.bufs[b.id] != b {
		return fmt.Errorf("buffer pool: release of foreign buffer")
	}
	if !b.inuse.CompareAndSwap(true, false) {
		return fmt.Errorf("buffer pool: double release of buffer %d", b.id)
	}
	fill(b.mem, poisonByte)
	b.used = 0
	p.free.push(b.id)
	p.nfree.Add(1)
	return nil
}

// Free returns the number of available buffers.
func (p *BufferPool) Free() int { return int(p.nfree.Load()) }

// Len returns the total number of buffers.
func (p *BufferPool) Len() int { return len(p.bufs) }

// BufferCapacity returns the per-buffer code capacity.
func (p *BufferPool) BufferCapacity() int { return BufferSize }

// Close unmaps the pool. Outstanding buffers become invalid.
func (p *BufferPool) Close() error {
	if p.region == nil {
		return nil
	}
	err := unmapExec(p.region)
	p.region = nil
	return err
}

func fill(b []byte, v byte) {
	for i := range b {
		b[i] = v
	}
}

// ---------------------------------------------------------------------------
// Lock-free bounded ring
// ---------------------------------------------------------------------------

// idRing is a bounded multi-producer multi-consumer queue of buffer ids.
// Each slot carries a sequence number; producers and consumers claim slots
// with a single CAS on their cursor and never spin on each other's
// progress beyond that slot's sequence.
type idRing struct {
	mask  uint64
	slots []ringSlot
	enq   atomic.Uint64
	deq   atomic.Uint64
}

type ringSlot struct {
	seq atomic.Uint64
	val uint32
}

func newIDRing(capacity int) *idRing {
	n := 1
	for n < capacity {
		n <<= 1
	}
	r := &idRing{mask: uint64(n - 1), slots: make([]ringSlot, n)}
	for i := range r.slots {
		r.slots[i].seq.Store(uint64(i))
	}
	return r
}

// push enqueues an id. It returns false only when the ring is full, which
// for the pool would mean more releases than buffers.
func (r *idRing) push(v uint32) bool {
	pos := r.enq.Load()
	for {
		slot := &r.slots[pos&r.mask]
		seq := slot.seq.Load()
		switch {
		case seq == pos:
			if r.enq.CompareAndSwap(pos, pos+1) {
				slot.val = v
				slot.seq.Store(pos + 1)
				return true
			}
			pos = r.enq.Load()
		case seq < pos:
			return false
		default:
			pos = r.enq.Load()
		}
	}
}

// pop dequeues an id, returning false when the ring is empty.
func (r *idRing) pop() (uint32, bool) {
	pos := r.deq.Load()
	for {
		slot := &r.slots[pos&r.mask]
		seq := slot.seq.Load()
		switch {
		case seq == pos+1:
			if r.deq.CompareAndSwap(pos, pos+1) {
				v := slot.val
				slot.seq.Store(pos + r.mask + 1)
				return v, true
			}
			pos = r.deq.Load()
		case seq <= pos:
			return 0, false
		default:
			pos = r.deq.Load()
		}
	}
}
