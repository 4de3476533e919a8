package vm

import (
	"math"
	"math/bits"
	"math/rand"
	"runtime"
	"sync"
)

// ---------------------------------------------------------------------------
// Shared machine state
// ---------------------------------------------------------------------------

// machine is the state shared by every context of one execution: guest
// memory, spawned threads and channels. The interpreter and the compiled
// path both run contexts against the same machine, so the two strategies
// observe identical semantics.
type machine struct {
	mem  *Memory
	prog *Program
	cfg  runConfig
	cov  *Coverage

	mu      sync.Mutex
	nextID  uint64
	threads map[uint64]*thread
	chans   map[uint64]*guestChan
}

// runConfig carries the per-execution knobs threaded down from the engine.
type runConfig struct {
	host        HostBridge
	ext         *ExtensionDispatcher
	strictTaint bool
	allowCapNew bool
	maxSteps    uint64
	seed        int64
	trace       func(pc int, in Instruction)
}

type thread struct {
	done chan struct{}
	exit ExitReason
}

type guestChan struct {
	mu     sync.Mutex
	ch     chan uint64
	closed bool
}

func newMachine(mem *Memory, prog *Program, cfg runConfig, cov *Coverage) *machine {
	return &machine{
		mem:     mem,
		prog:    prog,
		cfg:     cfg,
		cov:     cov,
		threads: make(map[uint64]*thread),
		chans:   make(map[uint64]*guestChan),
	}
}

func (m *machine) newID() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	return m.nextID
}

// ---------------------------------------------------------------------------
// Execution context
// ---------------------------------------------------------------------------

// Context is one thread of execution: a register file, taint state, a call
// stack and a program counter over the shared machine.
type Context struct {
	m     *machine
	regs  RegisterFile
	taint TaintTracker
	pc    int
	stack []int
	rng   *rand.Rand
	steps uint64
}

// newContext builds a context starting at the given instruction index.
func newContext(m *machine, entry int) *Context {
	return &Context{
		m:   m,
		pc:  entry,
		rng: rand.New(rand.NewSource(m.cfg.seed ^ int64(entry))),
	}
}

// Regs exposes the register file, for engine setup and tests.
func (ctx *Context) Regs() *RegisterFile { return &ctx.regs }

// Taint exposes the taint tracker.
func (ctx *Context) Taint() *TaintTracker { return &ctx.taint }

// PC returns the current instruction index.
func (ctx *Context) PC() int { return ctx.pc }

// Run executes instructions until the context halts or traps.
func (ctx *Context) Run() ExitReason {
	for {
		if ctx.pc < 0 || ctx.pc >= len(ctx.m.prog.Instrs) {
			return Trapped(TrapOutOfBounds, ctx.pc)
		}
		if exit, done := ctx.Step(ctx.m.prog.Instrs[ctx.pc]); done {
			return exit
		}
	}
}

// Step executes a single instruction and advances the program counter. It
// returns done=true with the exit reason when the context halts or traps.
// This is the one evaluator in the engine: the interpreter calls it off the
// decoded program, the compiled path calls it off instructions recovered
// from patched native code.
func (ctx *Context) Step(in Instruction) (ExitReason, bool) {
	m := ctx.m
	cfg := &m.cfg

	ctx.steps++
	if cfg.maxSteps > 0 && ctx.steps > cfg.maxSteps {
		return Trapped(TrapStepLimit, ctx.pc), true
	}
	if m.cov != nil {
		m.cov.Hit(ctx.pc)
	}
	if cfg.trace != nil {
		cfg.trace(ctx.pc, in)
	}

	// Keep the pc register readable.
	ctx.regs.vals[RegPC] = uint64(ctx.pc)

	rf := &ctx.regs
	next := ctx.pc + 1

	switch in.Op {
	case OpALU:
		rf.Set(in.Rd, aluOp(in.Mode, rf.Get(in.Rs1), rf.Get(in.Rs2)))
		ctx.taint.Merge(in.Rd, in.Rs1, in.Rs2)

	case OpALUI:
		rf.Set(in.Rd, aluOp(in.Mode, rf.Get(in.Rs1), uint64(in.Imm)))
		ctx.taint.Merge(in.Rd, in.Rs1)

	case OpMULDIV:
		v, trap := mulDivOp(in.Mode, rf.Get(in.Rs1), rf.Get(in.Rs2))
		if trap != TrapNone {
			return Trapped(trap, ctx.pc), true
		}
		rf.Set(in.Rd, v)
		ctx.taint.Merge(in.Rd, in.Rs1, in.Rs2)

	case OpLOAD:
		c := rf.GetCap(in.Rs1)
		if in.Mode == WidthCap {
			loaded, trap := m.mem.LoadCap(c, in.Imm)
			if trap != TrapNone {
				return Trapped(trap, ctx.pc), true
			}
			rf.SetCap(in.Rd, loaded)
			ctx.taint.Merge(in.Rd, in.Rs1)
			ctx.taint.Raise(in.Rd, loaded.Taint)
		} else {
			v, trap := m.mem.Load(c, in.Imm, in.Mode)
			if trap != TrapNone {
				return Trapped(trap, ctx.pc), true
			}
			rf.Set(in.Rd, v)
			ctx.taint.Merge(in.Rd, in.Rs1)
			ctx.taint.Raise(in.Rd, c.Taint)
		}

	case OpSTORE:
		c := rf.GetCap(in.Rs1)
		var trap Trap
		if in.Mode == WidthCap {
			stored := rf.GetCap(in.Rs2)
			stored.Taint = maxU8(stored.Taint, ctx.taint.Level(in.Rs2))
			trap = m.mem.StoreCap(c, in.Imm, stored)
		} else {
			trap = m.mem.Store(c, in.Imm, in.Mode, rf.Get(in.Rs2))
		}
		if trap != TrapNone {
			return Trapped(trap, ctx.pc), true
		}

	case OpATOMIC:
		if exit, done := ctx.stepAtomic(in); done {
			return exit, true
		}

	case OpBRANCH:
		if branchTaken(in.Mode, rf.Get(in.Rs1), rf.Get(in.Rs2), true) {
			next = ctx.pc + int(in.Imm)
		}

	case OpBRANCHU:
		if branchTaken(in.Mode, rf.Get(in.Rs1), rf.Get(in.Rs2), false) {
			next = ctx.pc + int(in.Imm)
		}

	case OpCALL:
		ctx.stack = append(ctx.stack, ctx.pc+1)
		rf.Set(RegLR, uint64(ctx.pc+1))
		next = ctx.pc + int(in.Imm)

	case OpRET:
		if len(ctx.stack) == 0 {
			// Returning past the outermost frame ends the program.
			return Halted(rf.Get(R0)), true
		}
		next = ctx.stack[len(ctx.stack)-1]
		ctx.stack = ctx.stack[:len(ctx.stack)-1]

	case OpJUMP:
		if in.Mode == JumpIndirect {
			if ctx.taint.Level(in.Rs1) != 0 {
				return Trapped(TrapTaintViolation, ctx.pc), true
			}
			next = int(rf.Get(in.Rs1))
		} else {
			next = ctx.pc + int(in.Imm)
		}

	case OpCAPNEW:
		if !cfg.allowCapNew {
			return Trapped(TrapPermissionDenied, ctx.pc), true
		}
		if ctx.taint.Level(in.Rs1) != 0 || ctx.taint.Level(in.Rs2) != 0 {
			return Trapped(TrapTaintViolation, ctx.pc), true
		}
		rf.SetCap(in.Rd, NewCapability(rf.Get(in.Rs1), uint32(rf.Get(in.Rs2)), uint8(in.Imm)))
		ctx.taint.Merge(in.Rd, in.Rs1, in.Rs2)

	case OpCAPRESTRICT:
		c := rf.GetCap(in.Rs1)
		var out Capability
		var trap Trap
		switch in.Mode {
		case RestrictBounds:
			out, trap = c.RestrictBounds(rf.Get(in.Rs2), uint32(in.Imm))
		case RestrictPerms:
			out, trap = c.RestrictPerms(uint8(in.Imm))
		case RestrictTaint:
			out, trap = c.RaiseTaint(uint8(in.Imm))
		default:
			trap = TrapInvalidInstruction
		}
		if trap != TrapNone {
			return Trapped(trap, ctx.pc), true
		}
		rf.SetCap(in.Rd, out)
		ctx.taint.Merge(in.Rd, in.Rs1)

	case OpCAPQUERY:
		c := rf.GetCap(in.Rs1)
		var v uint64
		switch in.Mode {
		case QueryBase:
			v = c.Base
		case QueryLength:
			v = uint64(c.Length)
		case QueryPerms:
			v = uint64(c.Perms)
		case QueryAddr:
			v = c.Addr
		case QueryTaint:
			v = uint64(c.Taint)
		case QueryValid:
			if c.Valid() {
				v = 1
			}
		}
		rf.Set(in.Rd, v)
		ctx.taint.Merge(in.Rd, in.Rs1)

	case OpSPAWN:
		id, trap := ctx.spawn(int(rf.Get(in.Rs1)), rf.Get(in.Rs2))
		if trap != TrapNone {
			return Trapped(trap, ctx.pc), true
		}
		rf.Set(in.Rd, id)

	case OpJOIN:
		exit, trap := ctx.join(rf.Get(in.Rs1))
		if trap != TrapNone {
			return Trapped(trap, ctx.pc), true
		}
		if exit.Kind == ExitTrapped {
			// A trapped child poisons the join.
			return Trapped(exit.Trap, ctx.pc), true
		}
		rf.Set(in.Rd, exit.Value)

	case OpCHAN:
		if exit, done := ctx.stepChan(in); done {
			return exit, true
		}

	case OpFENCE:
		// All four modes issue the strongest barrier; weaker orderings
		// are a performance refinement this evaluator does not need.
		m.mem.Fence()

	case OpYIELD:
		runtime.Gosched()

	case OpTAINT:
		ctx.taint.Raise(in.Rd, uint8(in.Imm))

	case OpSANITIZE:
		ctx.taint.Sanitize(in.Rd)

	case OpHOST:
		if cfg.host == nil {
			// No bridge wired means the opcode has no meaning here.
			return Trapped(TrapInvalidInstruction, ctx.pc), true
		}
		if cfg.strictTaint && (ctx.taint.Level(in.Rs1) != 0 || ctx.taint.Level(in.Rs2) != 0) {
			return Trapped(TrapTaintViolation, ctx.pc), true
		}
		req := HostRequest{
			Class: in.Mode,
			Op:    uint64(in.Imm),
			Arg:   rf.Get(in.Rs2),
			Buf:   rf.GetCap(in.Rs1),
		}
		v, err := cfg.host.Host(req, m.mem)
		if err != nil {
			return Trapped(TrapUser, ctx.pc), true
		}
		rf.Set(in.Rd, v)
		// Host results are external input.
		ctx.taint.Raise(in.Rd, 1)

	case OpFPU:
		rf.Set(in.Rd, fpuOp(in.Mode, rf.Get(in.Rs1), rf.Get(in.Rs2)))
		ctx.taint.Merge(in.Rd, in.Rs1, in.Rs2)

	case OpFCMP:
		rf.Set(in.Rd, fcmpOp(in.Mode, rf.Get(in.Rs1), rf.Get(in.Rs2)))
		ctx.taint.Merge(in.Rd, in.Rs1, in.Rs2)

	case OpBITS:
		rf.Set(in.Rd, bitsOp(in.Mode, rf.Get(in.Rs1)))
		ctx.taint.Merge(in.Rd, in.Rs1)

	case OpMOV:
		if c := rf.GetCap(in.Rs1); c.Valid() && in.Imm == 0 {
			rf.SetCap(in.Rd, c)
		} else {
			rf.Set(in.Rd, rf.Get(in.Rs1)+uint64(in.Imm))
		}
		ctx.taint.Merge(in.Rd, in.Rs1)

	case OpTRAP:
		if in.Mode == TrapModeBreakpoint {
			return Trapped(TrapBreakpoint, ctx.pc), true
		}
		return Trapped(TrapUser, ctx.pc), true

	case OpNOP:
		// nothing

	case OpHALT:
		return Halted(rf.Get(R0)), true

	case OpEXTCALL:
		if cfg.ext == nil {
			return Trapped(TrapInvalidInstruction, ctx.pc), true
		}
		v, err := cfg.ext.Call(uint64(in.Imm), rf.Get(in.Rs1), rf.Get(in.Rs2), m.mem)
		if err != nil {
			return Trapped(TrapInvalidInstruction, ctx.pc), true
		}
		rf.Set(in.Rd, v)
		ctx.taint.Raise(in.Rd, 1)

	case OpRAND:
		switch in.Mode {
		case RandU64:
			rf.Set(in.Rd, ctx.rng.Uint64())
		case RandBytes:
			n := int(rf.Get(in.Rs2))
			if n < 0 || n > m.mem.Size() {
				return Trapped(TrapOutOfBounds, ctx.pc), true
			}
			buf := make([]byte, n)
			ctx.rng.Read(buf)
			if trap := m.mem.WriteBytes(rf.GetCap(in.Rs1), 0, buf); trap != TrapNone {
				return Trapped(trap, ctx.pc), true
			}
		}

	default:
		return Trapped(TrapInvalidInstruction, ctx.pc), true
	}

	ctx.pc = next
	return ExitReason{}, false
}

// ---------------------------------------------------------------------------
// Scalar operation helpers
// ---------------------------------------------------------------------------

func aluOp(mode uint8, a, b uint64) uint64 {
	switch mode {
	case AluAdd:
		return a + b
	case AluSub:
		return a - b
	case AluAnd:
		return a & b
	case AluOr:
		return a | b
	case AluXor:
		return a ^ b
	case AluShl:
		return a << (b & 63)
	case AluShr:
		return a >> (b & 63)
	case AluSar:
		return uint64(int64(a) >> (b & 63))
	}
	return 0
}

func mulDivOp(mode uint8, a, b uint64) (uint64, Trap) {
	switch mode {
	case MulLow:
		return a * b, TrapNone
	case MulHigh:
		hi, _ := bits.Mul64(a, b)
		return hi, TrapNone
	case DivQuot, DivRem:
		if b == 0 {
			return 0, TrapDivByZero
		}
		sa, sb := int64(a), int64(b)
		if sa == math.MinInt64 && sb == -1 {
			// Overflowing quotient wraps, remainder is zero.
			if mode == DivQuot {
				return uint64(sa), TrapNone
			}
			return 0, TrapNone
		}
		if mode == DivQuot {
			return uint64(sa / sb), TrapNone
		}
		return uint64(sa % sb), TrapNone
	}
	return 0, TrapInvalidInstruction
}

func branchTaken(cond uint8, a, b uint64, signed bool) bool {
	switch cond {
	case CondAlways:
		return true
	case CondNever:
		return false
	case CondEq:
		return a == b
	case CondNe:
		return a != b
	}
	var lt, eq bool
	if signed {
		lt, eq = int64(a) < int64(b), a == b
	} else {
		lt, eq = a < b, a == b
	}
	switch cond {
	case CondLt:
		return lt
	case CondLe:
		return lt || eq
	case CondGt:
		return !lt && !eq
	case CondGe:
		return !lt
	}
	return false
}

func fpuOp(mode uint8, a, b uint64) uint64 {
	x, y := math.Float64frombits(a), math.Float64frombits(b)
	var r float64
	switch mode {
	case FpuAdd:
		r = x + y
	case FpuSub:
		r = x - y
	case FpuMul:
		r = x * y
	case FpuDiv:
		r = x / y
	case FpuSqrt:
		r = math.Sqrt(x)
	case FpuAbs:
		r = math.Abs(x)
	case FpuFloor:
		r = math.Floor(x)
	case FpuCeil:
		r = math.Ceil(x)
	}
	return math.Float64bits(r)
}

func fcmpOp(mode uint8, a, b uint64) uint64 {
	x, y := math.Float64frombits(a), math.Float64frombits(b)
	var t bool
	switch mode {
	case FcmpEq:
		t = x == y
	case FcmpNe:
		t = x != y
	case FcmpLt:
		t = x < y
	case FcmpLe:
		t = x <= y
	case FcmpGt:
		t = x > y
	case FcmpGe:
		t = x >= y
	}
	if t {
		return 1
	}
	return 0
}

func bitsOp(mode uint8, a uint64) uint64 {
	switch mode {
	case BitsPopcount:
		return uint64(bits.OnesCount64(a))
	case BitsClz:
		return uint64(bits.LeadingZeros64(a))
	case BitsCtz:
		return uint64(bits.TrailingZeros64(a))
	case BitsBswap:
		return bits.ReverseBytes64(a)
	}
	return 0
}

func maxU8(a, b uint8) uint8 {
	if a > b {
		return a
	}
	return b
}

// ---------------------------------------------------------------------------
// Atomics
// ---------------------------------------------------------------------------

func (ctx *Context) stepAtomic(in Instruction) (ExitReason, bool) {
	rf := &ctx.regs
	c := rf.GetCap(in.Rs1)
	operand := rf.Get(in.Rs2)
	expected := rf.Get(in.Rd)

	old, trap := ctx.m.mem.Atomic(c, 0, func(cur uint64) (uint64, bool) {
		switch in.Mode {
		case AtomicCas:
			return operand, cur == expected
		case AtomicXchg:
			return operand, true
		case AtomicAdd:
			return cur + operand, true
		case AtomicAnd:
			return cur & operand, true
		case AtomicOr:
			return cur | operand, true
		case AtomicXor:
			return cur ^ operand, true
		case AtomicMin:
			if int64(operand) < int64(cur) {
				return operand, true
			}
			return cur, false
		case AtomicMax:
			if int64(operand) > int64(cur) {
				return operand, true
			}
			return cur, false
		}
		return cur, false
	})
	if trap != TrapNone {
		return Trapped(trap, ctx.pc), true
	}
	rf.Set(in.Rd, old)
	ctx.taint.Merge(in.Rd, in.Rs1, in.Rs2)
	return ExitReason{}, false
}

// ---------------------------------------------------------------------------
// Threads and channels
// ---------------------------------------------------------------------------

// spawn starts a child context at the given entry index. The child inherits
// a copy of the parent's registers and taint with r0 replaced by arg, so
// capabilities flow to children explicitly through registers, never
// ambiently.
func (ctx *Context) spawn(entry int, arg uint64) (uint64, Trap) {
	m := ctx.m
	if entry < 0 || entry >= len(m.prog.Instrs) {
		return 0, TrapOutOfBounds
	}
	child := newContext(m, entry)
	child.regs = ctx.regs
	child.taint = ctx.taint
	child.regs.Set(R0, arg)

	t := &thread{done: make(chan struct{})}
	id := m.newID()
	m.mu.Lock()
	m.threads[id] = t
	m.mu.Unlock()

	go func() {
		t.exit = child.Run()
		close(t.done)
	}()
	return id, TrapNone
}

func (ctx *Context) join(id uint64) (ExitReason, Trap) {
	m := ctx.m
	m.mu.Lock()
	t, ok := m.threads[id]
	if ok {
		delete(m.threads, id)
	}
	m.mu.Unlock()
	if !ok {
		return ExitReason{}, TrapInvalidInstruction
	}
	<-t.done
	return t.exit, TrapNone
}

func (ctx *Context) stepChan(in Instruction) (ExitReason, bool) {
	m := ctx.m
	rf := &ctx.regs

	switch in.Mode {
	case ChanCreate:
		capacity := int(rf.Get(in.Rs1))
		if capacity < 0 || capacity > 1<<16 {
			return Trapped(TrapOutOfBounds, ctx.pc), true
		}
		id := m.newID()
		m.mu.Lock()
		m.chans[id] = &guestChan{ch: make(chan uint64, capacity)}
		m.mu.Unlock()
		rf.Set(in.Rd, id)

	case ChanSend, ChanRecv, ChanClose:
		m.mu.Lock()
		gc := m.chans[rf.Get(in.Rs1)]
		m.mu.Unlock()
		if gc == nil {
			return Trapped(TrapInvalidInstruction, ctx.pc), true
		}
		switch in.Mode {
		case ChanSend:
			if trap := gc.send(rf.Get(in.Rs2)); trap != TrapNone {
				return Trapped(trap, ctx.pc), true
			}
		case ChanRecv:
			v, ok := <-gc.ch
			rf.Set(in.Rd, v)
			ctx.taint.Merge(in.Rd, in.Rs1)
			_ = ok // a closed channel yields zero
		case ChanClose:
			if trap := gc.close(); trap != TrapNone {
				return Trapped(trap, ctx.pc), true
			}
		}
	}
	return ExitReason{}, false
}

func (gc *guestChan) send(v uint64) (trap Trap) {
	gc.mu.Lock()
	closed := gc.closed
	gc.mu.Unlock()
	if closed {
		return TrapInvalidInstruction
	}
	defer func() {
		// A close can race the send; surface it as the same trap.
		if recover() != nil {
			trap = TrapInvalidInstruction
		}
	}()
	gc.ch <- v
	return TrapNone
}

func (gc *guestChan) close() Trap {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	if gc.closed {
		return TrapInvalidInstruction
	}
	gc.closed = true
	close(gc.ch)
	return TrapNone
}
