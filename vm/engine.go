package vm

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"

	_ "github.com/tliron/commonlog/simple"
)

// ---------------------------------------------------------------------------
// Engine
// ---------------------------------------------------------------------------

// Strategy selects how the engine executes programs.
type Strategy uint8

const (
	// StrategyAuto compiles when possible and falls back to the
	// interpreter on any recoverable compile failure.
	StrategyAuto Strategy = iota
	// StrategyInterpret never compiles.
	StrategyInterpret
	// StrategyCompile requires compilation and surfaces compile errors
	// instead of falling back.
	StrategyCompile
)

var strategyNames = [...]string{"auto", "interpret", "compile"}

func (s Strategy) String() string {
	if int(s) < len(strategyNames) {
		return strategyNames[s]
	}
	return fmt.Sprintf("strategy(%d)", uint8(s))
}

// Config carries engine construction options. The zero value is usable:
// auto strategy, default pool and memory sizes, console-only host bridge.
type Config struct {
	Strategy     Strategy
	MemorySize   int
	PoolBuffers  int
	CacheEntries int
	MaxSteps     uint64
	Seed         int64

	// StrictTaint makes host calls with tainted operands trap instead of
	// leaking tainted data outward.
	StrictTaint bool
	// AllowCapNew lets guest code mint capabilities. Off by default:
	// normally only the engine creates authority, guests can only shrink it.
	AllowCapNew bool
	// NativeCall enables direct execution of compiled buffers for the
	// scalar straight-line subset. Off by default; the audited walker
	// covers everything.
	NativeCall bool

	Host       HostBridge
	Extensions *ExtensionDispatcher
	Trace      func(pc int, in Instruction)
}

// Engine owns the long-lived execution machinery: the stencil table, the
// executable buffer pool and the compiled code cache. Each Run gets fresh
// guest memory and registers; only compiled code is shared across runs.
type Engine struct {
	cfg   Config
	log   commonlog.Logger
	table *StencilTable
	pool  *BufferPool
	cache *CodeCache
}

// guest memory layout
const (
	dataBase  = 0x1000 // program data segment base
	stackSize = 64 * 1024
)

// NewEngine builds an engine. Close releases the buffer pool.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.MemorySize <= 0 {
		cfg.MemorySize = DefaultMemorySize
	}
	if cfg.MemorySize < dataBase+stackSize {
		return nil, fmt.Errorf("engine: memory size %d below minimum %d", cfg.MemorySize, dataBase+stackSize)
	}
	if cfg.Host == nil {
		cfg.Host = &ConsoleBridge{}
	}
	pool, err := NewBufferPool(cfg.PoolBuffers)
	if err != nil {
		return nil, err
	}
	return &Engine{
		cfg:   cfg,
		log:   commonlog.GetLogger("kestrel.engine"),
		table: DefaultStencilTable(),
		pool:  pool,
		cache: NewCodeCache(cfg.CacheEntries, pool),
	}, nil
}

// Pool exposes the buffer pool, for stats and tests.
func (e *Engine) Pool() *BufferPool { return e.pool }

// Cache exposes the code cache.
func (e *Engine) Cache() *CodeCache { return e.cache }

// Close purges compiled code and unmaps the pool.
func (e *Engine) Close() error {
	if err := e.cache.Purge(); err != nil {
		return err
	}
	return e.pool.Close()
}

// Result is the outcome of one Run.
type Result struct {
	ID       string
	Exit     ExitReason
	Compiled bool // executed through compiled sites
	Native   bool // executed by direct buffer call
	Coverage *Coverage
}

// Run executes a program to completion. The error return covers setup and
// strict-compile failures; guest traps come back inside the Result.
func (e *Engine) Run(p *Program) (*Result, error) {
	id := "run_" + uuid.New().String()

	mem := NewMemory(e.cfg.MemorySize)
	cov := NewCoverage(p)
	m := newMachine(mem, p, runConfig{
		host:        e.cfg.Host,
		ext:         e.cfg.Extensions,
		strictTaint: e.cfg.StrictTaint,
		allowCapNew: e.cfg.AllowCapNew,
		maxSteps:    e.cfg.MaxSteps,
		seed:        e.cfg.Seed,
		trace:       e.cfg.Trace,
	}, cov)

	ctx := newContext(m, p.Entry)
	if err := e.seedContext(ctx, mem, p); err != nil {
		return nil, err
	}

	res := &Result{ID: id, Coverage: cov}
	switch e.cfg.Strategy {
	case StrategyInterpret:
		res.Exit = ctx.Run()
	default:
		entry, err := e.compiled(p)
		if err != nil {
			if e.cfg.Strategy == StrategyCompile {
				return nil, err
			}
			var ce *CompileError
			if !errors.As(err, &ce) {
				return nil, err
			}
			e.log.Infof("%s: falling back to interpreter: %s", id, err)
			res.Exit = ctx.Run()
			break
		}
		res.Compiled = true
		if e.cfg.NativeCall && nativeCallSupported && p.Entry == 0 && canRunNative(p) {
			if exit, ok := entry.runNative(ctx); ok {
				res.Native = true
				res.Exit = exit
				_ = entry.unpin(e.pool)
				break
			}
		}
		res.Exit = entry.Run(ctx)
		_ = entry.unpin(e.pool)
	}

	e.log.Infof("%s: %s", id, res.Exit)
	return res, nil
}

// compiled returns the cached entry for a program, compiling on miss. The
// entry comes back pinned; Run unpins when it is done walking it.
func (e *Engine) compiled(p *Program) (*NativeEntry, error) {
	encoded, err := p.Bytes()
	if err != nil {
		return nil, err
	}
	key := KeyOf(encoded)
	if entry, ok := e.cache.Get(key); ok {
		return entry, nil
	}
	entry, err := NewCompiler(e.table, e.pool).Compile(p)
	if err != nil {
		return nil, err
	}
	if err := entry.Verify(); err != nil {
		_ = entry.Release(e.pool)
		return nil, err
	}
	// Pin before publishing: a concurrent Put can evict this entry the
	// moment it lands in the cache.
	entry.pin()
	if err := e.cache.Put(key, entry); err != nil {
		_ = entry.unpin(e.pool)
		return nil, err
	}
	return entry, nil
}

// seedContext loads the data segment and mints the root capabilities: r1
// covers the heap (data included), r2 is a read-only view of the data
// segment, csp and cfp cover the stack with their cursor at its top.
// Guest code derives everything else by restriction.
func (e *Engine) seedContext(ctx *Context, mem *Memory, p *Program) error {
	heapLen := uint32(mem.Size() - stackSize - dataBase)
	heap := NewCapability(dataBase, heapLen, PermRead|PermWrite|PermCap)
	if len(p.Data) > 0 {
		if trap := mem.WriteBytes(heap, 0, p.Data); trap != TrapNone {
			return fmt.Errorf("load data segment: %w", trap)
		}
	}
	stackBase := uint64(mem.Size() - stackSize)
	stack := NewCapability(stackBase, stackSize, PermRead|PermWrite|PermCap)
	stack.Addr = stackBase + stackSize

	rf := ctx.Regs()
	rf.SetCap(R1, heap)
	if len(p.Data) > 0 {
		rf.SetCap(R2, NewCapability(dataBase, uint32(len(p.Data)), PermRead))
	}
	rf.SetCap(RegCSP, stack)
	rf.SetCap(RegCFP, stack)
	rf.Set(RegSP, stackBase+stackSize)
	rf.Set(RegFP, stackBase+stackSize)
	return nil
}
