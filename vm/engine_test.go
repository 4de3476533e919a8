package vm

import (
	"encoding/binary"
	"strings"
	"sync"
	"testing"
)

func testEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	if cfg.PoolBuffers == 0 {
		cfg.PoolBuffers = 4
	}
	e, err := NewEngine(cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func TestEngineRunsCompiledByDefault(t *testing.T) {
	e := testEngine(t, Config{})
	res, err := e.Run(addProgram(t))
	if err != nil {
		t.Fatal(err)
	}
	wantHalt(t, res.Exit, 8)
	if !res.Compiled {
		t.Error("auto strategy did not compile a compilable program")
	}
	if !strings.HasPrefix(res.ID, "run_") {
		t.Errorf("run id %q", res.ID)
	}
}

func TestEngineInterpretStrategy(t *testing.T) {
	e := testEngine(t, Config{Strategy: StrategyInterpret})
	res, err := e.Run(addProgram(t))
	if err != nil {
		t.Fatal(err)
	}
	wantHalt(t, res.Exit, 8)
	if res.Compiled {
		t.Error("interpret strategy compiled anyway")
	}
}

func TestEngineFallsBackOnOversizedProgram(t *testing.T) {
	b := NewBuilder()
	for i := 0; i < 200; i++ {
		b.AluImm(AluAdd, R0, R0, 1)
	}
	b.Halt()
	p := mustBuild(t, b)

	e := testEngine(t, Config{})
	res, err := e.Run(p)
	if err != nil {
		t.Fatal(err)
	}
	wantHalt(t, res.Exit, 200)
	if res.Compiled {
		t.Error("oversized program claims to be compiled")
	}

	// Strict compile surfaces the error instead.
	strict := testEngine(t, Config{Strategy: StrategyCompile})
	if _, err := strict.Run(p); err == nil {
		t.Error("strict compile should fail on an oversized program")
	}
}

func TestEngineCachesCompiledCode(t *testing.T) {
	e := testEngine(t, Config{})
	p := addProgram(t)

	if _, err := e.Run(p); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Run(p); err != nil {
		t.Fatal(err)
	}
	hits, _ := e.Cache().Stats()
	if hits == 0 {
		t.Error("second run of the same program missed the cache")
	}
	if e.Cache().Len() != 1 {
		t.Errorf("cache holds %d entries", e.Cache().Len())
	}
}

func TestEngineLoadsDataSegment(t *testing.T) {
	p := mustBuild(t, NewBuilder().
		Emit(Instruction{Op: OpLOAD, Mode: WidthDouble, Rd: R0, Rs1: R1, Imm: 0}).
		Halt())
	p.Data = make([]byte, 8)
	binary.LittleEndian.PutUint64(p.Data, 0xfeedface)

	e := testEngine(t, Config{})
	res, err := e.Run(p)
	if err != nil {
		t.Fatal(err)
	}
	wantHalt(t, res.Exit, 0xfeedface)
}

func TestEngineDataCapabilityIsReadOnly(t *testing.T) {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint64(data, 0x1234)

	// Reads through the r2 data view work.
	reader := mustBuild(t, NewBuilder().
		Emit(Instruction{Op: OpLOAD, Mode: WidthDouble, Rd: R0, Rs1: R2, Imm: 0}).
		Halt())
	reader.Data = data

	e := testEngine(t, Config{})
	res, err := e.Run(reader)
	if err != nil {
		t.Fatal(err)
	}
	wantHalt(t, res.Exit, 0x1234)

	// Writes through it do not.
	writer := mustBuild(t, NewBuilder().
		MovImm(R3, 0xbad).
		Emit(Instruction{Op: OpSTORE, Mode: WidthDouble, Rs1: R2, Rs2: R3, Imm: 0}).
		Halt())
	writer.Data = data

	res, err = e.Run(writer)
	if err != nil {
		t.Fatal(err)
	}
	wantTrap(t, res.Exit, TrapPermissionDenied)
}

func TestEngineStackCapabilityIsUsable(t *testing.T) {
	// Push and pop through the capability stack pointer: store below the
	// cursor, load it back.
	p := mustBuild(t, NewBuilder().
		MovImm(R2, 0x55).
		Emit(Instruction{Op: OpSTORE, Mode: WidthDouble, Rs1: RegCSP, Rs2: R2, Imm: -8}).
		Emit(Instruction{Op: OpLOAD, Mode: WidthDouble, Rd: R0, Rs1: RegCSP, Imm: -8}).
		Halt())
	e := testEngine(t, Config{})
	res, err := e.Run(p)
	if err != nil {
		t.Fatal(err)
	}
	wantHalt(t, res.Exit, 0x55)
}

func TestEngineStepLimit(t *testing.T) {
	p := mustBuild(t, NewBuilder().Label("spin").Jump("spin"))
	e := testEngine(t, Config{MaxSteps: 500})
	res, err := e.Run(p)
	if err != nil {
		t.Fatal(err)
	}
	wantTrap(t, res.Exit, TrapStepLimit)
}

func TestEngineRunsAreIsolated(t *testing.T) {
	// A run that scribbles on memory must not be visible to the next.
	writer := mustBuild(t, NewBuilder().
		MovImm(R2, 0xbad).
		Emit(Instruction{Op: OpSTORE, Mode: WidthDouble, Rs1: R1, Rs2: R2, Imm: 0}).
		Halt())
	reader := mustBuild(t, NewBuilder().
		Emit(Instruction{Op: OpLOAD, Mode: WidthDouble, Rd: R0, Rs1: R1, Imm: 0}).
		Halt())

	e := testEngine(t, Config{})
	if _, err := e.Run(writer); err != nil {
		t.Fatal(err)
	}
	res, err := e.Run(reader)
	if err != nil {
		t.Fatal(err)
	}
	wantHalt(t, res.Exit, 0)
}

func TestEngineConcurrentRunsUnderEviction(t *testing.T) {
	// A one-entry cache makes every other run evict; pinned entries must
	// stay walkable until their runner finishes.
	e := testEngine(t, Config{CacheEntries: 1, PoolBuffers: 8})

	progs := make([]*Program, 4)
	for i := range progs {
		progs[i] = mustBuild(t, NewBuilder().MovImm(R0, int64(i+1)).Halt())
	}

	var wg sync.WaitGroup
	for i, p := range progs {
		wg.Add(1)
		go func(p *Program, want uint64) {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				res, err := e.Run(p)
				if err != nil {
					t.Error(err)
					return
				}
				if res.Exit.Kind != ExitHalted || res.Exit.Value != want {
					t.Errorf("got %s, want halted(%d)", res.Exit, want)
					return
				}
			}
		}(p, uint64(i+1))
	}
	wg.Wait()
}

func TestEngineCoverageInResult(t *testing.T) {
	e := testEngine(t, Config{})
	res, err := e.Run(addProgram(t))
	if err != nil {
		t.Fatal(err)
	}
	if res.Coverage == nil || res.Coverage.Total() != 4 {
		t.Errorf("coverage total = %v", res.Coverage)
	}
}

func TestEngineNativeCall(t *testing.T) {
	if !nativeCallSupported {
		t.Skip("native calls unsupported on this platform")
	}
	e := testEngine(t, Config{NativeCall: true})
	res, err := e.Run(addProgram(t))
	if err != nil {
		t.Fatal(err)
	}
	wantHalt(t, res.Exit, 8)
	if !res.Native {
		t.Error("eligible program did not take the native path")
	}

	// Programs outside the scalar subset stay on the audited walker.
	branchy := mustBuild(t, NewBuilder().
		MovImm(R0, 1).
		Emit(Instruction{Op: OpBRANCH, Mode: CondAlways, Imm: 2}).
		MovImm(R0, 2).
		Halt())
	res, err = e.Run(branchy)
	if err != nil {
		t.Fatal(err)
	}
	wantHalt(t, res.Exit, 1)
	if res.Native {
		t.Error("branching program took the native path")
	}
}

func TestEngineNativeSubsetExcludesPCReads(t *testing.T) {
	if !nativeCallSupported {
		t.Skip("native calls unsupported on this platform")
	}
	// The evaluator refreshes the pc register per step; raw buffer code
	// does not, so pc readers must stay on the walker.
	p := mustBuild(t, NewBuilder().
		Emit(Instruction{Op: OpNOP}).
		Alu(AluAdd, R0, RegPC, RegZero).
		Halt())
	if canRunNative(p) {
		t.Fatal("pc-reading program admitted to the native subset")
	}

	e := testEngine(t, Config{NativeCall: true})
	res, err := e.Run(p)
	if err != nil {
		t.Fatal(err)
	}
	wantHalt(t, res.Exit, 1)
	if res.Native {
		t.Error("pc-reading program took the native path")
	}
}

func TestEngineWrappedLoadOffsetTraps(t *testing.T) {
	p := mustBuild(t, NewBuilder().
		Emit(Instruction{Op: OpLOAD, Mode: WidthDouble, Rd: R0, Rs1: R1, Imm: -0x1004}).
		Halt())
	e := testEngine(t, Config{})
	res, err := e.Run(p)
	if err != nil {
		t.Fatal(err)
	}
	wantTrap(t, res.Exit, TrapOutOfBounds)
}

func TestEngineRejectsTinyMemory(t *testing.T) {
	if _, err := NewEngine(Config{MemorySize: 1024}); err == nil {
		t.Error("engine accepted memory smaller than its layout")
	}
}
