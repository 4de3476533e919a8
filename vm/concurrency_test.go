package vm

import (
	"testing"
)

func TestSpawnJoin(t *testing.T) {
	// main: spawn the doubler with argument 21, join it, halt with the
	// child's result.
	//  0: mov r2, 5     child entry
	//  1: mov r3, 21    child argument
	//  2: spawn r4, r2, r3
	//  3: join r0, r4
	//  4: halt
	//  5: alu.add r0, r0, r0
	//  6: halt
	p := mustBuild(t, NewBuilder().
		MovImm(R2, 5).
		MovImm(R3, 21).
		Emit(Instruction{Op: OpSPAWN, Rd: R4, Rs1: R2, Rs2: R3}).
		Emit(Instruction{Op: OpJOIN, Rd: R0, Rs1: R4}).
		Halt().
		Alu(AluAdd, R0, R0, R0).
		Halt())
	wantHalt(t, interp(t, p, runConfig{}), 42)
}

func TestSpawnInvalidEntryTraps(t *testing.T) {
	p := mustBuild(t, NewBuilder().
		MovImm(R2, 100).
		Emit(Instruction{Op: OpSPAWN, Rd: R4, Rs1: R2}).
		Halt())
	wantTrap(t, interp(t, p, runConfig{}), TrapOutOfBounds)
}

func TestJoinUnknownIDTraps(t *testing.T) {
	p := mustBuild(t, NewBuilder().
		MovImm(R1, 9).
		Emit(Instruction{Op: OpJOIN, Rd: R0, Rs1: R1}).
		Halt())
	wantTrap(t, interp(t, p, runConfig{}), TrapInvalidInstruction)
}

func TestJoinPropagatesChildTrap(t *testing.T) {
	//  0: mov r2, 4
	//  1: spawn r4, r2
	//  2: join r0, r4
	//  3: halt
	//  4: trap.user
	p := mustBuild(t, NewBuilder().
		MovImm(R2, 4).
		Emit(Instruction{Op: OpSPAWN, Rd: R4, Rs1: R2}).
		Emit(Instruction{Op: OpJOIN, Rd: R0, Rs1: R4}).
		Halt().
		Emit(Instruction{Op: OpTRAP, Mode: TrapModeUser}))
	wantTrap(t, interp(t, p, runConfig{}), TrapUser)
}

func TestChannelSendRecv(t *testing.T) {
	//  0: mov r1, 1          capacity
	//  1: chan.create r2, r1
	//  2: mov r3, 7
	//  3: chan.send r2 <- r3
	//  4: chan.recv r0 <- r2
	//  5: halt
	p := mustBuild(t, NewBuilder().
		MovImm(R1, 1).
		Emit(Instruction{Op: OpCHAN, Mode: ChanCreate, Rd: R2, Rs1: R1}).
		MovImm(R3, 7).
		Emit(Instruction{Op: OpCHAN, Mode: ChanSend, Rs1: R2, Rs2: R3}).
		Emit(Instruction{Op: OpCHAN, Mode: ChanRecv, Rd: R0, Rs1: R2}).
		Halt())
	wantHalt(t, interp(t, p, runConfig{}), 7)
}

func TestChannelAcrossThreads(t *testing.T) {
	// The child sends its argument down the channel created by main.
	// Channel ids flow to the child through the inherited registers.
	//  0: mov r1, 0            unbuffered
	//  1: chan.create r2, r1
	//  2: mov r5, 7            child entry
	//  3: mov r3, 33
	//  4: spawn r4, r5, r3
	//  5: chan.recv r0 <- r2
	//  6: halt
	//  7: chan.send r2 <- r0   child: argument arrived in r0
	//  8: halt
	p := mustBuild(t, NewBuilder().
		MovImm(R1, 0).
		Emit(Instruction{Op: OpCHAN, Mode: ChanCreate, Rd: R2, Rs1: R1}).
		MovImm(R5, 7).
		MovImm(R3, 33).
		Emit(Instruction{Op: OpSPAWN, Rd: R4, Rs1: R5, Rs2: R3}).
		Emit(Instruction{Op: OpCHAN, Mode: ChanRecv, Rd: R0, Rs1: R2}).
		Halt().
		Emit(Instruction{Op: OpCHAN, Mode: ChanSend, Rs1: R2, Rs2: R0}).
		Halt())
	wantHalt(t, interp(t, p, runConfig{}), 33)
}

func TestChannelMisuse(t *testing.T) {
	// Unknown channel id.
	p := mustBuild(t, NewBuilder().
		MovImm(R1, 55).
		Emit(Instruction{Op: OpCHAN, Mode: ChanSend, Rs1: R1, Rs2: R2}).
		Halt())
	wantTrap(t, interp(t, p, runConfig{}), TrapInvalidInstruction)

	// Send after close.
	p = mustBuild(t, NewBuilder().
		MovImm(R1, 1).
		Emit(Instruction{Op: OpCHAN, Mode: ChanCreate, Rd: R2, Rs1: R1}).
		Emit(Instruction{Op: OpCHAN, Mode: ChanClose, Rs1: R2}).
		Emit(Instruction{Op: OpCHAN, Mode: ChanSend, Rs1: R2, Rs2: R3}).
		Halt())
	wantTrap(t, interp(t, p, runConfig{}), TrapInvalidInstruction)

	// Receive from a closed channel yields zero.
	p = mustBuild(t, NewBuilder().
		MovImm(R1, 1).
		MovImm(R0, 9).
		Emit(Instruction{Op: OpCHAN, Mode: ChanCreate, Rd: R2, Rs1: R1}).
		Emit(Instruction{Op: OpCHAN, Mode: ChanClose, Rs1: R2}).
		Emit(Instruction{Op: OpCHAN, Mode: ChanRecv, Rd: R0, Rs1: R2}).
		Halt())
	wantHalt(t, interp(t, p, runConfig{}), 0)
}

func TestAtomicInstructions(t *testing.T) {
	// Atomic add returns the previous value and applies the delta.
	p := mustBuild(t, NewBuilder().
		MovImm(R2, 5).
		Emit(Instruction{Op: OpATOMIC, Mode: AtomicAdd, Rd: R3, Rs1: R1, Rs2: R2}).
		Emit(Instruction{Op: OpLOAD, Mode: WidthDouble, Rd: R0, Rs1: R1, Imm: 0}).
		Halt())
	ctx := interpCtx(t, p, runConfig{})
	c := NewCapability(0x1000, 8, PermRead|PermWrite)
	ctx.Regs().SetCap(R1, c)
	if trap := ctx.m.mem.Store(c, 0, WidthDouble, 100); trap != TrapNone {
		t.Fatal(trap)
	}
	wantHalt(t, ctx.Run(), 105)
	if got := ctx.Regs().Get(R3); got != 100 {
		t.Errorf("atomic add returned %d, want the old value 100", got)
	}

	// CAS: rd carries the expected value in, the old value out.
	p = mustBuild(t, NewBuilder().
		Emit(Instruction{Op: OpATOMIC, Mode: AtomicCas, Rd: R3, Rs1: R1, Rs2: R2}).
		Emit(Instruction{Op: OpLOAD, Mode: WidthDouble, Rd: R0, Rs1: R1, Imm: 0}).
		Halt())
	ctx = interpCtx(t, p, runConfig{})
	ctx.Regs().SetCap(R1, c)
	ctx.Regs().Set(R2, 9) // new value
	ctx.Regs().Set(R3, 0) // expected: matches fresh memory
	wantHalt(t, ctx.Run(), 9)

	ctx = interpCtx(t, p, runConfig{})
	ctx.Regs().SetCap(R1, c)
	if trap := ctx.m.mem.Store(c, 0, WidthDouble, 4); trap != TrapNone {
		t.Fatal(trap)
	}
	ctx.Regs().Set(R2, 9)
	ctx.Regs().Set(R3, 1) // expected mismatch
	wantHalt(t, ctx.Run(), 4)
}

func TestAtomicCounterAcrossThreads(t *testing.T) {
	// Four children bump a shared counter 100 times each; main joins
	// them all and loads the final count.
	//  0: mov r5, 12          child entry
	//  1: spawn r6, r5
	//  2: spawn r7, r5
	//  3: spawn r8, r5
	//  4: spawn r9, r5
	//  5: join r10, r6
	//  6: join r10, r7
	//  7: join r10, r8
	//  8: join r10, r9
	//  9: load.d r0, [r1]
	// 10: halt
	// 11: (unused padding)
	// 12: mov r3, 100         child
	// 13: mov r2, 1
	// 14: atomic.add r4, r1, r2
	// 15: alui.sub r3, r3, 1
	// 16: branch.ne r3, zero, -2
	// 17: halt
	b := NewBuilder().
		MovImm(R5, 12).
		Emit(Instruction{Op: OpSPAWN, Rd: R6, Rs1: R5}).
		Emit(Instruction{Op: OpSPAWN, Rd: R7, Rs1: R5}).
		Emit(Instruction{Op: OpSPAWN, Rd: R8, Rs1: R5}).
		Emit(Instruction{Op: OpSPAWN, Rd: R9, Rs1: R5}).
		Emit(Instruction{Op: OpJOIN, Rd: R10, Rs1: R6}).
		Emit(Instruction{Op: OpJOIN, Rd: R10, Rs1: R7}).
		Emit(Instruction{Op: OpJOIN, Rd: R10, Rs1: R8}).
		Emit(Instruction{Op: OpJOIN, Rd: R10, Rs1: R9}).
		Emit(Instruction{Op: OpLOAD, Mode: WidthDouble, Rd: R0, Rs1: R1, Imm: 0}).
		Halt().
		Emit(Instruction{Op: OpNOP}).
		MovImm(R3, 100).
		MovImm(R2, 1).
		Emit(Instruction{Op: OpATOMIC, Mode: AtomicAdd, Rd: R4, Rs1: R1, Rs2: R2}).
		AluImm(AluSub, R3, R3, 1).
		Emit(Instruction{Op: OpBRANCH, Mode: CondNe, Rs1: R3, Rs2: RegZero, Imm: -2}).
		Halt()
	p := mustBuild(t, b)

	ctx := interpCtx(t, p, runConfig{})
	ctx.Regs().SetCap(R1, NewCapability(0x1000, 8, PermRead|PermWrite))
	wantHalt(t, ctx.Run(), 400)
}
