package vm

// x86-64 stencil templates.
//
// Every template assumes rdi holds the base of the context's scalar
// register array. Register operands are movabs immediates so the patcher
// only ever writes little-endian words at recorded offsets; the indexed
// addressing mode [rdi+reg*8] turns the patched index into the slot.
//
// Templates come in two shapes. Scalar ops (alu, mov, mul, bits, branch,
// halt) are self-contained machine code. Everything that touches memory,
// capabilities, threads or the host uses the escape shape: the four
// operand movabs holes followed by a helper call site, which the audited
// walker reads back instead of branching into.

type emitter struct {
	code    []byte
	patches []PatchInfo
}

func (e *emitter) raw(b ...byte) {
	e.code = append(e.code, b...)
}

func (e *emitter) hole64(kind PatchKind) {
	e.patches = append(e.patches, PatchInfo{Offset: len(e.code), Kind: kind})
	e.code = append(e.code, 0, 0, 0, 0, 0, 0, 0, 0)
}

func (e *emitter) hole32(kind PatchKind) {
	e.patches = append(e.patches, PatchInfo{Offset: len(e.code), Kind: kind})
	e.code = append(e.code, 0, 0, 0, 0)
}

func (e *emitter) entry() *StencilEntry {
	return &StencilEntry{Code: e.code, Patches: e.patches}
}

// loadSrc1 emits: movabs rax, <src1>; mov rax, [rdi+rax*8]
func (e *emitter) loadSrc1() {
	e.raw(0x48, 0xb8)
	e.hole64(PatchSrc1Reg)
	e.raw(0x48, 0x8b, 0x04, 0xc7)
}

// loadSrc2 emits: movabs rcx, <src2>; mov rcx, [rdi+rcx*8]
func (e *emitter) loadSrc2() {
	e.raw(0x48, 0xb9)
	e.hole64(PatchSrc2Reg)
	e.raw(0x48, 0x8b, 0x0c, 0xcf)
}

// loadImm emits: movabs rcx, <imm>
func (e *emitter) loadImm() {
	e.raw(0x48, 0xb9)
	e.hole64(PatchImm64)
}

// storeDst emits: movabs rcx, <dst>; mov [rdi+rcx*8], rax
func (e *emitter) storeDst() {
	e.raw(0x48, 0xb9)
	e.hole64(PatchDstReg)
	e.raw(0x48, 0x89, 0x04, 0xcf)
}

// aluOpcodeBytes holds the rax, rcx arithmetic sequence per ALU mode.
// Shift counts come from cl, which loadSrc2/loadImm already populated.
var aluOpcodeBytes = [NumModes][]byte{
	AluAdd: {0x48, 0x01, 0xc8}, // add rax, rcx
	AluSub: {0x48, 0x29, 0xc8}, // sub rax, rcx
	AluAnd: {0x48, 0x21, 0xc8}, // and rax, rcx
	AluOr:  {0x48, 0x09, 0xc8}, // or rax, rcx
	AluXor: {0x48, 0x31, 0xc8}, // xor rax, rcx
	AluShl: {0x48, 0xd3, 0xe0}, // shl rax, cl
	AluShr: {0x48, 0xd3, 0xe8}, // shr rax, cl
	AluSar: {0x48, 0xd3, 0xf8}, // sar rax, cl
}

func aluTemplate(mode uint8) *StencilEntry {
	var e emitter
	e.loadSrc1()
	e.loadSrc2()
	e.raw(aluOpcodeBytes[mode]...)
	e.storeDst()
	return e.entry()
}

func aluImmTemplate(mode uint8) *StencilEntry {
	var e emitter
	e.loadSrc1()
	e.loadImm()
	e.raw(aluOpcodeBytes[mode]...)
	e.storeDst()
	return e.entry()
}

// movTemplate reuses the alui add shape: rd = rs1 + imm, where rs1 may be
// the zero register for plain immediate loads.
func movTemplate() *StencilEntry {
	return aluImmTemplate(AluAdd)
}

func mulTemplate() *StencilEntry {
	var e emitter
	e.loadSrc1()
	e.loadSrc2()
	e.raw(0x48, 0x0f, 0xaf, 0xc1) // imul rax, rcx
	e.storeDst()
	return e.entry()
}

// jccBytes maps branch condition modes to jcc rel32 prefixes. Always uses
// the plain jmp form, never needs no branch at all.
var jccSigned = [NumModes][]byte{
	CondEq: {0x0f, 0x84},
	CondNe: {0x0f, 0x85},
	CondLt: {0x0f, 0x8c},
	CondLe: {0x0f, 0x8e},
	CondGt: {0x0f, 0x8f},
	CondGe: {0x0f, 0x8d},
}

var jccUnsigned = [NumModes][]byte{
	CondEq: {0x0f, 0x84},
	CondNe: {0x0f, 0x85},
	CondLt: {0x0f, 0x82},
	CondLe: {0x0f, 0x86},
	CondGt: {0x0f, 0x87},
	CondGe: {0x0f, 0x83},
}

func branchTemplate(cond uint8, signed bool) *StencilEntry {
	var e emitter
	switch cond {
	case CondAlways:
		e.raw(0xe9) // jmp rel32
		e.hole32(PatchBranchTarget)
	case CondNever:
		e.raw(0x0f, 0x1f, 0x00) // 3-byte nop
	default:
		e.loadSrc1()
		e.loadSrc2()
		e.raw(0x48, 0x39, 0xc8) // cmp rax, rcx
		if signed {
			e.raw(jccSigned[cond]...)
		} else {
			e.raw(jccUnsigned[cond]...)
		}
		e.hole32(PatchBranchTarget)
	}
	return e.entry()
}

func jumpTemplate() *StencilEntry {
	var e emitter
	e.raw(0xe9)
	e.hole32(PatchBranchTarget)
	return e.entry()
}

func callTemplate() *StencilEntry {
	var e emitter
	e.raw(0xe8)
	e.hole32(PatchBranchTarget)
	return e.entry()
}

// bitsTemplates are real single-source instructions.
func bitsTemplate(mode uint8) *StencilEntry {
	var e emitter
	e.loadSrc1()
	switch mode {
	case BitsPopcount:
		e.raw(0xf3, 0x48, 0x0f, 0xb8, 0xc0) // popcnt rax, rax
	case BitsClz:
		e.raw(0xf3, 0x48, 0x0f, 0xbd, 0xc0) // lzcnt rax, rax
	case BitsCtz:
		e.raw(0xf3, 0x48, 0x0f, 0xbc, 0xc0) // tzcnt rax, rax
	case BitsBswap:
		e.raw(0x48, 0x0f, 0xc8) // bswap rax
	}
	e.storeDst()
	return e.entry()
}

// haltTemplate loads r0 as the result and returns to the trampoline.
func haltTemplate() *StencilEntry {
	var e emitter
	e.raw(0x48, 0x8b, 0x07) // mov rax, [rdi]
	e.raw(0xc3)             // ret
	return e.entry()
}

func nopTemplate() *StencilEntry {
	var e emitter
	e.raw(0x90)
	return e.entry()
}

// escapeTemplate is the uniform shape for operations the audited walker
// evaluates out of line: four operand holes and a zeroed helper call site.
func escapeTemplate() *StencilEntry {
	var e emitter
	e.raw(0x48, 0xb8) // movabs rax, <dst>
	e.hole64(PatchDstReg)
	e.raw(0x48, 0xb9) // movabs rcx, <src1>
	e.hole64(PatchSrc1Reg)
	e.raw(0x48, 0xba) // movabs rdx, <src2>
	e.hole64(PatchSrc2Reg)
	e.raw(0x48, 0xbe) // movabs rsi, <imm>
	e.hole64(PatchImm64)
	e.raw(0xe8, 0x00, 0x00, 0x00, 0x00) // call helper, resolved at install
	return e.entry()
}

// prologueCode is empty: the native call trampoline hands the register
// array pointer over in rdi already, and the audited walker never enters
// through the buffer at all.
var prologueCode []byte

func buildStencilTable() *StencilTable {
	t := &StencilTable{Prologue: prologueCode}

	for mode := uint8(0); mode < NumModes; mode++ {
		t.Register(OpALU, mode, aluTemplate(mode))
		t.Register(OpALUI, mode, aluImmTemplate(mode))
		t.Register(OpBRANCH, mode, branchTemplate(mode, true))
		t.Register(OpBRANCHU, mode, branchTemplate(mode, false))
	}

	t.Register(OpMULDIV, MulLow, mulTemplate())
	for _, mode := range []uint8{MulHigh, DivQuot, DivRem} {
		t.Register(OpMULDIV, mode, escapeTemplate())
	}

	for mode := uint8(WidthByte); mode <= WidthCap; mode++ {
		t.Register(OpLOAD, mode, escapeTemplate())
		t.Register(OpSTORE, mode, escapeTemplate())
	}
	for mode := uint8(AtomicCas); mode <= AtomicMax; mode++ {
		t.Register(OpATOMIC, mode, escapeTemplate())
	}

	t.Register(OpCALL, 0, callTemplate())
	t.Register(OpRET, 0, escapeTemplate())
	t.Register(OpJUMP, JumpRelative, jumpTemplate())
	t.Register(OpJUMP, JumpIndirect, escapeTemplate())

	t.Register(OpCAPNEW, 0, escapeTemplate())
	for mode := uint8(RestrictBounds); mode <= RestrictTaint; mode++ {
		t.Register(OpCAPRESTRICT, mode, escapeTemplate())
	}
	for mode := uint8(QueryBase); mode <= QueryValid; mode++ {
		t.Register(OpCAPQUERY, mode, escapeTemplate())
	}

	t.Register(OpSPAWN, 0, escapeTemplate())
	t.Register(OpJOIN, 0, escapeTemplate())
	for mode := uint8(ChanCreate); mode <= ChanClose; mode++ {
		t.Register(OpCHAN, mode, escapeTemplate())
	}
	for mode := uint8(FenceAcquire); mode <= FenceSeqCst; mode++ {
		t.Register(OpFENCE, mode, escapeTemplate())
	}
	t.Register(OpYIELD, 0, escapeTemplate())

	t.Register(OpTAINT, 0, escapeTemplate())
	t.Register(OpSANITIZE, 0, escapeTemplate())
	for mode := uint8(HostFile); mode <= HostTime; mode++ {
		t.Register(OpHOST, mode, escapeTemplate())
	}

	for mode := uint8(FpuAdd); mode <= FpuCeil; mode++ {
		t.Register(OpFPU, mode, escapeTemplate())
	}
	for mode := uint8(FcmpEq); mode <= FcmpGe; mode++ {
		t.Register(OpFCMP, mode, escapeTemplate())
	}
	for mode := uint8(BitsPopcount); mode <= BitsBswap; mode++ {
		t.Register(OpBITS, mode, bitsTemplate(mode))
	}

	t.Register(OpMOV, 0, movTemplate())
	t.Register(OpTRAP, TrapModeBreakpoint, escapeTemplate())
	t.Register(OpTRAP, TrapModeUser, escapeTemplate())
	t.Register(OpNOP, 0, nopTemplate())
	t.Register(OpHALT, 0, haltTemplate())
	t.Register(OpEXTCALL, 0, escapeTemplate())
	t.Register(OpRAND, RandBytes, escapeTemplate())
	t.Register(OpRAND, RandU64, escapeTemplate())

	return t
}
