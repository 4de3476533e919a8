package vm

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode identifies an instruction family. The binary encoding reserves five
// bits, so at most 32 opcodes exist; per-family variants are selected by the
// three-bit mode field.
type Opcode uint8

// Arithmetic/Logic
const (
	OpALU    Opcode = 0x00 // register ALU op, mode selects add..sar
	OpALUI   Opcode = 0x01 // ALU with immediate operand
	OpMULDIV Opcode = 0x02 // mul, mulh, div, mod
)

// Memory (capability-checked)
const (
	OpLOAD   Opcode = 0x03 // load 8/16/32/64-bit or capability
	OpSTORE  Opcode = 0x04 // store 8/16/32/64-bit or capability
	OpATOMIC Opcode = 0x05 // cas, xchg, add, and, or, xor, min, max
)

// Control flow
const (
	OpBRANCH Opcode = 0x06 // conditional branch, signed comparisons
	OpCALL   Opcode = 0x07 // call with link
	OpRET    Opcode = 0x08 // return; empty call stack halts
	OpJUMP   Opcode = 0x09 // unconditional jump, direct or indirect
)

// Capabilities
const (
	OpCAPNEW      Opcode = 0x0A // create capability (privileged)
	OpCAPRESTRICT Opcode = 0x0B // shrink bounds, drop permissions, raise taint
	OpCAPQUERY    Opcode = 0x0C // query capability fields
)

// Concurrency
const (
	OpSPAWN Opcode = 0x0D
	OpJOIN  Opcode = 0x0E
	OpCHAN  Opcode = 0x0F
	OpFENCE Opcode = 0x10 // acquire, release, acqrel, seqcst
	OpYIELD Opcode = 0x11
)

// Taint tracking
const (
	OpTAINT    Opcode = 0x12 // raise taint on rd
	OpSANITIZE Opcode = 0x13 // clear taint on rd after validation
)

// Host escape hatch
const (
	OpHOST Opcode = 0x14 // file/net/console/time, forwarded to the host bridge
)

// Math extensions
const (
	OpFPU  Opcode = 0x15 // f64 arithmetic on register bit patterns
	OpFCMP Opcode = 0x16 // f64 comparisons, result 0 or 1
	OpBITS Opcode = 0x17 // popcount, clz, ctz, bswap
)

// System
const (
	OpMOV     Opcode = 0x18 // reg-reg move or load immediate
	OpTRAP    Opcode = 0x19 // raise a trap, mode selects the kind
	OpNOP     Opcode = 0x1A
	OpHALT    Opcode = 0x1B
	OpEXTCALL Opcode = 0x1C // call registered extension, id in immediate
)

// Extended control flow
const (
	OpBRANCHU Opcode = 0x1D // conditional branch, unsigned comparisons
	OpRAND    Opcode = 0x1E // random bytes / random u64
)

// NumOpcodes is the size of the opcode space (five encoded bits). Opcode
// 0x1F is reserved and decodes as an error.
const NumOpcodes = 32

// NumModes is the size of the per-opcode mode space (three encoded bits).
const NumModes = 8

// ---------------------------------------------------------------------------
// Mode definitions
// ---------------------------------------------------------------------------

// ALU operation modes (OpALU, OpALUI).
const (
	AluAdd uint8 = 0
	AluSub uint8 = 1
	AluAnd uint8 = 2
	AluOr  uint8 = 3
	AluXor uint8 = 4
	AluShl uint8 = 5
	AluShr uint8 = 6 // logical shift right
	AluSar uint8 = 7 // arithmetic shift right
)

// Multiply/divide modes (OpMULDIV).
const (
	MulLow  uint8 = 0 // low 64 bits of the product
	MulHigh uint8 = 1 // high 64 bits of the product
	DivQuot uint8 = 2
	DivRem  uint8 = 3
)

// Memory width modes (OpLOAD, OpSTORE). WidthCap moves a full 128-bit
// capability and requires the capability-load/store permission.
const (
	WidthByte   uint8 = 0
	WidthHalf   uint8 = 1
	WidthWord   uint8 = 2
	WidthDouble uint8 = 3
	WidthCap    uint8 = 4
)

// widthSize maps a width mode to its byte size.
func widthSize(mode uint8) int {
	switch mode {
	case WidthByte:
		return 1
	case WidthHalf:
		return 2
	case WidthWord:
		return 4
	case WidthDouble:
		return 8
	case WidthCap:
		return 16
	}
	return 0
}

// Atomic operation modes (OpATOMIC).
const (
	AtomicCas  uint8 = 0
	AtomicXchg uint8 = 1
	AtomicAdd  uint8 = 2
	AtomicAnd  uint8 = 3
	AtomicOr   uint8 = 4
	AtomicXor  uint8 = 5
	AtomicMin  uint8 = 6
	AtomicMax  uint8 = 7
)

// Branch condition modes (OpBRANCH signed, OpBRANCHU unsigned). CondAlways
// and CondNever are degenerate conditions requiring no comparison.
const (
	CondAlways uint8 = 0
	CondEq     uint8 = 1
	CondNe     uint8 = 2
	CondLt     uint8 = 3
	CondLe     uint8 = 4
	CondGt     uint8 = 5
	CondGe     uint8 = 6
	CondNever  uint8 = 7
)

// Jump modes (OpJUMP).
const (
	JumpRelative uint8 = 0 // immediate is a relative instruction offset
	JumpIndirect uint8 = 1 // rs1 holds an absolute instruction index
)

// Capability restriction modes (OpCAPRESTRICT). Each mode can only shrink:
// narrower bounds, fewer permissions, higher taint.
const (
	RestrictBounds uint8 = 0 // rs2 = new base register, imm = new length
	RestrictPerms  uint8 = 1 // imm = new permission mask (subset required)
	RestrictTaint  uint8 = 2 // imm = new taint level (>= current required)
)

// Capability query modes (OpCAPQUERY).
const (
	QueryBase   uint8 = 0
	QueryLength uint8 = 1
	QueryPerms  uint8 = 2
	QueryAddr   uint8 = 3
	QueryTaint  uint8 = 4
	QueryValid  uint8 = 5
)

// Channel operation modes (OpCHAN).
const (
	ChanCreate uint8 = 0
	ChanSend   uint8 = 1
	ChanRecv   uint8 = 2
	ChanClose  uint8 = 3
)

// Fence modes (OpFENCE).
const (
	FenceAcquire uint8 = 0
	FenceRelease uint8 = 1
	FenceAcqRel  uint8 = 2
	FenceSeqCst  uint8 = 3
)

// Host operation classes (OpHOST). The engine forwards these verbatim to
// the HostBridge; it never interprets their semantics.
const (
	HostFile    uint8 = 0
	HostNet     uint8 = 1
	HostConsole uint8 = 2
	HostTime    uint8 = 3
)

// FPU arithmetic modes (OpFPU). Operands are f64 bit patterns in registers.
const (
	FpuAdd   uint8 = 0
	FpuSub   uint8 = 1
	FpuMul   uint8 = 2
	FpuDiv   uint8 = 3
	FpuSqrt  uint8 = 4
	FpuAbs   uint8 = 5
	FpuFloor uint8 = 6
	FpuCeil  uint8 = 7
)

// FPU comparison modes (OpFCMP). Result is the integer 1 or 0.
const (
	FcmpEq uint8 = 0
	FcmpNe uint8 = 1
	FcmpLt uint8 = 2
	FcmpLe uint8 = 3
	FcmpGt uint8 = 4
	FcmpGe uint8 = 5
)

// Bit manipulation modes (OpBITS).
const (
	BitsPopcount uint8 = 0
	BitsClz      uint8 = 1
	BitsCtz      uint8 = 2
	BitsBswap    uint8 = 3
)

// Trap kind modes (OpTRAP).
const (
	TrapModeBreakpoint uint8 = 0
	TrapModeUser       uint8 = 1
)

// Random modes (OpRAND).
const (
	RandBytes uint8 = 0 // fill [rs1 cap] with rs2 random bytes
	RandU64   uint8 = 1 // rd = random 64-bit value
)

// ---------------------------------------------------------------------------
// Registers
// ---------------------------------------------------------------------------

// Register is a register index in the 32-entry register file.
type Register uint8

// General-purpose registers r0..r15; r0 doubles as the return value.
const (
	R0 Register = iota
	R1
	R2
	R3
	R4
	R5
	R6
	R7
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
)

// Special-purpose registers.
const (
	RegSP   Register = 16 // stack pointer
	RegFP   Register = 17 // frame pointer
	RegLR   Register = 18 // link register
	RegPC   Register = 19 // program counter (read-only)
	RegCSP  Register = 20 // capability stack pointer
	RegCFP  Register = 21 // capability frame pointer
	RegZero Register = 31 // hard-wired zero
)

// NumRegisters is the register file size.
const NumRegisters = 32

var regNames = [NumRegisters]string{
	"r0", "r1", "r2", "r3", "r4", "r5", "r6", "r7",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
	"sp", "fp", "lr", "pc", "csp", "cfp",
	"x22", "x23", "x24", "x25", "x26", "x27", "x28", "x29", "x30",
	"zero",
}

// Name returns the assembly name for a register.
func (r Register) Name() string {
	if int(r) < len(regNames) {
		return regNames[r]
	}
	return fmt.Sprintf("r?%d", uint8(r))
}

// String implements the Stringer interface.
func (r Register) String() string { return r.Name() }

// Writable reports whether the register accepts writes. Writes to pc and
// zero are discarded.
func (r Register) Writable() bool {
	return r != RegPC && r != RegZero
}

// ---------------------------------------------------------------------------
// Opcode metadata
// ---------------------------------------------------------------------------

// OperandClass describes how the low 14 bits of the base word are read when
// the extension flag is clear.
type OperandClass uint8

const (
	// ClassRRR: bits [4:0] hold rs2.
	ClassRRR OperandClass = iota
	// ClassRRI: bits [12:0] hold a signed 13-bit immediate.
	ClassRRI
	// ClassNone: the low field is ignored.
	ClassNone
)

// OpcodeInfo holds decode and disassembly metadata for an opcode. The same
// table drives the decoder, the interpreter's handler dispatch and stencil
// table population, so the execution strategies cannot diverge in coverage.
type OpcodeInfo struct {
	Name      string
	Class     OperandClass
	MaxMode   uint8    // highest valid mode value
	ModeNames []string // indexed by mode; empty entries fall back to digits
}

// opcodeTable is direct-indexed by opcode. A nil Name marks a reserved
// encoding.
var opcodeTable = [NumOpcodes]OpcodeInfo{
	OpALU:         {"alu", ClassRRR, AluSar, []string{"add", "sub", "and", "or", "xor", "shl", "shr", "sar"}},
	OpALUI:        {"alui", ClassRRI, AluSar, []string{"add", "sub", "and", "or", "xor", "shl", "shr", "sar"}},
	OpMULDIV:      {"muldiv", ClassRRR, DivRem, []string{"mul", "mulh", "div", "mod"}},
	OpLOAD:        {"load", ClassRRI, WidthCap, []string{"b", "h", "w", "d", "cap"}},
	OpSTORE:       {"store", ClassRRI, WidthCap, []string{"b", "h", "w", "d", "cap"}},
	OpATOMIC:      {"atomic", ClassRRR, AtomicMax, []string{"cas", "xchg", "add", "and", "or", "xor", "min", "max"}},
	OpBRANCH:      {"branch", ClassRRI, CondNever, []string{"always", "eq", "ne", "lt", "le", "gt", "ge", "never"}},
	OpCALL:        {"call", ClassRRI, 0, nil},
	OpRET:         {"ret", ClassNone, 0, nil},
	OpJUMP:        {"jump", ClassRRI, JumpIndirect, []string{"rel", "ind"}},
	OpCAPNEW:      {"cap.new", ClassRRI, 0, nil},
	OpCAPRESTRICT: {"cap.restrict", ClassRRI, RestrictTaint, []string{"bounds", "perms", "taint"}},
	OpCAPQUERY:    {"cap.query", ClassRRR, QueryValid, []string{"base", "len", "perms", "addr", "taint", "valid"}},
	OpSPAWN:       {"spawn", ClassRRR, 0, nil},
	OpJOIN:        {"join", ClassRRR, 0, nil},
	OpCHAN:        {"chan", ClassRRR, ChanClose, []string{"create", "send", "recv", "close"}},
	OpFENCE:       {"fence", ClassNone, FenceSeqCst, []string{"acq", "rel", "acqrel", "seqcst"}},
	OpYIELD:       {"yield", ClassNone, 0, nil},
	OpTAINT:       {"taint", ClassRRI, 0, nil},
	OpSANITIZE:    {"sanitize", ClassNone, 0, nil},
	OpHOST:        {"host", ClassRRI, HostTime, []string{"file", "net", "console", "time"}},
	OpFPU:         {"fpu", ClassRRR, FpuCeil, []string{"fadd", "fsub", "fmul", "fdiv", "fsqrt", "fabs", "ffloor", "fceil"}},
	OpFCMP:        {"fcmp", ClassRRR, FcmpGe, []string{"eq", "ne", "lt", "le", "gt", "ge"}},
	OpBITS:        {"bits", ClassRRR, BitsBswap, []string{"popcount", "clz", "ctz", "bswap"}},
	OpMOV:         {"mov", ClassRRI, 0, nil},
	OpTRAP:        {"trap", ClassNone, TrapModeUser, []string{"break", "user"}},
	OpNOP:         {"nop", ClassNone, 0, nil},
	OpHALT:        {"halt", ClassNone, 0, nil},
	OpEXTCALL:     {"ext.call", ClassRRI, 0, nil},
	OpBRANCHU:     {"branchu", ClassRRI, CondNever, []string{"always", "eq", "ne", "ltu", "leu", "gtu", "geu", "never"}},
	OpRAND:        {"rand", ClassRRR, RandU64, []string{"bytes", "u64"}},
}

// Valid reports whether the opcode has a registered encoding.
func (op Opcode) Valid() bool {
	return int(op) < NumOpcodes && opcodeTable[op].Name != ""
}

// Info returns the metadata for an opcode.
func (op Opcode) Info() OpcodeInfo {
	if op.Valid() {
		return opcodeTable[op]
	}
	return OpcodeInfo{Name: fmt.Sprintf("op?%02x", uint8(op))}
}

// Name returns the instruction mnemonic.
func (op Opcode) Name() string {
	return op.Info().Name
}

// String implements the Stringer interface.
func (op Opcode) String() string { return op.Name() }

// ValidMode reports whether the mode value is defined for this opcode.
func (op Opcode) ValidMode(mode uint8) bool {
	return op.Valid() && mode <= opcodeTable[op].MaxMode
}

// modeName returns the mnemonic suffix for a mode, or a digit fallback.
func modeName(op Opcode, mode uint8) string {
	info := op.Info()
	if int(mode) < len(info.ModeNames) && info.ModeNames[mode] != "" {
		return info.ModeNames[mode]
	}
	return fmt.Sprintf("%d", mode)
}

// stencilIndex computes the shared direct-index discriminant used by both
// the interpreter's handler table and the stencil table.
func stencilIndex(op Opcode, mode uint8) int {
	return int(op)<<3 | int(mode&0x7)
}

// ---------------------------------------------------------------------------
// Disassembly
// ---------------------------------------------------------------------------

// Disassemble renders a program's instructions one per line, with the
// instruction index in the left margin.
func Disassemble(instrs []Instruction) string {
	var sb strings.Builder
	for i := range instrs {
		fmt.Fprintf(&sb, "%4d: %s\n", i, instrs[i].String())
	}
	return sb.String()
}
