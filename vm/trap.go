package vm

import (
	"fmt"
)

// ---------------------------------------------------------------------------
// Trap: runtime semantic violations
// ---------------------------------------------------------------------------

// Trap identifies a runtime safety or semantic violation. A trap always
// terminates the current execution; it is never corrected silently.
type Trap uint8

const (
	TrapNone Trap = iota
	TrapInvalidTag
	TrapOutOfBounds
	TrapPermissionDenied
	TrapCapabilityViolation
	TrapTaintViolation
	TrapDivByZero
	TrapInvalidInstruction
	TrapBreakpoint
	TrapUser
	TrapStepLimit
)

var trapNames = map[Trap]string{
	TrapNone:                "none",
	TrapInvalidTag:          "invalid capability tag",
	TrapOutOfBounds:         "out of bounds",
	TrapPermissionDenied:    "permission denied",
	TrapCapabilityViolation: "capability violation",
	TrapTaintViolation:      "taint violation",
	TrapDivByZero:           "division by zero",
	TrapInvalidInstruction:  "invalid instruction",
	TrapBreakpoint:          "breakpoint",
	TrapUser:                "user trap",
	TrapStepLimit:           "step limit exceeded",
}

// String returns the human-readable trap name.
func (t Trap) String() string {
	if name, ok := trapNames[t]; ok {
		return name
	}
	return fmt.Sprintf("trap(%d)", uint8(t))
}

// Error implements the error interface so a Trap can flow through error
// returns without wrapping.
func (t Trap) Error() string {
	return "trap: " + t.String()
}

// ---------------------------------------------------------------------------
// ExitReason: terminal state of an execution
// ---------------------------------------------------------------------------

// ExitKind discriminates the two terminal execution states.
type ExitKind uint8

const (
	ExitHalted ExitKind = iota
	ExitTrapped
)

// ExitReason describes how an execution ended. Halted carries the program's
// return value (register r0 at HALT); Trapped carries the trap kind and the
// instruction index at which it was raised.
type ExitReason struct {
	Kind  ExitKind
	Value uint64 // return value when Kind == ExitHalted
	Trap  Trap   // trap kind when Kind == ExitTrapped
	PC    int    // instruction index of the trap site
}

// Halted constructs a normal-completion exit reason.
func Halted(value uint64) ExitReason {
	return ExitReason{Kind: ExitHalted, Value: value}
}

// Trapped constructs a trap exit reason.
func Trapped(t Trap, pc int) ExitReason {
	return ExitReason{Kind: ExitTrapped, Trap: t, PC: pc}
}

// String implements the Stringer interface.
func (r ExitReason) String() string {
	if r.Kind == ExitHalted {
		return fmt.Sprintf("halted(%d)", r.Value)
	}
	return fmt.Sprintf("trapped(%s @ %d)", r.Trap, r.PC)
}

// ---------------------------------------------------------------------------
// DecodeError: malformed or unsupported byte streams
// ---------------------------------------------------------------------------

// DecodeError reports a malformed or unsupported instruction stream. Decode
// errors are always surfaced to the caller; the decoder never skips bytes.
type DecodeError struct {
	Offset int    // byte offset of the faulting word
	Msg    string // what went wrong
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode error at offset %d: %s", e.Offset, e.Msg)
}

// ---------------------------------------------------------------------------
// CompileError: recoverable compilation failures
// ---------------------------------------------------------------------------

// CompileErrorKind identifies why compilation failed. All compile errors are
// recoverable by falling back to the interpreter or retrying after backoff.
type CompileErrorKind uint8

const (
	// MissingStencil means the stencil table has no entry for an
	// (opcode, mode) pair the program uses. This is a configuration
	// error for the compile target, not a program error.
	MissingStencil CompileErrorKind = iota
	// BufferAllocationFailed means the buffer pool is exhausted.
	BufferAllocationFailed
	// ProgramTooLarge means the compiled code would not fit a single
	// pool buffer; the caller must split the program.
	ProgramTooLarge
)

// CompileError reports a failed compilation attempt.
type CompileError struct {
	Kind   CompileErrorKind
	Opcode Opcode // faulting opcode for MissingStencil
	Mode   uint8  // faulting mode for MissingStencil
	Size   int    // estimated code size for ProgramTooLarge
	Limit  int    // buffer capacity for ProgramTooLarge
}

func (e *CompileError) Error() string {
	switch e.Kind {
	case MissingStencil:
		return fmt.Sprintf("no stencil for opcode %s mode %d", e.Opcode, e.Mode)
	case BufferAllocationFailed:
		return "executable buffer pool exhausted"
	case ProgramTooLarge:
		return fmt.Sprintf("program too large: %d bytes (buffer capacity %d)", e.Size, e.Limit)
	}
	return "compile error"
}
