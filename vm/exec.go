package vm

import (
	"encoding/binary"
	"fmt"
)

// ---------------------------------------------------------------------------
// Audited execution of compiled code
// ---------------------------------------------------------------------------

// Run executes a compiled entry against a context. Every site is audited
// before use: the non-hole bytes must still equal the stencil that
// produced them, and the patched operands must decode to in-range values.
// The recovered instruction then goes through the same Step evaluator the
// interpreter uses, so the compiled path can never disagree with the
// interpreter on semantics, only on speed.
func (e *NativeEntry) Run(ctx *Context) ExitReason {
	for {
		pc := ctx.PC()
		s, ok := e.siteAt(pc)
		if !ok {
			return Trapped(TrapOutOfBounds, pc)
		}
		in, trap := e.decodeSite(pc, s)
		if trap != TrapNone {
			return Trapped(trap, pc)
		}
		if exit, done := ctx.Step(in); done {
			return exit
		}
	}
}

// Verify audits every site without executing, for post-compile checks.
func (e *NativeEntry) Verify() error {
	for pc := range e.sites {
		if _, trap := e.decodeSite(pc, e.sites[pc]); trap != TrapNone {
			return fmt.Errorf("site %d: %w", pc, trap)
		}
	}
	return nil
}

// decodeSite validates one patched site and recovers its instruction.
func (e *NativeEntry) decodeSite(pc int, s site) (Instruction, Trap) {
	code := e.buf.Mem()[s.Off : s.Off+s.Size]

	op := Opcode(s.Index >> 3)
	mode := uint8(s.Index & 0x7)
	stencil, err := e.table.Lookup(op, mode)
	if err != nil || stencil.Size() != s.Size {
		return Instruction{}, TrapInvalidInstruction
	}

	// A fully poisoned site means the buffer was released under us.
	poisoned := len(code) > 0
	for _, b := range code {
		if b != poisonByte {
			poisoned = false
			break
		}
	}
	if poisoned {
		return Instruction{}, TrapInvalidInstruction
	}
	// Template audit: every byte outside a hole must be untouched.
	for i, b := range code {
		if !stencil.isHole(i) && b != stencil.Code[i] {
			return Instruction{}, TrapInvalidInstruction
		}
	}

	in := Instruction{Op: op, Mode: mode}
	for _, p := range stencil.Patches {
		switch p.Kind {
		case PatchDstReg, PatchSrc1Reg, PatchSrc2Reg:
			v := binary.LittleEndian.Uint64(code[p.Offset:])
			if v >= NumRegisters {
				return Instruction{}, TrapInvalidInstruction
			}
			switch p.Kind {
			case PatchDstReg:
				in.Rd = Register(v)
			case PatchSrc1Reg:
				in.Rs1 = Register(v)
			case PatchSrc2Reg:
				in.Rs2 = Register(v)
			}
		case PatchImm64:
			in.Imm = int64(binary.LittleEndian.Uint64(code[p.Offset:]))
		case PatchBranchTarget:
			rel := int32(binary.LittleEndian.Uint32(code[p.Offset:]))
			targetOff := s.Off + p.Offset + 4 + int(rel)
			target, ok := e.indexAtOffset(targetOff)
			if !ok {
				return Instruction{}, TrapInvalidInstruction
			}
			in.Imm = int64(target - pc)
		}
	}
	return in, TrapNone
}
