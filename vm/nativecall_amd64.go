//go:build amd64 && unix

package vm

import (
	"unsafe"
)

// nativeCall jumps into compiled buffer code with the scalar register
// array in rdi. Implemented in nativecall_amd64.s.
func nativeCall(code unsafe.Pointer, regs *uint64) uint64

// nativeCallSupported gates the direct execution path at build level.
const nativeCallSupported = true

// canRunNative reports whether a program fits the directly executable
// subset: straight-line scalar arithmetic ending in a halt. Everything
// else runs through the audited walker, whose semantics the direct path
// must match exactly on this subset.
func canRunNative(p *Program) bool {
	for i, in := range p.Instrs {
		switch in.Op {
		case OpALU, OpALUI, OpMOV, OpBITS:
			if !in.Rd.Writable() {
				return false
			}
		case OpMULDIV:
			if in.Mode != MulLow || !in.Rd.Writable() {
				return false
			}
		case OpNOP:
		case OpHALT:
			return i == len(p.Instrs)-1
		default:
			return false
		}
		// The evaluator refreshes the pc register every step; raw buffer
		// code never does, so a pc read would see a stale value.
		if in.Rs1 == RegPC || in.Rs2 == RegPC {
			return false
		}
	}
	return false
}

// runNative executes a compiled entry by calling straight into the buffer.
func (e *NativeEntry) runNative(ctx *Context) (ExitReason, bool) {
	if e.Released() || e.codeLen == 0 {
		return ExitReason{}, false
	}
	mem := e.buf.Mem()
	v := nativeCall(unsafe.Pointer(&mem[0]), &ctx.regs.vals[0])
	return Halted(v), true
}
