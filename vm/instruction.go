package vm

import (
	"encoding/binary"
	"fmt"
)

// ---------------------------------------------------------------------------
// Instruction representation
// ---------------------------------------------------------------------------

// Instruction is one decoded instruction. The binary form is a 32-bit
// little-endian base word, optionally followed by a second 32-bit immediate
// word when the extension flag (bit 13 of the base word) is set:
//
//	[31:27] opcode
//	[26:24] mode
//	[23:19] rd
//	[18:14] rs1
//	[13:0]  low field
//
// With the extension flag clear, the low field holds either rs2 in bits
// [4:0] or a signed 13-bit immediate in bits [12:0] depending on the
// opcode's operand class. With the flag set, bits [4:0] still hold rs2 and
// the immediate is the sign-extended second word.
type Instruction struct {
	Op   Opcode
	Mode uint8
	Rd   Register
	Rs1  Register
	Rs2  Register
	Imm  int64
}

const (
	instrWordSize = 4
	extFlag       = 1 << 13

	immMin13 = -(1 << 12)
	immMax13 = 1<<12 - 1
	immMin32 = -(1 << 31)
	immMax32 = 1<<31 - 1
)

// extended reports whether the instruction needs the second immediate word.
func (in Instruction) extended() bool {
	if in.Imm < immMin13 || in.Imm > immMax13 {
		return true
	}
	// An RRR-class instruction with a nonzero immediate, or an RRI-class
	// instruction that also names rs2, can only use the long form.
	switch in.Op.Info().Class {
	case ClassRRR:
		return in.Imm != 0
	case ClassRRI:
		return in.Rs2 != 0
	}
	return in.Imm != 0 || in.Rs2 != 0
}

// Size returns the encoded size in bytes: 4 or 8.
func (in Instruction) Size() int {
	if in.extended() {
		return 2 * instrWordSize
	}
	return instrWordSize
}

// Encode appends the binary form of the instruction to dst.
func (in Instruction) Encode(dst []byte) ([]byte, error) {
	if !in.Op.Valid() {
		return nil, fmt.Errorf("encode: invalid opcode %#02x", uint8(in.Op))
	}
	if !in.Op.ValidMode(in.Mode) {
		return nil, fmt.Errorf("encode: invalid mode %d for %s", in.Mode, in.Op)
	}
	if in.Rd >= NumRegisters || in.Rs1 >= NumRegisters || in.Rs2 >= NumRegisters {
		return nil, fmt.Errorf("encode: register index out of range in %s", in.Op)
	}
	if in.Imm < immMin32 || in.Imm > immMax32 {
		return nil, fmt.Errorf("encode: immediate %d exceeds 32 bits in %s", in.Imm, in.Op)
	}

	// rd and rs1 only carry five bits each; rs2/imm share the low field.
	base := uint32(in.Op)<<27 | uint32(in.Mode&0x7)<<24 |
		uint32(in.Rd&0x1f)<<19 | uint32(in.Rs1&0x1f)<<14

	if in.extended() {
		base |= extFlag | uint32(in.Rs2&0x1f)
		dst = binary.LittleEndian.AppendUint32(dst, base)
		dst = binary.LittleEndian.AppendUint32(dst, uint32(int32(in.Imm)))
		return dst, nil
	}

	switch in.Op.Info().Class {
	case ClassRRR:
		base |= uint32(in.Rs2 & 0x1f)
	case ClassRRI:
		base |= uint32(in.Imm) & 0x1fff
	}
	return binary.LittleEndian.AppendUint32(dst, base), nil
}

// DecodeInstruction reads one instruction from buf at the given byte offset.
// It returns the instruction and its encoded size.
func DecodeInstruction(buf []byte, offset int) (Instruction, int, error) {
	if offset < 0 || offset+instrWordSize > len(buf) {
		return Instruction{}, 0, &DecodeError{Offset: offset, Msg: "truncated instruction word"}
	}
	base := binary.LittleEndian.Uint32(buf[offset:])

	in := Instruction{
		Op:   Opcode(base >> 27),
		Mode: uint8(base >> 24 & 0x7),
		Rd:   Register(base >> 19 & 0x1f),
		Rs1:  Register(base >> 14 & 0x1f),
	}
	if !in.Op.Valid() {
		return Instruction{}, 0, &DecodeError{Offset: offset, Msg: fmt.Sprintf("reserved opcode %#02x", uint8(in.Op))}
	}
	if !in.Op.ValidMode(in.Mode) {
		return Instruction{}, 0, &DecodeError{Offset: offset, Msg: fmt.Sprintf("invalid mode %d for %s", in.Mode, in.Op)}
	}

	if base&extFlag != 0 {
		if offset+2*instrWordSize > len(buf) {
			return Instruction{}, 0, &DecodeError{Offset: offset, Msg: "truncated immediate word"}
		}
		in.Rs2 = Register(base & 0x1f)
		in.Imm = int64(int32(binary.LittleEndian.Uint32(buf[offset+instrWordSize:])))
		return in, 2 * instrWordSize, nil
	}

	switch in.Op.Info().Class {
	case ClassRRR:
		in.Rs2 = Register(base & 0x1f)
	case ClassRRI:
		// Sign-extend the 13-bit field.
		in.Imm = int64(int32(base<<19) >> 19)
	}
	return in, instrWordSize, nil
}

// ---------------------------------------------------------------------------
// Disassembly
// ---------------------------------------------------------------------------

// String renders the instruction in assembly form.
func (in Instruction) String() string {
	mn := in.Op.Name()
	if info := in.Op.Info(); info.MaxMode > 0 {
		mn = mn + "." + modeName(in.Op, in.Mode)
	}
	switch in.Op {
	case OpNOP, OpHALT, OpRET, OpYIELD, OpFENCE:
		return mn
	case OpTRAP:
		return mn
	case OpJUMP, OpCALL:
		if in.Mode == JumpIndirect {
			return fmt.Sprintf("%s %s", mn, in.Rs1)
		}
		return fmt.Sprintf("%s %+d", mn, in.Imm)
	case OpBRANCH, OpBRANCHU:
		if in.Mode == CondAlways || in.Mode == CondNever {
			return fmt.Sprintf("%s %+d", mn, in.Imm)
		}
		return fmt.Sprintf("%s %s, %s, %+d", mn, in.Rs1, in.Rs2, in.Imm)
	case OpMOV:
		if in.Rs1 == RegZero && in.Rs2 == 0 {
			return fmt.Sprintf("%s %s, %d", mn, in.Rd, in.Imm)
		}
		return fmt.Sprintf("%s %s, %s", mn, in.Rd, in.Rs1)
	case OpLOAD:
		return fmt.Sprintf("%s %s, [%s%+d]", mn, in.Rd, in.Rs1, in.Imm)
	case OpSTORE:
		return fmt.Sprintf("%s [%s%+d], %s", mn, in.Rs1, in.Imm, in.Rs2)
	}
	switch in.Op.Info().Class {
	case ClassRRR:
		return fmt.Sprintf("%s %s, %s, %s", mn, in.Rd, in.Rs1, in.Rs2)
	case ClassRRI:
		return fmt.Sprintf("%s %s, %s, %d", mn, in.Rd, in.Rs1, in.Imm)
	}
	return mn
}
