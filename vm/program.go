package vm

import (
	"encoding/binary"
	"fmt"
)

// ---------------------------------------------------------------------------
// Program container
// ---------------------------------------------------------------------------

// Program container format, little-endian:
//
//	offset  size  field
//	0       4     magic "KPRG"
//	4       2     format version
//	6       2     flags (reserved, zero)
//	8       4     entry instruction index
//	12      4     instruction count
//	16      4     code size in bytes
//	20      4     data segment size in bytes
//	24      ...   code, then data

const (
	programMagic   = "KPRG"
	programVersion = 1
	headerSize     = 24
)

// Program is a loaded unit of execution: decoded instructions, an entry
// point and an optional initial data segment copied into guest memory at
// load time.
type Program struct {
	Instrs []Instruction
	Entry  int
	Data   []byte

	encoded []byte // canonical bytes, built lazily
}

// EncodeProgram serialises the program into its container form.
func EncodeProgram(p *Program) ([]byte, error) {
	code := make([]byte, 0, len(p.Instrs)*instrWordSize)
	var err error
	for i := range p.Instrs {
		code, err = p.Instrs[i].Encode(code)
		if err != nil {
			return nil, fmt.Errorf("instruction %d: %w", i, err)
		}
	}
	if p.Entry < 0 || p.Entry > len(p.Instrs) {
		return nil, fmt.Errorf("entry point %d outside program of %d instructions", p.Entry, len(p.Instrs))
	}

	out := make([]byte, 0, headerSize+len(code)+len(p.Data))
	out = append(out, programMagic...)
	out = binary.LittleEndian.AppendUint16(out, programVersion)
	out = binary.LittleEndian.AppendUint16(out, 0)
	out = binary.LittleEndian.AppendUint32(out, uint32(p.Entry))
	out = binary.LittleEndian.AppendUint32(out, uint32(len(p.Instrs)))
	out = binary.LittleEndian.AppendUint32(out, uint32(len(code)))
	out = binary.LittleEndian.AppendUint32(out, uint32(len(p.Data)))
	out = append(out, code...)
	out = append(out, p.Data...)
	return out, nil
}

// DecodeProgram parses a container, decoding every instruction eagerly so
// malformed code is rejected at load time rather than mid-run.
func DecodeProgram(buf []byte) (*Program, error) {
	if len(buf) < headerSize {
		return nil, &DecodeError{Offset: 0, Msg: "truncated header"}
	}
	if string(buf[0:4]) != programMagic {
		return nil, &DecodeError{Offset: 0, Msg: "bad magic"}
	}
	if v := binary.LittleEndian.Uint16(buf[4:6]); v != programVersion {
		return nil, &DecodeError{Offset: 4, Msg: fmt.Sprintf("unsupported version %d", v)}
	}
	entry := int(binary.LittleEndian.Uint32(buf[8:12]))
	count := int(binary.LittleEndian.Uint32(buf[12:16]))
	codeSize := int(binary.LittleEndian.Uint32(buf[16:20]))
	dataSize := int(binary.LittleEndian.Uint32(buf[20:24]))
	if headerSize+codeSize+dataSize > len(buf) {
		return nil, &DecodeError{Offset: 16, Msg: "declared sizes exceed container"}
	}
	code := buf[headerSize : headerSize+codeSize]

	p := &Program{
		Instrs: make([]Instruction, 0, count),
		Entry:  entry,
		Data:   append([]byte(nil), buf[headerSize+codeSize:headerSize+codeSize+dataSize]...),
	}
	for off := 0; off < len(code); {
		in, n, err := DecodeInstruction(code, off)
		if err != nil {
			return nil, err
		}
		p.Instrs = append(p.Instrs, in)
		off += n
	}
	if len(p.Instrs) != count {
		return nil, &DecodeError{Offset: 12, Msg: fmt.Sprintf("header declares %d instructions, code holds %d", count, len(p.Instrs))}
	}
	if entry < 0 || entry > len(p.Instrs) {
		return nil, &DecodeError{Offset: 8, Msg: "entry point outside code"}
	}
	p.encoded = append([]byte(nil), buf[:headerSize+codeSize+dataSize]...)
	return p, nil
}

// Bytes returns the canonical encoded form, used as the code cache key.
func (p *Program) Bytes() ([]byte, error) {
	if p.encoded == nil {
		enc, err := EncodeProgram(p)
		if err != nil {
			return nil, err
		}
		p.encoded = enc
	}
	return p.encoded, nil
}

// Disassemble renders the whole program.
func (p *Program) Disassemble() string {
	return Disassemble(p.Instrs)
}

// ---------------------------------------------------------------------------
// Program builder
// ---------------------------------------------------------------------------

// Builder assembles programs with symbolic branch targets. Branch and jump
// immediates are instruction-index relative to the branch itself; the
// builder resolves labels in Build.
type Builder struct {
	instrs []Instruction
	labels map[string]int
	fixups []fixup
	err    error
}

type fixup struct {
	site  int
	label string
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder {
	return &Builder{labels: make(map[string]int)}
}

// Emit appends a raw instruction.
func (b *Builder) Emit(in Instruction) *Builder {
	b.instrs = append(b.instrs, in)
	return b
}

// Label binds a name to the next instruction index.
func (b *Builder) Label(name string) *Builder {
	if _, dup := b.labels[name]; dup {
		b.err = fmt.Errorf("duplicate label %q", name)
		return b
	}
	b.labels[name] = len(b.instrs)
	return b
}

// Alu emits a three-register ALU operation.
func (b *Builder) Alu(mode uint8, rd, rs1, rs2 Register) *Builder {
	return b.Emit(Instruction{Op: OpALU, Mode: mode, Rd: rd, Rs1: rs1, Rs2: rs2})
}

// AluImm emits an ALU operation with an immediate.
func (b *Builder) AluImm(mode uint8, rd, rs1 Register, imm int64) *Builder {
	return b.Emit(Instruction{Op: OpALUI, Mode: mode, Rd: rd, Rs1: rs1, Imm: imm})
}

// MovImm loads an immediate into rd.
func (b *Builder) MovImm(rd Register, imm int64) *Builder {
	return b.Emit(Instruction{Op: OpMOV, Rd: rd, Rs1: RegZero, Imm: imm})
}

// Mov copies rs1 into rd, capabilities included.
func (b *Builder) Mov(rd, rs1 Register) *Builder {
	return b.Emit(Instruction{Op: OpMOV, Rd: rd, Rs1: rs1})
}

// Branch emits a signed conditional branch to a label.
func (b *Builder) Branch(cond uint8, rs1, rs2 Register, label string) *Builder {
	b.fixups = append(b.fixups, fixup{site: len(b.instrs), label: label})
	return b.Emit(Instruction{Op: OpBRANCH, Mode: cond, Rs1: rs1, Rs2: rs2})
}

// BranchU emits an unsigned conditional branch to a label.
func (b *Builder) BranchU(cond uint8, rs1, rs2 Register, label string) *Builder {
	b.fixups = append(b.fixups, fixup{site: len(b.instrs), label: label})
	return b.Emit(Instruction{Op: OpBRANCHU, Mode: cond, Rs1: rs1, Rs2: rs2})
}

// Jump emits an unconditional relative jump to a label.
func (b *Builder) Jump(label string) *Builder {
	b.fixups = append(b.fixups, fixup{site: len(b.instrs), label: label})
	return b.Emit(Instruction{Op: OpJUMP, Mode: JumpRelative})
}

// Call emits a call to a label.
func (b *Builder) Call(label string) *Builder {
	b.fixups = append(b.fixups, fixup{site: len(b.instrs), label: label})
	return b.Emit(Instruction{Op: OpCALL})
}

// Ret emits a return.
func (b *Builder) Ret() *Builder {
	return b.Emit(Instruction{Op: OpRET})
}

// Halt emits a halt; r0 at that point is the program result.
func (b *Builder) Halt() *Builder {
	return b.Emit(Instruction{Op: OpHALT})
}

// Build resolves labels and returns the finished program.
func (b *Builder) Build() (*Program, error) {
	if b.err != nil {
		return nil, b.err
	}
	for _, f := range b.fixups {
		target, ok := b.labels[f.label]
		if !ok {
			return nil, fmt.Errorf("undefined label %q", f.label)
		}
		b.instrs[f.site].Imm = int64(target - f.site)
	}
	return &Program{Instrs: append([]Instruction(nil), b.instrs...)}, nil
}
