// Package artifact serialises stencil tables for distribution. A build
// host with an assembler toolchain can regenerate templates and ship them
// to engines as a signed-off artifact instead of compiling them in.
package artifact

import (
	"bytes"
	"crypto/sha256"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/kestrelvm/kestrel/vm"
)

const (
	// Magic identifies a stencil artifact.
	Magic = "kestrel-stencils"
	// Version is the artifact format version.
	Version = 1
)

// Patch is the wire form of one stencil hole.
type Patch struct {
	Offset int   `cbor:"o"`
	Kind   uint8 `cbor:"k"`
}

// Stencil is the wire form of one template.
type Stencil struct {
	Opcode  uint8   `cbor:"op"`
	Mode    uint8   `cbor:"m"`
	Code    []byte  `cbor:"c"`
	Patches []Patch `cbor:"p,omitempty"`
}

// Envelope is the artifact container. Checksum covers the canonical
// encoding of the payload fields, so a corrupted or tampered artifact is
// rejected before any template reaches an executable buffer.
type Envelope struct {
	Magic    string    `cbor:"magic"`
	Version  int       `cbor:"version"`
	Arch     string    `cbor:"arch"`
	Prologue []byte    `cbor:"prologue,omitempty"`
	Stencils []Stencil `cbor:"stencils"`
	Checksum []byte    `cbor:"checksum"`
}

// encMode is the deterministic encoder: canonical map ordering, so the
// same table always produces the same bytes and the same checksum.
var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
}

// payload strips the checksum for hashing.
func (e *Envelope) payload() ([]byte, error) {
	p := *e
	p.Checksum = nil
	return encMode.Marshal(&p)
}

// Export serialises a stencil table.
func Export(t *vm.StencilTable, arch string) ([]byte, error) {
	env := Envelope{
		Magic:    Magic,
		Version:  Version,
		Arch:     arch,
		Prologue: t.Prologue,
	}
	t.ForEach(func(op vm.Opcode, mode uint8, se *vm.StencilEntry) {
		s := Stencil{Opcode: uint8(op), Mode: mode, Code: se.Code}
		for _, p := range se.Patches {
			s.Patches = append(s.Patches, Patch{Offset: p.Offset, Kind: uint8(p.Kind)})
		}
		env.Stencils = append(env.Stencils, s)
	})

	hashed, err := env.payload()
	if err != nil {
		return nil, fmt.Errorf("artifact: encode payload: %w", err)
	}
	sum := sha256.Sum256(hashed)
	env.Checksum = sum[:]
	return encMode.Marshal(&env)
}

// Import parses and verifies an artifact into a stencil table.
func Import(data []byte) (*vm.StencilTable, error) {
	var env Envelope
	if err := cbor.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("artifact: decode: %w", err)
	}
	if env.Magic != Magic {
		return nil, fmt.Errorf("artifact: bad magic %q", env.Magic)
	}
	if env.Version != Version {
		return nil, fmt.Errorf("artifact: unsupported version %d", env.Version)
	}
	hashed, err := env.payload()
	if err != nil {
		return nil, fmt.Errorf("artifact: encode payload: %w", err)
	}
	sum := sha256.Sum256(hashed)
	if !bytes.Equal(sum[:], env.Checksum) {
		return nil, fmt.Errorf("artifact: checksum mismatch")
	}

	t := &vm.StencilTable{Prologue: env.Prologue}
	for _, s := range env.Stencils {
		op := vm.Opcode(s.Opcode)
		if !op.Valid() || !op.ValidMode(s.Mode) {
			return nil, fmt.Errorf("artifact: stencil for invalid opcode %#02x mode %d", s.Opcode, s.Mode)
		}
		se := &vm.StencilEntry{Code: s.Code}
		for _, p := range s.Patches {
			se.Patches = append(se.Patches, vm.PatchInfo{Offset: p.Offset, Kind: vm.PatchKind(p.Kind)})
		}
		t.Register(op, s.Mode, se)
	}
	return t, nil
}
