package vm

// ---------------------------------------------------------------------------
// Register file
// ---------------------------------------------------------------------------

// RegisterFile is a merged scalar/capability register file. Every slot can
// hold a 64-bit scalar or a full capability; writing a scalar clears the
// slot's capability tag, so integer arithmetic can never manufacture
// authority. Writing a capability mirrors its current address into the
// scalar view. The zero register reads as zero and drops writes.
type RegisterFile struct {
	vals [NumRegisters]uint64
	caps [NumRegisters]Capability
}

// Get reads the scalar view of a register.
func (rf *RegisterFile) Get(r Register) uint64 {
	if r == RegZero {
		return 0
	}
	return rf.vals[r&0x1f]
}

// Set writes a scalar, invalidating any capability the slot held.
func (rf *RegisterFile) Set(r Register, v uint64) {
	if !r.Writable() {
		return
	}
	rf.vals[r&0x1f] = v
	rf.caps[r&0x1f].invalidate()
}

// GetCap reads the capability view of a register. The result may be
// untagged; callers check Valid before deriving authority from it.
func (rf *RegisterFile) GetCap(r Register) Capability {
	if r == RegZero {
		return Capability{}
	}
	return rf.caps[r&0x1f]
}

// SetCap writes a capability and mirrors its address into the scalar view.
func (rf *RegisterFile) SetCap(r Register, c Capability) {
	if !r.Writable() {
		return
	}
	rf.caps[r&0x1f] = c
	rf.vals[r&0x1f] = c.Addr
}

// Reset clears every slot.
func (rf *RegisterFile) Reset() {
	*rf = RegisterFile{}
}
