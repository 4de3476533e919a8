// Package vm implements the Kestrel execution engine.
//
// This package contains:
//   - The 32-opcode fixed-width binary instruction format and its decoder
//   - The 128-bit capability (fat pointer) memory-safety model
//   - A direct-dispatch interpreter over the decoded instruction stream
//   - A copy-and-patch compiler stamping pre-compiled stencils into
//     executable buffers acquired from a lock-free buffer pool
//
// Both execution strategies run each instruction through the same evaluator,
// so interpreted and compiled execution of a program produce identical final
// register and memory state, including identical traps.
package vm
