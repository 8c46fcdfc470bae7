// Package vm implements the guest bytecode virtual machine core.
//
// This package contains:
//   - Fixed-width instruction encoding and decoding
//   - The memory manager: global pool, array regions, operand and call stacks
//   - The I/O controller bridging guest opcodes to a host Platform
//   - The fetch-decode-execute engine and its fault model
//   - Telemetry observation hooks for black-box recorders
//
// The core is single-threaded and allocation-free on the execution hot
// path. One Engine owns one Memory and one IOController; hosts wanting
// several guests construct several independent triples.
package vm
