// Package qir implements the typed middle-end IR generated blocks pass
// through before register allocation and x86-64 emission: a closed
// opcode set over tagged VOperand values, GC-managed Block/Inst/Region
// graphs, and a Builder that applies constant folding on every insert —
// the Go recast of original_source/dbt/qjit/qir.h and qmc/qir_builder.h.
package qir

import "fmt"

// OperandKind tags what a VOperand holds. This is the Go recast of the
// original's bitfield-packed VOperand: instead of packing kind/width/id
// into one 64-bit word with bf_first/next helpers, each field is a plain
// Go struct member. The resulting value is still copied by value and
// compared by ==, which is all the builder and emitter need.
type OperandKind uint8

const (
	OpBad OperandKind = iota
	OpConst
	OpGPR  // virtual or physical general-purpose register
	OpSlot // spill slot / state-table slot, Global or Local
)

// Width is the operand's size in bits; only 8/16/32 are meaningful for
// this RV32 target plus an implicit 64 for pointer-width temporaries
// used by address computation.
type Width uint8

const (
	W8  Width = 8
	W16 Width = 16
	W32 Width = 32
	W64 Width = 64
)

// SlotClass distinguishes a Global state-table slot (a guest GPR or the
// guest IP, addressed at a STATE-relative offset) from a Local stack
// spill slot private to one translation block.
type SlotClass uint8

const (
	SlotLocal SlotClass = iota
	SlotGlobal
)

// VOperand is a single SSA-like value reference: a constant, a register
// (virtual before regalloc, physical after), or a slot (global state
// table entry or local spill).
type VOperand struct {
	Kind  OperandKind
	Width Width

	Const uint64 // valid when Kind == OpConst

	Reg     int32     // virtual register id (negative = unallocated) or physical register index, valid when Kind == OpGPR
	IsPhys  bool      // Reg is a physical register index, set by regalloc
	Slot    int32     // slot index, valid when Kind == OpSlot
	SlotCls SlotClass // valid when Kind == OpSlot
}

// Bad is the zero-value invalid operand, used for unused Inst operand
// slots (e.g. a unary op's second source).
var Bad = VOperand{Kind: OpBad}

// ConstOp builds a constant operand of the given width.
func ConstOp(v uint64, w Width) VOperand {
	return VOperand{Kind: OpConst, Width: w, Const: maskWidth(v, w)}
}

// ConstZero is the canonical zero-register substitute: RV32's x0 never
// gets a real vreg, every read of it lowers to this operand instead
// (the Go recast of the original's gprop() zero-register elision).
func ConstZero(w Width) VOperand { return ConstOp(0, w) }

// VRegOp builds a virtual-register operand, produced by Builder.NewVReg.
func VRegOp(id int32, w Width) VOperand {
	return VOperand{Kind: OpGPR, Width: w, Reg: id}
}

// GlobalSlot builds a reference to global state-table slot idx (a guest
// GPR or IP), used by gload/gstore-style movs; internal/codegen lowers
// it to a direct load or store at its byte offset from the STATE pointer.
func GlobalSlot(idx int32, w Width) VOperand {
	return VOperand{Kind: OpSlot, Width: w, Slot: idx, SlotCls: SlotGlobal}
}

func maskWidth(v uint64, w Width) uint64 {
	switch w {
	case W8:
		return v & 0xff
	case W16:
		return v & 0xffff
	case W32:
		return v & 0xffffffff
	default:
		return v
	}
}

// IsConst reports whether op is a compile-time constant.
func (op VOperand) IsConst() bool { return op.Kind == OpConst }

// IsZeroConst reports whether op is the constant 0, the case the
// builder's identity-folding rules special-case (x+0, x|0, etc).
func (op VOperand) IsZeroConst() bool { return op.Kind == OpConst && op.Const == 0 }

func (op VOperand) String() string {
	switch op.Kind {
	case OpConst:
		return fmt.Sprintf("$%#x:%d", op.Const, op.Width)
	case OpGPR:
		if op.IsPhys {
			return fmt.Sprintf("p%d:%d", op.Reg, op.Width)
		}
		return fmt.Sprintf("v%d:%d", op.Reg, op.Width)
	case OpSlot:
		if op.SlotCls == SlotGlobal {
			return fmt.Sprintf("g[%d]:%d", op.Slot, op.Width)
		}
		return fmt.Sprintf("l[%d]:%d", op.Slot, op.Width)
	default:
		return "bad"
	}
}
