package qir

// Builder inserts instructions into a block and applies constant folding
// on every insert, the Go recast of qir_builder.h's Create_<op> methods
// each calling ApplyFolder(bb, ins) after construction. Unlike the
// original's templated per-opcode factory methods, this Builder exposes
// one method per opcode group and folds inline in each.
type Builder struct {
	Region *Region
	bb     *Block

	nextVReg int32
}

// NewBuilder creates a builder over region, initially inserting into bb.
func NewBuilder(region *Region, bb *Block) *Builder {
	return &Builder{Region: region, bb: bb}
}

// SetBlock redirects subsequent inserts to bb, used when a translation
// of a branch needs to resume appending to an earlier block (the Go
// recast of the original's make_target lambda re-pointing the builder
// back to the source block after creating a side target block).
func (b *Builder) SetBlock(bb *Block) { b.bb = bb }

// Block returns the block currently receiving inserts.
func (b *Builder) Block() *Block { return b.bb }

// CreateBlock allocates a new block in the same region, without
// switching the builder's insertion point.
func (b *Builder) CreateBlock() *Block { return b.Region.CreateBlock() }

// NewVReg allocates a fresh virtual register operand of the given
// width, the Go recast of Builder::CreateVGPR.
func (b *Builder) NewVReg(w Width) VOperand {
	id := b.nextVReg
	b.nextVReg++
	return VRegOp(id, w)
}

func (b *Builder) insert(i *Inst) *Inst {
	i.ID = b.Region.nextInstID
	b.Region.nextInstID++
	b.bb.Append(i)
	return i
}

// Mov emits Out = In as an OpMov instruction; it folds nothing itself
// (the folding paths of Unop and Binop call it with the folded value).
func (b *Builder) Mov(dst, src VOperand) *Inst {
	return b.insert(&Inst{Op: OpMov, Out: dst, In0: src})
}

// Unop emits a negate/not.
func (b *Builder) Unop(op UnopKind, dst, src VOperand) *Inst {
	if src.IsConst() {
		var v uint64
		switch op {
		case UnopNeg:
			v = uint64(-int64(src.Const))
		case UnopNot:
			v = ^src.Const
		}
		return b.Mov(dst, ConstOp(v, dst.Width))
	}
	return b.insert(&Inst{Op: OpUnop, Unop: op, Out: dst, In0: src})
}

// Binop emits a binary arithmetic/logical instruction, applying the
// original's constant-folding rules on insert: both operands const
// folds to a single mov of the computed constant; x op 0 (add, sub, or,
// xor, shl, shr, sar) folds to mov x; 0 op x (add, or, xor) folds to
// mov x; x and 0 / 0 and x fold to mov 0; and the identities
// that hold whenever both operands are the same value regardless of
// what it is (sub/xor v,v -> 0, and/or v,v -> v) fold too.
func (b *Builder) Binop(op Opcode, dst, lhs, rhs VOperand) *Inst {
	if lhs.IsConst() && rhs.IsConst() {
		return b.Mov(dst, ConstOp(foldConstBinop(op, lhs.Const, rhs.Const), dst.Width))
	}
	if rhs.IsZeroConst() {
		switch op {
		case OpAdd, OpSub, OpOr, OpXor, OpShl, OpShr, OpSar:
			return b.Mov(dst, lhs)
		case OpAnd:
			return b.Mov(dst, ConstOp(0, dst.Width))
		}
	}
	if lhs.IsZeroConst() {
		switch op {
		case OpAdd, OpOr, OpXor:
			return b.Mov(dst, rhs)
		case OpAnd:
			return b.Mov(dst, ConstOp(0, dst.Width))
		}
	}
	if lhs == rhs {
		switch op {
		case OpSub, OpXor:
			return b.Mov(dst, ConstOp(0, dst.Width))
		case OpAnd, OpOr:
			return b.Mov(dst, lhs)
		}
	}
	return b.insert(&Inst{Op: op, Out: dst, In0: lhs, In1: rhs})
}

func foldConstBinop(op Opcode, a, b uint64) uint64 {
	switch op {
	case OpAdd:
		return a + b
	case OpSub:
		return a - b
	case OpAnd:
		return a & b
	case OpOr:
		return a | b
	case OpXor:
		return a ^ b
	case OpShl:
		return a << (b & 31)
	case OpShr:
		return a >> (b & 31)
	case OpSar:
		return uint64(int64(int32(a)) >> (b & 31))
	default:
		panic("qir: foldConstBinop: not a binop")
	}
}

// Setcc emits dst = (lhs cond rhs) ? 1 : 0.
func (b *Builder) Setcc(cond CondCode, dst, lhs, rhs VOperand) *Inst {
	if lhs.IsConst() && rhs.IsConst() {
		return b.Mov(dst, ConstOp(boolU64(evalCond(cond, lhs.Const, rhs.Const, lhs.Width)), dst.Width))
	}
	return b.insert(&Inst{Op: OpSetcc, Cond: cond, Out: dst, In0: lhs, In1: rhs})
}

func boolU64(v bool) uint64 {
	if v {
		return 1
	}
	return 0
}

func evalCond(c CondCode, a, bv uint64, w Width) bool {
	switch c {
	case CondEQ:
		return a == bv
	case CondNE:
		return a != bv
	case CondLT:
		return int32(a) < int32(bv)
	case CondGE:
		return int32(a) >= int32(bv)
	case CondLTU:
		return uint32(a) < uint32(bv)
	case CondGEU:
		return uint32(a) >= uint32(bv)
	default:
		panic("qir: evalCond: bad cond")
	}
}

// Br emits an unconditional intra-TB branch to target.
func (b *Builder) Br(target *Block) *Inst {
	i := &Inst{Op: OpBr, Succ: [2]*Block{target, nil}}
	b.bb.AddSucc(target)
	return b.insert(i)
}

// Brcc emits a conditional branch: taken on cond(lhs,rhs), else falls to
// notTaken. Folds to an unconditional Br when both operands are
// constant, matching the original's brcc-both-const -> unconditional br
// rule.
func (b *Builder) Brcc(cond CondCode, lhs, rhs VOperand, taken, notTaken *Block) *Inst {
	if lhs.IsConst() && rhs.IsConst() {
		if evalCond(cond, lhs.Const, rhs.Const, lhs.Width) {
			return b.Br(taken)
		}
		return b.Br(notTaken)
	}
	i := &Inst{Op: OpBrcc, Cond: cond, In0: lhs, In1: rhs, Succ: [2]*Block{taken, notTaken}}
	b.bb.AddSucc(taken)
	b.bb.AddSucc(notTaken)
	return b.insert(i)
}

// GBr emits a region-exit branch to a guest IP constant; this is a TB
// boundary, eligible for branch-slot linking by internal/tcache.
func (b *Builder) GBr(guestIP uint32) *Inst {
	return b.insert(&Inst{Op: OpGBr, GuestIP: guestIP, Flags: FlagRExit | FlagSideEff})
}

// GBrind emits a region-exit indirect branch to the guest IP held in
// target; internal/codegen lowers this to an inline jump-cache probe.
func (b *Builder) GBrind(target VOperand) *Inst {
	return b.insert(&Inst{Op: OpGBrind, In0: target, Flags: FlagRExit | FlagSideEff})
}

// VMLoad emits dst = *(addr + MemBase), reading memWidth bits and
// sign-extending to dst.Width when signed is set (zero-extending
// otherwise).
func (b *Builder) VMLoad(dst, addr VOperand, memWidth Width, signed bool) *Inst {
	return b.insert(&Inst{Op: OpVMLoad, Out: dst, In0: addr, Signed: signed, MemWidth: memWidth, Flags: FlagSideEff})
}

// VMStore emits *(addr + MemBase) = val, truncated to memWidth bits.
func (b *Builder) VMStore(addr, val VOperand, memWidth Width) *Inst {
	return b.insert(&Inst{Op: OpVMStore, In0: addr, In1: val, MemWidth: memWidth, Flags: FlagSideEff})
}

// Hcall emits an in-block host call to stub with one argument, producing
// a result in dst; does not end the translation block (used for
// fence/atomics, which resume straight-line execution unless the helper
// itself signals a trap via the packed return value).
func (b *Builder) Hcall(dst VOperand, stub StubID, arg VOperand, guestInsn uint32) *Inst {
	return b.insert(&Inst{Op: OpHcall, Out: dst, In0: arg, StubID: stub, GuestIP: guestInsn, Flags: FlagSideEff})
}

// GlobalLoad reads a global state slot (guest GPR or IP) into dst.
func (b *Builder) GlobalLoad(dst VOperand, slot int32) *Inst {
	return b.insert(&Inst{Op: OpMov, Out: dst, In0: GlobalSlot(slot, dst.Width)})
}

// GlobalStore writes val into a global state slot.
func (b *Builder) GlobalStore(slot int32, val VOperand) *Inst {
	return b.insert(&Inst{Op: OpMov, Out: GlobalSlot(slot, val.Width), In0: val, Flags: FlagSideEff})
}
