package qir

// Opcode is the closed set of QIR operations, the Go recast of the
// original's QIR_OPS_LIST-generated Inst subclasses: instead of a class
// hierarchy dispatched through an InstVisitor CRTP, every instruction is
// one Inst value tagged by Opcode and interpreted by field position
// (Out[0]/In[0]/In[1]), with a single type switch in the emitter.
type Opcode uint8

const (
	OpInvalid Opcode = iota

	OpMov
	OpUnop // unary: In[0] negate/not -> Out[0], Unop field picks the operation

	OpAdd
	OpSub
	OpAnd
	OpOr
	OpXor
	OpShl
	OpShr // logical right shift
	OpSar // arithmetic right shift

	OpSetcc // In[0] CondCode In[1] -> Out[0] (0/1)

	OpBr    // unconditional branch to Block target within the same TB
	OpBrcc  // In[0] CondCode In[1] -> branch to Succ[0] taken / Succ[1] not-taken

	OpGBr    // branch to a guest IP constant; ends the TB, may be link-patched
	OpGBrind // branch to a guest IP held in In[0]; ends the TB, probes the jump cache

	OpVMLoad  // Out[0] = *(In[0] + MemBase), width/signed from Inst fields
	OpVMStore // *(In[0] + MemBase) = In[1]

	OpHcall // in-block host call: stub id + one argument, may set the trap flag without ending the TB
)

// CondCode mirrors RV32's branch condition set plus the extra codes
// setcc needs for slt/sltu.
type CondCode uint8

const (
	CondEQ CondCode = iota
	CondNE
	CondLT  // signed <
	CondGE  // signed >=
	CondLTU // unsigned <
	CondGEU // unsigned >=
)

// UnopKind selects the operation for OpUnop.
type UnopKind uint8

const (
	UnopNeg UnopKind = iota
	UnopNot
)

// StubID enumerates host helpers reachable via OpHcall: atomics and
// fences, which must not end the translation block (the Go recast of
// the original's TRANSLATOR_Helper-driven hcall list for fence/fence.i
// and the lrw/scw/amo* family).
type StubID uint8

const (
	StubFence StubID = iota
	StubFenceI
	StubLRW
	StubSCW
	StubAMOSwapW
	StubAMOAddW
	StubAMOXorW
	StubAMOAndW
	StubAMOOrW
	StubAMOMinW
	StubAMOMaxW
	StubAMOMinUW
	StubAMOMaxUW
	StubECall
	StubEBreak

	NumStubs
)
