package qir

// InstFlags carries the two boolean annotations the original attaches to
// Inst nodes: SIDEEFF marks an instruction that must not be reordered
// past a state spill (hcall, any store), REXIT marks a region-exit
// instruction (gbr/gbrind) after which the allocator must have spilled
// every live global.
type InstFlags uint8

const (
	FlagSideEff InstFlags = 1 << iota
	FlagRExit
)

// Inst is one QIR instruction. Rather than the original's
// InstWithOperands<N_OUT,N_IN> template hierarchy dispatched through an
// InstVisitor, every opcode shares this one struct and is interpreted by
// field position; Op says which fields are meaningful.
type Inst struct {
	ID    int32
	Op    Opcode
	Block *Block

	Out VOperand
	In0 VOperand
	In1 VOperand

	Unop      UnopKind
	Cond      CondCode
	Signed    bool  // vmload sign-extension
	MemWidth  Width // vmload/vmstore transfer width, independent of operand register width

	StubID  StubID
	GuestIP uint32 // gbr target / hcall raw instruction word / ecall-ebreak ip

	Flags InstFlags

	// Succ holds branch targets for Br (Succ[0] only) and Brcc
	// (Succ[0]=taken, Succ[1]=not-taken). Unused for other opcodes.
	Succ [2]*Block

	next, prev *Inst // intrusive list within Block, set by Block.Append
}

func (i *Inst) HasFlag(f InstFlags) bool { return i.Flags&f != 0 }
