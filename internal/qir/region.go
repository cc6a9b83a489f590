package qir

// StateSlot describes one entry of the global state table: a guest GPR
// or the guest IP, each at a fixed byte offset into cpu.State. Built
// once by internal/rv32.StateInfo and shared by every Region translated
// against the same CPU state layout; the Go recast of the original's
// RV32Translator::GetStateInfo()-populated StateInfo array.
type StateSlot struct {
	Name   string
	Offset uint32 // byte offset into cpu.State
	Width  Width
}

// Region is one translation unit's IR graph: a set of Blocks plus the
// global state-slot table every gload/gstore in the region addresses.
// One Region backs exactly one translation block (internal/rv32.Translate
// builds a Region per requested IP range, mirroring the original's
// RV32Translator::Translate()).
type Region struct {
	Blocks []*Block
	State  []StateSlot

	nextBlockID int32
	nextInstID  int32
}

// NewRegion creates an empty region over the given global state table.
func NewRegion(state []StateSlot) *Region {
	return &Region{State: state}
}

// CreateBlock allocates a new, empty block owned by this region.
func (r *Region) CreateBlock() *Block {
	b := &Block{ID: r.nextBlockID, Region: r}
	r.nextBlockID++
	r.Blocks = append(r.Blocks, b)
	return b
}

// createInst allocates a new instruction with the next id in this
// region; used only by Builder, which is responsible for filling in Op
// and operands before inserting.
func (r *Region) createInst() *Inst {
	inst := &Inst{ID: r.nextInstID}
	r.nextInstID++
	return inst
}

// NumBlocks reports how many blocks exist in the region.
func (r *Region) NumBlocks() int { return len(r.Blocks) }
