package qir

// Block is a straight-line sequence of Inst with an intrusive
// doubly-linked list (head/tail + next/prev on Inst) so the builder can
// splice instructions without reallocating a slice, matching the
// original's Block::IListDetail-based instruction list. Block-to-block
// edges (Preds/Succs) are kept as plain slices: Go's GC makes the
// original's arena-index indirection unnecessary for that part of the
// graph.
type Block struct {
	ID     int32
	Region *Region

	head, tail *Inst
	Preds      []*Block
	Succs      []*Block

	// EntryIP is set on blocks created directly from a guest entry
	// point (internal/rv32.Translate creates one block per requested
	// IP); zero for blocks synthesized mid-translation.
	EntryIP  uint32
	HasEntry bool
}

// Append adds inst to the end of the block's instruction list.
func (b *Block) Append(inst *Inst) {
	inst.Block = b
	inst.prev = b.tail
	inst.next = nil
	if b.tail != nil {
		b.tail.next = inst
	} else {
		b.head = inst
	}
	b.tail = inst
}

// Insts returns the block's instructions in order. Intended for
// emission and tests; not on any hot path.
func (b *Block) Insts() []*Inst {
	var out []*Inst
	for i := b.head; i != nil; i = i.next {
		out = append(out, i)
	}
	return out
}

// First returns the first instruction, or nil if the block is empty.
func (b *Block) First() *Inst { return b.head }

// Last returns the last instruction, or nil if the block is empty.
func (b *Block) Last() *Inst { return b.tail }

// AddSucc records a CFG edge b -> s, also linking the reverse Pred edge.
func (b *Block) AddSucc(s *Block) {
	b.Succs = append(b.Succs, s)
	s.Preds = append(s.Preds, b)
}

// Terminator reports the block's last instruction if it ends the block
// (Br/Brcc/GBr/GBrind), else nil.
func (b *Block) Terminator() *Inst {
	last := b.tail
	if last == nil {
		return nil
	}
	switch last.Op {
	case OpBr, OpBrcc, OpGBr, OpGBrind:
		return last
	}
	return nil
}
