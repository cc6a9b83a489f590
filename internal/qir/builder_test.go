package qir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBuilder() (*Builder, *Block) {
	r := NewRegion(nil)
	bb := r.CreateBlock()
	return NewBuilder(r, bb), bb
}

func TestBinopConstFold(t *testing.T) {
	b, bb := newTestBuilder()
	dst := b.NewVReg(W32)
	inst := b.Binop(OpAdd, dst, ConstOp(2, W32), ConstOp(3, W32))

	require.Equal(t, OpMov, inst.Op)
	assert.True(t, inst.In0.IsConst())
	assert.Equal(t, uint64(5), inst.In0.Const)
	assert.Equal(t, 1, len(bb.Insts()))
}

func TestBinopIdentityFold(t *testing.T) {
	b, _ := newTestBuilder()
	v := b.NewVReg(W32)
	dst := b.NewVReg(W32)

	inst := b.Binop(OpAdd, dst, v, ConstOp(0, W32))
	require.Equal(t, OpMov, inst.Op)
	assert.Equal(t, v, inst.In0)

	inst2 := b.Binop(OpOr, dst, ConstOp(0, W32), v)
	require.Equal(t, OpMov, inst2.Op)
	assert.Equal(t, v, inst2.In0)
}

func TestBinopSameOperandIdentityFold(t *testing.T) {
	b, _ := newTestBuilder()
	v := b.NewVReg(W32)
	dst := b.NewVReg(W32)

	sub := b.Binop(OpSub, dst, v, v)
	require.Equal(t, OpMov, sub.Op)
	assert.True(t, sub.In0.IsConst())
	assert.Equal(t, uint64(0), sub.In0.Const)

	xor := b.Binop(OpXor, dst, v, v)
	require.Equal(t, OpMov, xor.Op)
	assert.True(t, xor.In0.IsConst())
	assert.Equal(t, uint64(0), xor.In0.Const)

	and := b.Binop(OpAnd, dst, v, v)
	require.Equal(t, OpMov, and.Op)
	assert.Equal(t, v, and.In0)

	or := b.Binop(OpOr, dst, v, v)
	require.Equal(t, OpMov, or.Op)
	assert.Equal(t, v, or.In0)
}

func TestBinopNoFoldOnVirtualOperands(t *testing.T) {
	b, bb := newTestBuilder()
	lhs, rhs := b.NewVReg(W32), b.NewVReg(W32)
	dst := b.NewVReg(W32)

	inst := b.Binop(OpSub, dst, lhs, rhs)
	require.Equal(t, OpSub, inst.Op)
	assert.Equal(t, 1, len(bb.Insts()))
}

func TestShiftConstFoldMasksShiftAmount(t *testing.T) {
	b, _ := newTestBuilder()
	dst := b.NewVReg(W32)
	// shift amounts fold modulo 32, matching the RV32 shift-immediate range
	inst := b.Binop(OpShl, dst, ConstOp(1, W32), ConstOp(33, W32))
	require.Equal(t, OpMov, inst.Op)
	assert.Equal(t, uint64(2), inst.In0.Const)
}

func TestBrccConstFoldsToUnconditionalBr(t *testing.T) {
	b, bb := newTestBuilder()
	taken := b.CreateBlock()
	notTaken := b.CreateBlock()

	inst := b.Brcc(CondLT, ConstOp(1, W32), ConstOp(2, W32), taken, notTaken)
	require.Equal(t, OpBr, inst.Op)
	assert.Equal(t, taken, inst.Succ[0])
	assert.Contains(t, bb.Succs, taken)
	assert.NotContains(t, bb.Succs, notTaken)
}

func TestBrccKeepsBothSuccessorsWhenNotFolded(t *testing.T) {
	b, bb := newTestBuilder()
	v := b.NewVReg(W32)
	taken := b.CreateBlock()
	notTaken := b.CreateBlock()

	inst := b.Brcc(CondEQ, v, ConstOp(0, W32), taken, notTaken)
	require.Equal(t, OpBrcc, inst.Op)
	assert.ElementsMatch(t, []*Block{taken, notTaken}, bb.Succs)
}

func TestSetccConstFold(t *testing.T) {
	b, _ := newTestBuilder()
	dst := b.NewVReg(W32)
	inst := b.Setcc(CondLTU, dst, ConstOp(1, W32), ConstOp(2, W32))
	require.Equal(t, OpMov, inst.Op)
	assert.Equal(t, uint64(1), inst.In0.Const)
}

func TestGBrMarksRegionExit(t *testing.T) {
	b, bb := newTestBuilder()
	inst := b.GBr(0x1000)
	assert.NotZero(t, inst.Flags&FlagRExit)
	assert.Equal(t, bb.Last(), inst)
	assert.Equal(t, bb.Terminator(), inst)
}

func TestBlockInstsOrderPreserved(t *testing.T) {
	b, bb := newTestBuilder()
	dst := b.NewVReg(W32)
	v1 := b.NewVReg(W32)
	v2 := b.NewVReg(W32)
	i1 := b.Binop(OpAdd, dst, v1, v2)
	i2 := b.Unop(UnopNot, dst, v1)

	insts := bb.Insts()
	require.Len(t, insts, 2)
	assert.Same(t, i1, insts[0])
	assert.Same(t, i2, insts[1])
}
