package regalloc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pooh64/rv32dbt/internal/qir"
)

func TestAllocVRegFixedPinsPhysicalRegister(t *testing.T) {
	ra := New()
	v := ra.AllocVRegFixed(-1000, qir.W64, PRegR13)
	assert.Equal(t, LocReg, v.Loc())
	assert.Equal(t, PRegR13, v.GetPReg())
	assert.True(t, ra.generalMask().Test(PRegAX))
	assert.False(t, ra.generalMask().Test(PRegR13))
}

func TestAllocPRegPrefersFreeRegisterOverEviction(t *testing.T) {
	ra := New()
	v1 := ra.AllocVReg(1, qir.W32)
	p1 := ra.AllocPReg(v1, 0)
	assert.Equal(t, LocReg, v1.Loc())
	assert.Equal(t, p1, v1.GetPReg())
}

func TestAllocPRegEvictsAndSpillsWhenPoolExhausted(t *testing.T) {
	ra := New()
	// Exhaust every general register (NumPRegs - 2 reserved SP/BP).
	var vs []*VReg
	for i := 0; i < NumPRegs-2; i++ {
		v := ra.AllocVReg(int32(i), qir.W32)
		ra.AllocPReg(v, 0)
		vs = append(vs, v)
	}
	extra := ra.AllocVReg(1000, qir.W32)
	ra.AllocPReg(extra, 0)

	assert.Equal(t, LocReg, extra.Loc())
	spilledCount := 0
	for _, v := range vs {
		if v.Loc() == LocMem {
			spilledCount++
		}
	}
	assert.Equal(t, 1, spilledCount, "exactly one occupant should have been evicted")
}

func TestAllocFrameSlotPanicsOnOverflow(t *testing.T) {
	ra := New()
	assert.Panics(t, func() {
		for i := 0; i < FrameSize/8+1; i++ {
			v := ra.AllocVReg(int32(i), qir.W64)
			ra.AllocFrameSlot(v)
		}
	})
}

func TestAllocFrameSlotIsIdempotent(t *testing.T) {
	ra := New()
	v := ra.AllocVReg(1, qir.W64)
	off1 := ra.AllocFrameSlot(v)
	off2 := ra.AllocFrameSlot(v)
	assert.Equal(t, off1, off2)
}

func TestBBEndPanicsOnLiveBBScopedVreg(t *testing.T) {
	ra := New()
	v := ra.AllocVReg(1, qir.W32)
	ra.AllocPReg(v, 0)
	assert.Panics(t, func() { ra.BBEnd() })
}

func TestBBEndSpillsRegisterResidentGlobalVreg(t *testing.T) {
	ra := New()
	g := ra.AllocVRegGlob(1, qir.W32, 0)
	ra.AllocPReg(g, 0) // bring it into a register
	require.Equal(t, LocReg, g.Loc())

	ra.BBEnd()
	assert.Equal(t, LocMem, g.Loc())
}

func TestCallOpSpillsCallerClobberedAndGlobalVregs(t *testing.T) {
	ra := New()
	clobbered := ra.AllocVReg(1, qir.W32)
	ra.AllocPReg(clobbered, 0)
	require.True(t, PRegsCallClobber.Test(clobbered.GetPReg()))

	g := ra.AllocVRegGlob(2, qir.W32, 3)
	ra.AllocPReg(g, 0)

	ra.CallOp()
	assert.Equal(t, LocMem, clobbered.Loc())
	assert.Equal(t, LocMem, g.Loc())
}

func TestPrologueSetsInitialLocsByScope(t *testing.T) {
	ra := New()
	fixed := ra.AllocVRegFixed(-1000, qir.W64, PRegR13)
	global := ra.AllocVRegGlob(1, qir.W32, 0)
	bb := ra.AllocVReg(2, qir.W32)

	ra.Prologue()
	assert.Equal(t, LocReg, fixed.Loc())
	assert.Equal(t, LocMem, global.Loc())
	assert.Equal(t, LocDead, bb.Loc())
}

func TestGetPanicsOnUnknownVReg(t *testing.T) {
	ra := New()
	assert.Panics(t, func() { ra.Get(999) })
}

func TestNumGlobalsCountsOnlyGlobalScoped(t *testing.T) {
	ra := New()
	ra.AllocVReg(1, qir.W32)
	ra.AllocVRegGlob(2, qir.W32, 0)
	ra.AllocVRegGlob(3, qir.W32, 1)
	assert.Equal(t, 2, ra.NumGlobals())
}
