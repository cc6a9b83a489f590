package tcache

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pooh64/rv32dbt/internal/codegen"
	"github.com/pooh64/rv32dbt/internal/cpu"
)

func TestInstallPrecompiledRegistersTBAndJumpCache(t *testing.T) {
	state := &cpu.State{}
	c, err := Init(state)
	require.NoError(t, err)
	defer c.Destroy()

	tb := c.InstallPrecompiled(0x1000, 0xdeadbeef)
	assert.Same(t, tb, c.Lookup(0x1000))

	idx := (uint32(0x1000) / 4) % cpu.JumpCacheSize
	assert.Equal(t, uint32(0x1000), state.JumpCache[idx].GuestIP)
	assert.Equal(t, uintptr(0xdeadbeef), state.JumpCache[idx].HostCode)
}

func TestLookupMissReturnsNil(t *testing.T) {
	state := &cpu.State{}
	c, err := Init(state)
	require.NoError(t, err)
	defer c.Destroy()

	assert.Nil(t, c.Lookup(0x9999))
}

func TestOnBrindHitAndMiss(t *testing.T) {
	state := &cpu.State{}
	c, err := Init(state)
	require.NoError(t, err)
	defer c.Destroy()

	c.InstallPrecompiled(0x2000, 0xcafef00d)

	host, ok := c.OnBrind(0x2000)
	require.True(t, ok)
	assert.Equal(t, uintptr(0xcafef00d), host)

	_, ok = c.OnBrind(0x3000)
	assert.False(t, ok)
}

func TestLookupUpperBoundFindsNearestAboveIP(t *testing.T) {
	state := &cpu.State{}
	c, err := Init(state)
	require.NoError(t, err)
	defer c.Destroy()

	c.InstallPrecompiled(0x1000, 1)
	c.InstallPrecompiled(0x2000, 2)
	c.InstallPrecompiled(0x3000, 3)

	got, found := c.LookupUpperBound(0x1500)
	require.True(t, found)
	assert.Equal(t, uint32(0x2000), got)

	_, found = c.LookupUpperBound(0x5000)
	assert.False(t, found)
}

func TestTraceEntryIsSilentWhenStreamDisabled(t *testing.T) {
	state := &cpu.State{}
	tb := &TB{GuestIP: 0x1000, Code: 0xdead}
	assert.NotPanics(t, func() { TraceEntry(state, tb) })
}

func TestInitWiresStubTabAndTrampolineAddresses(t *testing.T) {
	state := &cpu.State{}
	c, err := Init(state)
	require.NoError(t, err)
	defer c.Destroy()

	assert.NotZero(t, c.exitTrampolineAddr)
	assert.Equal(t, ExitTrampolineAddr(), c.exitTrampolineAddr)
	assert.NotZero(t, c.linkBranchStubAddr)
	assert.Equal(t, LinkBranchStubAddr(), c.linkBranchStubAddr)
	assert.NotZero(t, c.brindHelperAddr)
	assert.Equal(t, BrindHelperAddr(), c.brindHelperAddr)
	for i, addr := range state.StubTab {
		assert.NotZero(t, addr, "stub %d", i)
	}
}

func TestLinkBranchRewritesSlotOnHitAndFallsBackToExitOnMiss(t *testing.T) {
	state := &cpu.State{}
	c, err := Init(state)
	require.NoError(t, err)
	defer c.Destroy()

	target := c.InstallPrecompiled(0x4000, 0xabcdef00)

	var hit codegen.Buf
	codegen.EmitUnlinked(&hit, target.GuestIP, c.linkBranchStubAddr)
	hitTrailer := uintptr(unsafe.Pointer(&hit.Code[0])) + uintptr(codegen.SlotSize-4)

	got := LinkBranch(hitTrailer)
	assert.Equal(t, target.Code, got)
	// the slot's patch region no longer ends with Unlinked's call-rax ModRM byte
	assert.NotEqual(t, byte(0xd0), hit.Code[11])

	var miss codegen.Buf
	codegen.EmitUnlinked(&miss, 0x9999, c.linkBranchStubAddr) // guest ip with no installed TB
	missTrailer := uintptr(unsafe.Pointer(&miss.Code[0])) + uintptr(codegen.SlotSize-4)

	gotMiss := LinkBranch(missTrailer)
	assert.Equal(t, ExitTrampolineAddr(), gotMiss)
	assert.Equal(t, uint32(0x9999), state.IP)
}

func TestBrindSetsStateIPAndResolvesHitAndMiss(t *testing.T) {
	state := &cpu.State{}
	c, err := Init(state)
	require.NoError(t, err)
	defer c.Destroy()

	tb := c.InstallPrecompiled(0x5000, 0xfeedface)

	got := Brind(uintptr(unsafe.Pointer(state)), uint64(tb.GuestIP))
	assert.Equal(t, tb.Code, got)
	assert.Equal(t, tb.GuestIP, state.IP)

	miss := Brind(uintptr(unsafe.Pointer(state)), 0x9999)
	assert.Equal(t, ExitTrampolineAddr(), miss)
	assert.Equal(t, uint32(0x9999), state.IP)
}
