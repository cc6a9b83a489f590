package arena

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocateAdvancesUsedAndRespectsAlignment(t *testing.T) {
	a := New(4096)
	defer a.Destroy()

	p1 := a.Allocate(3, 1)
	require.NotNil(t, p1)
	assert.Equal(t, 3, a.Used())

	p2 := a.Allocate(8, 8)
	off := uintptr(p2) - a.Base()
	assert.Equal(t, uintptr(0), off%8)
	assert.Equal(t, 4096, a.Cap())
}

func TestAllocatePanicsOnExhaustion(t *testing.T) {
	a := New(16)
	defer a.Destroy()

	assert.Panics(t, func() { a.Allocate(32, 1) })
}

func TestResetRewindsBumpPointer(t *testing.T) {
	a := New(64)
	defer a.Destroy()

	a.Allocate(32, 1)
	require.Equal(t, 32, a.Used())
	a.Reset()
	assert.Equal(t, 0, a.Used())
}

func TestBytesReflectsLivePrefix(t *testing.T) {
	a := New(64)
	defer a.Destroy()

	p := a.Allocate(4, 1)
	*(*uint32)(p) = 0xdeadbeef
	b := a.Bytes()
	require.Len(t, b, 4)
	assert.Equal(t, uint32(0xdeadbeef), *(*uint32)(unsafe.Pointer(&b[0])))
}

func TestMakeExecutableThenAllocatePanics(t *testing.T) {
	a := New(64)
	defer a.Destroy()

	require.NoError(t, a.MakeExecutable())
	assert.Panics(t, func() { a.Allocate(1, 1) })
}
