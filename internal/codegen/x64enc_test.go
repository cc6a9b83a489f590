package codegen

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMovRRRaxRcx(t *testing.T) {
	var b Buf
	b.MovRR(PRegAX, PRegCX) // mov rax, rcx
	assert.Equal(t, []byte{0x48, 0x89, 0xc8}, b.Code)
}

func TestMovRI64ReturnsImmediateOffsetAndEncodesLittleEndian(t *testing.T) {
	var b Buf
	off := b.MovRI64(PRegR13, 0x1122334455667788)
	require.Equal(t, 2, off) // rex + opcode byte precede the immediate
	assert.Equal(t, 10, len(b.Code))
	assert.Equal(t, byte(0x88), b.Code[off])
	assert.Equal(t, byte(0x11), b.Code[off+7])
}

func TestMovRI64RexBitForExtendedRegister(t *testing.T) {
	var b Buf
	b.MovRI64(PRegR13, 0)
	// REX.W + REX.B since R13 is an extended register (index 13, bit 3 set).
	assert.Equal(t, byte(0x49), b.Code[0])
}

func TestBinopRIEncodesImm32LittleEndian(t *testing.T) {
	var b Buf
	b.BinopRI(AluAdd, PRegAX, 0x01020304)
	require.Len(t, b.Code, 7)
	assert.Equal(t, []byte{0x04, 0x03, 0x02, 0x01}, b.Code[3:7])
}

func TestJmpRel32PatchRel32RoundTrips(t *testing.T) {
	var b Buf
	b.emit(0x90) // nop padding so the jump isn't at offset 0
	at := b.JmpRel32()
	target := len(b.Code)
	b.emit(0xcc) // landing byte
	b.PatchRel32(at, target)

	rel := int32(b.Code[at]) | int32(b.Code[at+1])<<8 | int32(b.Code[at+2])<<16 | int32(b.Code[at+3])<<24
	assert.Equal(t, int32(target-(at+4)), rel)
}

func TestCallRMEncodesFF2ModRM(t *testing.T) {
	var b Buf
	b.CallRM(PRegAX)
	assert.Equal(t, []byte{0xff, 0xd0}, b.Code)
}

func TestSubAndAddRSPImm32AreInverseSized(t *testing.T) {
	var subBuf, addBuf Buf
	subBuf.SubRSPImm32(248)
	addBuf.AddRSPImm32(248)
	require.Len(t, subBuf.Code, 7)
	require.Len(t, addBuf.Code, 7)
	// sub uses /5, add uses /0 on the same 0x81 opcode group.
	assert.Equal(t, byte(0x81), subBuf.Code[1])
	assert.Equal(t, byte(0x81), addBuf.Code[1])
	assert.NotEqual(t, subBuf.Code[2], addBuf.Code[2])
}

func TestPushPopRoundTripExtendedRegister(t *testing.T) {
	var b Buf
	b.PushR(PRegR15)
	b.PopR(PRegR15)
	assert.Equal(t, []byte{0x41, 0x57, 0x41, 0x5f}, b.Code)
}
