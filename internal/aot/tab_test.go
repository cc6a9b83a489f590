package aot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeAOTTabRoundTrip(t *testing.T) {
	syms := []AOTSymbol{{GuestIP: 0x1000, Offset: 0}, {GuestIP: 0x1004, Offset: 16}}
	relocs := []AOTReloc{{Offset: 4, Kind: 0}, {Offset: 20, Kind: 1}}

	buf := encodeAOTTab(syms, relocs)
	gotSyms, gotRelocs := decodeAOTTab(buf)

	assert.Equal(t, syms, gotSyms)
	assert.Equal(t, relocs, gotRelocs)
}

func TestEncodeDecodeAOTTabEmpty(t *testing.T) {
	buf := encodeAOTTab(nil, nil)
	syms, relocs := decodeAOTTab(buf)
	assert.Nil(t, syms)
	assert.Nil(t, relocs)
}

func TestDecodeAOTTabTruncatedBufferIsSafe(t *testing.T) {
	buf := encodeAOTTab([]AOTSymbol{{GuestIP: 1, Offset: 2}}, []AOTReloc{{Offset: 3, Kind: 1}})
	truncated := buf[:len(buf)-1]
	require.NotPanics(t, func() { decodeAOTTab(truncated) })
}

func TestDecodeAOTTabTooShortForHeader(t *testing.T) {
	syms, relocs := decodeAOTTab([]byte{1, 2, 3})
	assert.Nil(t, syms)
	assert.Nil(t, relocs)
}
