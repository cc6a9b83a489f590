package aot

import (
	"bytes"
	"debug/elf"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObjectWriterBuildProducesValidELFReadableByDebugElf(t *testing.T) {
	w := newObjectWriter()
	w.addCode([]byte{0x90, 0x90, 0x90, 0xc3})
	w.addSymbol(symbolName(0x1000), 1, 0, 4)
	w.aottab = encodeAOTTab([]AOTSymbol{{GuestIP: 0x1000, Offset: 0}}, nil)
	w.addSymbol("_aot_tab", 2, 0, uint64(len(w.aottab)))

	obj := w.build()
	f, err := elf.NewFile(bytes.NewReader(obj))
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, elf.ET_REL, f.Type)
	assert.Equal(t, elf.EM_X86_64, f.Machine)
	assert.Equal(t, elf.ELFCLASS64, f.Class)

	aotSec := f.Section(".aot")
	require.NotNil(t, aotSec)
	data, err := aotSec.Data()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x90, 0x90, 0x90, 0xc3}, data)

	tabSec := f.Section(".aottab")
	require.NotNil(t, tabSec)

	syms, err := f.Symbols()
	require.NoError(t, err)
	names := map[string]elf.Symbol{}
	for _, s := range syms {
		names[s.Name] = s
	}
	require.Contains(t, names, symbolName(0x1000))
	require.Contains(t, names, "_aot_tab")
	assert.EqualValues(t, 4, names[symbolName(0x1000)].Size)
}

func TestObjectWriterBuildWithNoSymbolsIsStillValidELF(t *testing.T) {
	w := newObjectWriter()
	w.addCode([]byte{0xc3})
	obj := w.build()
	f, err := elf.NewFile(bytes.NewReader(obj))
	require.NoError(t, err)
	defer f.Close()
	assert.NotNil(t, f.Section(".aot"))
}
