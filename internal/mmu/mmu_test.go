package mmu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"golang.org/x/sys/unix"
)

func TestG2HAndH2GAreInverses(t *testing.T) {
	m, err := Init(1 << 20)
	require.NoError(t, err)
	defer m.Destroy()

	host := m.G2H(0x1234)
	assert.Equal(t, m.Base()+0x1234, host)
	assert.Equal(t, uint32(0x1234), m.H2G(host))
}

func TestMapFixedPopulatesAndIsReadable(t *testing.T) {
	m, err := Init(1 << 20)
	require.NoError(t, err)
	defer m.Destroy()

	data := []byte{1, 2, 3, 4}
	require.NoError(t, m.MapFixed(0x3000, data, unix.PROT_READ|unix.PROT_WRITE))

	host := m.G2H(0x3000)
	got := bytesAt(host, 4)
	assert.Equal(t, data, got)
}

func TestMapFixedWithZeroLengthIsNoop(t *testing.T) {
	m, err := Init(1 << 20)
	require.NoError(t, err)
	defer m.Destroy()

	assert.NoError(t, m.MapFixed(0x4000, nil, unix.PROT_READ))
}

func TestProtectChangesPermissions(t *testing.T) {
	m, err := Init(1 << 20)
	require.NoError(t, err)
	defer m.Destroy()

	require.NoError(t, m.MapFixed(0x5000, []byte{0xaa}, unix.PROT_READ|unix.PROT_WRITE))
	assert.NoError(t, m.Protect(0x5000, PageSize, unix.PROT_READ))
}
