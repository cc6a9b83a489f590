package logging

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withCapturedOutput(t *testing.T) *bytes.Buffer {
	t.Helper()
	old := out
	var buf bytes.Buffer
	out = &buf
	t.Cleanup(func() { out = old })
	return &buf
}

func TestStreamDisabledByDefaultProducesNoOutput(t *testing.T) {
	buf := withCapturedOutput(t)
	s := Named("test-disabled-stream")
	require.False(t, s.Enabled())
	s.Printf("hello %d", 1)
	assert.Empty(t, buf.String())
}

func TestEnableTurnsOnNamedStream(t *testing.T) {
	buf := withCapturedOutput(t)
	s := Named("test-enabled-stream")
	Enable("test-enabled-stream")
	require.True(t, s.Enabled())
	s.Printf("value=%d", 7)
	assert.Contains(t, buf.String(), "[test-enabled-stream]")
	assert.Contains(t, buf.String(), "value=7")
}

func TestEnableWildcardTurnsOnEveryStream(t *testing.T) {
	buf := withCapturedOutput(t)
	s := Named("test-wildcard-stream")
	require.False(t, s.Enabled())
	Enable("*")
	assert.True(t, s.Enabled())
	s.Printf("on")
	assert.Contains(t, buf.String(), "on")
}

func TestEnableColonSeparatedListEnablesEachName(t *testing.T) {
	a := Named("test-list-a")
	b := Named("test-list-b")
	Enable("test-list-a:test-list-b")
	assert.True(t, a.Enabled())
	assert.True(t, b.Enabled())
}
