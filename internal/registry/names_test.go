package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddBindRemoveIfHandleIsIdempotentUnderReconnect(t *testing.T) {
	names := NewNames(8)
	require.True(t, names.Add("alice"))

	oldHandle := NewHandle()
	names.Bind("alice", oldHandle)

	// Reconnect rebinds to a new handle.
	newHandle := NewHandle()
	names.Bind("alice", newHandle)

	// Stale cleanup from the old session must NOT evict the new one.
	names.RemoveIfHandle("alice", oldHandle)
	assert.True(t, names.Has("alice"))

	// Cleanup from the current session does remove it.
	names.RemoveIfHandle("alice", newHandle)
	assert.False(t, names.Has("alice"))
}

func TestAddFailsAtCapacity(t *testing.T) {
	names := NewNames(1)
	require.True(t, names.Add("a"))
	assert.False(t, names.Add("b"))
}

func TestAddFailsOnDuplicate(t *testing.T) {
	names := NewNames(8)
	require.True(t, names.Add("a"))
	assert.False(t, names.Add("a"))
}

func TestMarkAndTakeBackGuardedByHandle(t *testing.T) {
	names := NewNames(8)
	require.True(t, names.Add("alice"))
	h := NewHandle()
	names.Bind("alice", h)

	other := NewHandle()
	names.MarkBack("alice", other) // wrong handle: no-op
	assert.False(t, names.TakeBack("alice", h))

	names.MarkBack("alice", h)
	assert.True(t, names.TakeBack("alice", h))
	assert.False(t, names.TakeBack("alice", h)) // already cleared
}
