package object

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKillIsIdempotent(t *testing.T) {
	calls := 0
	b := New(func() { calls++ })

	b.Kill()
	b.Kill()
	b.Kill()

	assert.Equal(t, 1, calls)
	assert.True(t, b.IsDead())
}

func TestKillCascadesToChildrenBeforeOnKill(t *testing.T) {
	var order []string
	var mu sync.Mutex
	record := func(name string) func() {
		return func() {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		}
	}

	parent := New(record("parent"))
	child := New(record("child"))
	parent.AddChild(child)

	parent.Kill()

	require.Len(t, order, 2)
	assert.Equal(t, "child", order[0])
	assert.Equal(t, "parent", order[1])
	assert.True(t, child.IsDead())
}

func TestKillRemovesChildFromParentLink(t *testing.T) {
	parent := New(func() {})
	child := New(func() {})
	parent.AddChild(child)

	child.Kill()

	assert.Empty(t, parent.Children())
}

func TestAddChildNoOpOnDeadParent(t *testing.T) {
	parent := New(func() {})
	parent.Kill()

	child := New(func() {})
	parent.AddChild(child)

	assert.False(t, child.IsDead())
	assert.Empty(t, parent.Children())
}

func TestRetainReleaseRefcount(t *testing.T) {
	b := New(func() {})
	assert.EqualValues(t, 1, b.RefCount())

	b.Retain()
	assert.EqualValues(t, 2, b.RefCount())

	assert.False(t, b.Release())
	assert.True(t, b.Release())
}

func TestRemoveChildDoesNotKill(t *testing.T) {
	parent := New(func() {})
	child := New(func() {})
	parent.AddChild(child)

	parent.RemoveChild(child)

	assert.False(t, child.IsDead())
	assert.Empty(t, parent.Children())
}

func TestChildrenSnapshotIsIndependent(t *testing.T) {
	parent := New(func() {})
	c1 := New(func() {})
	c2 := New(func() {})
	parent.AddChild(c1)
	parent.AddChild(c2)

	snap := parent.Children()
	assert.Len(t, snap, 2)

	parent.RemoveChild(c1)
	assert.Len(t, snap, 2) // snapshot unaffected by later mutation
	assert.Len(t, parent.Children(), 1)
}
