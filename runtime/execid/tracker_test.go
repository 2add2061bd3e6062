package execid

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartRootAssignsPrefixAndRunningStatus(t *testing.T) {
	tr := New(0)
	id := tr.StartRoot(KindFlow, map[string]any{"name": "onboarding"})

	assert.True(t, strings.HasPrefix(id.String(), "flow_"))
	assert.Equal(t, 0, id.Depth())

	rec, ok := tr.Get(id.String())
	require.True(t, ok)
	assert.Equal(t, StatusRunning, rec.Status)
	assert.False(t, rec.HasParent)
}

func TestStartChildUnknownParent(t *testing.T) {
	tr := New(0)
	_, err := tr.StartChild("flow_bogus", KindNode, nil)
	assert.ErrorIs(t, err, ErrUnknownParent)
}

func TestStartChildDepthAndParentLinkage(t *testing.T) {
	tr := New(0)
	root := tr.StartRoot(KindFlow, nil)
	child, err := tr.StartChild(root.String(), KindNode, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, child.Depth())

	parentID, ok := child.Parent()
	assert.True(t, ok)
	assert.Equal(t, root.String(), parentID)

	grandchild, err := tr.StartChild(child.String(), KindTool, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, grandchild.Depth())
}

func TestFinishTransitionsAreIdempotent(t *testing.T) {
	tr := New(0)
	root := tr.StartRoot(KindFlow, nil)

	ok, err := tr.Succeed(root.String(), map[string]any{"out": 1})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = tr.Fail(root.String(), "too late")
	require.NoError(t, err)
	assert.False(t, ok)

	rec, _ := tr.Get(root.String())
	assert.Equal(t, StatusSucceeded, rec.Status)
	assert.Empty(t, rec.Error)
}

func TestFinishUnknownExecution(t *testing.T) {
	tr := New(0)
	_, err := tr.Succeed("flow_bogus", nil)
	assert.ErrorIs(t, err, ErrUnknownExecution)
}

func TestSnapshotIsDepthFirstPreOrder(t *testing.T) {
	tr := New(0)
	root := tr.StartRoot(KindFlow, nil)
	a, _ := tr.StartChild(root.String(), KindNode, nil)
	_, _ = tr.StartChild(a.String(), KindTool, nil)
	_, _ = tr.StartChild(root.String(), KindNode, nil)

	snap, err := tr.Snapshot(root.String())
	require.NoError(t, err)
	require.Len(t, snap, 4)
	assert.Equal(t, root.String(), snap[0].ID.String())
	assert.Equal(t, a.String(), snap[1].ID.String())
}

func TestRenderTreeUsesBoxGlyphs(t *testing.T) {
	tr := New(0)
	root := tr.StartRoot(KindFlow, nil)
	a, _ := tr.StartChild(root.String(), KindNode, nil)
	b, _ := tr.StartChild(root.String(), KindNode, nil)
	_, _ = tr.Succeed(a.String(), nil)
	_, _ = tr.Succeed(b.String(), nil)

	out, err := tr.RenderTree(root.String())
	require.NoError(t, err)
	assert.Contains(t, out, "├── NODE")
	assert.Contains(t, out, "└── NODE")
	assert.Contains(t, out, "SUCCEEDED")
}

func TestEvictSkipsRecordsWithLiveDescendants(t *testing.T) {
	tr := New(time.Minute)
	root := tr.StartRoot(KindFlow, nil)
	child, _ := tr.StartChild(root.String(), KindNode, nil)
	_, _ = tr.Succeed(root.String(), nil)

	evicted := tr.Evict(time.Now().Add(2 * time.Minute))
	assert.Equal(t, 0, evicted)

	_, _ = tr.Succeed(child.String(), nil)
	evicted = tr.Evict(time.Now().Add(2 * time.Minute))
	assert.Equal(t, 2, evicted)

	_, ok := tr.Get(root.String())
	assert.False(t, ok)
}

func TestEvictRespectsRetentionWindow(t *testing.T) {
	tr := New(time.Hour)
	root := tr.StartRoot(KindFlow, nil)
	_, _ = tr.Succeed(root.String(), nil)

	evicted := tr.Evict(time.Now())
	assert.Equal(t, 0, evicted)

	_, ok := tr.Get(root.String())
	assert.True(t, ok)
}
