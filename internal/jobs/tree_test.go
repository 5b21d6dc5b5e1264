package jobs

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/Ashfaaq98/intelcore/internal/store"
)

func newTestTree(t *testing.T) (*store.Store, *PathTree) {
	t.Helper()
	s, err := store.NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, NewPathTree(s)
}

func TestEncodeStep(t *testing.T) {
	assert.Equal(t, "0001", encodeStep(1))
	assert.Equal(t, "000Z", encodeStep(35))
	assert.Equal(t, "0010", encodeStep(36))
	assert.Equal(t, "ZZZZ", encodeStep(maxSiblings))

	n, err := decodeStep("0010")
	require.NoError(t, err)
	assert.Equal(t, 36, n)
	_, err = decodeStep("00-1")
	assert.Error(t, err)
}

func TestPathTreeAddRootAndChild(t *testing.T) {
	_, tree := newTestTree(t)
	ctx := context.Background()

	root, err := tree.AddRoot(ctx, NewJob{Status: StatusReportedWithoutFails})
	require.NoError(t, err)
	assert.Equal(t, "0001", root.Path)
	assert.Equal(t, 1, root.Depth)
	assert.True(t, tree.IsRoot(root))

	second, err := tree.AddRoot(ctx, NewJob{})
	require.NoError(t, err)
	assert.Equal(t, "0002", second.Path)
	assert.Equal(t, StatusPending, second.Status)

	child, err := tree.AddChild(ctx, root, NewJob{})
	require.NoError(t, err)
	assert.Equal(t, "00010001", child.Path)
	assert.Equal(t, 2, child.Depth)
	assert.False(t, tree.IsRoot(child))
	assert.Equal(t, 1, root.NumChild)

	sibling, err := tree.AddChild(ctx, root, NewJob{})
	require.NoError(t, err)
	assert.Equal(t, "00010002", sibling.Path)

	grandchild, err := tree.AddChild(ctx, child, NewJob{})
	require.NoError(t, err)
	assert.Equal(t, "000100010001", grandchild.Path)

	children, err := tree.Children(ctx, root)
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Equal(t, child.ID, children[0].ID)
	assert.Equal(t, sibling.ID, children[1].ID)

	ancestors, err := tree.Ancestors(ctx, grandchild)
	require.NoError(t, err)
	require.Len(t, ancestors, 2)
	assert.Equal(t, root.ID, ancestors[0].ID)
	assert.Equal(t, child.ID, ancestors[1].ID)

	got, err := tree.Root(ctx, grandchild)
	require.NoError(t, err)
	assert.Equal(t, root.ID, got.ID)

	_, err = tree.AddChild(ctx, &Job{ID: 999}, NewJob{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolverGetRoot(t *testing.T) {
	s, tree := newTestTree(t)
	ctx := context.Background()
	resolver := NewResolver(tree, s, nil)

	root, err := tree.AddRoot(ctx, NewJob{Status: StatusReportedWithoutFails})
	require.NoError(t, err)
	assert.True(t, resolver.IsRoot(root))

	got, err := resolver.GetRoot(ctx, root)
	require.NoError(t, err)
	assert.Same(t, root, got)

	child, err := tree.AddChild(ctx, root, NewJob{Status: StatusReportedWithoutFails})
	require.NoError(t, err)
	assert.False(t, resolver.IsRoot(child))

	for i := 0; i < 10; i++ {
		got, err = resolver.GetRoot(ctx, child)
		require.NoError(t, err)
		assert.Equal(t, root.ID, got.ID)
	}
}

// corruptTree reports a broken lineage for every lookup.
type corruptTree struct {
	*PathTree
	err error
}

func (c corruptTree) Root(context.Context, *Job) (*Job, error) {
	return nil, c.err
}

func TestResolverGetRootMultipleRoots(t *testing.T) {
	s, tree := newTestTree(t)
	ctx := context.Background()

	root, err := tree.AddRoot(ctx, NewJob{Status: StatusReportedWithoutFails})
	require.NoError(t, err)
	_, err = tree.AddRoot(ctx, NewJob{})
	require.NoError(t, err)
	child, err := tree.AddChild(ctx, root, NewJob{})
	require.NoError(t, err)
	grandchild, err := tree.AddChild(ctx, child, NewJob{})
	require.NoError(t, err)

	core, logs := observer.New(zapcore.WarnLevel)
	broken := corruptTree{PathTree: tree, err: fmt.Errorf("%w: Multiple roots found", ErrMultipleRoots)}
	resolver := NewResolver(broken, s, zap.New(core))

	for i := 0; i < 3; i++ {
		got, err := resolver.GetRoot(ctx, grandchild)
		require.NoError(t, err)
		assert.Equal(t, root.ID, got.ID)
	}

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	assert.Contains(t, entries[0].Message, "Tree Integrity Error")
	assert.Contains(t, entries[0].Message, "Multiple roots found")

	var count int
	require.NoError(t, s.DB().QueryRow(`SELECT COUNT(*) FROM jobs`).Scan(&count))
	assert.Equal(t, 4, count)
}

func TestResolverGetRootMissingRoot(t *testing.T) {
	s, tree := newTestTree(t)
	ctx := context.Background()

	root, err := tree.AddRoot(ctx, NewJob{})
	require.NoError(t, err)
	child, err := tree.AddChild(ctx, root, NewJob{})
	require.NoError(t, err)
	grandchild, err := tree.AddChild(ctx, child, NewJob{})
	require.NoError(t, err)
	_, err = s.DB().Exec(`DELETE FROM jobs WHERE id = ?`, root.ID)
	require.NoError(t, err)

	core, logs := observer.New(zapcore.WarnLevel)
	resolver := NewResolver(tree, s, zap.New(core))

	got, err := resolver.GetRoot(ctx, grandchild)
	require.NoError(t, err)
	assert.Equal(t, child.ID, got.ID)
	assert.Equal(t, 1, logs.Len())
}

func TestResolverPropagatesOtherErrors(t *testing.T) {
	s, tree := newTestTree(t)
	ctx := context.Background()
	root, err := tree.AddRoot(ctx, NewJob{})
	require.NoError(t, err)
	child, err := tree.AddChild(ctx, root, NewJob{})
	require.NoError(t, err)

	boom := errors.New("database is locked")
	resolver := NewResolver(corruptTree{PathTree: tree, err: boom}, s, nil)
	_, err = resolver.GetRoot(ctx, child)
	assert.ErrorIs(t, err, boom)
}

func TestRepositoryStatusAndPlugins(t *testing.T) {
	s, tree := newTestTree(t)
	ctx := context.Background()
	repo := NewRepository(s)

	job, err := tree.AddRoot(ctx, NewJob{Status: StatusRunning})
	require.NoError(t, err)

	require.NoError(t, repo.SetStatus(ctx, job.ID, StatusReportedWithFails))
	got, err := repo.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReportedWithFails, got.Status)
	assert.NotNil(t, got.FinishedAnalysisTime)

	assert.ErrorIs(t, repo.SetStatus(ctx, 999, StatusFailed), ErrNotFound)
	_, err = repo.Get(ctx, 999)
	assert.ErrorIs(t, err, ErrNotFound)

	ids, err := repo.PluginsToExecute(ctx, job.ID)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestParseStatus(t *testing.T) {
	for _, st := range Statuses {
		got, err := ParseStatus(string(st))
		require.NoError(t, err)
		assert.Equal(t, st, got)
	}
	_, err := ParseStatus("done")
	assert.ErrorIs(t, err, ErrUnknownStatus)
}
