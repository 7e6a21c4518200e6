package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openjudge/arbiter/internal/model"
)

func TestRegistryAddAssignsIDAndKeepsOrder(t *testing.T) {
	r := NewServerRegistry(filepath.Join(t.TempDir(), "servers.json"))
	ctx := context.Background()

	a, err := r.Add(ctx, model.Server{Name: "alpha", URI: "ws://alpha:9000"})
	require.NoError(t, err)
	assert.Equal(t, "0", a.ID)

	b, err := r.Add(ctx, model.Server{Name: "beta", URI: "ws://beta:9000"})
	require.NoError(t, err)
	assert.Equal(t, "1", b.ID)

	c, err := r.Add(ctx, model.Server{ID: "custom", Name: "gamma", URI: "ws://gamma:9000"})
	require.NoError(t, err)
	assert.Equal(t, "custom", c.ID)

	all, err := r.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"0", "1", "custom"}, []string{all[0].ID, all[1].ID, all[2].ID})

	_, err = r.Add(ctx, model.Server{ID: "custom", Name: "dup", URI: "ws://dup"})
	assert.Error(t, err)
}

func TestRegistryGetAndRemove(t *testing.T) {
	r := NewServerRegistry(filepath.Join(t.TempDir(), "servers.json"))
	ctx := context.Background()

	_, err := r.Add(ctx, model.Server{ID: "s1", Name: "one", URI: "ws://one"})
	require.NoError(t, err)

	got, err := r.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "one", got.Name)

	_, err = r.Get(ctx, "nope")
	assert.ErrorIs(t, err, ErrServerNotFound)

	require.NoError(t, r.Remove(ctx, "s1"))
	assert.ErrorIs(t, r.Remove(ctx, "s1"), ErrServerNotFound)

	all, err := r.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}
