package blobstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	_, err := s.Get(ctx, "missing.ckpt")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Put(ctx, "mainHead.ckpt", []byte("v1")))
	require.NoError(t, s.Put(ctx, "mainHead.ckpt", []byte("v2")))
	require.NoError(t, s.Put(ctx, "classifier.ckpt", []byte("c")))
	require.NoError(t, s.Put(ctx, "history.json", []byte("{}")))

	data, err := s.Get(ctx, "mainHead.ckpt")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), data)

	names, err := s.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"classifier.ckpt", "history.json", "mainHead.ckpt"}, names)

	names, err = s.List(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, []string{"mainHead.ckpt"}, names)

	require.NoError(t, s.Delete(ctx, "mainHead.ckpt"))
	require.NoError(t, s.Delete(ctx, "mainHead.ckpt"))
	_, err = s.Get(ctx, "mainHead.ckpt")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	exerciseStore(t, s)

	data := []byte("abc")
	require.NoError(t, s.Put(context.Background(), "x", data))
	data[0] = 'z'
	got, err := s.Get(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), got)
}

func TestLocalStore(t *testing.T) {
	root := filepath.Join(t.TempDir(), "res", "run1")
	s, err := NewLocalStore(root)
	require.NoError(t, err)
	info, err := os.Stat(root)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Equal(t, root, s.Root())

	exerciseStore(t, s)

	require.NoError(t, s.Put(context.Background(), "nested/a.ckpt", []byte("n")))
	names, err := s.List(context.Background(), "nested/")
	require.NoError(t, err)
	assert.Equal(t, []string{"nested/a.ckpt"}, names)

	assert.Error(t, s.Put(context.Background(), "../escape", []byte("x")))
	_, err = s.Get(context.Background(), "/etc/passwd")
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Put(ctx, "late.ckpt", []byte("x")), context.Canceled)
}
