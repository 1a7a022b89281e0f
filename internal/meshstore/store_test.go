package meshstore

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

	_, err := s.Get(ctx, "ccf2017/997.obj")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Put(ctx, "ccf2017/997.obj", []byte("v 0 0 0\n")))
	require.NoError(t, s.Put(ctx, "ccf2017/8.obj", []byte("v 1 1 1\n")))
	require.NoError(t, s.Put(ctx, "ccf2022/997.obj", []byte("v 2 2 2\n")))

	data, err := s.Get(ctx, "ccf2017/997.obj")
	require.NoError(t, err)
	assert.Equal(t, "v 0 0 0\n", string(data))

	keys, err := s.List(ctx, "ccf2017/")
	require.NoError(t, err)
	assert.Equal(t, []string{"ccf2017/8.obj", "ccf2017/997.obj"}, keys)

	_, err = s.Get(ctx, "../etc/passwd")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemory())
}

func TestFilesystemStore(t *testing.T) {
	root := t.TempDir()
	s, err := NewFilesystem(root)
	require.NoError(t, err)
	exerciseStore(t, s)

	_, err = os.Stat(filepath.Join(root, "ccf2022", "997.obj"))
	assert.NoError(t, err)
}

func TestOpen(t *testing.T) {
	s, err := Open(context.Background(), Config{Driver: DriverMemory})
	require.NoError(t, err)
	assert.Equal(t, DriverMemory, s.Driver())

	s, err = Open(context.Background(), Config{Driver: DriverFilesystem, Root: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, DriverFilesystem, s.Driver())

	_, err = Open(context.Background(), Config{Driver: "gcs"})
	assert.Error(t, err)

	_, err = Open(context.Background(), Config{Driver: DriverS3})
	assert.Error(t, err, "bucket is required")
}

func TestCleanKey(t *testing.T) {
	for _, bad := range []string{"", " ", "/abs.obj", "a/../../b.obj", `a\b.obj`} {
		_, err := CleanKey(bad)
		assert.Error(t, err, bad)
	}
	k, err := CleanKey("ccf2017/./997.obj")
	require.NoError(t, err)
	assert.Equal(t, "ccf2017/997.obj", k)
}
