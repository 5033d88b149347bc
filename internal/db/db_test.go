package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	d, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func TestPutGet(t *testing.T) {
	d := testDB(t)
	in := Target{
		Name:       "doom",
		Executable: "/usr/bin/core",
		Argv:       []string{"--rom", "doom.wad"},
		Mode:       "libretro",
	}
	require.NoError(t, d.Put(in))

	out, err := d.Get("doom")
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestPutReplaces(t *testing.T) {
	d := testDB(t)
	require.NoError(t, d.Put(Target{Name: "a", Executable: "/x", Mode: "movie"}))
	require.NoError(t, d.Put(Target{Name: "a", Executable: "/y", Mode: "record"}))

	out, err := d.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "/y", out.Executable)
	assert.Equal(t, "record", out.Mode)
}

func TestPutRejectsUnknownMode(t *testing.T) {
	d := testDB(t)
	assert.Error(t, d.Put(Target{Name: "a", Executable: "/x", Mode: "teletext"}))
}

func TestGetMissing(t *testing.T) {
	d := testDB(t)
	_, err := d.Get("nope")
	assert.ErrorIs(t, err, ErrNoTarget)
}

func TestListOrdered(t *testing.T) {
	d := testDB(t)
	for _, name := range []string{"zork", "arkanoid", "myst"} {
		require.NoError(t, d.Put(Target{Name: name, Executable: "/x", Mode: "movie"}))
	}
	out, err := d.List()
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, "arkanoid", out[0].Name)
	assert.Equal(t, "myst", out[1].Name)
	assert.Equal(t, "zork", out[2].Name)
}

func TestDelete(t *testing.T) {
	d := testDB(t)
	require.NoError(t, d.Put(Target{Name: "a", Executable: "/x", Mode: "movie"}))
	require.NoError(t, d.Delete("a"))
	assert.ErrorIs(t, d.Delete("a"), ErrNoTarget)
	_, err := d.Get("a")
	assert.ErrorIs(t, err, ErrNoTarget)
}
