package storage

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemDBGetMissingKey(t *testing.T) {
	db := NewMemDB()
	defer db.Close()

	_, err := db.Get([]byte("missing"))
	require.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, db.Put([]byte("present"), []byte("v")))
	got, err := db.Get([]byte("present"))
	require.NoError(t, err)
	require.Equal(t, []byte("v"), got)
	require.NotNil(t, db.TrieDB())
}

func TestLevelDBGetMissingKey(t *testing.T) {
	db, err := NewLevelDB(t.TempDir())
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Get([]byte("missing"))
	require.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, db.Put([]byte("head"), []byte{0x01}))
	got, err := db.Get([]byte("head"))
	require.NoError(t, err)
	require.Equal(t, []byte{0x01}, got)
}
