package store

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Pebble {
	t.Helper()
	s, err := OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPebbleGetSetRemove(t *testing.T) {
	s := openTestStore(t)

	_, ok, err := s.Get(LogKey("E1"))
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.Set(LogKey("E1"), []byte(`[]`)))
	got, ok, err := s.Get(LogKey("E1"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, `[]`, string(got))

	require.NoError(t, s.Remove(LogKey("E1")))
	_, ok, err = s.Get(LogKey("E1"))
	require.NoError(t, err)
	require.False(t, ok)

	// removing twice is fine
	require.NoError(t, s.Remove(LogKey("E1")))
}

func TestPebbleKeysAndEpisodes(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Set(LogKey("b"), []byte("1")))
	require.NoError(t, s.Set(LogKey("a"), []byte("1")))
	require.NoError(t, s.Set(CurrentContextKey, []byte("a")))
	require.NoError(t, s.Set(PrefOrderKey, []byte("newest")))

	keys, err := s.Keys(LogPrefix)
	require.NoError(t, err)
	require.Equal(t, []string{"log:a", "log:b"}, keys)

	ids, err := Episodes(s)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, ids)

	all, err := s.Keys("")
	require.NoError(t, err)
	require.Len(t, all, 4)
}

func TestPebbleClosed(t *testing.T) {
	s, err := OpenMemory()
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, _, err = s.Get("x")
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, s.Set("x", nil), ErrClosed)
	require.NoError(t, s.Close())
}

func TestOpenOnDisk(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, s.Set(CurrentContextKey, []byte("E9")))
	require.NoError(t, s.Close())

	s, err = Open(dir)
	require.NoError(t, err)
	defer s.Close()
	got, ok, err := s.Get(CurrentContextKey)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "E9", string(got))
}

func TestPrefixUpperBound(t *testing.T) {
	require.Equal(t, []byte("log;"), prefixUpperBound([]byte("log:")))
	require.Equal(t, []byte{0x01}, prefixUpperBound([]byte{0x00, 0xff}))
	require.Nil(t, prefixUpperBound([]byte{0xff, 0xff}))
}
