package resume

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	s, err := Open(filepath.Join(t.TempDir(), "resume.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveLoad(t *testing.T) {
	s := openTestStore(t)

	state, err := s.Load("abc")
	require.NoError(t, err)
	assert.Nil(t, state)

	saved := &State{
		Torrent:    "d4:infod4:name1:xee",
		Uploaded:   10,
		Downloaded: 20,
		Paused:     true,
		Priorities: []int{0, 2},
		AddedAt:    1234,
		Bitfield:   []byte{0xa0},
	}
	require.NoError(t, s.Save("abc", saved))

	state, err = s.Load("abc")
	require.NoError(t, err)
	assert.Equal(t, saved, state)

	hashes, err := s.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"abc"}, hashes)
}

func TestMarkHave(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Save("abc", &State{Torrent: "x"}))

	m := s.Marker("abc", 10)
	require.NoError(t, m.MarkHave(0))
	require.NoError(t, m.MarkHave(9))
	assert.Error(t, m.MarkHave(10))

	state, err := s.Load("abc")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x80, 0x40}, state.Bitfield)

	// saving without a bitfield keeps the marks
	require.NoError(t, s.Save("abc", &State{Torrent: "x", Uploaded: 5}))
	state, err = s.Load("abc")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x80, 0x40}, state.Bitfield)
	assert.Equal(t, int64(5), state.Uploaded)
}

func TestDelete(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Save("abc", &State{Torrent: "x", Bitfield: []byte{1}}))
	require.NoError(t, s.Delete("abc"))

	state, err := s.Load("abc")
	require.NoError(t, err)
	assert.Nil(t, state)
	hashes, _ := s.List()
	assert.Empty(t, hashes)
}
