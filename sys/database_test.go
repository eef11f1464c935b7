package sys

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := OpenDatabase(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db)
}

func TestStoreJSON(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	type doc struct {
		Title string `json:"title"`
		Plays int    `json:"plays"`
	}

	var got doc
	ok, err := s.GetJSON(ctx, "missing", &got)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetJSON(ctx, "music.queue.1", doc{Title: "one", Plays: 1}))
	require.NoError(t, s.SetJSON(ctx, "music.queue.1", doc{Title: "one", Plays: 2}))

	ok, err = s.GetJSON(ctx, "music.queue.1", &got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, doc{Title: "one", Plays: 2}, got)

	require.NoError(t, s.Delete(ctx, "music.queue.1"))
	ok, err = s.GetJSON(ctx, "music.queue.1", &got)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStoreKeysByPrefix(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, k := range []string{"music.queue.2", "music.queue.1", "music.panel.1", "musicXqueue.3"} {
		require.NoError(t, s.SetJSON(ctx, k, true))
	}

	keys, err := s.Keys(ctx, "music.queue.")
	require.NoError(t, err)
	assert.Equal(t, []string{"music.queue.1", "music.queue.2"}, keys)

	keys, err = s.Keys(ctx, "nothing.")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestStoreRejectsUndecodableValue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SetJSON(ctx, "k", "text"))

	var n int
	_, err := s.GetJSON(ctx, "k", &n)
	assert.Error(t, err)
}
