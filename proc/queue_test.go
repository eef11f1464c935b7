package proc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueFIFO(t *testing.T) {
	q := NewQueues()
	assert.Equal(t, 1, q.Enqueue(testGuild, entry("one", userA)))
	assert.Equal(t, 2, q.Enqueue(testGuild, entry("two", userA)))
	assert.Equal(t, 3, q.Enqueue(testGuild, entry("three", userB)))

	all := q.PeekAll(testGuild)
	require.Len(t, all, 3)
	assert.Equal(t, "three", all[2].Title)
	assert.Equal(t, userB, all[2].RequesterID)

	head, ok := q.DequeueNext(testGuild)
	require.True(t, ok)
	assert.Equal(t, "one", head.Title)
	assert.Equal(t, 2, q.Len(testGuild))
}

func TestQueueDequeueEmpty(t *testing.T) {
	q := NewQueues()
	_, ok := q.DequeueNext(testGuild)
	assert.False(t, ok)

	q.Enqueue(testGuild, entry("only", userA))
	_, ok = q.DequeueNext(testGuild)
	require.True(t, ok)
	_, ok = q.DequeueNext(testGuild)
	assert.False(t, ok)
	assert.Empty(t, q.Guilds())
}

func TestQueuePeekAllIsACopy(t *testing.T) {
	q := NewQueues()
	q.Enqueue(testGuild, entry("one", userA))
	all := q.PeekAll(testGuild)
	all[0].Title = "mutated"
	assert.Equal(t, "one", q.PeekAll(testGuild)[0].Title)
}

func TestQueueGuildsAreIndependent(t *testing.T) {
	q := NewQueues()
	q.Enqueue(testGuild, entry("one", userA))
	q.Enqueue(testGuild+1, entry("other", userB))
	q.Clear(testGuild)

	assert.Zero(t, q.Len(testGuild))
	assert.Equal(t, 1, q.Len(testGuild+1))
}

func TestQueueRestore(t *testing.T) {
	q := NewQueues()
	q.Restore(testGuild, []QueueEntry{entry("a", userA), entry("b", userA)})
	assert.Equal(t, 2, q.Len(testGuild))

	q.Restore(testGuild, nil)
	assert.Zero(t, q.Len(testGuild))
}

func TestNewQueueEntry(t *testing.T) {
	e := NewQueueEntry("lofi radio", userA, channelA)
	assert.Equal(t, "lofi radio", e.Query)
	assert.Equal(t, "lofi radio", e.Title)
	assert.Equal(t, userA, e.RequesterID)
	assert.Equal(t, channelA, e.RequesterChannelID)
	assert.False(t, e.EnqueuedAt.IsZero())
	assert.Zero(t, e.Duration())
}
