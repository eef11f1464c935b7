package proc

import (
	"slices"
	"sync"
	"time"

	"github.com/disgoorg/snowflake/v2"
)

// QueueEntry is a pending or playing track request.
type QueueEntry struct {
	Source             string       `json:"source"`
	Title              string       `json:"title"`
	Query              string       `json:"query"`
	ResolvedURL        string       `json:"resolved_url,omitempty"`
	DurationSeconds    int          `json:"duration_seconds"`
	RequesterID        snowflake.ID `json:"requester_id"`
	RequesterChannelID snowflake.ID `json:"requester_channel_id"`
	EnqueuedAt         time.Time    `json:"enqueued_at"`
}

// NewQueueEntry creates an unresolved entry for a free-text query or URL.
func NewQueueEntry(query string, requesterID, channelID snowflake.ID) QueueEntry {
	return QueueEntry{
		Title:              query,
		Query:              query,
		RequesterID:        requesterID,
		RequesterChannelID: channelID,
		EnqueuedAt:         time.Now().UTC(),
	}
}

// Duration returns the known track length, or zero when unresolved.
func (e QueueEntry) Duration() time.Duration {
	return time.Duration(e.DurationSeconds) * time.Second
}

// Queues holds one FIFO of entries per guild.
type Queues struct {
	mu     sync.Mutex
	queues map[snowflake.ID][]QueueEntry
}

func NewQueues() *Queues {
	return &Queues{queues: make(map[snowflake.ID][]QueueEntry)}
}

// Enqueue appends entry to the tail and returns the new queue length.
func (q *Queues) Enqueue(guildID snowflake.ID, entry QueueEntry) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queues[guildID] = append(q.queues[guildID], entry)
	return len(q.queues[guildID])
}

// DequeueNext pops the head of the guild's queue.
func (q *Queues) DequeueNext(guildID snowflake.ID) (QueueEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries := q.queues[guildID]
	if len(entries) == 0 {
		return QueueEntry{}, false
	}
	head := entries[0]
	if len(entries) == 1 {
		delete(q.queues, guildID)
	} else {
		q.queues[guildID] = entries[1:]
	}
	return head, true
}

// PeekAll returns a copy of the pending entries in play order.
func (q *Queues) PeekAll(guildID snowflake.ID) []QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.queues[guildID])
}

func (q *Queues) Len(guildID snowflake.ID) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[guildID])
}

func (q *Queues) Clear(guildID snowflake.ID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.queues, guildID)
}

// Restore replaces the guild's queue, used when rehydrating snapshots.
func (q *Queues) Restore(guildID snowflake.ID, entries []QueueEntry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(entries) == 0 {
		delete(q.queues, guildID)
		return
	}
	q.queues[guildID] = slices.Clone(entries)
}

// Guilds lists the guilds with a non-empty queue.
func (q *Queues) Guilds() []snowflake.ID {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := make([]snowflake.ID, 0, len(q.queues))
	for id := range q.queues {
		ids = append(ids, id)
	}
	return ids
}
