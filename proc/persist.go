package proc

import (
	"context"
	"strings"
	"time"

	"github.com/disgoorg/snowflake/v2"
)

const (
	queueKeyPrefix = "music.queue."
	panelKeyPrefix = "music.panel."
)

// KV is a JSON key-value store; sys.Store satisfies it.
type KV interface {
	GetJSON(ctx context.Context, key string, v any) (bool, error)
	SetJSON(ctx context.Context, key string, v any) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// PanelRecord locates a guild's control panel message.
type PanelRecord struct {
	ChannelID snowflake.ID `json:"channel_id"`
	MessageID snowflake.ID `json:"message_id"`
	PostedAt  time.Time    `json:"posted_at"`
}

// Persistence stores queue snapshots and panel records. A nil *Persistence
// is valid and stores nothing.
type Persistence struct {
	kv KV
}

func NewPersistence(kv KV) *Persistence {
	return &Persistence{kv: kv}
}

// SaveQueue writes the guild's snapshot, removing it when entries is empty.
func (p *Persistence) SaveQueue(ctx context.Context, guildID snowflake.ID, entries []QueueEntry) error {
	if p == nil {
		return nil
	}
	key := queueKeyPrefix + guildID.String()
	if len(entries) == 0 {
		return p.kv.Delete(ctx, key)
	}
	return p.kv.SetJSON(ctx, key, entries)
}

// LoadQueues reads every stored queue snapshot. Unreadable snapshots are
// returned as errors alongside whatever loaded.
func (p *Persistence) LoadQueues(ctx context.Context) (map[snowflake.ID][]QueueEntry, map[string]error, error) {
	out := make(map[snowflake.ID][]QueueEntry)
	if p == nil {
		return out, nil, nil
	}
	keys, err := p.kv.Keys(ctx, queueKeyPrefix)
	if err != nil {
		return nil, nil, err
	}

	failed := make(map[string]error)
	for _, key := range keys {
		guildID, err := snowflake.Parse(strings.TrimPrefix(key, queueKeyPrefix))
		if err != nil {
			failed[key] = err
			continue
		}
		var entries []QueueEntry
		if _, err := p.kv.GetJSON(ctx, key, &entries); err != nil {
			failed[key] = err
			continue
		}
		if len(entries) > 0 {
			out[guildID] = entries
		}
	}
	return out, failed, nil
}

func (p *Persistence) SavePanel(ctx context.Context, guildID snowflake.ID, rec PanelRecord) error {
	if p == nil {
		return nil
	}
	return p.kv.SetJSON(ctx, panelKeyPrefix+guildID.String(), rec)
}

func (p *Persistence) LoadPanel(ctx context.Context, guildID snowflake.ID) (PanelRecord, bool, error) {
	if p == nil {
		return PanelRecord{}, false, nil
	}
	var rec PanelRecord
	ok, err := p.kv.GetJSON(ctx, panelKeyPrefix+guildID.String(), &rec)
	if err != nil || !ok {
		return PanelRecord{}, false, err
	}
	return rec, true, nil
}
