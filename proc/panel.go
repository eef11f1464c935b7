package proc

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/leeineian/tempo/sys"
	"golang.org/x/time/rate"
)

const DefaultPanelQueueLimit = 5

// ErrMessageNotFound is returned by a PanelMessenger when the panel message
// no longer exists.
var ErrMessageNotFound = errors.New("panel message not found")

// PanelView is everything a control panel displays.
type PanelView struct {
	State    StateKind
	OwnerID  snowflake.ID
	Now      *NowPlaying
	Pending  *QueueEntry
	Upcoming []QueueEntry
	More     int
	Paused   bool
	// Held is true when the owner paused; a bot-side pause alone leaves it false.
	Held bool
}

// RenderPanel builds the view for a snapshot, listing at most limit queued
// entries and counting the rest in More.
func RenderPanel(s Snapshot, limit int) PanelView {
	if limit <= 0 {
		limit = DefaultPanelQueueLimit
	}
	v := PanelView{State: s.State, OwnerID: s.OwnerID, Now: s.Now, Pending: s.Pending, Paused: s.Paused, Held: s.UserPaused}
	v.Upcoming = s.Queue
	if len(s.Queue) > limit {
		v.Upcoming = s.Queue[:limit]
		v.More = len(s.Queue) - limit
	}
	return v
}

// PanelMessenger posts and edits panel messages.
type PanelMessenger interface {
	CreatePanel(ctx context.Context, channelID snowflake.ID, view PanelView) (snowflake.ID, error)
	EditPanel(ctx context.Context, channelID, messageID snowflake.ID, view PanelView) error
}

// Panels keeps one control panel message per guild in sync with its player.
type Panels struct {
	ctx       context.Context
	engine    *Engine
	messenger PanelMessenger
	persist   *Persistence
	limit     int
	limiter   *rate.Limiter
	now       func() time.Time
	// home picks the channel a guild's first panel is posted in; zero means none.
	home func(guildID snowflake.ID) snowflake.ID

	mu      sync.Mutex
	records map[snowflake.ID]PanelRecord
	running map[snowflake.ID]bool
	dirty   map[snowflake.ID]bool
}

func NewPanels(ctx context.Context, engine *Engine, messenger PanelMessenger, persist *Persistence, limit int) *Panels {
	return &Panels{
		ctx:       ctx,
		engine:    engine,
		messenger: messenger,
		persist:   persist,
		limit:     limit,
		limiter:   rate.NewLimiter(rate.Limit(4), 10),
		now:       time.Now,
		records:   make(map[snowflake.ID]PanelRecord),
		running:   make(map[snowflake.ID]bool),
		dirty:     make(map[snowflake.ID]bool),
	}
}

// PostIn makes Sync post a panel in the channel home returns for guilds that
// have none yet.
func (p *Panels) PostIn(home func(guildID snowflake.ID) snowflake.ID) *Panels {
	p.home = home
	return p
}

// Notify schedules a sync for the guild. Bursts of notifications collapse
// into one edit. It never blocks.
func (p *Panels) Notify(guildID snowflake.ID) {
	p.mu.Lock()
	if p.running[guildID] {
		p.dirty[guildID] = true
		p.mu.Unlock()
		return
	}
	p.running[guildID] = true
	p.mu.Unlock()

	sys.SafeGo(func() {
		for {
			if err := p.limiter.Wait(p.ctx); err == nil {
				p.Sync(p.ctx, guildID)
			}

			p.mu.Lock()
			again := p.dirty[guildID] && p.ctx.Err() == nil
			delete(p.dirty, guildID)
			if !again {
				delete(p.running, guildID)
			}
			p.mu.Unlock()
			if !again {
				return
			}
		}
	})
}

// Sync edits the guild's panel to match the player. A deleted panel is
// recreated in the same channel, and a guild with activity but no panel gets
// one in its home channel. Failures are logged and swallowed.
func (p *Panels) Sync(ctx context.Context, guildID snowflake.ID) {
	snap := p.engine.Snapshot(guildID)
	rec, ok := p.record(ctx, guildID)
	if !ok {
		p.postFirst(ctx, snap)
		return
	}
	view := RenderPanel(snap, p.limit)

	err := p.messenger.EditPanel(ctx, rec.ChannelID, rec.MessageID, view)
	if err == nil {
		return
	}
	if !errors.Is(err, ErrMessageNotFound) {
		sys.LogPanel(sys.MsgPanelEditFailed, guildID, err)
		return
	}

	sys.LogPanel(sys.MsgPanelStale, guildID)
	messageID, err := p.messenger.CreatePanel(ctx, rec.ChannelID, view)
	if err != nil {
		sys.LogPanel(sys.MsgPanelPostFailed, guildID, err)
		return
	}
	rec.MessageID = messageID
	rec.PostedAt = p.now()
	p.store(ctx, guildID, rec)
}

func (p *Panels) postFirst(ctx context.Context, snap Snapshot) {
	if p.home == nil {
		return
	}
	if snap.State == StateIdle && !snap.HasSession && len(snap.Queue) == 0 {
		return
	}
	channelID := p.home(snap.GuildID)
	if channelID == 0 {
		return
	}
	sys.LogPanel(sys.MsgPanelAutoPlaced, snap.GuildID, channelID)
	_, _ = p.Place(ctx, snap.GuildID, channelID)
}

// Place posts a fresh panel in channelID and makes it the guild's panel.
func (p *Panels) Place(ctx context.Context, guildID, channelID snowflake.ID) (PanelRecord, error) {
	view := RenderPanel(p.engine.Snapshot(guildID), p.limit)
	messageID, err := p.messenger.CreatePanel(ctx, channelID, view)
	if err != nil {
		sys.LogPanel(sys.MsgPanelPostFailed, guildID, err)
		return PanelRecord{}, err
	}
	rec := PanelRecord{ChannelID: channelID, MessageID: messageID, PostedAt: p.now()}
	p.store(ctx, guildID, rec)
	sys.LogPanel(sys.MsgPanelPlaced, channelID, guildID)
	return rec, nil
}

// Record returns the guild's panel location, if one was placed.
func (p *Panels) Record(ctx context.Context, guildID snowflake.ID) (PanelRecord, bool) {
	return p.record(ctx, guildID)
}

func (p *Panels) record(ctx context.Context, guildID snowflake.ID) (PanelRecord, bool) {
	p.mu.Lock()
	rec, ok := p.records[guildID]
	p.mu.Unlock()
	if ok {
		return rec, true
	}

	rec, ok, err := p.persist.LoadPanel(ctx, guildID)
	if err != nil {
		sys.LogPanel(sys.MsgPanelRecordFailed, guildID, err)
		return PanelRecord{}, false
	}
	if !ok {
		return PanelRecord{}, false
	}
	p.mu.Lock()
	p.records[guildID] = rec
	p.mu.Unlock()
	return rec, true
}

func (p *Panels) store(ctx context.Context, guildID snowflake.ID, rec PanelRecord) {
	p.mu.Lock()
	p.records[guildID] = rec
	p.mu.Unlock()
	if err := p.persist.SavePanel(ctx, guildID, rec); err != nil {
		sys.LogPanel(sys.MsgPanelRecordFailed, guildID, err)
	}
}
