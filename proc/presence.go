package proc

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/gateway"
	"github.com/leeineian/tempo/sys"
)

const idlePresence = "/music play"

// Presence mirrors the player in the bot's activity: the track when one guild
// is listening, a guild count when several are.
type Presence struct {
	engine *Engine
	client *bot.Client
	last   string
}

func NewPresence(engine *Engine, client *bot.Client) *Presence {
	return &Presence{engine: engine, client: client}
}

func presenceInterval() time.Duration {
	return time.Duration(15+rand.Intn(46)) * time.Second
}

// Run refreshes the presence at a jittered interval until ctx is cancelled.
func (p *Presence) Run(ctx context.Context) {
	for {
		p.update(ctx)
		select {
		case <-time.After(presenceInterval()):
		case <-ctx.Done():
			return
		}
	}
}

func (p *Presence) update(ctx context.Context) {
	text := presenceText(p.engine.Guilds())
	if text == p.last {
		return
	}
	err := p.client.SetPresence(ctx,
		gateway.WithOnlineStatus(discord.OnlineStatusOnline),
		gateway.WithListeningActivity(text),
	)
	if err != nil {
		sys.LogMusic(sys.MsgMusicPresenceFail, err)
		return
	}
	p.last = text
}

func presenceText(snaps []Snapshot) string {
	var playing []Snapshot
	for _, s := range snaps {
		if s.State == StatePlaying && s.Now != nil && !s.Paused {
			playing = append(playing, s)
		}
	}
	switch len(playing) {
	case 0:
		return idlePresence
	case 1:
		return TruncateCenter(playing[0].Now.Entry.Title, 120)
	default:
		return fmt.Sprintf("music in %d servers", len(playing))
	}
}
