package home

import (
	"sync"
	"time"

	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/snowflake/v2"
	"github.com/leeineian/tempo/proc"
	"github.com/leeineian/tempo/sys"
)

// Interaction tokens expire after 15 minutes.
const playReplyTTL = 14 * time.Minute

type playReply struct {
	appID   snowflake.ID
	token   string
	expires time.Time
}

// playReplies keeps the latest successful enqueue per guild, so a queue that
// drains through failures can still be reported to whoever asked for it.
var playReplies = struct {
	sync.Mutex
	byGuild map[snowflake.ID]playReply
}{byGuild: make(map[snowflake.ID]playReply)}

func rememberPlayReply(guildID, appID snowflake.ID, token string) {
	playReplies.Lock()
	defer playReplies.Unlock()
	playReplies.byGuild[guildID] = playReply{appID: appID, token: token, expires: time.Now().Add(playReplyTTL)}
}

func takePlayReply(guildID snowflake.ID) (playReply, bool) {
	playReplies.Lock()
	defer playReplies.Unlock()
	r, ok := playReplies.byGuild[guildID]
	delete(playReplies.byGuild, guildID)
	if !ok || time.Now().After(r.expires) {
		return playReply{}, false
	}
	return r, true
}

// reportExhausted tells the last requester that nothing in the queue could be
// played.
func reportExhausted(client *bot.Client, guildID snowflake.ID, last proc.QueueEntry, err error) {
	r, ok := takePlayReply(guildID)
	if !ok {
		return
	}
	query := last.Query
	if query == "" {
		query = last.Title
	}
	if _, ferr := client.Rest.CreateFollowupMessage(r.appID, r.token, musicMessage(musicErrorText(err, query))); ferr != nil {
		sys.LogMusic(sys.MsgMusicExhaustedNotify, guildID, ferr)
	}
}
