package home

import (
	"fmt"
	"strings"

	"github.com/disgoorg/disgo/events"
	"github.com/leeineian/tempo/proc"
	"github.com/leeineian/tempo/sys"
)

const queueDisplayLimit = 10

func handleMusicQueue(event *events.ApplicationCommandInteractionCreate) {
	snap := musicEngine.Snapshot(*event.GuildID())
	musicReply(event, renderQueue(snap, queueDisplayLimit))
}

// renderQueue lists the playing track and up to limit queued entries.
func renderQueue(snap proc.Snapshot, limit int) string {
	var sb strings.Builder
	if snap.Now != nil {
		e := snap.Now.Entry
		fmt.Fprintf(&sb, sys.MsgMusicNowPlaying, trackLink(e))
	}

	sb.WriteString(sys.MsgMusicQueueHeader)
	if len(snap.Queue) == 0 {
		sb.WriteString(sys.MsgMusicQueueEmpty)
		return sb.String()
	}

	shown := snap.Queue[:min(limit, len(snap.Queue))]
	for i, e := range shown {
		fmt.Fprintf(&sb, sys.MsgMusicQueueLine+"\n", i+1, proc.TruncateCenter(e.Title, 80), proc.FormatDuration(e.Duration()), e.RequesterID)
	}
	if more := len(snap.Queue) - len(shown); more > 0 {
		fmt.Fprintf(&sb, sys.MsgMusicQueueMore, more)
	}
	return sb.String()
}

// trackLink renders a title as a markdown link when the entry has been resolved.
func trackLink(e proc.QueueEntry) string {
	title := proc.TruncateCenter(e.Title, 80)
	if e.ResolvedURL == "" {
		return title
	}
	return "[" + title + "](" + e.ResolvedURL + ")"
}
