package home

import (
	"github.com/disgoorg/disgo/events"
	"github.com/leeineian/tempo/sys"
)

func handleMusicSkip(event *events.ApplicationCommandInteractionCreate) {
	if err := musicEngine.Skip(sys.AppContext, *event.GuildID(), event.User().ID); err != nil {
		musicReply(event, musicErrorText(err, ""))
		return
	}
	musicReply(event, sys.MsgMusicReplySkipped)
}

func handleMusicStop(event *events.ApplicationCommandInteractionCreate) {
	if err := musicEngine.Stop(sys.AppContext, *event.GuildID(), event.User().ID); err != nil {
		musicReply(event, musicErrorText(err, ""))
		return
	}
	musicReply(event, sys.MsgMusicReplyStopped)
}

func handleMusicPause(event *events.ApplicationCommandInteractionCreate) {
	if err := musicEngine.Pause(*event.GuildID(), event.User().ID); err != nil {
		musicReply(event, musicErrorText(err, ""))
		return
	}
	musicReply(event, sys.MsgMusicReplyPaused)
}

// handleMusicResume may have to join voice to restart a restored queue, so it
// defers first.
func handleMusicResume(event *events.ApplicationCommandInteractionCreate) {
	_ = event.DeferCreateMessage(true)
	req := musicRequest(event.Client(), *event.GuildID(), event.User().ID)
	if err := musicEngine.Resume(sys.AppContext, req); err != nil {
		musicFollowUp(event, musicErrorText(err, ""))
		return
	}
	musicFollowUp(event, sys.MsgMusicReplyResumed)
}
