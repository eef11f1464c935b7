package home

import (
	"fmt"
	"strings"
	"time"

	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
	"github.com/leeineian/tempo/sys"
	"github.com/sho0pi/naturaltime"
)

var sleepParser *naturaltime.Parser

func init() {
	var err error
	sleepParser, err = naturaltime.New()
	if err != nil {
		sys.LogFatal("Failed to initialize time parser: %v", err)
	}
}

func handleMusicSleep(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	when := strings.TrimSpace(data.String("when"))
	guildID, userID := *event.GuildID(), event.User().ID

	if strings.EqualFold(when, "off") || strings.EqualFold(when, "cancel") {
		if err := musicEngine.SleepAt(guildID, userID, time.Time{}); err != nil {
			musicReply(event, musicErrorText(err, ""))
			return
		}
		musicReply(event, sys.MsgMusicReplySleepOff)
		return
	}

	now := time.Now()
	at, err := sleepParser.ParseDate(when, now)
	if err != nil || at == nil {
		musicReply(event, sys.ErrMusicSleepParse)
		return
	}
	if !at.After(now) {
		musicReply(event, sys.ErrMusicSleepPast)
		return
	}

	if err := musicEngine.SleepAt(guildID, userID, *at); err != nil {
		musicReply(event, musicErrorText(err, ""))
		return
	}
	musicReply(event, fmt.Sprintf(sys.MsgMusicReplySleep, fmt.Sprintf("<t:%d:R>", at.Unix())))
}
