package home

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
	"github.com/disgoorg/snowflake/v2"
	"github.com/leeineian/tempo/proc"
	"github.com/leeineian/tempo/sys"
)

var (
	musicOnce     sync.Once
	musicEngine   *proc.Engine
	musicPanels   *proc.Panels
	musicReaper   *proc.Reaper
	musicPresence *proc.Presence
)

func init() {
	sys.RegisterCommand(discord.SlashCommandCreate{
		Name:        "music",
		Description: "Music player",
		Contexts: []discord.InteractionContextType{
			discord.InteractionContextTypeGuild,
		},
		Options: []discord.ApplicationCommandOption{
			discord.ApplicationCommandOptionSubCommand{
				Name:        "play",
				Description: "Queue a song, URL or playlist",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionString{
						Name:         "query",
						Description:  "Song name or URL",
						Required:     true,
						Autocomplete: true,
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "skip",
				Description: "Skip the current track",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "stop",
				Description: "Stop playback and clear the queue",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "pause",
				Description: "Pause the current track",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "resume",
				Description: "Resume playback",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "queue",
				Description: "Show what's playing and what's next",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "panel",
				Description: "Post the music control panel in this channel",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "transfer",
				Description: "Hand control of the music to another member",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionUser{
						Name:        "user",
						Description: "Who should control the music",
						Required:    true,
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "release",
				Description: "Stop someone else's session (DJ role or Manage Server)",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "sleep",
				Description: "Stop playback at a given time",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionString{
						Name:        "when",
						Description: "e.g. 'in 30 minutes', 'at 11pm', or 'off'",
						Required:    true,
					},
				},
			},
		},
	}, func(event *events.ApplicationCommandInteractionCreate) {
		data := event.SlashCommandInteractionData()
		if data.SubCommandName == nil {
			return
		}
		if event.GuildID() == nil {
			musicReply(event, sys.ErrMusicGuildOnly)
			return
		}
		if musicEngine == nil {
			musicReply(event, fmt.Sprintf(sys.ErrMusicGeneric, "the player is still starting"))
			return
		}

		switch *data.SubCommandName {
		case "play":
			handleMusicPlay(event, data)
		case "skip":
			handleMusicSkip(event)
		case "stop":
			handleMusicStop(event)
		case "pause":
			handleMusicPause(event)
		case "resume":
			handleMusicResume(event)
		case "queue":
			handleMusicQueue(event)
		case "panel":
			handleMusicPanel(event)
		case "sleep":
			handleMusicSleep(event, data)
		case "transfer":
			handleMusicTransfer(event, data)
		case "release":
			handleMusicRelease(event)
		}
	})

	sys.RegisterAutocompleteHandler("music", handleMusicAutocomplete)
	sys.RegisterVoiceStateUpdateHandler(handleMusicVoiceState)
	sys.OnClientReady(setupMusic)

	sys.RegisterDaemon(sys.LogReaper, func(ctx context.Context) (bool, func(), func()) {
		if musicReaper == nil {
			return false, nil, nil
		}
		return true, func() { musicReaper.Run(ctx) }, func() {
			musicEngine.Shutdown(context.Background())
		}
	})

	sys.RegisterDaemon(sys.LogMusic, func(ctx context.Context) (bool, func(), func()) {
		if musicPresence == nil {
			return false, nil, nil
		}
		return true, func() { musicPresence.Run(ctx) }, nil
	})
}

// setupMusic wires the player into the client on the first Ready event.
func setupMusic(ctx context.Context, client *bot.Client) {
	musicOnce.Do(func() {
		cfg := sys.GlobalConfig
		search := proc.YTDLPSearch{Extractor: "ytsearch", Limit: proc.DefaultSearchLimit}
		resolver := proc.NewResolver(proc.YTDLPMedia{}, proc.YTDLPMedia{}, cfg.ResolveTimeout,
			proc.YTMusicProvider{Limit: proc.DefaultSearchLimit},
			search,
			proc.WithSuffix(search, " audio"),
		)

		persist := proc.NewPersistence(sys.NewStore(sys.DB))
		dv := proc.NewDiscordVoice(ctx, client)
		engine := proc.NewEngine(ctx, resolver, dv, persist, proc.EngineConfig{
			ParkingChannelID: cfg.ParkingChannelID,
			IdleDisconnect:   cfg.IdleDisconnect,
		})
		panels := proc.NewPanels(ctx, engine, &discordMessenger{client: client}, persist, cfg.PanelQueueLimit).
			PostIn(func(guildID snowflake.ID) snowflake.ID {
				return panelHome(client, cfg.PanelChannelID, guildID)
			})

		engine.OnChange(panels.Notify)
		engine.OnExhausted(func(guildID snowflake.ID, last proc.QueueEntry, err error) {
			reportExhausted(client, guildID, last, err)
		})
		engine.OnTrackStart(dv.ShowNowPlaying)
		if cfg.AnnounceChannelID != 0 {
			engine.OnTrackStart(func(guildID snowflake.ID, np proc.NowPlaying) {
				announceTrack(client, cfg.AnnounceChannelID, guildID, np)
			})
		}

		musicEngine, musicPanels = engine, panels
		musicReaper = proc.NewReaper(engine, cfg.ReapInterval, cfg.StaleAfter)
		musicPresence = proc.NewPresence(engine, client)

		if _, err := engine.Rehydrate(ctx); err != nil {
			sys.LogMusic(sys.MsgMusicRehydrateFail, "*", err)
		}
	})
}

// panelHome returns channelID when it is a channel of guildID.
func panelHome(client *bot.Client, channelID, guildID snowflake.ID) snowflake.ID {
	if channelID == 0 {
		return 0
	}
	if ch, ok := client.Caches.Channel(channelID); !ok || ch.GuildID() != guildID {
		return 0
	}
	return channelID
}

func announceTrack(client *bot.Client, channelID, guildID snowflake.ID, np proc.NowPlaying) {
	if ch, ok := client.Caches.Channel(channelID); ok && ch.GuildID() != guildID {
		return
	}
	content := fmt.Sprintf(sys.MsgMusicAnnounce, np.Entry.Title, proc.FormatDuration(np.Entry.Duration()), np.Entry.RequesterID)
	_, err := client.Rest.CreateMessage(channelID, discord.NewMessageCreate().
		WithContent(content).
		WithAllowedMentions(&discord.AllowedMentions{}))
	if err != nil {
		sys.LogMusic(sys.MsgMusicAnnounceFail, guildID, err)
	}
}

// --- Voice state ---

func handleMusicVoiceState(event *events.GuildVoiceStateUpdate) {
	if musicEngine == nil {
		return
	}
	client := event.Client()
	guildID := event.VoiceState.GuildID
	snap := musicEngine.Snapshot(guildID)

	if event.VoiceState.UserID == client.ID() {
		if event.VoiceState.ChannelID != nil || !snap.Connected {
			return
		}
		// A move closes and reopens the connection; only a lasting absence counts.
		if vs, ok := client.Caches.VoiceState(guildID, client.ID()); ok && vs.ChannelID != nil {
			return
		}
		sys.LogMusic(sys.MsgMusicBotDisconnected, guildID)
		_ = musicEngine.Teardown(sys.AppContext, guildID, proc.ReasonDisconnected)
		return
	}

	if snap.State != proc.StatePlaying || snap.ChannelID == 0 {
		return
	}
	if countListeners(client, guildID, snap.ChannelID) == 0 {
		musicEngine.SetAutoPaused(guildID, true, "no listeners")
	} else {
		musicEngine.SetAutoPaused(guildID, false, "listener joined")
	}
}

// countListeners counts the humans other than the bot in channelID.
func countListeners(client *bot.Client, guildID, channelID snowflake.ID) int {
	n := 0
	for state := range client.Caches.VoiceStates(guildID) {
		if state.ChannelID == nil || *state.ChannelID != channelID || state.UserID == client.ID() {
			continue
		}
		if m, ok := client.Caches.Member(guildID, state.UserID); ok && m.User.Bot {
			continue
		}
		n++
	}
	return n
}

// --- Shared helpers ---

// voiceChannelOf returns the member's current voice channel, or zero.
func voiceChannelOf(client *bot.Client, guildID, userID snowflake.ID) snowflake.ID {
	vs, ok := client.Caches.VoiceState(guildID, userID)
	if !ok || vs.ChannelID == nil {
		return 0
	}
	return *vs.ChannelID
}

func musicRequest(client *bot.Client, guildID, userID snowflake.ID) proc.Request {
	return proc.Request{GuildID: guildID, UserID: userID, ChannelID: voiceChannelOf(client, guildID, userID)}
}

// musicErrorText turns an engine error into a user-facing reply.
func musicErrorText(err error, query string) string {
	var owned *proc.OwnershipError
	switch {
	case errors.As(err, &owned):
		return fmt.Sprintf(sys.ErrMusicOwnership, owned.OwnerID)
	case errors.Is(err, proc.ErrNotInVoice):
		return sys.ErrMusicNotInVoice
	case errors.Is(err, proc.ErrResolutionFailure):
		return fmt.Sprintf(sys.ErrMusicNoResults, query)
	case errors.Is(err, proc.ErrConnectionFailure):
		return sys.ErrMusicConnect
	case errors.Is(err, proc.ErrNothingPlaying):
		return sys.ErrMusicNothingPlaying
	case errors.Is(err, proc.ErrNoSession):
		return sys.ErrMusicNoSession
	default:
		return fmt.Sprintf(sys.ErrMusicGeneric, err)
	}
}

func musicMessage(content string) discord.MessageCreate {
	return discord.NewMessageCreate().
		WithIsComponentsV2(true).
		AddComponents(
			discord.NewContainer(
				discord.NewTextDisplay(content),
			),
		).
		WithEphemeral(true)
}

func musicReply(event *events.ApplicationCommandInteractionCreate, content string) {
	if err := event.CreateMessage(musicMessage(content)); err != nil {
		sys.LogDebug("Failed to reply to /music: %v", err)
	}
}

// musicFollowUp fills in a deferred reply.
func musicFollowUp(event *events.ApplicationCommandInteractionCreate, content string) {
	_, err := event.Client().Rest.UpdateInteractionResponse(event.ApplicationID(), event.Token(), discord.NewMessageUpdate().
		WithIsComponentsV2(true).
		AddComponents(
			discord.NewContainer(
				discord.NewTextDisplay(content),
			),
		))
	if err != nil {
		sys.LogDebug("Failed to update /music reply: %v", err)
	}
}
