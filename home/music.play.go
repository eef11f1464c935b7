package home

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
	"github.com/leeineian/tempo/proc"
	"github.com/leeineian/tempo/sys"
)

const playlistExpandTimeout = 30 * time.Second

func handleMusicPlay(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	query := strings.TrimSpace(data.String("query"))
	guildID := *event.GuildID()
	userID := event.User().ID

	req := musicRequest(event.Client(), guildID, userID)
	if req.ChannelID == 0 {
		musicReply(event, sys.ErrMusicNotInVoice)
		return
	}
	if query == "" {
		musicReply(event, fmt.Sprintf(sys.ErrMusicNoResults, query))
		return
	}

	_ = event.DeferCreateMessage(false)

	entries, err := entriesFor(query, req)
	if err != nil {
		musicFollowUp(event, musicErrorText(err, query))
		return
	}

	res, err := musicEngine.Enqueue(sys.AppContext, req, entries...)
	if err != nil {
		musicFollowUp(event, musicErrorText(err, query))
		return
	}
	rememberPlayReply(guildID, event.ApplicationID(), event.Token())

	switch {
	case len(entries) > 1:
		musicFollowUp(event, fmt.Sprintf(sys.MsgMusicReplyQueuedBatch, len(entries)))
	case res.Started:
		musicFollowUp(event, fmt.Sprintf(sys.MsgMusicReplyStarting, entries[0].Title))
	default:
		musicFollowUp(event, fmt.Sprintf(sys.MsgMusicReplyQueued, entries[0].Title))
	}
}

// entriesFor turns a query into queue entries, expanding playlist URLs.
func entriesFor(query string, req proc.Request) ([]proc.QueueEntry, error) {
	if !proc.IsPlaylistURL(query) {
		return []proc.QueueEntry{proc.NewQueueEntry(query, req.UserID, req.ChannelID)}, nil
	}

	ctx, cancel := context.WithTimeout(sys.AppContext, playlistExpandTimeout)
	defer cancel()
	cands, err := proc.ExpandPlaylist(ctx, query, proc.DefaultPlaylistLimit)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", proc.ErrResolutionFailure, err)
	}

	var entries []proc.QueueEntry
	for _, c := range cands {
		if c.IsLive {
			continue
		}
		entries = append(entries, entryFromCandidate(c, req))
	}
	if len(entries) == 0 {
		return nil, proc.ErrResolutionFailure
	}
	return entries, nil
}

func entryFromCandidate(c proc.Candidate, req proc.Request) proc.QueueEntry {
	e := proc.NewQueueEntry(c.URL, req.UserID, req.ChannelID)
	e.Source = c.Source
	if c.Title != "" {
		e.Title = c.Title
	}
	e.DurationSeconds = int(c.Duration / time.Second)
	return e
}

func handleMusicAutocomplete(event *events.AutocompleteInteractionCreate) {
	focused := event.Data.Focused()
	if focused.Name != "query" {
		return
	}
	query := focused.String()
	if strings.TrimSpace(query) == "" || proc.IsURL(query) {
		_ = event.AutocompleteResult(nil)
		return
	}

	cfg := sys.GlobalConfig
	results := proc.Suggest(sys.AppContext, query, cfg.YoutubePrefix, cfg.YTMusicPrefix, 25)

	choices := make([]discord.AutocompleteChoice, 0, len(results))
	for _, r := range results {
		// Choice values are capped at 100 characters.
		value := r.URL
		if len(value) > 100 {
			value = proc.TruncateCenter(r.Title, 100)
		}
		choices = append(choices, discord.AutocompleteChoiceString{
			Name:  proc.TruncateCenter(r.Title, 100),
			Value: value,
		})
	}
	_ = event.AutocompleteResult(choices)
}
