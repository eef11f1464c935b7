package home

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
	"github.com/disgoorg/disgo/rest"
	"github.com/disgoorg/snowflake/v2"
	"github.com/leeineian/tempo/proc"
	"github.com/leeineian/tempo/sys"
)

const (
	searchResultTTL   = 5 * time.Minute
	searchResultLimit = 10
)

func init() {
	sys.RegisterComponentHandler("music:search", handlePanelSearch)
	sys.RegisterComponentHandler("music:skip", handlePanelSkip)
	sys.RegisterComponentHandler("music:pause", handlePanelPause)
	sys.RegisterComponentHandler("music:stop", handlePanelStop)
	sys.RegisterComponentHandler("music:queue", handlePanelQueue)
	sys.RegisterComponentHandler("music:select", handleSearchSelect)
	sys.RegisterModalHandler("music:search_modal", handleSearchModal)
}

func handleMusicPanel(event *events.ApplicationCommandInteractionCreate) {
	if musicPanels == nil {
		musicReply(event, fmt.Sprintf(sys.ErrMusicGeneric, "the player is still starting"))
		return
	}
	if _, err := musicPanels.Place(sys.AppContext, *event.GuildID(), event.Channel().ID()); err != nil {
		musicReply(event, fmt.Sprintf(sys.ErrMusicGeneric, err))
		return
	}
	musicReply(event, sys.MsgMusicReplyPanel)
}

// --- Messenger ---

// discordMessenger renders panel views as Components V2 messages.
type discordMessenger struct {
	client *bot.Client
}

func (m *discordMessenger) CreatePanel(ctx context.Context, channelID snowflake.ID, view proc.PanelView) (snowflake.ID, error) {
	msg, err := m.client.Rest.CreateMessage(channelID, discord.NewMessageCreate().
		WithIsComponentsV2(true).
		AddComponents(panelContainer(view)).
		WithAllowedMentions(&discord.AllowedMentions{}), rest.WithCtx(ctx))
	if err != nil {
		return 0, err
	}
	return msg.ID, nil
}

func (m *discordMessenger) EditPanel(ctx context.Context, channelID, messageID snowflake.ID, view proc.PanelView) error {
	_, err := m.client.Rest.UpdateMessage(channelID, messageID, discord.NewMessageUpdate().
		WithIsComponentsV2(true).
		WithComponents(panelContainer(view)), rest.WithCtx(ctx))
	if isNotFound(err) {
		return fmt.Errorf("%w: %w", proc.ErrMessageNotFound, err)
	}
	return err
}

func isNotFound(err error) bool {
	var restErr *rest.Error
	return errors.As(err, &restErr) && restErr.Response != nil && restErr.Response.StatusCode == http.StatusNotFound
}

func panelContainer(view proc.PanelView) discord.ContainerComponent {
	idle := view.State == proc.StateIdle

	pauseLabel := "⏸️ Pause"
	if view.Held {
		pauseLabel = "▶️ Resume"
	}
	skip := discord.NewSecondaryButton("⏭️ Skip", "music:skip")
	pause := discord.NewSecondaryButton(pauseLabel, "music:pause")
	stop := discord.NewDangerButton("⏹️ Stop", "music:stop")
	if idle {
		skip, pause = skip.AsDisabled(), pause.AsDisabled()
	}
	if idle && view.OwnerID == 0 {
		stop = stop.AsDisabled()
	}

	return discord.NewContainer(
		discord.NewTextDisplay(panelText(view)),
		discord.NewActionRow(
			discord.NewPrimaryButton("🔎 Search", "music:search"),
			pause,
			skip,
			stop,
			discord.NewSecondaryButton("📜 Queue", "music:queue"),
		),
	)
}

func panelText(view proc.PanelView) string {
	var sb strings.Builder
	sb.WriteString(sys.MsgMusicPanelHeader + "\n")

	switch {
	case view.Now != nil:
		e := view.Now.Entry
		line := sys.MsgMusicPanelPlaying
		if view.Paused {
			line = sys.MsgMusicPanelPaused
		}
		fmt.Fprintf(&sb, line+"\n", trackLink(e), proc.FormatDuration(e.Duration()), e.RequesterID)
	case view.Pending != nil:
		fmt.Fprintf(&sb, sys.MsgMusicPanelLoading+"\n", proc.TruncateCenter(view.Pending.Title, 80))
	default:
		sb.WriteString(sys.MsgMusicPanelIdle + "\n")
	}

	if len(view.Upcoming) > 0 {
		sb.WriteString("\n" + sys.MsgMusicPanelUpNext + "\n")
		for i, e := range view.Upcoming {
			fmt.Fprintf(&sb, sys.MsgMusicQueueLine+"\n", i+1, proc.TruncateCenter(e.Title, 60), proc.FormatDuration(e.Duration()), e.RequesterID)
		}
		if view.More > 0 {
			fmt.Fprintf(&sb, sys.MsgMusicQueueMore+"\n", view.More)
		}
	}

	if view.OwnerID != 0 {
		fmt.Fprintf(&sb, "\n"+sys.MsgMusicPanelOwner, view.OwnerID)
	}
	return sb.String()
}

// --- Buttons ---

func componentReply(event *events.ComponentInteractionCreate, content string) {
	if err := event.CreateMessage(musicMessage(content)); err != nil {
		sys.LogDebug("Failed to reply to panel button: %v", err)
	}
}

func panelReady(event *events.ComponentInteractionCreate) bool {
	if event.GuildID() == nil {
		componentReply(event, sys.ErrMusicGuildOnly)
		return false
	}
	if musicEngine == nil {
		componentReply(event, fmt.Sprintf(sys.ErrMusicGeneric, "the player is still starting"))
		return false
	}
	return true
}

func handlePanelSkip(event *events.ComponentInteractionCreate) {
	if !panelReady(event) {
		return
	}
	if err := musicEngine.Skip(sys.AppContext, *event.GuildID(), event.User().ID); err != nil {
		componentReply(event, musicErrorText(err, ""))
		return
	}
	componentReply(event, sys.MsgMusicReplySkipped)
}

func handlePanelStop(event *events.ComponentInteractionCreate) {
	if !panelReady(event) {
		return
	}
	if err := musicEngine.Stop(sys.AppContext, *event.GuildID(), event.User().ID); err != nil {
		componentReply(event, musicErrorText(err, ""))
		return
	}
	componentReply(event, sys.MsgMusicReplyStopped)
}

// handlePanelPause toggles between pause and resume.
func handlePanelPause(event *events.ComponentInteractionCreate) {
	if !panelReady(event) {
		return
	}
	guildID, userID := *event.GuildID(), event.User().ID
	snap := musicEngine.Snapshot(guildID)

	if toggleResumes(snap) {
		if err := musicEngine.Resume(sys.AppContext, musicRequest(event.Client(), guildID, userID)); err != nil {
			componentReply(event, musicErrorText(err, ""))
			return
		}
		componentReply(event, sys.MsgMusicReplyResumed)
		return
	}
	if err := musicEngine.Pause(guildID, userID); err != nil {
		componentReply(event, musicErrorText(err, ""))
		return
	}
	componentReply(event, sys.MsgMusicReplyPaused)
}

// toggleResumes reports whether the pause button should resume. A bot-side
// pause alone is not undone here; pressing the button pins it as the owner's.
func toggleResumes(snap proc.Snapshot) bool {
	return snap.UserPaused
}

func handlePanelQueue(event *events.ComponentInteractionCreate) {
	if !panelReady(event) {
		return
	}
	componentReply(event, renderQueue(musicEngine.Snapshot(*event.GuildID()), queueDisplayLimit))
}

// --- Search ---

type searchResults struct {
	query      string
	candidates []proc.Candidate
	expires    time.Time
}

// searchCache holds each user's latest search so the select menu can refer
// to results by index.
var searchCache = struct {
	sync.Mutex
	byUser map[snowflake.ID]searchResults
}{byUser: make(map[snowflake.ID]searchResults)}

func rememberSearch(userID snowflake.ID, query string, cands []proc.Candidate) {
	now := time.Now()
	searchCache.Lock()
	defer searchCache.Unlock()
	for id, r := range searchCache.byUser {
		if now.After(r.expires) {
			delete(searchCache.byUser, id)
		}
	}
	searchCache.byUser[userID] = searchResults{query: query, candidates: cands, expires: now.Add(searchResultTTL)}
}

func recallSearch(userID snowflake.ID) (searchResults, bool) {
	searchCache.Lock()
	defer searchCache.Unlock()
	r, ok := searchCache.byUser[userID]
	if !ok || time.Now().After(r.expires) {
		delete(searchCache.byUser, userID)
		return searchResults{}, false
	}
	return r, true
}

func handlePanelSearch(event *events.ComponentInteractionCreate) {
	err := event.Modal(discord.ModalCreate{
		CustomID: "music:search_modal",
		Title:    sys.MsgMusicSearchTitle,
		Components: []discord.LayoutComponent{
			discord.NewLabel(sys.MsgMusicSearchLabel, discord.NewShortTextInput("query").WithRequired(true)),
		},
	})
	if err != nil {
		sys.LogDebug("Failed to open search modal: %v", err)
	}
}

// searchProviders lists tracks from YouTube Music, falling back to YouTube.
func searchProviders(ctx context.Context, query string) ([]proc.Candidate, error) {
	attempt := func(p proc.SearchProvider) proc.Attempt[[]proc.Candidate] {
		return func(ctx context.Context) ([]proc.Candidate, error) {
			cands, err := p.Search(ctx, query)
			if err != nil {
				return nil, err
			}
			if cands = proc.Eligible(cands); len(cands) == 0 {
				return nil, fmt.Errorf("%s: no eligible results", p.Name())
			}
			return cands, nil
		}
	}
	ctx, cancel := context.WithTimeout(ctx, sys.GlobalConfig.ResolveTimeout)
	defer cancel()
	return proc.FirstSuccess(ctx,
		attempt(proc.YTMusicProvider{Limit: searchResultLimit}),
		attempt(proc.YTDLPSearch{Extractor: "ytsearch", Limit: searchResultLimit}),
	)
}

func handleSearchModal(event *events.ModalSubmitInteractionCreate) {
	query := strings.TrimSpace(event.Data.Text("query"))
	_ = event.DeferCreateMessage(true)

	update := func(content string, components ...discord.LayoutComponent) {
		b := discord.NewMessageUpdate().
			WithIsComponentsV2(true).
			AddComponents(discord.NewContainer(discord.NewTextDisplay(content)))
		if len(components) > 0 {
			b = b.AddComponents(components...)
		}
		if _, err := event.Client().Rest.UpdateInteractionResponse(event.ApplicationID(), event.Token(), b); err != nil {
			sys.LogDebug("Failed to update search reply: %v", err)
		}
	}

	cands, err := searchProviders(sys.AppContext, query)
	if query == "" || err != nil {
		update(fmt.Sprintf(sys.ErrMusicNoResults, query))
		return
	}
	cands = cands[:min(len(cands), searchResultLimit)]
	rememberSearch(event.User().ID, query, cands)

	options := make([]discord.StringSelectMenuOption, 0, len(cands))
	for i, c := range cands {
		desc := proc.FormatDuration(c.Duration)
		if c.Uploader != "" {
			desc = proc.TruncateCenter(c.Uploader, 80) + " · " + desc
		}
		options = append(options, discord.NewStringSelectMenuOption(proc.TruncateCenter(c.Title, 100), strconv.Itoa(i)).
			WithDescription(desc))
	}
	update(fmt.Sprintf(sys.MsgMusicSearchResults, query),
		discord.NewActionRow(discord.NewStringSelectMenu("music:select", sys.MsgMusicSearchPick, options...)))
}

func handleSearchSelect(event *events.ComponentInteractionCreate) {
	reply := func(content string) {
		_ = event.UpdateMessage(discord.NewMessageUpdate().
			WithIsComponentsV2(true).
			WithComponents(discord.NewContainer(discord.NewTextDisplay(content))))
	}
	if event.GuildID() == nil || musicEngine == nil {
		reply(sys.ErrMusicGuildOnly)
		return
	}

	data := event.StringSelectMenuInteractionData()
	if len(data.Values) == 0 {
		return
	}
	results, ok := recallSearch(event.User().ID)
	idx, err := strconv.Atoi(data.Values[0])
	if !ok || err != nil || idx < 0 || idx >= len(results.candidates) {
		reply(sys.ErrMusicSearchExpired)
		return
	}

	req := musicRequest(event.Client(), *event.GuildID(), event.User().ID)
	if req.ChannelID == 0 {
		reply(sys.ErrMusicNotInVoice)
		return
	}
	_ = event.DeferUpdateMessage()

	entry := entryFromCandidate(results.candidates[idx], req)
	res, err := musicEngine.Enqueue(sys.AppContext, req, entry)
	content := fmt.Sprintf(sys.MsgMusicReplyQueued, entry.Title)
	switch {
	case err != nil:
		content = musicErrorText(err, results.query)
	case res.Started:
		content = fmt.Sprintf(sys.MsgMusicReplyStarting, entry.Title)
	}
	if err == nil {
		rememberPlayReply(*event.GuildID(), event.ApplicationID(), event.Token())
	}
	_, _ = event.Client().Rest.UpdateInteractionResponse(event.ApplicationID(), event.Token(), discord.NewMessageUpdate().
		WithIsComponentsV2(true).
		WithComponents(discord.NewContainer(discord.NewTextDisplay(content))))
}
