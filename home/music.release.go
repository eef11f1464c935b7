package home

import (
	"errors"
	"fmt"
	"slices"

	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
	"github.com/disgoorg/omit"
	"github.com/disgoorg/snowflake/v2"
	"github.com/leeineian/tempo/proc"
	"github.com/leeineian/tempo/sys"
)

func init() {
	managePerm := discord.PermissionManageGuild

	sys.RegisterCommand(discord.SlashCommandCreate{
		Name:                     "musicadmin",
		Description:              "Music moderation (Manage Server)",
		DefaultMemberPermissions: omit.New(&managePerm),
		Contexts: []discord.InteractionContextType{
			discord.InteractionContextTypeGuild,
		},
		Options: []discord.ApplicationCommandOption{
			discord.ApplicationCommandOptionSubCommand{
				Name:        "stats",
				Description: "Show player and process statistics",
			},
		},
	}, handleMusicAdmin)
}

func handleMusicAdmin(event *events.ApplicationCommandInteractionCreate) {
	data := event.SlashCommandInteractionData()
	if data.SubCommandName == nil || *data.SubCommandName != "stats" {
		return
	}
	if event.GuildID() == nil || musicEngine == nil {
		musicReply(event, sys.ErrMusicGuildOnly)
		return
	}
	handleMusicStats(event)
}

// mayModerate reports whether a member can act on someone else's session:
// server managers always, and holders of the DJ role when one is configured.
func mayModerate(member *discord.ResolvedMember, djRoleID snowflake.ID) bool {
	if member == nil {
		return false
	}
	if member.Permissions.Has(discord.PermissionManageGuild) {
		return true
	}
	return djRoleID != 0 && slices.Contains(member.RoleIDs, djRoleID)
}

func djRole() snowflake.ID {
	if sys.GlobalConfig == nil {
		return 0
	}
	return sys.GlobalConfig.DJRoleID
}

// handleMusicRelease force-stops another member's session.
func handleMusicRelease(event *events.ApplicationCommandInteractionCreate) {
	if !mayModerate(event.Member(), djRole()) {
		musicReply(event, sys.ErrMusicNotDJ)
		return
	}

	owner, err := musicEngine.ForceRelease(sys.AppContext, *event.GuildID())
	switch {
	case errors.Is(err, proc.ErrNoSession):
		musicReply(event, sys.ErrMusicNoSession)
	case err != nil:
		musicReply(event, musicErrorText(err, ""))
	default:
		musicReply(event, fmt.Sprintf(sys.MsgMusicReplyReleased, owner))
	}
}

// handleMusicTransfer hands the session to another member. The owner may
// give it away; moderators may reassign it.
func handleMusicTransfer(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	guildID := *event.GuildID()
	target, ok := data.OptUser("user")
	if !ok || target.Bot {
		musicReply(event, sys.ErrMusicTransferBot)
		return
	}

	snap := musicEngine.Snapshot(guildID)
	if !snap.HasSession {
		musicReply(event, sys.ErrMusicNoSession)
		return
	}
	if snap.OwnerID != event.User().ID && !mayModerate(event.Member(), djRole()) {
		musicReply(event, sys.ErrMusicNotDJ)
		return
	}

	prev, err := musicEngine.Transfer(guildID, target.ID)
	if err != nil {
		musicReply(event, musicErrorText(err, ""))
		return
	}
	musicReply(event, fmt.Sprintf(sys.MsgMusicReplyTransferred, target.ID, prev))
}
