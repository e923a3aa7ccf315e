// Copyright 2024-2026 Aiku AI

package discord

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/discordgo"

	"github.com/aiku/intergalactic-relay/pkg/relay"
)

const (
	cmdPing         = "ping"
	cmdAbout        = "about"
	cmdNetworkBan   = "network-ban"
	cmdNetworkUnban = "network-unban"
)

const aboutText = "Intergalactic Relay links chat channels across servers and platforms over a shared MQTT network. " +
	"Messages written in a linked channel show up in every other linked channel, edits and deletions included."

var banMembersPermission int64 = discordgo.PermissionBanMembers

// commands returns the slash commands registered on ready.
func commands() []*discordgo.ApplicationCommand {
	return []*discordgo.ApplicationCommand{
		{
			Name:        cmdPing,
			Description: "Checks whether the relay is alive.",
		},
		{
			Name:        cmdAbout,
			Description: "Returns information about the relay.",
		},
		{
			Name:                     cmdNetworkBan,
			Description:              "Prevents a user's messages from being sent to the network.",
			DefaultMemberPermissions: &banMembersPermission,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionUser,
					Name:        "user",
					Description: "The user to ban.",
					Required:    true,
				},
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "reason",
					Description: "Why was this user banned?",
					Required:    true,
				},
			},
		},
		{
			Name:                     cmdNetworkUnban,
			Description:              "Removes a network ban from a user.",
			DefaultMemberPermissions: &banMembersPermission,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionUser,
					Name:        "user",
					Description: "The user to unban.",
					Required:    true,
				},
			},
		},
	}
}

func (a *Adapter) registerCommands(ctx context.Context, appID string) error {
	if appID == "" {
		return errors.New("application id is unknown")
	}
	registered, err := a.api.ApplicationCommandBulkOverwrite(appID, "", commands(), discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to overwrite application commands: %w", err)
	}
	a.log.Info().Int("count", len(registered)).Msg("Registered slash commands")
	return nil
}

func (a *Adapter) onInteractionCreate(_ *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Interaction == nil || i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	ctx := context.Background()
	data := i.ApplicationCommandData()
	log := a.log.With().
		Str("command", data.Name).
		Str("guild_id", i.GuildID).
		Str("invoker_id", invokerID(i.Interaction)).
		Logger()

	var content string
	switch data.Name {
	case cmdPing:
		content = "I'm alive!"
	case cmdAbout:
		content = aboutText
	case cmdNetworkBan:
		content = a.networkBan(ctx, i.Interaction, data)
	case cmdNetworkUnban:
		content = a.networkUnban(ctx, i.Interaction, data)
	default:
		log.Debug().Msg("Ignoring unknown command")
		return
	}

	err := a.api.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: content,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	}, discordgo.WithContext(ctx))
	if err != nil {
		log.Error().Err(err).Msg("Failed to respond to command")
		return
	}
	log.Debug().Msg("Handled command")
}

func invokerID(i *discordgo.Interaction) string {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User.ID
	}
	if i.User != nil {
		return i.User.ID
	}
	return ""
}

// optionUser resolves a user option from the interaction payload, asking
// the API only when Discord did not include the user.
func (a *Adapter) optionUser(ctx context.Context, data discordgo.ApplicationCommandInteractionData, name string) *discordgo.User {
	opt := data.GetOption(name)
	if opt == nil || opt.Type != discordgo.ApplicationCommandOptionUser {
		return nil
	}
	userID, ok := opt.Value.(string)
	if !ok || userID == "" {
		return nil
	}
	if data.Resolved != nil {
		if u, ok := data.Resolved.Users[userID]; ok && u != nil {
			return u
		}
	}
	u, err := a.api.User(userID, discordgo.WithContext(ctx))
	if err != nil {
		a.log.Warn().Err(err).Str("user_id", userID).Msg("Failed to fetch user for command")
		return nil
	}
	return u
}

func optionString(data discordgo.ApplicationCommandInteractionData, name string) string {
	opt := data.GetOption(name)
	if opt == nil {
		return ""
	}
	s, _ := opt.Value.(string)
	return s
}

func (a *Adapter) networkBan(ctx context.Context, i *discordgo.Interaction, data discordgo.ApplicationCommandInteractionData) string {
	user := a.optionUser(ctx, data, "user")
	if user == nil {
		return "The user provided does not exist."
	}
	if user.Bot {
		return "You cannot network ban bot users. To achieve the same result, update their permissions instead."
	}
	reason := optionString(data, "reason")

	_, err := a.bans.Ban(user.ID, reason, invokerID(i), i.GuildID)
	if errors.Is(err, relay.ErrAlreadyBanned) {
		return "This user has already been banned. Are you looking for the `/network-unban` command?"
	} else if err != nil {
		a.log.Error().Err(err).Str("user_id", user.ID).Msg("Failed to ban user")
		return "Failed to ban the user."
	}
	a.log.Info().
		Str("user_id", user.ID).
		Str("executor_id", invokerID(i)).
		Str("guild_id", i.GuildID).
		Str("reason", reason).
		Msg("User network banned")

	reply := fmt.Sprintf("Banned <@%s> from the network with the reason: %q", user.ID, reason)
	if a.cfg.NotifyBannedUsers {
		notice := fmt.Sprintf("You have been network banned by a moderator. Your messages are no longer sent to other servers, "+
			"but you can still read and send messages in linked channels.\n\nThe moderators provided a reason for your ban:\n%q", reason)
		reply += "\n\n" + a.notifyResult(ctx, user.ID, notice)
	}
	return reply
}

func (a *Adapter) networkUnban(ctx context.Context, i *discordgo.Interaction, data discordgo.ApplicationCommandInteractionData) string {
	user := a.optionUser(ctx, data, "user")
	if user == nil {
		return "The user provided does not exist."
	}
	if err := a.bans.Unban(user.ID); errors.Is(err, relay.ErrNotBanned) {
		return "This user is not banned. Are you looking for the `/network-ban` command?"
	} else if err != nil {
		a.log.Error().Err(err).Str("user_id", user.ID).Msg("Failed to unban user")
		return "Failed to unban the user."
	}
	a.log.Info().
		Str("user_id", user.ID).
		Str("executor_id", invokerID(i)).
		Msg("User network unbanned")

	reply := fmt.Sprintf("Unbanned <@%s> from the network.", user.ID)
	if a.cfg.NotifyBannedUsers {
		notice := "You have been unbanned from the network by a moderator. Your messages are sent to other servers again."
		reply += "\n\n" + a.notifyResult(ctx, user.ID, notice)
	}
	return reply
}

// notifyResult sends a direct message and describes the outcome for the
// moderator.
func (a *Adapter) notifyResult(ctx context.Context, userID, content string) string {
	if err := a.sendDirectMessage(ctx, userID, content); err != nil {
		a.log.Warn().Err(err).Str("user_id", userID).Msg("Failed to notify user")
		return "The user was unable to be notified by direct message."
	}
	return "The user was successfully notified by direct message."
}

func (a *Adapter) sendDirectMessage(ctx context.Context, userID, content string) error {
	ch, err := a.api.UserChannelCreate(userID, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to open direct message channel: %w", err)
	}
	if _, err = a.api.ChannelMessageSend(ch.ID, content, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("failed to send direct message: %w", err)
	}
	return nil
}
