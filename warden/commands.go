package warden

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	// DiscordSlashCommandAsk is the name of the question command
	DiscordSlashCommandAsk = "ask"

	// DiscordSlashCommandPost is the name of the cross-posting command
	DiscordSlashCommandPost = "post"

	// DiscordSlashCommandSimJoin simulates a member join, for
	// verifying the welcome flow without an actual new member
	DiscordSlashCommandSimJoin = "simjoin"
)

// handleInteraction dispatches an application command interaction. The
// interaction is acknowledged with a deferred response immediately,
// then the final content is set by editing that response.
func (w *Warden) handleInteraction(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	data := i.ApplicationCommandData()
	user := getDiscordUser(i)
	logger := w.logger.With(
		"command", data.Name,
		"interaction_id", i.ID,
	)
	ctx = WithLogger(ctx, logger)

	if _, err := w.writeDB.Create(
		ctx, newInteractionLog(i, user, data.Name),
	); err != nil {
		logger.ErrorContext(ctx, "error logging interaction", tint.Err(err))
	}

	var flags discordgo.MessageFlags
	if data.Name != DiscordSlashCommandSimJoin {
		flags = discordgo.MessageFlagsEphemeral
	}
	if err := w.discord.session.InteractionRespond(
		i.Interaction, w.discord.ackResponse(flags),
	); err != nil {
		logger.ErrorContext(ctx, "error acknowledging interaction", tint.Err(err))
		return
	}

	var content string
	switch data.Name {
	case DiscordSlashCommandAsk:
		content = w.commandAsk(ctx, i)
	case DiscordSlashCommandPost:
		content = w.commandPost(ctx, i, user)
	case DiscordSlashCommandSimJoin:
		content = w.commandSimJoin(ctx, i)
	default:
		logger.WarnContext(ctx, "unknown command")
		content = "I don't know that command."
	}

	if _, err := w.discord.session.InteractionResponseEdit(
		i.Interaction, &discordgo.WebhookEdit{Content: &content},
	); err != nil {
		logger.ErrorContext(ctx, "error editing response", tint.Err(err))
	}
}

// commandAsk answers a question through the responder.
func (w *Warden) commandAsk(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) string {
	logger, ok := ContextLogger(ctx)
	if !ok {
		logger = w.logger
	}
	opts := discordInteractionOptions(i)
	question, ok := opts[askCommandQuestionOption]
	if !ok || question.StringValue() == "" {
		return "You need to ask a question."
	}
	answer, err := w.responder.Answer(ctx, question.StringValue())
	if err != nil {
		logger.ErrorContext(ctx, "error answering question", tint.Err(err))
		return "Sorry, something went wrong trying to answer that."
	}
	return answer
}

// commandPost forwards a message to the social publishing service.
func (w *Warden) commandPost(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	user *discordgo.User,
) string {
	if !w.config.Social.Enabled {
		return "Cross-posting isn't enabled."
	}
	opts := discordInteractionOptions(i)
	message, ok := opts[postCommandMessageOption]
	if !ok || message.StringValue() == "" {
		return "You need to include a message to post."
	}
	userID := ""
	if user != nil {
		userID = user.ID
	}
	post, err := w.social.Publish(ctx, userID, message.StringValue())
	if err != nil {
		return "Posting failed, try again later."
	}
	if post.RemoteID != "" {
		return fmt.Sprintf("Posted! (id: %s)", post.RemoteID)
	}
	return "Posted!"
}

// commandSimJoin runs the welcome flow for the invoking member as if
// they had just joined.
func (w *Warden) commandSimJoin(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) string {
	if !w.config.Welcome.Enabled {
		return "Welcome messages aren't enabled."
	}
	if i.Member == nil {
		return "This command only works in a server."
	}
	w.welcomer.handleMemberAdd(ctx, i.Member, w.guildName(i.GuildID))
	return "Simulated a member join."
}
