package warden

import (
	"context"
	"net/http"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func commandInteraction(
	command string,
	options map[string]string,
) *discordgo.InteractionCreate {
	data := discordgo.ApplicationCommandInteractionData{
		Name: command,
	}
	for name, value := range options {
		data.Options = append(
			data.Options, &discordgo.ApplicationCommandInteractionDataOption{
				Name:  name,
				Type:  discordgo.ApplicationCommandOptionString,
				Value: value,
			},
		)
	}
	return &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			ID:        "interaction-1",
			Type:      discordgo.InteractionApplicationCommand,
			GuildID:   "test-guild",
			ChannelID: "general",
			Data:      data,
			Member: &discordgo.Member{
				User: &discordgo.User{ID: "user-1", Username: "someone"},
			},
		},
	}
}

func lastInteractionEdit(
	t testing.TB,
	session *mockDiscordSession,
) string {
	t.Helper()
	session.mu.Lock()
	defer session.mu.Unlock()
	require.NotEmpty(t, session.interactionEdits)
	edit := session.interactionEdits[len(session.interactionEdits)-1]
	require.NotNil(t, edit.Content)
	return *edit.Content
}

func TestHandleInteractionAsk(t *testing.T) {
	t.Parallel()
	w, session := newTestWarden(t)
	completionStub(t, w, "an answer", http.StatusOK)

	w.handleInteraction(
		context.Background(),
		commandInteraction(
			DiscordSlashCommandAsk,
			map[string]string{askCommandQuestionOption: "a question"},
		),
	)

	require.Len(t, session.interactionResponses, 1)
	assert.Equal(
		t,
		discordgo.InteractionResponseDeferredChannelMessageWithSource,
		session.interactionResponses[0].Type,
	)
	assert.Equal(t, "an answer", lastInteractionEdit(t, session))

	// interaction logged
	var logged InteractionLog
	require.NoError(t, w.db.Last(&logged).Error)
	assert.Equal(t, DiscordSlashCommandAsk, logged.Command)
	assert.Equal(t, "user-1", logged.UserID)
}

func TestHandleInteractionAskMissingQuestion(t *testing.T) {
	t.Parallel()
	w, session := newTestWarden(t)

	w.handleInteraction(
		context.Background(),
		commandInteraction(DiscordSlashCommandAsk, nil),
	)
	assert.Contains(t, lastInteractionEdit(t, session), "ask a question")
}

func TestHandleInteractionPost(t *testing.T) {
	t.Parallel()
	w, session := newTestWarden(t)
	socialStub(t, w, http.StatusOK)

	w.handleInteraction(
		context.Background(),
		commandInteraction(
			DiscordSlashCommandPost,
			map[string]string{postCommandMessageOption: "big news"},
		),
	)
	assert.Contains(t, lastInteractionEdit(t, session), "remote-99")
}

func TestHandleInteractionPostDisabled(t *testing.T) {
	t.Parallel()
	w, session := newTestWarden(t)

	w.handleInteraction(
		context.Background(),
		commandInteraction(
			DiscordSlashCommandPost,
			map[string]string{postCommandMessageOption: "big news"},
		),
	)
	assert.Contains(t, lastInteractionEdit(t, session), "isn't enabled")
}

func TestHandleInteractionSimJoin(t *testing.T) {
	t.Parallel()
	w, session := newTestWarden(t)
	cardStub(t, w, http.StatusOK)

	w.handleInteraction(
		context.Background(),
		commandInteraction(DiscordSlashCommandSimJoin, nil),
	)

	assert.Contains(t, lastInteractionEdit(t, session), "Simulated")

	// welcome flow ran for the invoking member
	var welcomed bool
	for _, msg := range session.sentMessages() {
		if msg.ChannelID == "welcome-channel" {
			welcomed = true
		}
	}
	assert.True(t, welcomed, "expected a welcome message")
}

func TestHandleInteractionUnknownCommand(t *testing.T) {
	t.Parallel()
	w, session := newTestWarden(t)

	w.handleInteraction(
		context.Background(),
		commandInteraction("bogus", nil),
	)
	assert.Contains(t, lastInteractionEdit(t, session), "don't know")
}

func TestHandleInteractionIgnoresNonCommand(t *testing.T) {
	t.Parallel()
	w, session := newTestWarden(t)

	i := commandInteraction(DiscordSlashCommandAsk, nil)
	i.Type = discordgo.InteractionMessageComponent

	w.handleInteraction(context.Background(), i)
	assert.Empty(t, session.interactionResponses)
	assert.Empty(t, session.interactionEdits)
}
