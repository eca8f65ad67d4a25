package warden

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	openai "github.com/sashabaranov/go-openai"
)

const responderSystemPrompt = "You are a helpful assistant in a Discord " +
	"server. Answer questions clearly and keep replies short enough to " +
	"read in chat."

// Responder answers questions addressed to the bot, either by
// mentioning it in a message or via the ask command. Completions come
// from an OpenAI-compatible endpoint.
type Responder struct {
	w      *Warden
	config *ResponderConfig
	client *openai.Client
	logger *slog.Logger

	metricAnswers atomic.Int64
	metricErrors  atomic.Int64
}

func newResponder(w *Warden, config *ResponderConfig) *Responder {
	clientConfig := openai.DefaultConfig(config.Token)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}
	if w.config.HTTPClient != nil {
		clientConfig.HTTPClient = w.config.HTTPClient
	}
	return &Responder{
		w:      w,
		config: config,
		client: openai.NewClientWithConfig(clientConfig),
		logger: w.logger.With(loggerNameKey, "responder"),
	}
}

// Answer requests a completion for the question and returns the reply
// text, truncated to fit a single Discord message.
func (r *Responder) Answer(ctx context.Context, question string) (string, error) {
	resp, err := r.client.CreateChatCompletion(
		ctx, openai.ChatCompletionRequest{
			Model:       r.config.Model,
			Temperature: r.config.Temperature,
			Messages: []openai.ChatCompletionMessage{
				{
					Role:    openai.ChatMessageRoleSystem,
					Content: responderSystemPrompt,
				},
				{
					Role:    openai.ChatMessageRoleUser,
					Content: question,
				},
			},
		},
	)
	if err != nil {
		r.metricErrors.Add(1)
		return "", fmt.Errorf("completion request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		r.metricErrors.Add(1)
		return "", fmt.Errorf("completion returned no choices")
	}
	r.metricAnswers.Add(1)
	return truncate(resp.Choices[0].Message.Content, discordMaxMessageLength), nil
}

// handleMention answers a message that mentions the bot, replying in
// the originating channel with a typing indicator while the completion
// is in flight.
func (r *Responder) handleMention(
	ctx context.Context,
	msg *discordgo.MessageCreate,
) {
	question := r.stripMention(msg.Content)
	if question == "" {
		return
	}
	logger := r.logger.With(
		"channel_id", msg.ChannelID,
		"message_id", msg.ID,
	)

	session := r.w.discord.session
	if err := session.ChannelTyping(msg.ChannelID); err != nil {
		logger.WarnContext(ctx, "error sending typing indicator", tint.Err(err))
	}

	answer, err := r.Answer(ctx, question)
	if err != nil {
		logger.ErrorContext(ctx, "error answering question", tint.Err(err))
		answer = "Sorry, something went wrong trying to answer that."
	}

	if _, err = session.ChannelMessageSendReply(
		msg.ChannelID, answer, msg.Reference(),
	); err != nil {
		logger.ErrorContext(ctx, "error sending reply", tint.Err(err))
	}
}

// stripMention removes the bot's mention tokens from the message
// content, leaving the question text.
func (r *Responder) stripMention(content string) string {
	botID := r.w.config.Discord.ApplicationID
	content = strings.ReplaceAll(content, fmt.Sprintf("<@%s>", botID), "")
	content = strings.ReplaceAll(content, fmt.Sprintf("<@!%s>", botID), "")
	return strings.TrimSpace(content)
}
