package warden

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// cardRequest is the payload sent to the card-rendering service.
type cardRequest struct {
	Username  string `json:"username"`
	AvatarURL string `json:"avatar_url"`
	GuildName string `json:"guild_name"`
}

// Welcomer greets new members with a rendered welcome card. Card
// images come from an external rendering service; if that fails, the
// greeting is sent as plain text.
type Welcomer struct {
	w      *Warden
	config *WelcomeConfig
	logger *slog.Logger

	metricWelcomes atomic.Int64
}

func newWelcomer(w *Warden, config *WelcomeConfig) *Welcomer {
	return &Welcomer{
		w:      w,
		config: config,
		logger: w.logger.With(loggerNameKey, "welcomer"),
	}
}

// handleMemberAdd greets a newly joined member in the configured
// welcome channel.
func (w *Welcomer) handleMemberAdd(
	ctx context.Context,
	member *discordgo.Member,
	guildName string,
) {
	if !w.config.Enabled || member == nil || member.User == nil {
		return
	}
	logger := w.logger.With(columnUserID, member.User.ID)

	greeting := fmt.Sprintf(
		"Welcome <@%s>, glad to have you here!", member.User.ID,
	)

	card, err := w.renderCard(
		ctx, cardRequest{
			Username:  member.User.Username,
			AvatarURL: member.User.AvatarURL("256"),
			GuildName: guildName,
		},
	)
	if err != nil {
		logger.WarnContext(
			ctx,
			"card rendering failed, greeting without image",
			tint.Err(err),
		)
		if sendErr := w.w.discord.channelMessageSend(
			w.config.ChannelID, greeting,
		); sendErr != nil {
			logger.ErrorContext(ctx, "error sending greeting", tint.Err(sendErr))
		}
		return
	}

	if _, err = w.w.discord.session.ChannelMessageSendComplex(
		w.config.ChannelID, &discordgo.MessageSend{
			Content: greeting,
			Files: []*discordgo.File{
				{
					Name:        "welcome.png",
					ContentType: "image/png",
					Reader:      bytes.NewReader(card),
				},
			},
		},
	); err != nil {
		logger.ErrorContext(ctx, "error sending welcome card", tint.Err(err))
		return
	}
	w.metricWelcomes.Add(1)
}

// renderCard requests a welcome card image from the rendering service.
func (w *Welcomer) renderCard(
	ctx context.Context,
	card cardRequest,
) ([]byte, error) {
	payload, err := json.Marshal(card)
	if err != nil {
		return nil, err
	}

	if w.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.config.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, w.config.CardURL, bytes.NewReader(payload),
	)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.w.httpClient().Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("card service returned status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
