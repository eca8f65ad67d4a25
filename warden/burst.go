package warden

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// channelBurst tracks the rolling message count and slow-mode state
// for a single channel. All transitions for a channel happen under its
// own mutex, so activation and deactivation are serialized per channel.
type channelBurst struct {
	mu       sync.Mutex
	count    int
	slowMode bool
}

// BurstLimiter detects bursts of messages per channel and engages
// platform slow mode while the burst lasts. Each recorded message
// bumps the channel counter and schedules a decrement one window
// later, so the counter approximates "messages in the last window."
type BurstLimiter struct {
	w      *Warden
	config *BurstConfig
	logger *slog.Logger

	mu       sync.Mutex
	channels map[string]*channelBurst

	metricActivations   atomic.Int64
	metricDeactivations atomic.Int64
}

func newBurstLimiter(w *Warden, config *BurstConfig) *BurstLimiter {
	return &BurstLimiter{
		w:        w,
		config:   config,
		logger:   w.logger.With(loggerNameKey, "burst"),
		channels: map[string]*channelBurst{},
	}
}

// BurstStatus is a point-in-time view of one channel's burst state.
type BurstStatus struct {
	ChannelID string `json:"channel_id"`
	Count     int    `json:"count"`
	SlowMode  bool   `json:"slow_mode"`
}

func (b *BurstLimiter) channel(channelID string) *channelBurst {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, ok := b.channels[channelID]
	if !ok {
		state = &channelBurst{}
		b.channels[channelID] = state
	}
	return state
}

// Record counts one message against the channel. Crossing the
// threshold engages slow mode once; the decrement scheduled for one
// window later disengages it once the counter drains back to zero.
func (b *BurstLimiter) Record(ctx context.Context, channelID string) {
	state := b.channel(channelID)

	state.mu.Lock()
	state.count++
	activate := state.count >= b.config.Threshold && !state.slowMode
	if activate {
		state.slowMode = true
	}
	count := state.count
	state.mu.Unlock()

	if activate {
		b.metricActivations.Add(1)
		b.logger.InfoContext(
			ctx,
			"burst detected, enabling slow mode",
			"channel_id", channelID,
			"count", count,
		)
		b.setSlowMode(ctx, channelID, true)
	}

	time.AfterFunc(
		b.config.Window, func() {
			b.decrement(channelID)
		},
	)
}

// decrement runs one window after each recorded message. The counter
// never goes below zero, and slow mode is lifted exactly once when the
// counter drains.
func (b *BurstLimiter) decrement(channelID string) {
	state := b.channel(channelID)

	state.mu.Lock()
	if state.count > 0 {
		state.count--
	}
	deactivate := state.count == 0 && state.slowMode
	if deactivate {
		state.slowMode = false
	}
	state.mu.Unlock()

	if deactivate {
		b.metricDeactivations.Add(1)
		ctx := context.Background()
		b.logger.InfoContext(
			ctx,
			"burst over, disabling slow mode",
			"channel_id", channelID,
		)
		b.setSlowMode(ctx, channelID, false)
	}
}

// setSlowMode applies or clears the channel's per-user message delay
// and posts a transient notice.
func (b *BurstLimiter) setSlowMode(
	ctx context.Context,
	channelID string,
	enabled bool,
) {
	delay := 0
	notice := "Slow mode disabled, carry on."
	if enabled {
		delay = int(b.config.SlowModeDelay.Seconds())
		notice = fmt.Sprintf(
			"Slow mode enabled for %s, things were getting a bit fast in here.",
			b.config.SlowModeDelay,
		)
	}

	if _, err := b.w.discord.session.ChannelEditComplex(
		channelID, &discordgo.ChannelEdit{RateLimitPerUser: intPointer(delay)},
	); err != nil {
		b.logger.ErrorContext(
			ctx,
			"error updating channel slow mode",
			tint.Err(err),
			"channel_id", channelID,
			"enabled", enabled,
		)
		return
	}

	b.sendTransientNotice(ctx, channelID, notice)
}

// sendTransientNotice posts a message and removes it again after
// [BurstConfig.NoticeMaxAge], keeping the channel uncluttered.
func (b *BurstLimiter) sendTransientNotice(
	ctx context.Context,
	channelID string,
	content string,
) {
	msg, err := b.w.discord.session.ChannelMessageSend(channelID, content)
	if err != nil {
		b.logger.ErrorContext(
			ctx,
			"error sending slow mode notice",
			tint.Err(err),
			"channel_id", channelID,
		)
		return
	}
	time.AfterFunc(
		b.config.NoticeMaxAge, func() {
			if delErr := b.w.discord.session.ChannelMessageDelete(
				channelID, msg.ID,
			); delErr != nil && !isNotFound(delErr) {
				b.logger.Error(
					"error deleting slow mode notice",
					tint.Err(delErr),
					"channel_id", channelID,
				)
			}
		},
	)
}

// Status returns a snapshot of every channel the limiter has seen.
func (b *BurstLimiter) Status() []BurstStatus {
	b.mu.Lock()
	defer b.mu.Unlock()

	statuses := make([]BurstStatus, 0, len(b.channels))
	for channelID, state := range b.channels {
		state.mu.Lock()
		statuses = append(
			statuses, BurstStatus{
				ChannelID: channelID,
				Count:     state.count,
				SlowMode:  state.slowMode,
			},
		)
		state.mu.Unlock()
	}
	return statuses
}
