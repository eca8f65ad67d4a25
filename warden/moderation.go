package warden

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

var (
	// ErrInsufficientPrivilege indicates the bot's role position does
	// not exceed the target's, so the action was aborted with no side
	// effects.
	ErrInsufficientPrivilege = errors.New("insufficient privilege to act on target")

	// ErrActionForbidden indicates the platform refused the mutation
	// (missing permission). Reported to the originating channel, never
	// retried.
	ErrActionForbidden = errors.New("platform denied moderation action")

	// ErrNotificationFailed indicates the pre-action DM to the target
	// could not be delivered. Always swallowed - the punitive action
	// proceeds regardless.
	ErrNotificationFailed = errors.New("unable to notify user")
)

// Action is the graduated moderation action selected for an event.
type Action string

const (
	ActionNone Action = "none"
	ActionMute Action = "mute"
	ActionKick Action = "kick"
	ActionBan  Action = "ban"
)

func (a Action) String() string {
	return string(a)
}

// ModerationEvent is one unit of content to be judged: the message
// text plus any attachments. Ephemeral - built per inbound message,
// never persisted.
type ModerationEvent struct {
	UserID    string
	Username  string
	ChannelID string
	GuildID   string
	MessageID string
	Content   string

	Attachments []EventAttachment
}

// EventAttachment is a declared attachment on a moderation event.
// Data is populated on demand when the attachment is analyzed.
type EventAttachment struct {
	URL         string
	Filename    string
	ContentType string
	Data        []byte
}

func (a EventAttachment) isImage() bool {
	return strings.HasPrefix(a.ContentType, "image/")
}

// NewModerationEvent builds a ModerationEvent from an incoming gateway
// message.
func NewModerationEvent(m *discordgo.Message) ModerationEvent {
	ev := ModerationEvent{
		ChannelID: m.ChannelID,
		GuildID:   m.GuildID,
		MessageID: m.ID,
		Content:   m.Content,
	}
	user := m.Author
	if user == nil && m.Member != nil {
		user = m.Member.User
	}
	if user != nil {
		ev.UserID = user.ID
		ev.Username = user.Username
	}
	for _, att := range m.Attachments {
		if att == nil {
			continue
		}
		ev.Attachments = append(
			ev.Attachments, EventAttachment{
				URL:         att.URL,
				Filename:    att.Filename,
				ContentType: att.ContentType,
			},
		)
	}
	return ev
}

func (e ModerationEvent) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String(columnUserID, e.UserID),
		slog.String("username", e.Username),
		slog.String("channel_id", e.ChannelID),
		slog.String("message_id", e.MessageID),
		slog.Int("attachments", len(e.Attachments)),
	)
}

// ModerationAction is the audit record written when a threshold is
// crossed and the corresponding action executed.
//
//nolint:lll // struct tags can't be split
type ModerationAction struct {
	ModelUintID
	ModelUnixTime
	UserID    string `json:"user_id" gorm:"index;not null"`
	Username  string `json:"username"`
	GuildID   string `json:"guild_id"`
	ChannelID string `json:"channel_id"`
	MessageID string `json:"message_id"`
	Action    Action `json:"action" gorm:"type:string;not null"`
	Severity  int    `json:"severity"`
	Reason    string `json:"reason"`

	// Excerpt is the leading portion of the offending message content,
	// bounded by [ModerationConfig.ExcerptLimit]
	Excerpt string `json:"excerpt"`

	// Scores is the JSON-encoded per-category severity breakdown
	Scores string `json:"scores"`

	// Evidence is the filename of the re-uploaded attachment for image
	// violations, if any
	Evidence string `json:"evidence"`
}

func (r ModerationAction) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String(columnUserID, r.UserID),
		slog.String("action", r.Action.String()),
		slog.Int("severity", r.Severity),
		slog.String("channel_id", r.ChannelID),
		slog.String("message_id", r.MessageID),
	)
}

// decideAction maps an effective severity score to an action using the
// configured thresholds. Pure and total: thresholds are inclusive,
// checked highest-first, and exactly one action is returned.
func decideAction(score int, config *ModerationConfig) Action {
	switch {
	case score >= config.BanThreshold:
		return ActionBan
	case score >= config.KickThreshold:
		return ActionKick
	case score >= config.MuteThreshold:
		return ActionMute
	default:
		return ActionNone
	}
}

// Moderator is the severity policy engine. It classifies incoming
// messages via the external content-safety service, decides an action
// from the effective severity, executes the platform side effects and
// writes audit records.
type Moderator struct {
	w      *Warden
	config *ModerationConfig
	logger *slog.Logger

	// paused suspends policy evaluation (the burst limiter is
	// unaffected)
	paused atomic.Bool

	// mutedRoleID caches the restricted role after it's been resolved
	// or created. Guarded by roleMu so concurrent mutes create the
	// role (and its channel overwrites) at most once.
	mutedRoleID string
	roleMu      sync.Mutex

	evaluationsInProgress atomic.Int64
	metricActionsApplied  atomic.Int64
}

func newModerator(w *Warden, config *ModerationConfig) *Moderator {
	return &Moderator{
		w:      w,
		config: config,
		logger: w.logger.With(loggerNameKey, "moderator"),
	}
}

// Paused reports whether policy evaluation is suspended.
func (m *Moderator) Paused() bool {
	return m.paused.Load()
}

// SetPaused suspends or resumes policy evaluation.
func (m *Moderator) SetPaused(paused bool) {
	m.paused.Store(paused)
}

// HandleMessage runs the full pipeline for one inbound message:
// blocked-word fast path, classification, decision, action. Any
// classifier failure is fail-open: logged, no action taken, and the
// event dropped.
func (m *Moderator) HandleMessage(
	ctx context.Context,
	msg *discordgo.MessageCreate,
) {
	if m.paused.Load() {
		return
	}
	m.evaluationsInProgress.Add(1)
	defer m.evaluationsInProgress.Add(-1)

	event := NewModerationEvent(msg.Message)
	logger := m.logger.With("event", event)
	ctx = WithLogger(ctx, logger)

	if word, blocked := m.blockedWord(event.Content); blocked {
		exempt, err := m.isModerator(event.UserID)
		if err != nil {
			logger.ErrorContext(ctx, "error checking moderator roles", tint.Err(err))
		}
		if !exempt {
			m.deleteBlockedMessage(ctx, event, word)
			return
		}
	}

	severity, scores, err := m.Classify(ctx, event)
	if err != nil {
		// Fail open: the event passes through unjudged.
		logger.WarnContext(
			ctx,
			"classification unavailable, skipping event",
			tint.Err(err),
		)
		return
	}

	action := decideAction(severity, m.config)
	logger.InfoContext(
		ctx,
		"event classified",
		"severity", severity,
		"action", action.String(),
	)
	if action == ActionNone {
		return
	}

	record, err := m.Apply(ctx, action, event, severity, scores)
	switch {
	case errors.Is(err, ErrInsufficientPrivilege):
		logger.WarnContext(
			ctx,
			"cannot act on target above bot in role hierarchy",
			"action", action.String(),
		)
	case errors.Is(err, ErrActionForbidden):
		logger.ErrorContext(ctx, "action forbidden", tint.Err(err))
		if sendErr := m.w.discord.channelMessageSend(
			event.ChannelID,
			fmt.Sprintf(
				"I tried to %s a member but I'm missing the permission to do it.",
				action.String(),
			),
		); sendErr != nil {
			logger.ErrorContext(ctx, "error sending notice", tint.Err(sendErr))
		}
	case err != nil:
		logger.ErrorContext(ctx, "error applying action", tint.Err(err))
	default:
		logger.InfoContext(ctx, "applied moderation action", "record", record)
	}
}

// Classify asks the content-safety service to score the event's text
// and each image attachment, returning the maximum severity across all
// analyzed parts along with the per-part category scores.
func (m *Moderator) Classify(
	ctx context.Context,
	event ModerationEvent,
) (int, []SeverityScore, error) {
	var all []SeverityScore

	if event.Content != "" {
		scores, err := m.w.classifier.AnalyzeText(ctx, event.Content)
		if err != nil {
			return 0, nil, err
		}
		all = append(all, scores...)
	}

	for i := range event.Attachments {
		att := &event.Attachments[i]
		if !att.isImage() {
			continue
		}
		if att.Data == nil {
			data, err := m.fetchAttachment(ctx, att.URL)
			if err != nil {
				return 0, nil, fmt.Errorf(
					"%w: fetching attachment: %w",
					ErrClassifierUnavailable,
					err,
				)
			}
			att.Data = data
		}
		scores, err := m.w.classifier.AnalyzeImage(ctx, att.Data, att.ContentType)
		if err != nil {
			return 0, nil, err
		}
		all = append(all, scores...)
	}

	return maxSeverity(all), all, nil
}

// Apply executes the platform side effect for the action, deletes the
// offending message, and writes one audit record. For Kick/Ban the
// target is notified by DM first, best-effort.
func (m *Moderator) Apply(
	ctx context.Context,
	action Action,
	event ModerationEvent,
	severity int,
	scores []SeverityScore,
) (*ModerationAction, error) {
	if action == ActionNone {
		return nil, nil
	}

	ctx, logger := m.getLogger(ctx)

	allowed, err := m.canActOn(event.UserID)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, ErrInsufficientPrivilege
	}

	reason := fmt.Sprintf("content severity %d", severity)

	if action == ActionKick || action == ActionBan {
		if notifyErr := m.notifyUser(ctx, event, action, reason); notifyErr != nil {
			// Never blocks the action.
			logger.WarnContext(
				ctx,
				"unable to notify user before action",
				tint.Err(errors.Join(ErrNotificationFailed, notifyErr)),
			)
		}
	}

	session := m.w.discord.session
	switch action {
	case ActionMute:
		err = m.muteUser(ctx, event.UserID)
	case ActionKick:
		err = session.GuildMemberDeleteWithReason(
			event.GuildID, event.UserID, reason,
		)
	case ActionBan:
		err = session.GuildBanCreateWithReason(
			event.GuildID, event.UserID, reason, 0,
		)
	}
	if err != nil {
		if isForbidden(err) {
			return nil, fmt.Errorf("%w: %w", ErrActionForbidden, err)
		}
		return nil, err
	}
	m.metricActionsApplied.Add(1)

	if delErr := session.ChannelMessageDelete(
		event.ChannelID, event.MessageID,
	); delErr != nil && !isNotFound(delErr) {
		logger.ErrorContext(ctx, "error deleting message", tint.Err(delErr))
	}

	record := m.newAuditRecord(action, event, severity, scores, reason)
	m.writeAudit(ctx, record, event)

	return record, nil
}

func (m *Moderator) getLogger(ctx context.Context) (context.Context, *slog.Logger) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = m.logger
		ctx = WithLogger(ctx, logger)
	}
	return ctx, logger
}

// blockedWord reports whether the content contains a configured
// blocked word, and which one.
func (m *Moderator) blockedWord(content string) (string, bool) {
	if content == "" {
		return "", false
	}
	lowered := strings.ToLower(content)
	for _, word := range m.config.BlockedWords {
		if word == "" {
			continue
		}
		if strings.Contains(lowered, strings.ToLower(word)) {
			return word, true
		}
	}
	return "", false
}

// isModerator reports whether the user holds one of the configured
// moderator roles.
func (m *Moderator) isModerator(userID string) (bool, error) {
	if len(m.config.ModeratorRoleIDs) == 0 {
		return false, nil
	}
	member, err := m.w.discord.session.GuildMember(
		m.w.config.Discord.GuildID, userID,
	)
	if err != nil {
		return false, err
	}
	for _, roleID := range member.Roles {
		for _, modRole := range m.config.ModeratorRoleIDs {
			if roleID == modRole {
				return true, nil
			}
		}
	}
	return false, nil
}

func (m *Moderator) deleteBlockedMessage(
	ctx context.Context,
	event ModerationEvent,
	word string,
) {
	_, logger := m.getLogger(ctx)
	session := m.w.discord.session

	if err := session.ChannelMessageDelete(
		event.ChannelID, event.MessageID,
	); err != nil && !isNotFound(err) {
		logger.ErrorContext(ctx, "error deleting blocked message", tint.Err(err))
		return
	}
	logger.InfoContext(ctx, "deleted blocked-word message", "word", word)

	if err := m.w.discord.channelMessageSend(
		event.ChannelID,
		fmt.Sprintf(
			"A message from <@%s> was removed because it was inappropriate.",
			event.UserID,
		),
	); err != nil {
		logger.ErrorContext(ctx, "error sending removal notice", tint.Err(err))
	}

	dm := DiscordMessageLog{
		MessageID: event.MessageID,
		Content:   truncate(event.Content, m.config.ExcerptLimit),
		ChannelID: event.ChannelID,
		GuildID:   event.GuildID,
		UserID:    event.UserID,
		Username:  event.Username,
	}
	if _, err := m.w.writeDB.Create(ctx, &dm); err != nil {
		logger.ErrorContext(ctx, "error recording deleted message", tint.Err(err))
	}
}

// canActOn verifies the bot's highest role position exceeds the
// target's, the role-hierarchy precondition for Mute/Kick/Ban.
func (m *Moderator) canActOn(targetID string) (bool, error) {
	session := m.w.discord.session
	guildID := m.w.config.Discord.GuildID

	roles, err := session.GuildRoles(guildID)
	if err != nil {
		return false, fmt.Errorf("error fetching guild roles: %w", err)
	}
	positions := make(map[string]int, len(roles))
	for _, role := range roles {
		positions[role.ID] = role.Position
	}

	highest := func(member *discordgo.Member) int {
		top := 0
		for _, roleID := range member.Roles {
			if pos, ok := positions[roleID]; ok && pos > top {
				top = pos
			}
		}
		return top
	}

	botMember, err := session.GuildMember(guildID, m.w.config.Discord.ApplicationID)
	if err != nil {
		return false, fmt.Errorf("error fetching bot member: %w", err)
	}
	targetMember, err := session.GuildMember(guildID, targetID)
	if err != nil {
		if isNotFound(err) {
			// Already gone (left, or acted on by a concurrent event).
			return false, ErrInsufficientPrivilege
		}
		return false, fmt.Errorf("error fetching target member: %w", err)
	}

	return highest(botMember) > highest(targetMember), nil
}

// muteUser grants the restricted role to the user, creating the role
// (and its deny-send overwrites) lazily. Granting is idempotent: a
// user already holding the role is left unchanged.
func (m *Moderator) muteUser(ctx context.Context, userID string) error {
	roleID, err := m.ensureMutedRole(ctx)
	if err != nil {
		return err
	}

	session := m.w.discord.session
	guildID := m.w.config.Discord.GuildID

	member, err := session.GuildMember(guildID, userID)
	if err != nil {
		return err
	}
	for _, existing := range member.Roles {
		if existing == roleID {
			// Already muted - nothing to do.
			return nil
		}
	}

	if err := session.GuildMemberRoleAdd(guildID, userID, roleID); err != nil {
		return err
	}

	if user := m.w.writeDB.GetUser(userID); user != nil {
		if _, updErr := m.w.writeDB.Update(ctx, user, "muted", true); updErr != nil {
			m.logger.ErrorContext(ctx, "error flagging muted user", tint.Err(updErr))
		}
	}
	return nil
}

// ensureMutedRole resolves the restricted role, creating it and
// applying a deny-send overwrite to every guild channel exactly once
// if it doesn't exist yet.
func (m *Moderator) ensureMutedRole(ctx context.Context) (string, error) {
	m.roleMu.Lock()
	defer m.roleMu.Unlock()

	if m.mutedRoleID != "" {
		return m.mutedRoleID, nil
	}

	session := m.w.discord.session
	guildID := m.w.config.Discord.GuildID

	roles, err := session.GuildRoles(guildID)
	if err != nil {
		return "", fmt.Errorf("error fetching guild roles: %w", err)
	}
	for _, role := range roles {
		if role.Name == m.config.MutedRoleName {
			m.mutedRoleID = role.ID
			return role.ID, nil
		}
	}

	role, err := session.GuildRoleCreate(
		guildID, &discordgo.RoleParams{Name: m.config.MutedRoleName},
	)
	if err != nil {
		return "", fmt.Errorf("error creating muted role: %w", err)
	}

	channels, err := session.GuildChannels(guildID)
	if err != nil {
		return "", fmt.Errorf("error fetching guild channels: %w", err)
	}
	_, logger := m.getLogger(ctx)
	for _, channel := range channels {
		if permErr := session.ChannelPermissionSet(
			channel.ID,
			role.ID,
			discordgo.PermissionOverwriteTypeRole,
			0,
			discordgo.PermissionSendMessages,
		); permErr != nil {
			logger.ErrorContext(
				ctx,
				"error denying send permission",
				tint.Err(permErr),
				"channel_id", channel.ID,
			)
		}
	}

	m.mutedRoleID = role.ID
	return role.ID, nil
}

// notifyUser sends a DM to the target ahead of a kick or ban.
func (m *Moderator) notifyUser(
	_ context.Context,
	event ModerationEvent,
	action Action,
	reason string,
) error {
	session := m.w.discord.session
	dm, err := session.UserChannelCreate(event.UserID)
	if err != nil {
		return err
	}
	var verb string
	switch action {
	case ActionKick:
		verb = "kicked from"
	case ActionBan:
		verb = "banned from"
	default:
		verb = "moderated in"
	}
	_, err = session.ChannelMessageSend(
		dm.ID,
		fmt.Sprintf("You have been %s the server: %s", verb, reason),
	)
	return err
}

func (m *Moderator) newAuditRecord(
	action Action,
	event ModerationEvent,
	severity int,
	scores []SeverityScore,
	reason string,
) *ModerationAction {
	record := &ModerationAction{
		UserID:    event.UserID,
		Username:  event.Username,
		GuildID:   event.GuildID,
		ChannelID: event.ChannelID,
		MessageID: event.MessageID,
		Action:    action,
		Severity:  severity,
		Reason:    reason,
		Excerpt:   truncate(event.Content, m.config.ExcerptLimit),
	}
	if data, err := json.Marshal(scores); err == nil {
		record.Scores = string(data)
	}
	for _, att := range event.Attachments {
		if att.isImage() && att.Data != nil {
			record.Evidence = att.Filename
			break
		}
	}
	return record
}

// writeAudit persists the audit record and posts it to the audit log
// channel, re-uploading image evidence.
func (m *Moderator) writeAudit(
	ctx context.Context,
	record *ModerationAction,
	event ModerationEvent,
) {
	_, logger := m.getLogger(ctx)

	if _, err := m.w.writeDB.Create(ctx, record); err != nil {
		logger.ErrorContext(ctx, "error saving audit record", tint.Err(err))
	}

	if m.config.LogChannelID == "" {
		return
	}

	embed := &discordgo.MessageEmbed{
		Title:       fmt.Sprintf("Moderation: %s", record.Action),
		Description: record.Excerpt,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		Fields: []*discordgo.MessageEmbedField{
			{
				Name:   "User",
				Value:  fmt.Sprintf("<@%s> (%s)", record.UserID, record.Username),
				Inline: true,
			},
			{
				Name:   "Channel",
				Value:  fmt.Sprintf("<#%s>", record.ChannelID),
				Inline: true,
			},
			{
				Name:   "Severity",
				Value:  fmt.Sprintf("%d", record.Severity),
				Inline: true,
			},
		},
	}

	send := &discordgo.MessageSend{Embeds: []*discordgo.MessageEmbed{embed}}
	for _, att := range event.Attachments {
		if att.isImage() && att.Data != nil {
			send.Files = append(
				send.Files, &discordgo.File{
					Name:        att.Filename,
					ContentType: att.ContentType,
					Reader:      bytes.NewReader(att.Data),
				},
			)
		}
	}

	if _, err := m.w.discord.session.ChannelMessageSendComplex(
		m.config.LogChannelID, send,
	); err != nil {
		logger.ErrorContext(ctx, "error posting audit entry", tint.Err(err))
	}
}

// fetchAttachment downloads attachment bytes for image analysis and
// evidence re-upload.
func (m *Moderator) fetchAttachment(
	ctx context.Context,
	url string,
) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := m.w.httpClient().Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d fetching attachment", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// isForbidden reports whether the error is a discord REST 403.
func isForbidden(err error) bool {
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil {
		return restErr.Response.StatusCode == http.StatusForbidden
	}
	return false
}

// isNotFound reports whether the error is a discord REST 404.
func isNotFound(err error) bool {
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil {
		return restErr.Response.StatusCode == http.StatusNotFound
	}
	return false
}
