package warden

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecideAction(t *testing.T) {
	t.Parallel()

	config := &ModerationConfig{
		BanThreshold:  DefaultBanThreshold,
		KickThreshold: DefaultKickThreshold,
		MuteThreshold: DefaultMuteThreshold,
	}

	tests := []struct {
		severity int
		expected Action
	}{
		{0, ActionNone},
		{1, ActionNone},
		{2, ActionMute},
		{3, ActionKick},
		{4, ActionBan},
		{6, ActionBan},
	}
	for _, tc := range tests {
		assert.Equalf(
			t,
			tc.expected,
			decideAction(tc.severity, config),
			"severity %d", tc.severity,
		)
	}
}

func TestDecideActionCustomThresholds(t *testing.T) {
	t.Parallel()

	config := &ModerationConfig{
		BanThreshold:  10,
		KickThreshold: 7,
		MuteThreshold: 5,
	}
	assert.Equal(t, ActionNone, decideAction(4, config))
	assert.Equal(t, ActionMute, decideAction(5, config))
	assert.Equal(t, ActionKick, decideAction(8, config))
	assert.Equal(t, ActionBan, decideAction(10, config))
}

func TestMaxSeverity(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0, maxSeverity(nil))
	assert.Equal(
		t, 4, maxSeverity(
			[]SeverityScore{
				{Category: CategoryHate, Severity: 2},
				{Category: CategoryViolence, Severity: 4},
				{Category: CategorySexual, Severity: 0},
			},
		),
	)
}

// guildWithHierarchy seeds the mock session with a bot member whose
// role outranks the target member.
func guildWithHierarchy(session *mockDiscordSession, targetID string) {
	session.roles = []*discordgo.Role{
		{ID: "bot-role", Name: "Bot", Position: 10},
		{ID: "member-role", Name: "Member", Position: 1},
	}
	session.members["bot-user"] = &discordgo.Member{
		User:  &discordgo.User{ID: "bot-user"},
		Roles: []string{"bot-role"},
	}
	session.members[targetID] = &discordgo.Member{
		User:  &discordgo.User{ID: targetID},
		Roles: []string{"member-role"},
	}
	session.channels = []*discordgo.Channel{
		{ID: "general"},
		{ID: "random"},
	}
}

func testEvent() ModerationEvent {
	return ModerationEvent{
		UserID:    "user-1",
		Username:  "someone",
		ChannelID: "general",
		GuildID:   "test-guild",
		MessageID: "message-1",
		Content:   "offending content",
	}
}

func TestApplyBan(t *testing.T) {
	t.Parallel()
	w, session := newTestWarden(t)
	guildWithHierarchy(session, "user-1")

	ctx := context.Background()
	record, err := w.moderator.Apply(
		ctx, ActionBan, testEvent(), 4,
		[]SeverityScore{{Category: CategoryHate, Severity: 4}},
	)
	require.NoError(t, err)
	require.NotNil(t, record)

	assert.Equal(t, []string{"user-1"}, session.bans)
	assert.Contains(t, session.deletedMessages, "general/message-1")

	// target was notified by DM before the ban
	assert.Equal(t, []string{"user-1"}, session.dmChannelsOpened)

	// audit record persisted
	var stored ModerationAction
	require.NoError(t, w.db.Last(&stored).Error)
	assert.Equal(t, ActionBan, stored.Action)
	assert.Equal(t, 4, stored.Severity)
	assert.Equal(t, "offending content", stored.Excerpt)

	// audit entry posted to the log channel
	sent := session.sentMessages()
	var auditPosted bool
	for _, msg := range sent {
		if msg.ChannelID == "log-channel" && len(msg.Embeds) > 0 {
			auditPosted = true
		}
	}
	assert.True(t, auditPosted, "expected an audit embed in the log channel")
}

func TestApplyKickNotifiesFirst(t *testing.T) {
	t.Parallel()
	w, session := newTestWarden(t)
	guildWithHierarchy(session, "user-1")

	_, err := w.moderator.Apply(
		context.Background(), ActionKick, testEvent(), 3, nil,
	)
	require.NoError(t, err)
	assert.Equal(t, []string{"user-1"}, session.kicks)
	assert.Equal(t, []string{"user-1"}, session.dmChannelsOpened)
}

func TestApplyNotificationFailureDoesNotBlockAction(t *testing.T) {
	t.Parallel()
	w, session := newTestWarden(t)
	guildWithHierarchy(session, "user-1")
	session.userChannelErr = &discordgo.RESTError{
		Response: &http.Response{StatusCode: http.StatusForbidden},
	}

	_, err := w.moderator.Apply(
		context.Background(), ActionBan, testEvent(), 4, nil,
	)
	require.NoError(t, err)
	assert.Equal(t, []string{"user-1"}, session.bans)
}

func TestApplyMuteIdempotent(t *testing.T) {
	t.Parallel()
	w, session := newTestWarden(t)
	guildWithHierarchy(session, "user-1")

	ctx := context.Background()
	_, err := w.moderator.Apply(ctx, ActionMute, testEvent(), 2, nil)
	require.NoError(t, err)

	// restricted role created lazily, deny-send applied to every channel
	require.Len(t, session.rolesCreated, 1)
	assert.Equal(t, DefaultMutedRoleName, session.rolesCreated[0].Name)
	assert.Len(t, session.permissionSets, len(session.channels))
	require.Len(t, session.roleAdds, 1)

	// second mute: no new role, no second grant
	_, err = w.moderator.Apply(ctx, ActionMute, testEvent(), 2, nil)
	require.NoError(t, err)
	assert.Len(t, session.rolesCreated, 1)
	assert.Len(t, session.roleAdds, 1)
	assert.Len(t, session.permissionSets, len(session.channels))
}

func TestApplyMuteExistingRole(t *testing.T) {
	t.Parallel()
	w, session := newTestWarden(t)
	guildWithHierarchy(session, "user-1")
	session.roles = append(
		session.roles,
		&discordgo.Role{ID: "restricted-role", Name: DefaultMutedRoleName},
	)

	_, err := w.moderator.Apply(
		context.Background(), ActionMute, testEvent(), 2, nil,
	)
	require.NoError(t, err)

	// role existed, so no creation and no new channel overwrites
	assert.Empty(t, session.rolesCreated)
	assert.Empty(t, session.permissionSets)
	assert.Equal(t, []string{"user-1/restricted-role"}, session.roleAdds)
}

func TestApplyInsufficientPrivilege(t *testing.T) {
	t.Parallel()
	w, session := newTestWarden(t)
	session.roles = []*discordgo.Role{
		{ID: "bot-role", Position: 1},
		{ID: "admin-role", Position: 10},
	}
	session.members["bot-user"] = &discordgo.Member{
		User:  &discordgo.User{ID: "bot-user"},
		Roles: []string{"bot-role"},
	}
	session.members["user-1"] = &discordgo.Member{
		User:  &discordgo.User{ID: "user-1"},
		Roles: []string{"admin-role"},
	}

	_, err := w.moderator.Apply(
		context.Background(), ActionBan, testEvent(), 4, nil,
	)
	require.ErrorIs(t, err, ErrInsufficientPrivilege)
	assert.Empty(t, session.bans)
	assert.Empty(t, session.deletedMessages)
}

func TestApplyForbidden(t *testing.T) {
	t.Parallel()
	w, session := newTestWarden(t)
	guildWithHierarchy(session, "user-1")
	session.banErr = &discordgo.RESTError{
		Response: &http.Response{StatusCode: http.StatusForbidden},
	}

	_, err := w.moderator.Apply(
		context.Background(), ActionBan, testEvent(), 4, nil,
	)
	require.ErrorIs(t, err, ErrActionForbidden)
	assert.Empty(t, session.deletedMessages)
}

// classifierStub serves canned severity scores and counts requests.
func classifierStub(
	t testing.TB,
	w *Warden,
	scores []SeverityScore,
	status int,
) (*httptest.Server, *int) {
	t.Helper()
	var calls int
	srv := httptest.NewServer(
		http.HandlerFunc(
			func(rw http.ResponseWriter, r *http.Request) {
				calls++
				if status != http.StatusOK {
					rw.WriteHeader(status)
					return
				}
				rw.Header().Set("Content-Type", "application/json")
				_ = json.NewEncoder(rw).Encode(
					analyzeResponse{CategoriesAnalysis: scores},
				)
			},
		),
	)
	t.Cleanup(srv.Close)

	w.config.Classifier.URL = srv.URL
	w.classifier = newClassifier(w.config.Classifier, srv.Client())
	return srv, &calls
}

func inboundMessage(content string) *discordgo.MessageCreate {
	return &discordgo.MessageCreate{
		Message: &discordgo.Message{
			ID:        "message-1",
			ChannelID: "general",
			GuildID:   "test-guild",
			Content:   content,
			Author:    &discordgo.User{ID: "user-1", Username: "someone"},
		},
	}
}

func TestHandleMessageBans(t *testing.T) {
	t.Parallel()
	w, session := newTestWarden(t)
	guildWithHierarchy(session, "user-1")
	classifierStub(
		t, w, []SeverityScore{{Category: CategoryViolence, Severity: 6}},
		http.StatusOK,
	)

	w.moderator.HandleMessage(context.Background(), inboundMessage("threats"))

	assert.Equal(t, []string{"user-1"}, session.bans)
	assert.Contains(t, session.deletedMessages, "general/message-1")
}

func TestHandleMessageAllowsLowSeverity(t *testing.T) {
	t.Parallel()
	w, session := newTestWarden(t)
	guildWithHierarchy(session, "user-1")
	classifierStub(
		t, w, []SeverityScore{{Category: CategoryHate, Severity: 1}},
		http.StatusOK,
	)

	w.moderator.HandleMessage(context.Background(), inboundMessage("fine"))

	assert.Empty(t, session.bans)
	assert.Empty(t, session.kicks)
	assert.Empty(t, session.roleAdds)
	assert.Empty(t, session.deletedMessages)
}

func TestHandleMessageClassifierDownFailsOpen(t *testing.T) {
	t.Parallel()
	w, session := newTestWarden(t)
	guildWithHierarchy(session, "user-1")
	classifierStub(t, w, nil, http.StatusInternalServerError)

	w.moderator.HandleMessage(context.Background(), inboundMessage("anything"))

	// no action, no deletion: the message passes through unjudged
	assert.Empty(t, session.bans)
	assert.Empty(t, session.kicks)
	assert.Empty(t, session.deletedMessages)
}

func TestHandleMessagePaused(t *testing.T) {
	t.Parallel()
	w, session := newTestWarden(t)
	guildWithHierarchy(session, "user-1")
	_, calls := classifierStub(
		t, w, []SeverityScore{{Category: CategoryHate, Severity: 4}},
		http.StatusOK,
	)

	w.moderator.SetPaused(true)
	w.moderator.HandleMessage(context.Background(), inboundMessage("anything"))

	assert.Zero(t, *calls)
	assert.Empty(t, session.bans)
}

func TestHandleMessageBlockedWord(t *testing.T) {
	t.Parallel()
	w, session := newTestWarden(t)
	guildWithHierarchy(session, "user-1")
	w.config.Moderation.BlockedWords = []string{"verboten"}
	_, calls := classifierStub(t, w, nil, http.StatusOK)

	w.moderator.HandleMessage(
		context.Background(), inboundMessage("that is VERBOTEN here"),
	)

	// fast path: deleted and announced without consulting the classifier
	assert.Zero(t, *calls)
	assert.Contains(t, session.deletedMessages, "general/message-1")

	sent := session.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, "general", sent[0].ChannelID)
	assert.Contains(t, sent[0].Content, "<@user-1>")

	var logged DiscordMessageLog
	require.NoError(t, w.db.Last(&logged).Error)
	assert.Equal(t, "message-1", logged.MessageID)
}

func TestHandleMessageBlockedWordModeratorExempt(t *testing.T) {
	t.Parallel()
	w, session := newTestWarden(t)
	guildWithHierarchy(session, "user-1")
	w.config.Moderation.BlockedWords = []string{"verboten"}
	w.config.Moderation.ModeratorRoleIDs = []string{"member-role"}
	classifierStub(
		t, w, []SeverityScore{{Category: CategoryHate, Severity: 0}},
		http.StatusOK,
	)

	w.moderator.HandleMessage(
		context.Background(), inboundMessage("saying verboten for context"),
	)

	// exempt from the fast path, and severity 0 takes no action
	assert.Empty(t, session.deletedMessages)
}

func TestHandleMessageImageAttachmentMutes(t *testing.T) {
	t.Parallel()
	w, session := newTestWarden(t)
	guildWithHierarchy(session, "user-1")

	cdn := httptest.NewServer(
		http.HandlerFunc(
			func(rw http.ResponseWriter, _ *http.Request) {
				rw.Header().Set("Content-Type", "image/png")
				_, _ = rw.Write(fakePNG)
			},
		),
	)
	t.Cleanup(cdn.Close)

	// clean text, severity 2 for the image
	srv := httptest.NewServer(
		http.HandlerFunc(
			func(rw http.ResponseWriter, r *http.Request) {
				severity := 0
				if r.URL.Path == "/analyze/image" {
					severity = 2
				}
				rw.Header().Set("Content-Type", "application/json")
				_ = json.NewEncoder(rw).Encode(
					analyzeResponse{
						CategoriesAnalysis: []SeverityScore{
							{Category: CategorySexual, Severity: severity},
						},
					},
				)
			},
		),
	)
	t.Cleanup(srv.Close)
	w.config.Classifier.URL = srv.URL
	w.classifier = newClassifier(w.config.Classifier, srv.Client())

	msg := inboundMessage("look at this")
	msg.Attachments = []*discordgo.MessageAttachment{
		{
			URL:         cdn.URL + "/evidence.png",
			Filename:    "evidence.png",
			ContentType: "image/png",
		},
	}

	w.moderator.HandleMessage(context.Background(), msg)

	// image severity outweighs the clean text: mute, nothing harsher
	require.Len(t, session.roleAdds, 1)
	assert.Empty(t, session.kicks)
	assert.Empty(t, session.bans)
	assert.Contains(t, session.deletedMessages, "general/message-1")

	var stored ModerationAction
	require.NoError(t, w.db.Last(&stored).Error)
	assert.Equal(t, ActionMute, stored.Action)
	assert.Equal(t, 2, stored.Severity)
	assert.Equal(t, "evidence.png", stored.Evidence)

	// attachment re-uploaded alongside the audit embed
	var audit mockSentMessage
	for _, sent := range session.sentMessages() {
		if sent.ChannelID == "log-channel" {
			audit = sent
		}
	}
	require.Len(t, audit.Embeds, 1)
	require.Len(t, audit.Files, 1)
	assert.Equal(t, "evidence.png", audit.Files[0].Name)
	assert.Equal(t, "image/png", audit.Files[0].ContentType)
}

func TestNewModerationEvent(t *testing.T) {
	t.Parallel()

	msg := inboundMessage("hello").Message
	msg.Attachments = []*discordgo.MessageAttachment{
		{
			URL:         "https://cdn.example.com/cat.png",
			Filename:    "cat.png",
			ContentType: "image/png",
		},
	}
	event := NewModerationEvent(msg)
	assert.Equal(t, "user-1", event.UserID)
	assert.Equal(t, "someone", event.Username)
	require.Len(t, event.Attachments, 1)
	assert.True(t, event.Attachments[0].isImage())
}
