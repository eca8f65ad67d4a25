package warden

import (
	"context"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockSentMessage records a ChannelMessageSend/-Complex call.
type mockSentMessage struct {
	ChannelID string
	Content   string
	Embeds    []*discordgo.MessageEmbed
	Files     []*discordgo.File
}

// mockDiscordSession implements DiscordSessionHandler, recording calls
// for assertions. Return values and errors are configurable per-field.
type mockDiscordSession struct {
	mu     sync.Mutex
	logger *slog.Logger

	messagesSent     []mockSentMessage
	deletedMessages  []string
	bans             []string
	kicks            []string
	roleAdds         []string
	permissionSets   []string
	typingChannels   []string
	dmChannelsOpened []string
	rateLimitEdits   map[string][]int
	rolesCreated     []*discordgo.Role

	interactionResponses []*discordgo.InteractionResponse
	interactionEdits     []*discordgo.WebhookEdit

	guild    *discordgo.Guild
	roles    []*discordgo.Role
	members  map[string]*discordgo.Member
	channels []*discordgo.Channel

	banErr         error
	kickErr        error
	roleAddErr     error
	sendErr        error
	deleteErr      error
	editErr        error
	userChannelErr error
}

func newMockDiscordSession() *mockDiscordSession {
	logLevel := &slog.LevelVar{}
	logLevel.Set(slog.LevelDebug)
	return &mockDiscordSession{
		logger: slog.New(
			tint.NewHandler(
				defaultLogWriter, &tint.Options{
					Level:     logLevel,
					AddSource: true,
				},
			),
		).With(loggerNameKey, "mock_session"),
		members:        map[string]*discordgo.Member{},
		rateLimitEdits: map[string][]int{},
	}
}

func (d *mockDiscordSession) Open() error {
	d.logger.Info("opened session")
	return nil
}

func (d *mockDiscordSession) Close() error {
	d.logger.Info("closed session")
	return nil
}

func (d *mockDiscordSession) AddHandler(_ any) func() {
	return func() {}
}

func (d *mockDiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sendErr != nil {
		return nil, d.sendErr
	}
	d.messagesSent = append(
		d.messagesSent,
		mockSentMessage{ChannelID: channelID, Content: message},
	)
	return &discordgo.Message{
		ID:        "sent-message",
		ChannelID: channelID,
		Content:   message,
	}, nil
}

func (d *mockDiscordSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sendErr != nil {
		return nil, d.sendErr
	}
	d.messagesSent = append(
		d.messagesSent, mockSentMessage{
			ChannelID: channelID,
			Content:   data.Content,
			Embeds:    data.Embeds,
			Files:     data.Files,
		},
	)
	return &discordgo.Message{ID: "sent-message", ChannelID: channelID}, nil
}

func (d *mockDiscordSession) ChannelMessageSendReply(
	channelID string,
	content string,
	_ *discordgo.MessageReference,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sendErr != nil {
		return nil, d.sendErr
	}
	d.messagesSent = append(
		d.messagesSent,
		mockSentMessage{ChannelID: channelID, Content: content},
	)
	return &discordgo.Message{ChannelID: channelID, Content: content}, nil
}

func (d *mockDiscordSession) ChannelMessageDelete(
	channelID string,
	messageID string,
	_ ...discordgo.RequestOption,
) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.deleteErr != nil {
		return d.deleteErr
	}
	d.deletedMessages = append(d.deletedMessages, channelID+"/"+messageID)
	return nil
}

func (d *mockDiscordSession) ChannelEditComplex(
	channelID string,
	data *discordgo.ChannelEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.editErr != nil {
		return nil, d.editErr
	}
	if data.RateLimitPerUser != nil {
		d.rateLimitEdits[channelID] = append(
			d.rateLimitEdits[channelID], *data.RateLimitPerUser,
		)
	}
	return &discordgo.Channel{ID: channelID}, nil
}

func (d *mockDiscordSession) ChannelPermissionSet(
	channelID string,
	targetID string,
	_ discordgo.PermissionOverwriteType,
	_ int64,
	_ int64,
	_ ...discordgo.RequestOption,
) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.permissionSets = append(d.permissionSets, channelID+"/"+targetID)
	return nil
}

func (d *mockDiscordSession) ChannelTyping(
	channelID string,
	_ ...discordgo.RequestOption,
) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.typingChannels = append(d.typingChannels, channelID)
	return nil
}

func (d *mockDiscordSession) GuildBanCreateWithReason(
	_ string,
	userID string,
	_ string,
	_ int,
	_ ...discordgo.RequestOption,
) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.banErr != nil {
		return d.banErr
	}
	d.bans = append(d.bans, userID)
	return nil
}

func (d *mockDiscordSession) GuildMemberDeleteWithReason(
	_ string,
	userID string,
	_ string,
	_ ...discordgo.RequestOption,
) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.kickErr != nil {
		return d.kickErr
	}
	d.kicks = append(d.kicks, userID)
	return nil
}

func (d *mockDiscordSession) GuildMember(
	_ string,
	userID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Member, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	member, ok := d.members[userID]
	if !ok {
		return nil, &discordgo.RESTError{
			Response: &http.Response{StatusCode: http.StatusNotFound},
		}
	}
	return member, nil
}

func (d *mockDiscordSession) GuildMemberRoleAdd(
	_ string,
	userID string,
	roleID string,
	_ ...discordgo.RequestOption,
) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.roleAddErr != nil {
		return d.roleAddErr
	}
	d.roleAdds = append(d.roleAdds, userID+"/"+roleID)
	if member, ok := d.members[userID]; ok {
		member.Roles = append(member.Roles, roleID)
	}
	return nil
}

func (d *mockDiscordSession) GuildRoles(
	_ string,
	_ ...discordgo.RequestOption,
) ([]*discordgo.Role, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.roles, nil
}

func (d *mockDiscordSession) GuildRoleCreate(
	_ string,
	data *discordgo.RoleParams,
	_ ...discordgo.RequestOption,
) (*discordgo.Role, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	role := &discordgo.Role{
		ID:   "role-" + data.Name,
		Name: data.Name,
	}
	d.roles = append(d.roles, role)
	d.rolesCreated = append(d.rolesCreated, role)
	return role, nil
}

func (d *mockDiscordSession) GuildChannels(
	_ string,
	_ ...discordgo.RequestOption,
) ([]*discordgo.Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.channels, nil
}

func (d *mockDiscordSession) Guild(
	guildID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Guild, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.guild != nil {
		return d.guild, nil
	}
	return &discordgo.Guild{ID: guildID, Name: "Test Guild"}, nil
}

func (d *mockDiscordSession) UserChannelCreate(
	recipientID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.userChannelErr != nil {
		return nil, d.userChannelErr
	}
	d.dmChannelsOpened = append(d.dmChannelsOpened, recipientID)
	return &discordgo.Channel{ID: "dm-" + recipientID}, nil
}

func (d *mockDiscordSession) ApplicationCommandBulkOverwrite(
	_ string,
	_ string,
	commands []*discordgo.ApplicationCommand,
	_ ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	cmds := make([]*discordgo.ApplicationCommand, len(commands))
	for i, c := range commands {
		cmds[i] = &discordgo.ApplicationCommand{
			Name:        c.Name,
			Description: c.Description,
		}
	}
	return cmds, nil
}

func (d *mockDiscordSession) InteractionRespond(
	_ *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	_ ...discordgo.RequestOption,
) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.interactionResponses = append(d.interactionResponses, resp)
	return nil
}

func (d *mockDiscordSession) InteractionResponseEdit(
	_ *discordgo.Interaction,
	newresp *discordgo.WebhookEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.interactionEdits = append(d.interactionEdits, newresp)
	return &discordgo.Message{}, nil
}

func (d *mockDiscordSession) UpdateCustomStatus(status string) error {
	d.logger.Info("updating custom status", "status", status)
	return nil
}

func (d *mockDiscordSession) SetHTTPClient(_ *http.Client) {}

func (d *mockDiscordSession) SetLogLevel(_ slog.Level) error {
	return nil
}

// sentMessages returns a copy of all recorded sends.
func (d *mockDiscordSession) sentMessages() []mockSentMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	sent := make([]mockSentMessage, len(d.messagesSent))
	copy(sent, d.messagesSent)
	return sent
}

// newTestWarden builds a Warden backed by a temp sqlite database and a
// mock gateway session.
func newTestWarden(t testing.TB) (*Warden, *mockDiscordSession) {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Database = filepath.Join(t.TempDir(), "warden.sqlite3")
	cfg.Discord.Token = "test-token"
	cfg.Discord.ApplicationID = "bot-user"
	cfg.Discord.GuildID = "test-guild"
	cfg.Moderation.LogChannelID = "log-channel"
	cfg.Classifier.URL = "http://127.0.0.1:9"

	w, err := New(cfg)
	require.NoError(t, err)

	db, err := CreateDB(context.Background(), cfg.DatabaseType, cfg.Database)
	require.NoError(t, err)
	w.db = db
	w.writeDB = NewDatabase(db, w.logger.With(loggerNameKey, "database"), false)

	session := newMockDiscordSession()
	w.discord.session = session
	return w, session
}

func TestRegisterSlashCommands(t *testing.T) {
	t.Parallel()
	w, _ := newTestWarden(t)

	commands, err := w.RegisterSlashCommands()
	require.NoError(t, err)
	require.Len(t, commands, 3)

	names := make([]string, len(commands))
	for i, c := range commands {
		names[i] = c.Name
	}
	assert.Contains(t, names, DiscordSlashCommandAsk)
	assert.Contains(t, names, DiscordSlashCommandPost)
	assert.Contains(t, names, DiscordSlashCommandSimJoin)
}

func TestGuildNameCached(t *testing.T) {
	t.Parallel()
	w, session := newTestWarden(t)
	session.guild = &discordgo.Guild{ID: "test-guild", Name: "My Server"}

	assert.Equal(t, "My Server", w.guildName("test-guild"))

	// served from the cache even if the session changes
	session.guild = &discordgo.Guild{ID: "test-guild", Name: "Renamed"}
	assert.Equal(t, "My Server", w.guildName("test-guild"))
}
