package warden

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// Set via ldflags at build time
var (
	Version   = "dev"
	CommitSHA = ""
	BuildTime = ""
)

var defaultLogWriter io.Writer = os.Stdout

// Warden is the bot: gateway session, severity policy engine, burst
// limiter, responder, welcomer, cross-poster and the operator API,
// sharing one config and one database.
type Warden struct {
	config *Config

	logger     *slog.Logger
	logHandler slog.Handler

	db      *gorm.DB
	writeDB DBI

	discord    *Discord
	classifier *Classifier
	moderator  *Moderator
	burst      *BurstLimiter
	responder  *Responder
	welcomer   *Welcomer
	social     *Social
	api        *API

	// prevents concurrent runs
	runMu sync.Mutex

	// signalStop triggers a graceful shutdown when signaled
	signalStop chan struct{}

	// signalReady is signaled once startup has finished
	signalReady chan struct{}

	startedAt time.Time

	guildNameMu sync.Mutex
	guildNames  map[string]string

	metricMessagesSeen atomic.Int64
}

// New assembles a Warden from the config. The config isn't validated
// here - [Warden.Run] does that before anything touches the network.
func New(config *Config) (*Warden, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	w := &Warden{
		config:      config,
		signalReady: make(chan struct{}, 1),
		guildNames:  map[string]string{},
	}

	w.logHandler = tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     w.config.LogLevel,
			AddSource: true,
		},
	)
	w.logger = slog.New(w.logHandler)
	slog.SetDefault(w.logger)

	w.config.Discord.httpClient = w.config.HTTPClient

	disc, err := newDiscord(w.config.Discord)
	if err != nil {
		errs = append(errs, err)
	}

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     w.config.Discord.DiscordGoLogLevel,
				AddSource: true,
			},
		).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)

	if disc != nil {
		disc.logger = slog.New(
			tint.NewHandler(
				defaultLogWriter, &tint.Options{
					Level:     w.config.Discord.LogLevel,
					AddSource: true,
				},
			),
		).With(loggerNameKey, "discord")
		disc.w = w
		w.discord = disc
	}

	w.classifier = newClassifier(w.config.Classifier, w.config.HTTPClient)
	w.moderator = newModerator(w, w.config.Moderation)
	w.burst = newBurstLimiter(w, w.config.Burst)
	w.responder = newResponder(w, w.config.Responder)
	w.welcomer = newWelcomer(w, w.config.Welcome)
	w.social = newSocial(w, w.config.Social)

	if w.config.API != nil && w.config.API.Enabled {
		w.api = newAPI(w, w.config.API)
	}

	return w, errors.Join(errs...)
}

func (w *Warden) ValidateConfig() error {
	return structValidator.Struct(w.config)
}

// RegisterSlashCommands overwrites the bot's application commands.
func (w *Warden) RegisterSlashCommands(options ...discordgo.RequestOption) (
	[]*discordgo.ApplicationCommand,
	error,
) {
	return w.discord.registerCommands(options...)
}

func (w *Warden) httpClient() *http.Client {
	if w.config != nil && w.config.HTTPClient != nil {
		return w.config.HTTPClient
	}
	return http.DefaultClient
}

// guildName resolves a guild's display name, caching the lookup.
func (w *Warden) guildName(guildID string) string {
	w.guildNameMu.Lock()
	defer w.guildNameMu.Unlock()

	if name, ok := w.guildNames[guildID]; ok {
		return name
	}
	guild, err := w.discord.session.Guild(guildID)
	if err != nil || guild == nil {
		w.logger.Warn("error resolving guild name", tint.Err(err))
		return guildID
	}
	w.guildNames[guildID] = guild.Name
	return guild.Name
}

// Run starts the bot and blocks until the context is canceled or Stop
// is called, then shuts down gracefully.
func (w *Warden) Run(ctx context.Context) error {
	// prevents concurrent runs
	w.runMu.Lock()
	defer w.runMu.Unlock()

	w.signalStop = make(chan struct{}, 1)
	w.startedAt = time.Now()
	logger := w.logger

	if err := w.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", w.config))

	// the 'runtime' context - canceling it triggers a graceful shutdown
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-w.signalStop:
			logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, w.config.StartupTimeout)
	defer startCancel()

	db, err := CreateDB(startCtx, w.config.DatabaseType, w.config.Database)
	if err != nil {
		logger.Error("error initializing database", tint.Err(err))
		return err
	}
	w.db = db
	w.db.Logger = newGORMLogger(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     w.config.DatabaseLogLevel,
				AddSource: true,
			},
		),
		w.config.DatabaseSlowThreshold,
	)
	w.writeDB = NewDatabase(
		db,
		w.logger.With(loggerNameKey, "database"),
		w.config.DatabaseType != dbTypeSQLite,
	)

	runtimeGroup, runtimeCtx := errgroup.WithContext(ctx)
	if w.api != nil {
		runtimeGroup.Go(
			func() error {
				return w.api.Serve(runtimeCtx)
			},
		)
	}

	if err = w.startDiscord(startCtx); err != nil {
		cancel()
		_ = runtimeGroup.Wait()
		return err
	}

	w.signalReady <- struct{}{}
	logger.InfoContext(ctx, "sent ready signal")

	<-runtimeCtx.Done()
	if waitErr := runtimeGroup.Wait(); waitErr != nil {
		logger.Error("error serving api", tint.Err(waitErr))
	}
	return w.shutdown()
}

// Stop triggers a graceful shutdown of a running instance.
func (w *Warden) Stop() {
	select {
	case w.signalStop <- struct{}{}:
	default:
	}
}

// startDiscord creates the gateway session, attaches event handlers,
// opens the connection and registers slash commands.
func (w *Warden) startDiscord(ctx context.Context) error {
	session, err := w.discord.newSession()
	if err != nil {
		return err
	}
	w.discord.session = session

	w.discord.discordgoRemoveHandlerFuncs = []func(){
		session.AddHandler(w.discord.handlerReady()),
		session.AddHandler(w.discord.handlerConnect()),
		session.AddHandler(w.discord.handlerDisconnect()),
		session.AddHandler(w.handleMessageCreate),
		session.AddHandler(w.handleInteractionCreate),
		session.AddHandler(w.handleGuildMemberAdd),
	}

	if err = session.Open(); err != nil {
		return fmt.Errorf("error opening discord session: %w", err)
	}

	commands, err := w.RegisterSlashCommands()
	if err != nil {
		return fmt.Errorf("error registering slash commands: %w", err)
	}
	w.logger.InfoContext(
		ctx,
		"registered slash commands",
		"count", len(commands),
	)
	return nil
}

// handleMessageCreate fans an inbound message out to the burst
// limiter, the moderation pipeline, and (for bot mentions) the
// responder. Messages from bots are ignored.
func (w *Warden) handleMessageCreate(
	_ *discordgo.Session,
	m *discordgo.MessageCreate,
) {
	if m == nil || m.Author == nil || m.Author.Bot {
		return
	}
	if m.Author.ID == w.config.Discord.ApplicationID {
		return
	}
	w.metricMessagesSeen.Add(1)

	ctx := WithLogger(context.Background(), w.logger)

	go func() {
		if _, _, err := w.writeDB.GetOrCreateUser(ctx, *m.Author); err != nil {
			w.logger.ErrorContext(ctx, "error upserting user", tint.Err(err))
		}
	}()

	go w.recovered(
		func() {
			w.burst.Record(ctx, m.ChannelID)
		},
	)
	go w.recovered(
		func() {
			w.moderator.HandleMessage(ctx, m)
		},
	)
	if messageMentionsUser(m.Message, w.config.Discord.ApplicationID) {
		go w.recovered(
			func() {
				w.responder.handleMention(ctx, m)
			},
		)
	}
}

func (w *Warden) handleInteractionCreate(
	_ *discordgo.Session,
	i *discordgo.InteractionCreate,
) {
	ctx := WithLogger(context.Background(), w.logger)
	go w.recovered(
		func() {
			w.handleInteraction(ctx, i)
		},
	)
}

func (w *Warden) handleGuildMemberAdd(
	_ *discordgo.Session,
	m *discordgo.GuildMemberAdd,
) {
	if m == nil || m.Member == nil {
		return
	}
	ctx := WithLogger(context.Background(), w.logger)
	go w.recovered(
		func() {
			w.welcomer.handleMemberAdd(ctx, m.Member, w.guildName(m.GuildID))
		},
	)
}

// recovered runs fn, logging any panic rather than letting it take
// down the gateway connection.
func (w *Warden) recovered(fn func()) {
	defer func() {
		if rc := recover(); rc != nil {
			w.logger.Error("recovered from panic", "panic", rc)
		}
	}()
	fn()
}

// shutdown removes gateway handlers and closes the session, bounded
// by the configured shutdown timeout.
func (w *Warden) shutdown() error {
	logger := w.logger
	logger.Warn("shutting down")

	done := make(chan struct{}, 1)
	go func() {
		for _, removeFunc := range w.discord.discordgoRemoveHandlerFuncs {
			removeFunc()
		}
		if w.discord.session != nil {
			if err := w.discord.session.Close(); err != nil {
				logger.Error("error closing discord session", tint.Err(err))
			}
		}
		done <- struct{}{}
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
		return nil
	case <-time.After(w.config.ShutdownTimeout):
		return errors.New("shutdown timed out")
	}
}
