package warden

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/lmittmann/tint"
)

const (
	apiAuditDefaultLimit = 25
	apiAuditMaxLimit     = 100
)

// structValidator validates config structs using the same `binding`
// tags gin uses for request payloads.
var structValidator = validator.New()

func init() {
	structValidator.SetTagName("binding")
}

// API is the operator HTTP interface: health, audit history, burst
// state, and pausing the policy engine. Bound to localhost by default
// and protected by a bearer token.
type API struct {
	w      *Warden
	config *APIConfig
	logger *slog.Logger
	engine *gin.Engine
	server *http.Server
}

func newAPI(w *Warden, config *APIConfig) *API {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	a := &API{
		w:      w,
		config: config,
		logger: w.logger.With(loggerNameKey, "api"),
		engine: engine,
	}

	engine.Use(cors.New(config.CORS.GINConfig()))
	engine.GET("/healthz", a.getHealth)

	authorized := engine.Group("/api", a.requireToken)
	authorized.GET("/audit", a.getAudit)
	authorized.GET("/burst", a.getBurst)
	authorized.POST("/pause", a.postPause)
	authorized.POST("/resume", a.postResume)

	a.server = &http.Server{
		Handler:           engine,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
	}
	return a
}

// Serve listens on the configured address until the context is
// canceled, then shuts the server down gracefully.
func (a *API) Serve(ctx context.Context) error {
	listener, err := net.Listen(a.config.ListenNetwork, a.config.Listen)
	if err != nil {
		return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
	}
	a.logger.InfoContext(ctx, "api listening", "address", listener.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.server.Serve(listener)
	}()

	select {
	case err = <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(
			context.Background(), 5*time.Second,
		)
		defer cancel()
		if shutdownErr := a.server.Shutdown(shutdownCtx); shutdownErr != nil {
			a.logger.Error("error shutting down api", tint.Err(shutdownErr))
		}
		return nil
	}
}

// requireToken enforces the bearer token on the /api group.
func (a *API) requireToken(c *gin.Context) {
	if a.config.Token == "" {
		c.AbortWithStatusJSON(
			http.StatusServiceUnavailable,
			gin.H{"error": "api token not configured"},
		)
		return
	}
	header := c.GetHeader("Authorization")
	expected := "Bearer " + a.config.Token
	if subtle.ConstantTimeCompare([]byte(header), []byte(expected)) != 1 {
		c.AbortWithStatusJSON(
			http.StatusUnauthorized,
			gin.H{"error": "unauthorized"},
		)
		return
	}
	c.Next()
}

func (a *API) getHealth(c *gin.Context) {
	c.JSON(
		http.StatusOK, gin.H{
			"connected": a.w.discord.connected.Load(),
			"paused":    a.w.moderator.Paused(),
			"uptime":    time.Since(a.w.startedAt).String(),
		},
	)
}

// getAudit returns moderation audit records, newest first.
func (a *API) getAudit(c *gin.Context) {
	limit := apiAuditDefaultLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = min(parsed, apiAuditMaxLimit)
	}
	offset := 0
	if raw := c.Query("offset"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid offset"})
			return
		}
		offset = parsed
	}

	var records []ModerationAction
	var total int64
	db := a.w.db.WithContext(c.Request.Context())
	if err := db.Model(&ModerationAction{}).Count(&total).Error; err != nil {
		a.logger.Error("error counting audit records", tint.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
		return
	}
	if err := db.Order("created_at desc").Limit(limit).Offset(offset).Find(
		&records,
	).Error; err != nil {
		a.logger.Error("error fetching audit records", tint.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
		return
	}

	c.JSON(
		http.StatusOK, gin.H{
			"total":   total,
			"limit":   limit,
			"offset":  offset,
			"records": records,
		},
	)
}

func (a *API) getBurst(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"channels": a.w.burst.Status()})
}

func (a *API) postPause(c *gin.Context) {
	a.w.moderator.SetPaused(true)
	a.logger.Warn("moderation paused via api")
	c.JSON(http.StatusOK, gin.H{"paused": true})
}

func (a *API) postResume(c *gin.Context) {
	a.w.moderator.SetPaused(false)
	a.logger.Info("moderation resumed via api")
	c.JSON(http.StatusOK, gin.H{"paused": false})
}
