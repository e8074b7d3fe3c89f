package botchat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
)

const defaultAPIMemoryLimit = 20

// API is the admin/status HTTP server: read-only state plus triggers
// for curation. It binds to localhost by default and carries no
// authentication of its own.
type API struct {
	config     *APIConfig
	bot        *Bot
	logger     *slog.Logger
	httpServer *http.Server
}

func newAPI(config *APIConfig, bot *Bot) *API {
	logger := newLogger("api", config.LogLevel)

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	if len(config.CORSAllowOrigins) > 0 {
		engine.Use(
			cors.New(
				cors.Config{
					AllowOrigins: config.CORSAllowOrigins,
					AllowMethods: DefaultCORSAllowMethods,
					AllowHeaders: DefaultCORSAllowHeaders,
					MaxAge:       DefaultAPICORSMaxAge,
				},
			),
		)
	}

	a := &API{
		config: config,
		bot:    bot,
		logger: logger,
	}
	a.registerRoutes(engine)

	a.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           engine,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
	}
	return a
}

func (a *API) registerRoutes(engine *gin.Engine) {
	api := engine.Group("/api")
	api.GET("/status", a.getStatus)
	api.GET("/memories", a.getMemories)
	api.POST("/memories/optimize", a.postOptimize)
	api.POST("/archives/:scope/review", a.postReview)
	api.DELETE("/history/:scope", a.deleteHistory)
}

// statusResponse is the GET /api/status payload.
type statusResponse struct {
	StartedAt      time.Time `json:"started_at"`
	Uptime         string    `json:"uptime"`
	Scopes         int       `json:"scopes"`
	Turns          int       `json:"turns"`
	Memories       int       `json:"memories"`
	Profiles       int       `json:"profiles"`
	Flushes        int64     `json:"flushes"`
	BackendCalls   int64     `json:"backend_calls"`
	CuratorBacklog int       `json:"curator_backlog"`
	LastOptimized  time.Time `json:"last_optimized"`
}

func (a *API) getStatus(c *gin.Context) {
	var backendCalls int64
	if a.bot.db != nil {
		count, err := a.bot.db.RequestCount()
		if err != nil {
			a.logger.Error("error counting request logs", tint.Err(err))
		} else {
			backendCalls = count
		}
	}

	c.JSON(
		http.StatusOK, statusResponse{
			StartedAt:      a.bot.startedAt,
			Uptime:         time.Since(a.bot.startedAt).Round(time.Second).String(),
			Scopes:         len(a.bot.turns.Scopes()),
			Turns:          a.bot.turns.TotalTurns(),
			Memories:       a.bot.longTerm.Len(),
			Profiles:       a.bot.profiles.Len(),
			Flushes:        a.bot.aggregator.Flushes(),
			BackendCalls:   backendCalls,
			CuratorBacklog: a.bot.curator.QueueLen(),
			LastOptimized:  a.bot.longTerm.LastOptimized(),
		},
	)
}

func (a *API) getMemories(c *gin.Context) {
	limit := defaultAPIMemoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(
				http.StatusBadRequest,
				gin.H{"error": "limit must be a positive integer"},
			)
			return
		}
		limit = n
	}
	c.JSON(
		http.StatusOK,
		gin.H{"memories": a.bot.longTerm.Recent(limit)},
	)
}

func (a *API) postOptimize(c *gin.Context) {
	a.bot.curator.EnqueueOptimize()
	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

func (a *API) postReview(c *gin.Context) {
	scope := c.Param("scope")
	a.bot.curator.EnqueueReview(scope)
	c.JSON(http.StatusAccepted, gin.H{"status": "queued", "scope": scope})
}

func (a *API) deleteHistory(c *gin.Context) {
	scope := c.Param("scope")
	a.bot.turns.Clear(scope)
	c.JSON(http.StatusOK, gin.H{"status": "cleared", "scope": scope})
}

// Serve runs the server until the context is canceled.
func (a *API) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("admin api listening", "listen", a.config.Listen)
		errCh <- a.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(
			context.Background(), 5*time.Second,
		)
		defer cancel()
		if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("api shutdown: %w", err)
		}
		return nil
	}
}
