package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Recorder/internal/adapters/signal"
	"github.com/dkeye/Recorder/internal/app/orch"
	"github.com/dkeye/Recorder/internal/config"
)

func genClientToken() string {
	idStr := uuid.NewString()
	return idStr
}

func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

// Deps are the optional parts of the router.
type Deps struct {
	// Recordings serves locally stored objects under /recordings.
	Recordings http.FileSystem
}

func SetupRouter(ctx context.Context, cfg *config.Config, o *orch.Orchestrator, deps Deps) *gin.Engine {
	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("RecorderSessions", store))
	r.Use(ClientTokenMiddleware())

	started := time.Now()
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":   "ok",
			"sessions": o.Registry.Count(),
			"uptime":   time.Since(started).Round(time.Second).String(),
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	if deps.Recordings != nil {
		r.StaticFS("/recordings", deps.Recordings)
	}

	api := r.Group("/api")
	api.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, "pong")
	})

	ctrl := signal.NewSignalWSController(o, signal.Options{
		ReadLimit:  cfg.ReadLimit,
		PingPeriod: cfg.PingPeriod,
	})
	api.GET("/recorder", func(c *gin.Context) {
		log.Debug().Str("module", "adapters.http").Str("client", c.GetString("client_token")).Msg("ws recorder endpoint hit")
		ctrl.HandleSignal(ctx, c)
	})

	if !cfg.Production() {
		r.GET("/admin/api/sessions", func(c *gin.Context) {
			c.JSON(http.StatusOK, o.Snapshot())
		})
	}

	log.Info().Str("module", "adapters.http").Bool("admin", !cfg.Production()).Msg("router setup")
	return r
}
