package http

import (
	"context"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Ensemble/internal/adapters/ws"
	"github.com/dkeye/Ensemble/internal/config"
	"github.com/dkeye/Ensemble/internal/engine"
)

func genClientToken() string {
	return uuid.NewString()
}

// ClientTokenMiddleware pins a long-lived token cookie on every visitor so
// the web client can correlate reconnects.
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

// SetupRouter wires the HTTP surface: static client, REST under /api and
// the websocket endpoint the realtime protocol runs over.
func SetupRouter(ctx context.Context, cfg *config.Config, srv *engine.Server) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("EnsembleSessions", store))
	r.Use(ClientTokenMiddleware())

	r.Static("/static", cfg.StaticPath)
	r.GET("/", func(c *gin.Context) {
		c.File(cfg.StaticPath + "/index.html")
	})

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	api := r.Group("/api")

	// GET /api/channels — the visible channel list, same shape as "ls".
	api.GET("/channels", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"channels": srv.ChannelList()})
	})

	ctl := ws.NewController(srv)
	api.GET("/ws", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").
			Str("sid", c.GetString("client_token")).Msg("ws endpoint hit")
		ctl.Handle(ctx, c)
	})

	return r
}
