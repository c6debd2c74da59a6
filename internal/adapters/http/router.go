package http

import (
	"context"
	"time"

	"github.com/dkeye/Hearth/internal/adapters/signal"
	"github.com/dkeye/Hearth/internal/app/orch"
	"github.com/dkeye/Hearth/internal/config"
	"github.com/dkeye/Hearth/internal/core"
	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const clientTokenKey = "client_token"

// Deps are the collaborators the router dispatches to.
type Deps struct {
	Orch   *orch.Orchestrator
	Signal *signal.Controller
	Auth   core.AuthService
}

func genClientToken() string {
	return uuid.NewString()
}

// ClientTokenMiddleware gives every browser a stable token kept in the session
// cookie; the signaling gateway uses it as the device id.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		session := sessions.Default(c)
		token, _ := session.Get("ct").(string)
		if token == "" {
			token = genClientToken()
			session.Set("ct", token)
			if err := session.Save(); err != nil {
				log.Warn().Str("module", "adapters.http").Err(err).Msg("save session")
			}
		}
		c.Set(clientTokenKey, token)
		c.Next()
	}
}

func corsConfig(cfg *config.Config) cors.Config {
	cc := cors.Config{
		AllowMethods:  []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if len(cfg.AllowedOrigins) == 0 {
		cc.AllowAllOrigins = true
		return cc
	}
	cc.AllowOrigins = cfg.AllowedOrigins
	cc.AllowCredentials = true
	return cc
}

func sessionSecret(cfg *config.Config) []byte {
	if cfg.Secret != "" {
		return []byte(cfg.Secret)
	}
	return []byte(cfg.Auth.JWTSecret)
}

func SetupRouter(ctx context.Context, cfg *config.Config, d Deps) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())
	r.Use(cors.New(corsConfig(cfg)))

	store := cookie.NewStore(sessionSecret(cfg))
	store.Options(sessions.Options{Path: "/", MaxAge: 3600 * 24 * 7, HttpOnly: true})
	r.Use(sessions.Sessions("HearthSessions", store))
	r.Use(ClientTokenMiddleware())

	r.Static("/static", cfg.StaticPath)
	r.GET("/", func(c *gin.Context) {
		c.File(cfg.StaticPath + "/index.html")
	})
	r.GET("/healthz", health(d.Orch))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Strs("origins", cfg.AllowedOrigins).Msg("router setup")

	api := r.Group("/api")
	api.GET("/ws/signal", func(c *gin.Context) {
		log.Debug().Str("module", "adapters.http").Str("ct", c.GetString(clientTokenKey)).Msg("ws signal endpoint hit")
		d.Signal.HandleSignal(ctx, c)
	})

	rooms := api.Group("/rooms", RequireIdentity(d.Auth))
	h := &roomHandlers{orch: d.Orch, signal: d.Signal}
	rooms.GET("", h.list)
	rooms.POST("", h.create)
	rooms.GET("/:id", h.get)
	rooms.DELETE("/:id", h.delete)
	rooms.POST("/:id/invites", h.invite)

	return r
}
