package http

import (
	"context"
	"net/http"

	"github.com/dkeye/livecam/internal/adapters/signal"
	"github.com/dkeye/livecam/internal/app/orch"
	"github.com/dkeye/livecam/internal/config"
	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	ownerHeader = "X-Owner-ID"
	ownerKey    = "owner_id"
	clientKey   = "client_token"
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
		c.Set(clientKey, token)
		c.Next()
	}
}

// OwnerMiddleware resolves the owner id: an explicit header wins so several
// devices can share one owner, otherwise it lives in the cookie session.
func OwnerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		owner := c.GetHeader(ownerHeader)
		if owner == "" {
			sess := sessions.Default(c)
			owner, _ = sess.Get(ownerKey).(string)
			if owner == "" {
				owner = uuid.NewString()
				sess.Set(ownerKey, owner)
				if err := sess.Save(); err != nil {
					log.Warn().Err(err).Str("module", "adapters.http").Msg("save session")
				}
			}
		}
		c.Set(ownerKey, owner)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, o *orch.Orchestrator) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	corsCfg := cors.DefaultConfig()
	corsCfg.AllowOrigins = cfg.CORSOrigins
	corsCfg.AllowCredentials = true
	corsCfg.AllowHeaders = []string{"Content-Type", "Origin", "Accept", ownerHeader}
	corsCfg.AllowMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
	if len(corsCfg.AllowOrigins) > 0 {
		r.Use(cors.New(corsCfg))
	}

	secret := cfg.Secret
	if secret == "" {
		secret = uuid.NewString()
		log.Warn().Str("module", "adapters.http").Msg("no session secret configured, owner cookies will not survive a restart")
	}
	store := cookie.NewStore([]byte(secret))
	r.Use(sessions.Sessions("LivecamSessions", store))
	r.Use(ClientTokenMiddleware())
	r.Use(OwnerMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.Static("/static", cfg.StaticPath)
	r.GET("/", func(c *gin.Context) {
		c.File(cfg.StaticPath + "/index.html")
	})

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	h := &Handlers{
		Orch:    o,
		Limiter: signal.NewRateLimiter(cfg.RateLimit.Connects, cfg.RateLimit.Interval),
	}
	feeds := signal.NewFeedController(o, cfg.PingPeriod, cfg.ReadLimit)

	api := r.Group("/api")
	api.GET("/whoami", h.WhoAmI)
	api.GET("/sessions", h.ListSessions)

	api.POST("/broadcasts", h.StartBroadcast)
	api.GET("/broadcasts", h.ListBroadcasts)
	api.DELETE("/broadcasts/:id", h.StopBroadcast)
	api.POST("/broadcasts/:id/tracks", h.SetTrack)

	api.POST("/viewer", h.Connect)
	api.GET("/viewer", h.ViewerStatus)
	api.DELETE("/viewer", h.Disconnect)

	api.GET("/ws/events", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("client", c.GetString(clientKey)).Msg("ws events endpoint hit")
		feeds.HandleEvents(ctx, c)
	})
	api.GET("/ws/sessions", func(c *gin.Context) {
		feeds.HandleSessions(ctx, c)
	})

	return r
}
