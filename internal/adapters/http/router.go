package http

import (
	"context"
	nethttp "net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/spaces/internal/adapters/rtc"
	"github.com/dkeye/spaces/internal/adapters/signal"
	"github.com/dkeye/spaces/internal/auth"
	"github.com/dkeye/spaces/internal/cache"
	"github.com/dkeye/spaces/internal/config"
	"github.com/dkeye/spaces/internal/core"
	"github.com/dkeye/spaces/internal/logging"
	"github.com/dkeye/spaces/internal/store"
)

const (
	clientTokenCookie = "ct"
	clientTokenKey    = "client_token"
	sessionUserKey    = "uid"
)

func genClientToken() string {
	idStr := uuid.NewString()
	return idStr
}

// ClientTokenMiddleware resolves the caller's identity: the signed session
// first, then the plain cookie, else a fresh one.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		sess := sessions.Default(c)
		token, _ := sess.Get(sessionUserKey).(string)
		if token == "" {
			token, _ = c.Cookie(clientTokenCookie)
		}
		if token == "" {
			token = genClientToken()
			c.SetCookie(clientTokenCookie, token, 3600*24*7, "/", "", false, true)
		}
		if sess.Get(sessionUserKey) != token {
			sess.Set(sessionUserKey, token)
			if err := sess.Save(); err != nil {
				log.Debug().Err(err).Str("module", "adapters.http").Msg("save session")
			}
		}
		c.Set(clientTokenKey, token)
		c.Next()
	}
}

// Deps is everything the router serves.
type Deps struct {
	Registry *core.Registry
	Store    store.SpaceStore
	Cache    cache.SummaryCache
	Issuer   *auth.Issuer
	Hub      *signal.Hub
	Media    *rtc.MediaWSController
	Gatherer prometheus.Gatherer
}

func SetupRouter(ctx context.Context, cfg config.ServerConfig, deps Deps) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logging.GinMiddleware())

	sessionStore := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("SpacesSessions", sessionStore))
	r.Use(ClientTokenMiddleware())

	if cfg.StaticPath != "" {
		r.Static("/static", cfg.StaticPath)
		r.GET("/", func(c *gin.Context) {
			c.File(cfg.StaticPath + "/index.html")
		})
	}

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(nethttp.StatusOK, gin.H{"status": "ok"})
	})
	if deps.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	h := &spacesHandler{registry: deps.Registry, store: deps.Store, cache: deps.Cache, issuer: deps.Issuer}
	if h.cache == nil {
		h.cache = cache.Nop{}
	}

	api := r.Group("/api")
	api.POST("/spaces", h.create)
	api.GET("/spaces", h.list)
	api.GET("/spaces/:id", h.get)
	api.POST("/spaces/:id/token", h.token)
	api.POST("/users/:id/follow", h.follow)

	if deps.Hub != nil {
		api.GET("/ws/signal", func(c *gin.Context) {
			log.Info().Str("module", "adapters.http").Str("sid", c.GetString(clientTokenKey)).Msg("ws signal endpoint hit")
			deps.Hub.HandleSignal(ctx, c)
		})
	}
	if deps.Media != nil {
		api.GET("/ws/media", func(c *gin.Context) {
			deps.Media.HandleMedia(ctx, c)
		})
	}

	return r
}
