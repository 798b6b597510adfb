package roster

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/danmuck/meshctl/internal/auth"
	"github.com/danmuck/meshctl/internal/membership"
	"github.com/danmuck/meshctl/internal/node"
	"github.com/danmuck/meshctl/internal/observability"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// defaultWaitLimit bounds one long-poll on the wait endpoint. Clients
// that want to keep waiting issue another request.
const defaultWaitLimit = 25 * time.Second

// Server publishes a membership store over HTTP so participants in
// separate processes rendezvous on one authoritative view.
type Server struct {
	ID    string    `json:"id"`
	Addr  string    `json:"addr"`
	Began time.Time `json:"began"`

	// Auth guards the mutating routes when set. Reads stay open.
	Auth string `json:"-"`

	Store *membership.MemStore `json:"-"`

	router    *gin.Engine
	basePath  string
	waitLimit time.Duration
}

var _ node.Node = (*Server)(nil)

// Open stands up a roster service with its own store and router.
func Open(id, addr string, corsOrigins []string) *Server {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(id))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(corsOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	return &Server{
		ID:        id,
		Addr:      addr,
		Began:     time.Now(),
		Store:     membership.NewMemStore(),
		router:    r,
		waitLimit: defaultWaitLimit,
	}
}

// Attach mounts the roster routes on an existing router under basePath,
// serving the given store.
func Attach(id string, router *gin.Engine, basePath string, store *membership.MemStore) *Server {
	if store == nil {
		store = membership.NewMemStore()
	}
	return &Server{
		ID:        id,
		Began:     time.Now(),
		Store:     store,
		router:    router,
		basePath:  basePath,
		waitLimit: defaultWaitLimit,
	}
}

func (s *Server) NodeID() string {
	return s.ID
}

func (s *Server) Kind() string {
	return "roster"
}

func (s *Server) HTTPRouter() *gin.Engine {
	return s.router
}

func (s *Server) RegisterRoutes() {
	routes := s.routes()
	routes.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.Began).String(),
			"service": s.ID,
			"version": "0.0.1",
		})
	})

	routes.GET("/metrics", gin.WrapH(promhttp.Handler()))

	routes.GET("/ready", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"ready":   true,
			"uptime":  time.Since(s.Began).String(),
			"service": s.ID,
			"version": "0.0.1",
		})
	})

	routes.GET("/v1/membership", func(c *gin.Context) {
		view, err := s.Store.Fetch(c.Request.Context())
		if err != nil {
			storeError(c, err)
			return
		}
		c.JSON(http.StatusOK, payloadFromView(view))
	})

	routes.GET("/v1/membership/wait", func(c *gin.Context) {
		since, err := strconv.ParseUint(c.DefaultQuery("since", "0"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be a version number"})
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), s.waitLimit)
		defer cancel()
		view, err := s.Store.WaitForVersion(ctx, since)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				c.Status(http.StatusNoContent)
				return
			}
			storeError(c, err)
			return
		}
		c.JSON(http.StatusOK, payloadFromView(view))
	})

	guard := s.authGuard()

	routes.POST("/v1/membership/join", guard, func(c *gin.Context) {
		var req joinRequest
		if !decodeBody(c, &req) {
			return
		}
		if err := s.Store.Join(c.Request.Context(), membership.ParticipantID(req.ID), req.Capacity); err != nil {
			storeError(c, err)
			return
		}
		view, err := s.Store.Fetch(c.Request.Context())
		if err != nil {
			storeError(c, err)
			return
		}
		c.JSON(http.StatusOK, payloadFromView(view))
	})

	routes.POST("/v1/membership/leave", guard, func(c *gin.Context) {
		var req leaveRequest
		if !decodeBody(c, &req) {
			return
		}
		if err := s.Store.Leave(c.Request.Context(), membership.ParticipantID(req.ID)); err != nil {
			storeError(c, err)
			return
		}
		view, err := s.Store.Fetch(c.Request.Context())
		if err != nil {
			storeError(c, err)
			return
		}
		c.JSON(http.StatusOK, payloadFromView(view))
	})

	routes.POST("/v1/barrier/arrive", guard, func(c *gin.Context) {
		var req arriveRequest
		if !decodeBody(c, &req) {
			return
		}
		if err := s.Store.Arrive(c.Request.Context(), req.Key, membership.ParticipantID(req.ID)); err != nil {
			storeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "key": req.Key})
	})

	routes.GET("/v1/barrier", func(c *gin.Context) {
		key := c.Query("key")
		ids, err := s.Store.Arrived(c.Request.Context(), key)
		if err != nil {
			storeError(c, err)
			return
		}
		arrived := make([]string, len(ids))
		for i, id := range ids {
			arrived[i] = string(id)
		}
		c.JSON(http.StatusOK, arrivedResponse{Key: key, Arrived: arrived})
	})
}

// SweepLoop drops stale barrier keys every interval until ctx ends.
func (s *Server) SweepLoop(ctx context.Context, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Store.SweepBarriers(maxAge)
		}
	}
}

func (s *Server) Serve() error {
	s.RegisterRoutes()
	return s.router.Run(s.Addr)
}

func (s *Server) routes() gin.IRoutes {
	if s.basePath == "" {
		return s.router
	}
	return s.router.Group(s.basePath)
}

func (s *Server) authGuard() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.Auth == "" {
			return
		}
		validator := auth.StaticToken{Token: s.Auth}
		if err := validator.Validate(auth.BearerToken(c.GetHeader("Authorization"))); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		}
	}
}

func decodeBody(c *gin.Context, out any) bool {
	if err := json.NewDecoder(c.Request.Body).Decode(out); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed json body"})
		return false
	}
	return true
}

func storeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, membership.ErrInvalidParticipant), errors.Is(err, membership.ErrInvalidBarrierKey):
		status = http.StatusBadRequest
	case errors.Is(err, membership.ErrStoreClosed):
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
