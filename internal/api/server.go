// Package api serves subscription documents and a small bearer-protected
// admin surface over HTTP.
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"alamor/internal/config"
	"alamor/internal/logger"
	"alamor/internal/model"
	"alamor/internal/subscription"
	"alamor/internal/syncer"

	"github.com/gin-gonic/gin"
)

type Subscriptions interface {
	Document(ctx context.Context, subID string) (*subscription.Document, error)
	Refresh(ctx context.Context, purchaseID uint) (*subscription.Document, error)
	RefreshAll(ctx context.Context) (subscription.RefreshReport, error)
}

type Purchases interface {
	Purchase(ctx context.Context, id uint) (*model.Purchase, error)
	PurchaseBySubID(ctx context.Context, subID string) (*model.Purchase, error)
}

type SubIDFixer interface {
	FixSubIDs(ctx context.Context) (int, error)
}

// SyncFunc runs one full inbound sync pass.
type SyncFunc func(ctx context.Context) syncer.Report

type Deps struct {
	Subscriptions Subscriptions
	Purchases     Purchases
	Fixer         SubIDFixer
	Sync          SyncFunc
}

type Server struct {
	cfg     config.HTTPConfig
	deps    Deps
	limiter *ipLimiter
	engine  *gin.Engine
	http    *http.Server
}

func New(cfg config.HTTPConfig, deps Deps) *Server {
	s := &Server{cfg: cfg, deps: deps}
	if cfg.RateLimit > 0 {
		s.limiter = newIPLimiter(cfg.RateLimit, cfg.RateBurst, 3*time.Minute)
	}
	s.engine = s.routes()
	return s
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), accessLog())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	sub := r.Group("/sub")
	if s.limiter != nil {
		sub.Use(s.limiter.middleware())
	}
	sub.GET("/:subId", s.getSubscription)
	sub.GET("/:subId/qr", s.getQR)

	admin := r.Group("/admin", s.requireAdmin())
	admin.POST("/sync", s.postSync)
	admin.POST("/refresh-all", s.postRefreshAll)
	admin.POST("/purchases/:id/refresh", s.postRefresh)
	admin.GET("/purchases/:id", s.getPurchase)

	return r
}

func (s *Server) Handler() http.Handler { return s.engine }

// ListenAndServe blocks until the server stops. http.ErrServerClosed is
// reported as nil.
func (s *Server) ListenAndServe() error {
	s.http = &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	logger.Log.Infof("🌐 Subscription server listening on %s", s.cfg.Listen)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.limiter != nil {
		s.limiter.Close()
	}
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AdminToken == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin api disabled"})
			return
		}
		token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AdminToken)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Log.Debugf("%s %s -> %d (%s, %s)", c.Request.Method, c.Request.URL.Path,
			c.Writer.Status(), time.Since(start).Round(time.Millisecond), c.ClientIP())
	}
}
