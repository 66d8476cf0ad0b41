package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	auditdomain "github.com/smallbiznis/payflow/internal/audit/domain"
	"github.com/smallbiznis/payflow/internal/authorization"
	"github.com/smallbiznis/payflow/internal/config"
	"github.com/smallbiznis/payflow/internal/fulfillment"
	gatewaydomain "github.com/smallbiznis/payflow/internal/gateway/domain"
	identitydomain "github.com/smallbiznis/payflow/internal/identity/domain"
	"github.com/smallbiznis/payflow/internal/observability"
	obsmiddleware "github.com/smallbiznis/payflow/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/payflow/internal/observability/metrics"
	obstracing "github.com/smallbiznis/payflow/internal/observability/tracing"
	purchasedomain "github.com/smallbiznis/payflow/internal/purchase/domain"
	"github.com/smallbiznis/payflow/internal/ratelimit"
	reconciledomain "github.com/smallbiznis/payflow/internal/reconcile/domain"
	settingsdomain "github.com/smallbiznis/payflow/internal/settings/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Provide(NewServer),
	fx.Invoke(ensureServer),
	fx.Invoke(RunHTTP),
)

func ensureServer(_ *Server) {}

func NewEngine(obsCfg observability.Config, log *zap.Logger) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(log, obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func RunHTTP(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	addr := ":" + strings.TrimPrefix(strings.TrimSpace(cfg.HTTPPort), ":")
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				log.Info("http server listening", zap.String("addr", addr))
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type purchaseLimiter interface {
	AllowUser(ctx context.Context, userID string) (*ratelimit.RateLimitResult, error)
}

type receiptRenderer interface {
	Render(ctx context.Context, purchase *purchasedomain.Purchase) ([]byte, error)
}

type Server struct {
	engine          *gin.Engine
	cfg             config.Config
	db              *gorm.DB
	log             *zap.Logger
	identitySvc     identitydomain.Service
	authzSvc        authorization.Service
	purchaseSvc     purchasedomain.Service
	reconcileSvc    reconciledomain.Service
	settingsSvc     settingsdomain.Service
	auditSvc        auditdomain.Service
	gatewayHealth   gatewaydomain.HealthChecker
	receipts        receiptRenderer
	purchaseLimiter purchaseLimiter
	obsMetrics      *obsmetrics.Metrics
}

type ServerParams struct {
	fx.In

	Gin             *gin.Engine
	Cfg             config.Config
	DB              *gorm.DB
	Log             *zap.Logger
	IdentitySvc     identitydomain.Service
	AuthzSvc        authorization.Service
	PurchaseSvc     purchasedomain.Service
	ReconcileSvc    reconciledomain.Service
	SettingsSvc     settingsdomain.Service
	AuditSvc        auditdomain.Service
	GatewayHealth   gatewaydomain.HealthChecker
	Receipts        *fulfillment.Receipts
	PurchaseLimiter *ratelimit.PurchaseLimiter `optional:"true"`
	ObsMetrics      *obsmetrics.Metrics        `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:          p.Gin,
		cfg:             p.Cfg,
		db:              p.DB,
		log:             p.Log.Named("http.server"),
		identitySvc:     p.IdentitySvc,
		authzSvc:        p.AuthzSvc,
		purchaseSvc:     p.PurchaseSvc,
		reconcileSvc:    p.ReconcileSvc,
		settingsSvc:     p.SettingsSvc,
		auditSvc:        p.AuditSvc,
		gatewayHealth:   p.GatewayHealth,
		receipts:        p.Receipts,
		purchaseLimiter: p.PurchaseLimiter,
		obsMetrics:      p.ObsMetrics,
	}

	svc.registerPurchaseRoutes()
	svc.registerPaymentRoutes()
	svc.registerAdminRoutes()
	svc.registerFallback()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerPurchaseRoutes() {
	purchases := s.engine.Group("/purchases", s.AuthRequired())
	{
		purchases.POST("", s.PurchaseRateLimit(), s.CreatePurchase)
		purchases.GET("/:id", s.GetPurchase)
		purchases.GET("/:id/receipt", s.GetPurchaseReceipt)
	}
}

// Gateway-originated; authenticity comes from the verified status enquiry,
// not from the caller.
func (s *Server) registerPaymentRoutes() {
	payments := s.engine.Group("/payments")
	{
		payments.POST("/callback", s.PaymentCallback)
		payments.POST("/error", s.PaymentError)
	}
}

func (s *Server) registerAdminRoutes() {
	admin := s.engine.Group("/admin", s.AuthRequired())
	{
		admin.GET("/integrations", s.authorizeAction(authorization.ObjectIntegration, authorization.ActionIntegrationView), s.ListIntegrations)
		admin.PUT("/integrations", s.authorizeAction(authorization.ObjectIntegration, authorization.ActionIntegrationUpdate), s.UpsertIntegrations)
		admin.POST("/integrations/test", s.authorizeAction(authorization.ObjectIntegration, authorization.ActionIntegrationTest), s.TestIntegration)
		admin.GET("/diagnostics", s.authorizeAction(authorization.ObjectDiagnostics, authorization.ActionDiagnosticsView), s.ListDiagnostics)
	}
}

func (s *Server) registerFallback() {
	s.engine.NoRoute(func(c *gin.Context) {
		AbortWithError(c, ErrNotFound)
	})
}
