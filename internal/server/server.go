package server

import (
	"context"
	"net/http"
	"time"

	"github.com/AaronL1011/polly-ai/internal/account"
	accountdomain "github.com/AaronL1011/polly-ai/internal/account/domain"
	"github.com/AaronL1011/polly-ai/internal/admission"
	admissiondomain "github.com/AaronL1011/polly-ai/internal/admission/domain"
	"github.com/AaronL1011/polly-ai/internal/config"
	"github.com/AaronL1011/polly-ai/internal/ledger"
	ledgerdomain "github.com/AaronL1011/polly-ai/internal/ledger/domain"
	obsmetrics "github.com/AaronL1011/polly-ai/internal/observability/metrics"
	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	account.Module,
	admission.Module,
	ledger.Module,
	fx.Provide(NewEngine),
	fx.Provide(NewServer),
	fx.Invoke(registerRoutes),
	fx.Invoke(run),
)

func NewEngine(metrics *obsmetrics.Metrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{})))

	return r
}

type Server struct {
	engine       *gin.Engine
	cfg          config.Config
	log          *zap.Logger
	genID        *snowflake.Node
	billingCfg   *config.BillingConfigHolder
	accountSvc   accountdomain.Service
	admissionSvc admissiondomain.Service
	ledgerSvc    ledgerdomain.Service
}

type ServerParams struct {
	fx.In

	Gin          *gin.Engine
	Cfg          config.Config
	Log          *zap.Logger
	GenID        *snowflake.Node
	BillingCfg   *config.BillingConfigHolder
	AccountSvc   accountdomain.Service
	AdmissionSvc admissiondomain.Service
	LedgerSvc    ledgerdomain.Service
}

func NewServer(p ServerParams) *Server {
	return &Server{
		engine:       p.Gin,
		cfg:          p.Cfg,
		log:          p.Log.Named("http.server"),
		genID:        p.GenID,
		billingCfg:   p.BillingCfg,
		accountSvc:   p.AccountSvc,
		admissionSvc: p.AdmissionSvc,
		ledgerSvc:    p.LedgerSvc,
	}
}

func registerRoutes(s *Server) {
	v1 := s.engine.Group("/v1/billing")

	v1.POST("/authorize", s.Authorize)
	v1.POST("/commit", s.Commit)
	v1.POST("/credits/grant", s.GrantCredits)
	v1.GET("/balance", s.GetBalance)
	v1.GET("/transactions", s.ListTransactions)
	v1.GET("/usage", s.ListUsageEvents)
	v1.GET("/packs", s.ListCreditPacks)
}

func run(lc fx.Lifecycle, r *gin.Engine, cfg config.Config) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
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
