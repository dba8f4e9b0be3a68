// Package server exposes the webhook ingestion HTTP surface plus the
// MercadoPago passthrough and internal debug endpoints.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/presenq/billing/internal/config"
	"github.com/presenq/billing/internal/mercadopago"
	"github.com/presenq/billing/internal/metrics"
	"github.com/presenq/billing/internal/mq"
	webhookservice "github.com/presenq/billing/internal/webhook/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

type EngineParams struct {
	fx.In

	Cfg        config.Config
	ObsMetrics *metrics.Metrics `optional:"true"`
}

func NewEngine(p EngineParams) *gin.Engine {
	if p.Cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestID())
	r.Use(MetricsMiddleware(p.ObsMetrics))
	r.Use(ErrorHandlingMiddleware())
	return r
}

type Params struct {
	fx.In

	Engine     *gin.Engine
	Cfg        config.Config
	MqCfg      mq.Config
	Conn       *mq.Connection
	Publisher  mq.Publisher
	ReceiveSvc *webhookservice.ReceiveService
	MpAPI      mercadopago.API
	Registry   *prometheus.Registry
	Log        *zap.Logger
	ObsMetrics *metrics.Metrics `optional:"true"`
}

type Server struct {
	engine     *gin.Engine
	cfg        config.Config
	mqCfg      mq.Config
	conn       *mq.Connection
	publisher  mq.Publisher
	receiveSvc *webhookservice.ReceiveService
	mpAPI      mercadopago.API
	log        *zap.Logger
	obsMetrics *metrics.Metrics
}

func NewServer(p Params) *Server {
	s := &Server{
		engine:     p.Engine,
		cfg:        p.Cfg,
		mqCfg:      p.MqCfg,
		conn:       p.Conn,
		publisher:  p.Publisher,
		receiveSvc: p.ReceiveSvc,
		mpAPI:      p.MpAPI,
		log:        p.Log.Named("server"),
		obsMetrics: p.ObsMetrics,
	}
	s.registerRoutes(p.Registry)
	return s
}

func (s *Server) registerRoutes(registry *prometheus.Registry) {
	r := s.engine

	r.GET("/health", s.HandleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	r.POST("/webhooks/mercadopago", s.HandleMercadoPagoWebhook)

	r.POST("/subscriptions", s.HandleCreateSubscription)
	r.POST("/subscriptions/:id/cancel", s.HandleCancelSubscription)
	r.POST("/subscriptions/:id/pause", s.HandlePauseSubscription)
	r.POST("/subscriptions/:id/resume", s.HandleResumeSubscription)
	r.POST("/pix/payments", s.HandleCreatePixPayment)

	internal := r.Group("/internal", s.InternalOnly())
	internal.POST("/mq/publish-mock", s.HandleInternalPublishMock)
	internal.GET("/mq/status", s.HandleInternalMqStatus)
}

func (s *Server) HandleHealth(c *gin.Context) {
	status := s.conn.Status()
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"mq": gin.H{
			"connected": status.Connected,
			"channel":   status.ChannelReady,
		},
	})
}

func run(lc fx.Lifecycle, r *gin.Engine, cfg config.Config, log *zap.Logger) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
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
