// Package httpserver is the HTTP façade over the credit ledger: bearer-token
// client routes, signed webhook routes for the payment processor and the
// identity provider, and the health and metrics endpoints.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/credits/internal/purchase"
	"github.com/MarkoPoloResearchLab/credits/pkg/ledger"
)

// Dependencies carries the wired domain services the server exposes.
type Dependencies struct {
	Ledger    *ledger.Service
	Purchases *purchase.Reconciler
	Logger    *zap.Logger
}

// Run boots the HTTP server and blocks until ctx is cancelled or the
// listener fails.
func Run(ctx context.Context, cfg Config, deps Dependencies) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if deps.Ledger == nil || deps.Purchases == nil {
		return fmt.Errorf("%w: ledger and purchases are required", ledger.ErrInvalidServiceConfig)
	}
	logger := deps.Logger
	if logger == nil {
		production, err := zap.NewProduction()
		if err != nil {
			return fmt.Errorf("zap init: %w", err)
		}
		defer func() { _ = production.Sync() }()
		logger = production
	}

	handler := &httpHandler{
		logger:    logger,
		ledger:    deps.Ledger,
		purchases: deps.Purchases,
		cfg:       cfg,
	}
	router := setupRouter(cfg, handler)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("credits api listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func setupRouter(cfg Config, handler *httpHandler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(observeRequests())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")
	api.Use(bearerAuth([]byte(cfg.AuthSigningKey), cfg.AuthIssuer))

	creditsGroup := api.Group("/credits")
	creditsGroup.GET("/balance", handler.handleBalance)
	creditsGroup.POST("/spend", handler.handleSpend)
	creditsGroup.GET("/transactions", handler.handleTransactions)
	creditsGroup.GET("/stats", handler.handleStats)
	creditsGroup.GET("/packages", handler.handlePackages)
	creditsGroup.GET("/currencies", handler.handleCurrencies)

	paymentsGroup := api.Group("/payments")
	paymentsGroup.POST("/create-intent", handler.handleCreateIntent)

	billingGroup := api.Group("/billing")
	billingGroup.GET("/invoices/:id", handler.handleInvoiceDocument)
	billingGroup.POST("/transactions/:id/invoice", handler.handleReissueInvoice)

	webhooks := router.Group("/webhooks")
	webhooks.Use(verifyWebhookSignature([]byte(cfg.WebhookSecret)))
	webhooks.POST("/payment", handler.handlePaymentWebhook)
	webhooks.POST("/account", handler.handleAccountWebhook)

	return router
}

func observeRequests() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		start := time.Now()
		ctx.Next()
		route := ctx.FullPath()
		if route == "" {
			route = "unmatched"
		}
		requestDuration.
			WithLabelValues(route, strconv.Itoa(ctx.Writer.Status())).
			Observe(time.Since(start).Seconds())
	}
}
