package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/scenefuse/backend/internal/catalog"
	"github.com/scenefuse/backend/internal/checkout"
	"github.com/scenefuse/backend/internal/ledger"
	"github.com/scenefuse/backend/internal/pipeline"
	"github.com/scenefuse/backend/internal/webhook"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const authClaimsKey = "auth_claims"

// Services bundles the domain dependencies of the HTTP facade.
type Services struct {
	Ledger       *ledger.Service
	Catalog      *catalog.Service
	Orchestrator *pipeline.Orchestrator
	Checkout     *checkout.Client
	Webhook      *webhook.Reconciler
}

// Run boots the HTTP API using the supplied configuration and blocks until
// ctx is cancelled.
func Run(ctx context.Context, cfg Config, services Services, logger *zap.Logger) error {
	sessionValidator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return fmt.Errorf("session validator: %w", err)
	}

	handler := &httpHandler{
		logger:   logger,
		cfg:      cfg,
		services: services,
	}
	router := setupRouter(cfg, handler, sessionValidator)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http api listening", zap.String("addr", cfg.ListenAddr))
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

func setupRouter(cfg Config, handler *httpHandler, validator *sessionvalidator.Validator) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.Static(defaultMediaRoute, cfg.MediaDir)
	router.POST("/webhooks/payment", handler.handlePaymentWebhook)

	api := router.Group("/api")
	api.Use(validator.GinMiddleware(authClaimsKey))

	api.GET("/session", handler.handleSession)
	api.POST("/bootstrap", handler.handleBootstrap)
	api.GET("/wallet", handler.handleWallet)
	api.GET("/personas", handler.handleListPersonas)
	api.POST("/personas", handler.handleCreatePersona)
	api.POST("/generations", handler.handleGenerate)
	api.POST("/checkout", handler.handleCheckout)

	return router
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(authClaimsKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
