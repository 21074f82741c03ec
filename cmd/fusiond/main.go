package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/scenefuse/backend/internal/catalog"
	"github.com/scenefuse/backend/internal/checkout"
	"github.com/scenefuse/backend/internal/composer"
	"github.com/scenefuse/backend/internal/genclient"
	"github.com/scenefuse/backend/internal/httpapi"
	"github.com/scenefuse/backend/internal/ledger"
	"github.com/scenefuse/backend/internal/pipeline"
	"github.com/scenefuse/backend/internal/storage"
	"github.com/scenefuse/backend/internal/store/gormstore"
	"github.com/scenefuse/backend/internal/webhook"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	flagDatabaseURL     = "database-url"
	flagListenAddr      = "listen-addr"
	flagSiteURL         = "site-url"
	flagMediaDir        = "media-dir"
	flagAllowedOrigins  = "allowed-origins"
	flagGenerationCost  = "generation-cost"
	flagRefundOnEmpty   = "refund-on-empty"
	flagSignupCredits   = "signup-credits"
	flagGenAIBaseURL    = "genai-base-url"
	flagGenAIModel      = "genai-model"
	flagCheckoutBaseURL = "checkout-base-url"

	configKeyDatabaseURL       = "database_url"
	configKeyListenAddr        = "listen_addr"
	configKeySiteURL           = "site_url"
	configKeyMediaDir          = "media_dir"
	configKeyAllowedOrigins    = "allowed_origins"
	configKeyGenerationCost    = "generation_cost"
	configKeyRefundOnEmpty     = "refund_on_empty"
	configKeySignupCredits     = "signup_credits"
	configKeyGenAIBaseURL      = "genai_base_url"
	configKeyGenAIAPIKey       = "genai_api_key"
	configKeyGenAIModel        = "genai_model"
	configKeyCheckoutBaseURL   = "checkout_base_url"
	configKeyCheckoutAPIKey    = "checkout_api_key"
	configKeyWebhookSecret     = "webhook_secret"
	configKeySessionSigningKey = "session_signing_key"
	configKeySessionIssuer     = "session_issuer"
	configKeySessionCookie     = "session_cookie"

	defaultDatabaseURL     = "sqlite:///tmp/scenefuse.db"
	defaultListenAddr      = ":8080"
	defaultSiteURL         = "http://localhost:5173"
	defaultMediaDir        = "./media"
	defaultAllowedOrigins  = "http://localhost:5173"
	defaultGenAIBaseURL    = "https://generativelanguage.googleapis.com"
	defaultGenAIModel      = "gemini-2.5-flash-image-preview"
	defaultCheckoutBaseURL = "https://api.creem.io"
	defaultGenerationCost  = pipeline.DefaultGenerationCost
	defaultSignupCredits   = 30
)

type runtimeConfig struct {
	DatabaseURL       string
	ListenAddr        string
	SiteURL           string
	MediaDir          string
	AllowedOrigins    string
	GenerationCost    int64
	RefundOnEmpty     bool
	SignupCredits     int64
	GenAIBaseURL      string
	GenAIAPIKey       string
	GenAIModel        string
	CheckoutBaseURL   string
	CheckoutAPIKey    string
	WebhookSecret     string
	SessionSigningKey string
	SessionIssuer     string
	SessionCookie     string
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fusiond: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "fusiond",
		Short:         "Credit-gated image generation backend",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL or sqlite connection string")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagSiteURL, defaultSiteURL, "Public site URL used for media and checkout redirects")
	cmd.Flags().String(flagMediaDir, defaultMediaDir, "Directory for uploaded persona avatars")
	cmd.Flags().String(flagAllowedOrigins, defaultAllowedOrigins, "Comma-separated CORS origins")
	cmd.Flags().Int64(flagGenerationCost, defaultGenerationCost, "Credits charged per generation")
	cmd.Flags().Bool(flagRefundOnEmpty, true, "Refund the reservation when the model returns no image")
	cmd.Flags().Int64(flagSignupCredits, defaultSignupCredits, "Credits granted once per new user")
	cmd.Flags().String(flagGenAIBaseURL, defaultGenAIBaseURL, "Generation API base URL")
	cmd.Flags().String(flagGenAIModel, defaultGenAIModel, "Generation model name")
	cmd.Flags().String(flagCheckoutBaseURL, defaultCheckoutBaseURL, "Checkout API base URL")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	envBindings := map[string]string{
		configKeyDatabaseURL:       "DATABASE_URL",
		configKeyListenAddr:        "LISTEN_ADDR",
		configKeySiteURL:           "SITE_URL",
		configKeyMediaDir:          "MEDIA_DIR",
		configKeyAllowedOrigins:    "ALLOWED_ORIGINS",
		configKeyGenerationCost:    "GENERATION_COST",
		configKeyRefundOnEmpty:     "REFUND_ON_EMPTY",
		configKeySignupCredits:     "SIGNUP_CREDITS",
		configKeyGenAIBaseURL:      "GENAI_BASE_URL",
		configKeyGenAIAPIKey:       "GENAI_API_KEY",
		configKeyGenAIModel:        "GENAI_MODEL",
		configKeyCheckoutBaseURL:   "CHECKOUT_BASE_URL",
		configKeyCheckoutAPIKey:    "CHECKOUT_API_KEY",
		configKeyWebhookSecret:     "WEBHOOK_SECRET",
		configKeySessionSigningKey: "SESSION_SIGNING_KEY",
		configKeySessionIssuer:     "SESSION_ISSUER",
		configKeySessionCookie:     "SESSION_COOKIE",
	}
	for configKey, envName := range envBindings {
		if err := viper.BindEnv(configKey, envName); err != nil {
			return err
		}
	}

	flagBindings := map[string]string{
		configKeyDatabaseURL:     flagDatabaseURL,
		configKeyListenAddr:      flagListenAddr,
		configKeySiteURL:         flagSiteURL,
		configKeyMediaDir:        flagMediaDir,
		configKeyAllowedOrigins:  flagAllowedOrigins,
		configKeyGenerationCost:  flagGenerationCost,
		configKeyRefundOnEmpty:   flagRefundOnEmpty,
		configKeySignupCredits:   flagSignupCredits,
		configKeyGenAIBaseURL:    flagGenAIBaseURL,
		configKeyGenAIModel:      flagGenAIModel,
		configKeyCheckoutBaseURL: flagCheckoutBaseURL,
	}
	for configKey, flagName := range flagBindings {
		if err := viper.BindPFlag(configKey, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.ListenAddr = viper.GetString(configKeyListenAddr)
	cfg.SiteURL = viper.GetString(configKeySiteURL)
	cfg.MediaDir = viper.GetString(configKeyMediaDir)
	cfg.AllowedOrigins = viper.GetString(configKeyAllowedOrigins)
	cfg.GenerationCost = viper.GetInt64(configKeyGenerationCost)
	cfg.RefundOnEmpty = viper.GetBool(configKeyRefundOnEmpty)
	cfg.SignupCredits = viper.GetInt64(configKeySignupCredits)
	cfg.GenAIBaseURL = viper.GetString(configKeyGenAIBaseURL)
	cfg.GenAIAPIKey = viper.GetString(configKeyGenAIAPIKey)
	cfg.GenAIModel = viper.GetString(configKeyGenAIModel)
	cfg.CheckoutBaseURL = viper.GetString(configKeyCheckoutBaseURL)
	cfg.CheckoutAPIKey = viper.GetString(configKeyCheckoutAPIKey)
	cfg.WebhookSecret = viper.GetString(configKeyWebhookSecret)
	cfg.SessionSigningKey = viper.GetString(configKeySessionSigningKey)
	cfg.SessionIssuer = viper.GetString(configKeySessionIssuer)
	cfg.SessionCookie = viper.GetString(configKeySessionCookie)

	if cfg.GenAIAPIKey == "" {
		return fmt.Errorf("GENAI_API_KEY is required")
	}
	if cfg.WebhookSecret == "" {
		return fmt.Errorf("WEBHOOK_SECRET is required")
	}
	if cfg.SessionSigningKey == "" {
		return fmt.Errorf("SESSION_SIGNING_KEY is required")
	}
	if cfg.CheckoutAPIKey == "" {
		return fmt.Errorf("CHECKOUT_API_KEY is required")
	}
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	gormDB, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer cleanup()

	if err := prepareSchema(gormDB, driver); err != nil {
		return err
	}

	store := gormstore.New(gormDB)
	clock := func() int64 { return time.Now().UTC().Unix() }
	ledgerService, err := ledger.NewService(store, clock, ledger.WithOperationLogger(&zapOperationLogger{logger: logger}))
	if err != nil {
		return fmt.Errorf("ledger service init: %w", err)
	}

	serverConfig := httpapi.Config{
		ListenAddr:        cfg.ListenAddr,
		AllowedOrigins:    httpapi.ParseAllowedOrigins(cfg.AllowedOrigins),
		SessionSigningKey: cfg.SessionSigningKey,
		SessionIssuer:     cfg.SessionIssuer,
		SessionCookieName: cfg.SessionCookie,
		SiteURL:           cfg.SiteURL,
		MediaDir:          cfg.MediaDir,
		SignupCredits:     cfg.SignupCredits,
	}
	if err := serverConfig.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	blobs, err := storage.NewDiskStore(serverConfig.MediaDir, serverConfig.MediaBaseURL())
	if err != nil {
		return fmt.Errorf("media store init: %w", err)
	}
	catalogService, err := catalog.NewService(store, blobs, clock)
	if err != nil {
		return fmt.Errorf("catalog service init: %w", err)
	}
	if err := catalogService.SeedBuiltins(ctx, catalog.Builtins()); err != nil {
		return fmt.Errorf("catalog seed: %w", err)
	}

	generator, err := genclient.New(genclient.Config{
		BaseURL: cfg.GenAIBaseURL,
		APIKey:  cfg.GenAIAPIKey,
		Model:   cfg.GenAIModel,
	})
	if err != nil {
		return fmt.Errorf("generation client init: %w", err)
	}

	orchestrator, err := pipeline.NewOrchestrator(ledgerService, composer.NewBuilder(nil), generator, logger, pipeline.Config{
		Cost:          ledger.Credits(cfg.GenerationCost),
		RefundOnEmpty: cfg.RefundOnEmpty,
	})
	if err != nil {
		return fmt.Errorf("pipeline init: %w", err)
	}

	checkoutClient, err := checkout.New(checkout.Config{
		BaseURL: cfg.CheckoutBaseURL,
		APIKey:  cfg.CheckoutAPIKey,
		SiteURL: serverConfig.SiteURL,
	})
	if err != nil {
		return fmt.Errorf("checkout client init: %w", err)
	}

	reconciler, err := webhook.NewReconciler(cfg.WebhookSecret, ledgerService, logger)
	if err != nil {
		return fmt.Errorf("webhook reconciler init: %w", err)
	}

	return httpapi.Run(ctx, serverConfig, httpapi.Services{
		Ledger:       ledgerService,
		Catalog:      catalogService,
		Orchestrator: orchestrator,
		Checkout:     checkoutClient,
		Webhook:      reconciler,
	}, logger)
}

type zapOperationLogger struct {
	logger *zap.Logger
}

func (operationLogger *zapOperationLogger) LogOperation(_ context.Context, entry ledger.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("user_id", entry.UserID),
		zap.Int64("credits", int64(entry.Credits)),
		zap.String("idempotency_key", entry.IdempotencyKey),
		zap.String("status", entry.Status),
	}
	if entry.ReservationID != "" {
		fields = append(fields, zap.String("reservation_id", entry.ReservationID))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		operationLogger.logger.Warn("ledger operation", fields...)
		return
	}
	operationLogger.logger.Info("ledger operation", fields...)
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	gormConfig := &gorm.Config{}
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), gormConfig)
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), gormConfig)
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, driver, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "scenefuse.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return "sqlite", sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return "sqlite", sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}

func prepareSchema(db *gorm.DB, driver string) error {
	if driver != "sqlite" {
		return nil
	}
	if err := db.AutoMigrate(&gormstore.Account{}, &gormstore.LedgerEntry{}, &gormstore.Persona{}); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
