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
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/MarkoPoloResearchLab/credits/internal/httpserver"
	"github.com/MarkoPoloResearchLab/credits/internal/paygate"
	"github.com/MarkoPoloResearchLab/credits/internal/purchase"
	"github.com/MarkoPoloResearchLab/credits/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/credits/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/credits/pkg/ledger"
)

const (
	flagDatabaseURL    = "database-url"
	flagListenAddr     = "listen-addr"
	flagStoreDriver    = "store"
	flagAllowedOrigins = "allowed-origins"
	flagAuthSigningKey = "auth-signing-key"
	flagAuthIssuer     = "auth-issuer"
	flagWebhookSecret  = "webhook-secret"
	flagGatewayURL     = "gateway-url"
	flagGatewayAPIKey  = "gateway-api-key"

	configKeyDatabaseURL    = "database_url"
	configKeyListenAddr     = "listen_addr"
	configKeyStoreDriver    = "store_driver"
	configKeyAllowedOrigins = "allowed_origins"
	configKeyAuthSigningKey = "auth_signing_key"
	configKeyAuthIssuer     = "auth_issuer"
	configKeyWebhookSecret  = "webhook_secret"
	configKeyGatewayURL     = "gateway_url"
	configKeyGatewayAPIKey  = "gateway_api_key"

	defaultDatabaseURL = "sqlite:///tmp/credits.db"
	defaultListenAddr  = ":8080"
	defaultStoreDriver = "gorm"

	storeDriverGorm = "gorm"
	storeDriverPgx  = "pgx"

	defaultSignupBonus = 50
)

type runtimeConfig struct {
	DatabaseURL    string
	ListenAddr     string
	StoreDriver    string
	AllowedOrigins string
	AuthSigningKey string
	AuthIssuer     string
	WebhookSecret  string
	GatewayURL     string
	GatewayAPIKey  string
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "creditd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "creditd",
		Short:         "Credit billing API server",
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

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "database connection string (postgres:// or sqlite path)")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagStoreDriver, defaultStoreDriver, "persistence driver: gorm or pgx")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-separated CORS origins")
	cmd.Flags().String(flagAuthSigningKey, "", "HMAC key for bearer token validation")
	cmd.Flags().String(flagAuthIssuer, "", "expected bearer token issuer")
	cmd.Flags().String(flagWebhookSecret, "", "HMAC secret for webhook signatures")
	cmd.Flags().String(flagGatewayURL, "", "payment gateway base URL")
	cmd.Flags().String(flagGatewayAPIKey, "", "payment gateway API key")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := map[string]struct {
		env  string
		flag string
	}{
		configKeyDatabaseURL:    {"DATABASE_URL", flagDatabaseURL},
		configKeyListenAddr:     {"LISTEN_ADDR", flagListenAddr},
		configKeyStoreDriver:    {"STORE_DRIVER", flagStoreDriver},
		configKeyAllowedOrigins: {"ALLOWED_ORIGINS", flagAllowedOrigins},
		configKeyAuthSigningKey: {"AUTH_SIGNING_KEY", flagAuthSigningKey},
		configKeyAuthIssuer:     {"AUTH_ISSUER", flagAuthIssuer},
		configKeyWebhookSecret:  {"WEBHOOK_SECRET", flagWebhookSecret},
		configKeyGatewayURL:     {"PAYGATE_URL", flagGatewayURL},
		configKeyGatewayAPIKey:  {"PAYGATE_API_KEY", flagGatewayAPIKey},
	}
	for key, binding := range bindings {
		if err := viper.BindEnv(key, binding.env); err != nil {
			return err
		}
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(binding.flag)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	cfg.ListenAddr = viper.GetString(configKeyListenAddr)
	cfg.StoreDriver = viper.GetString(configKeyStoreDriver)
	cfg.AllowedOrigins = viper.GetString(configKeyAllowedOrigins)
	cfg.AuthSigningKey = viper.GetString(configKeyAuthSigningKey)
	cfg.AuthIssuer = viper.GetString(configKeyAuthIssuer)
	cfg.WebhookSecret = viper.GetString(configKeyWebhookSecret)
	cfg.GatewayURL = viper.GetString(configKeyGatewayURL)
	cfg.GatewayAPIKey = viper.GetString(configKeyGatewayAPIKey)

	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	if cfg.StoreDriver == "" {
		cfg.StoreDriver = defaultStoreDriver
	}
	if cfg.StoreDriver != storeDriverGorm && cfg.StoreDriver != storeDriverPgx {
		return fmt.Errorf("unsupported store driver %q", cfg.StoreDriver)
	}
	if cfg.AuthSigningKey == "" {
		return fmt.Errorf("auth signing key is required")
	}
	if cfg.WebhookSecret == "" {
		return fmt.Errorf("webhook secret is required")
	}
	if cfg.GatewayURL == "" {
		return fmt.Errorf("gateway url is required")
	}
	if cfg.GatewayAPIKey == "" {
		return fmt.Errorf("gateway api key is required")
	}
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	store, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("store open: %w", err)
	}
	defer func() { _ = cleanup() }()

	clock := func() int64 { return time.Now().UTC().Unix() }
	ledgerService, err := ledger.NewService(store, clock,
		ledger.WithOperationLogger(httpserver.NewOperationLogger(logger)))
	if err != nil {
		return fmt.Errorf("ledger service init: %w", err)
	}

	gateway, err := paygate.NewClient(paygate.Config{
		BaseURL: cfg.GatewayURL,
		APIKey:  cfg.GatewayAPIKey,
	}, logger)
	if err != nil {
		return fmt.Errorf("gateway client init: %w", err)
	}

	reconciler, err := purchase.NewReconciler(ledgerService, store, gateway, clock, logger)
	if err != nil {
		return fmt.Errorf("reconciler init: %w", err)
	}

	return httpserver.Run(ctx, httpserver.Config{
		ListenAddr:     cfg.ListenAddr,
		AllowedOrigins: httpserver.ParseAllowedOrigins(cfg.AllowedOrigins),
		AuthSigningKey: cfg.AuthSigningKey,
		AuthIssuer:     cfg.AuthIssuer,
		WebhookSecret:  cfg.WebhookSecret,
	}, httpserver.Dependencies{
		Ledger:    ledgerService,
		Purchases: reconciler,
		Logger:    logger,
	})
}

func openStore(ctx context.Context, cfg *runtimeConfig) (ledger.Store, func() error, error) {
	if cfg.StoreDriver == storeDriverPgx {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if err := pgstore.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, err
		}
		cleanup := func() error {
			pool.Close()
			return nil
		}
		return pgstore.New(pool), cleanup, nil
	}

	gormDB, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	store := gormstore.New(gormDB)
	if driver == "sqlite" {
		if err := gormstore.Migrate(gormDB); err != nil {
			_ = cleanup()
			return nil, nil, fmt.Errorf("auto migrate: %w", err)
		}
		if err := seedDefaults(ctx, store); err != nil {
			_ = cleanup()
			return nil, nil, fmt.Errorf("seed defaults: %w", err)
		}
	}
	return store, cleanup, nil
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
			path = "credits.db"
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

// seedDefaults provisions the signup bonus and a starter catalog for local
// sqlite runs. Postgres deployments manage these rows out of band.
func seedDefaults(ctx context.Context, store *gormstore.Store) error {
	if err := store.UpsertConfigValue(ctx, ledger.ConfigKeySignupBonus, defaultSignupBonus); err != nil {
		return err
	}
	existing, err := store.ListActivePackages(ctx, "")
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}
	packages := []ledger.CreditPackage{
		{Name: "Starter", Credits: 500, PriceCents: 500, Currency: "usd", Tier: "basic", IsActive: true},
		{Name: "Plus", Credits: 1200, PriceCents: 1000, Currency: "usd", Tier: "plus", SavingsPercentage: 17, IsActive: true},
		{Name: "Pro", Credits: 3000, PriceCents: 2500, Currency: "usd", Tier: "pro", SavingsPercentage: 28, IsActive: true},
	}
	for _, creditPackage := range packages {
		if _, err := store.CreatePackage(ctx, creditPackage); err != nil {
			return err
		}
	}
	return nil
}
