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

	"github.com/MarkoPoloResearchLab/mailcredit/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/mailcredit/internal/stripegateway"
	"github.com/MarkoPoloResearchLab/mailcredit/internal/webapi"
	"github.com/MarkoPoloResearchLab/mailcredit/pkg/credits"
	"github.com/glebarez/sqlite"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	flagDatabaseURL       = "database-url"
	flagListenAddr        = "listen-addr"
	flagStripeSecretKey   = "stripe-secret-key"
	flagWebhookSecret     = "stripe-webhook-secret"
	flagTopupPriceID      = "credit-topup-price-id"
	flagPlanCredits       = "plan-credits"
	flagSessionSigningKey = "session-signing-key"
	flagSessionIssuer     = "session-issuer"
	flagSessionCookie     = "session-cookie-name"
	flagAllowedOrigins    = "allowed-origins"

	configKeyDatabaseURL       = "database_url"
	configKeyListenAddr        = "listen_addr"
	configKeyStripeSecretKey   = "stripe_secret_key"
	configKeyWebhookSecret     = "stripe_webhook_secret"
	configKeyTopupPriceID      = "credit_topup_price_id"
	configKeyPlanCredits       = "plan_credits"
	configKeySessionSigningKey = "session_signing_key"
	configKeySessionIssuer     = "session_issuer"
	configKeySessionCookie     = "session_cookie_name"
	configKeyAllowedOrigins    = "allowed_origins"

	defaultDatabaseURL    = "sqlite:///tmp/mailcredit.db"
	defaultHTTPListenAddr = ":9090"
)

type runtimeConfig struct {
	DatabaseURL       string
	ListenAddr        string
	StripeSecretKey   string
	WebhookSecret     string
	TopupPriceID      string
	PlanCredits       string
	SessionSigningKey string
	SessionIssuer     string
	SessionCookieName string
	AllowedOrigins    string
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "mailcreditd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "mailcreditd",
		Short:         "Email verification credit service",
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

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL or SQLite connection string")
	cmd.Flags().String(flagListenAddr, defaultHTTPListenAddr, "HTTP listen address")
	cmd.Flags().String(flagStripeSecretKey, "", "Stripe API secret key")
	cmd.Flags().String(flagWebhookSecret, "", "Stripe webhook signing secret")
	cmd.Flags().String(flagTopupPriceID, "", "Stripe price id of the credit top-up product")
	cmd.Flags().String(flagPlanCredits, "", "plan allotments as price_id=credits[,price_id=credits...]")
	cmd.Flags().String(flagSessionSigningKey, "", "session JWT signing key")
	cmd.Flags().String(flagSessionIssuer, "", "session JWT issuer")
	cmd.Flags().String(flagSessionCookie, "", "session cookie name")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-delimited CORS origins")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := map[string]struct {
		envName  string
		flagName string
	}{
		configKeyDatabaseURL:       {"DATABASE_URL", flagDatabaseURL},
		configKeyListenAddr:        {"LISTEN_ADDR", flagListenAddr},
		configKeyStripeSecretKey:   {"STRIPE_SECRET_KEY", flagStripeSecretKey},
		configKeyWebhookSecret:     {"STRIPE_WEBHOOK_SECRET", flagWebhookSecret},
		configKeyTopupPriceID:      {"CREDIT_TOPUP_PRICE_ID", flagTopupPriceID},
		configKeyPlanCredits:       {"PLAN_CREDITS", flagPlanCredits},
		configKeySessionSigningKey: {"SESSION_SIGNING_KEY", flagSessionSigningKey},
		configKeySessionIssuer:     {"SESSION_ISSUER", flagSessionIssuer},
		configKeySessionCookie:     {"SESSION_COOKIE_NAME", flagSessionCookie},
		configKeyAllowedOrigins:    {"ALLOWED_ORIGINS", flagAllowedOrigins},
	}
	for configKey, binding := range bindings {
		if err := viper.BindEnv(configKey, binding.envName); err != nil {
			return err
		}
		if err := viper.BindPFlag(configKey, cmd.Flags().Lookup(binding.flagName)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	cfg.ListenAddr = viper.GetString(configKeyListenAddr)
	cfg.StripeSecretKey = viper.GetString(configKeyStripeSecretKey)
	cfg.WebhookSecret = viper.GetString(configKeyWebhookSecret)
	cfg.TopupPriceID = viper.GetString(configKeyTopupPriceID)
	cfg.PlanCredits = viper.GetString(configKeyPlanCredits)
	cfg.SessionSigningKey = viper.GetString(configKeySessionSigningKey)
	cfg.SessionIssuer = viper.GetString(configKeySessionIssuer)
	cfg.SessionCookieName = viper.GetString(configKeySessionCookie)
	cfg.AllowedOrigins = viper.GetString(configKeyAllowedOrigins)

	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultHTTPListenAddr
	}
	if cfg.StripeSecretKey == "" {
		return fmt.Errorf("stripe secret key is required")
	}
	if cfg.WebhookSecret == "" {
		return fmt.Errorf("stripe webhook secret is required")
	}
	if cfg.TopupPriceID == "" {
		return fmt.Errorf("credit top-up price id is required")
	}
	if cfg.PlanCredits == "" {
		return fmt.Errorf("plan credits mapping is required")
	}
	if cfg.SessionSigningKey == "" {
		return fmt.Errorf("session signing key is required")
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

	gatewayClient, err := stripegateway.NewClient(cfg.StripeSecretKey)
	if err != nil {
		return fmt.Errorf("gateway client init: %w", err)
	}
	webhook, err := stripegateway.NewWebhook(cfg.WebhookSecret, gatewayClient)
	if err != nil {
		return fmt.Errorf("webhook init: %w", err)
	}

	topupPriceID, err := credits.NewPriceID(cfg.TopupPriceID)
	if err != nil {
		return fmt.Errorf("top-up price id: %w", err)
	}
	operationLogger := webapi.NewOperationZapLogger(logger)
	service, err := credits.NewService(store, gatewayClient, topupPriceID, clock,
		credits.WithOperationLogger(operationLogger))
	if err != nil {
		return fmt.Errorf("credits service init: %w", err)
	}

	catalog, err := credits.ParsePlanCatalog(cfg.PlanCredits)
	if err != nil {
		return fmt.Errorf("plan catalog: %w", err)
	}
	reconciler, err := credits.NewReconciler(store, catalog, clock,
		credits.WithReconcilerLogger(operationLogger))
	if err != nil {
		return fmt.Errorf("reconciler init: %w", err)
	}

	apiServer, err := webapi.NewServer(webapi.Config{
		ListenAddr:        cfg.ListenAddr,
		AllowedOrigins:    webapi.ParseAllowedOrigins(cfg.AllowedOrigins),
		SessionSigningKey: cfg.SessionSigningKey,
		SessionIssuer:     cfg.SessionIssuer,
		SessionCookieName: cfg.SessionCookieName,
	}, logger, service, reconciler, webhook)
	if err != nil {
		return fmt.Errorf("webapi init: %w", err)
	}

	return apiServer.Run(ctx)
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	gormCfg := &gorm.Config{}
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), gormCfg)
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), gormCfg)
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
			path = "mailcredit.db"
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
	err := db.AutoMigrate(
		&gormstore.AccountBalance{},
		&gormstore.VerificationJob{},
		&gormstore.EmailTask{},
		&gormstore.ProcessedInvoice{},
		&gormstore.CreditTopupGrant{},
	)
	if err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
