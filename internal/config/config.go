// Package config defines the global configuration structure for the StoryGate
// services. Configuration is loaded once at process initialization and is
// immutable thereafter. It follows 12-Factor App principles by strictly
// separating code from configuration.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File (Lowest)
//
// Any missing required value or invalid format causes the application to fail
// immediately on startup.
package config

import (
	"time"

	"storygate/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type
// used throughout configuration to prevent accidental logging of sensitive
// values.
type SecretString = types.SecretString

// Config is the top-level configuration struct. It is populated once during
// process initialization and never modified. Sub-components receive only the
// specific config subsets they require.
type Config struct {
	// System Metadata
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"storygate"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	IsTestMode  bool   `envconfig:"IS_TEST_MODE" default:"false"`

	// Domain Configurations
	Server      ServerConfig
	Store       StoreConfig
	Entitlement EntitlementConfig
	Purchases   PurchaseConfig
	Ledger      LedgerConfig
	Sync        SyncConfig
	Database    DatabaseConfig

	// Build Metadata (injected via ldflags, not Env)
	Build BuildInfo
}

// ServerConfig holds HTTP server settings shared by gate-api and ledgerd.
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8080"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
}

// StoreConfig holds the local entitlement store location.
type StoreConfig struct {
	// Path is the entitlement record file. The parent directory must exist
	// and be writable; the file is created on first launch.
	Path string `envconfig:"ENTITLEMENT_STORE_PATH" default:"entitlement.json"`
}

// EntitlementConfig holds the reconciliation policy knobs.
type EntitlementConfig struct {
	// InitialGrant is the number of free-tier story credits seeded on first
	// launch and restored on revocation.
	InitialGrant int `envconfig:"INITIAL_GRANT" default:"2"`

	// UnlimitedProductID is the one-time-purchase product identifier whose
	// presence in the authoritative set grants the unlimited tier.
	UnlimitedProductID string `envconfig:"UNLIMITED_PRODUCT_ID" default:"unlimited_stories"`

	// PurchaseCacheTTL bounds how long a pushed purchase set may satisfy an
	// OnAppStart reconciliation without a fresh query. Restore always
	// bypasses the cache.
	PurchaseCacheTTL time.Duration `envconfig:"PURCHASE_CACHE_TTL" default:"5m"`
}

// PurchaseConfig holds credentials for the authoritative purchase source.
type PurchaseConfig struct {
	StripeSecretKey     SecretString `envconfig:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret SecretString `envconfig:"STRIPE_WEBHOOK_SECRET"`
	CustomerID          string       `envconfig:"STRIPE_CUSTOMER_ID"`
	// QueryTimeout bounds a single activePurchases round trip.
	QueryTimeout time.Duration `envconfig:"PURCHASE_QUERY_TIMEOUT" default:"10s"`
}

// LedgerConfig holds the remote usage ledger client settings.
type LedgerConfig struct {
	BaseURL   string       `envconfig:"LEDGER_BASE_URL"`
	DeviceID  string       `envconfig:"LEDGER_DEVICE_ID"`
	DeviceKey SecretString `envconfig:"LEDGER_DEVICE_KEY"`
	// Timeout bounds a single ledger round trip. Expiry is treated as a
	// sync failure, never surfaced to user-facing actions.
	Timeout time.Duration `envconfig:"LEDGER_TIMEOUT" default:"15s"`
}

// SyncConfig tunes the background sync scheduler.
type SyncConfig struct {
	MaxAttempts int           `envconfig:"SYNC_MAX_ATTEMPTS" default:"5"`
	MinBackoff  time.Duration `envconfig:"SYNC_MIN_BACKOFF" default:"1s"`
	MaxBackoff  time.Duration `envconfig:"SYNC_MAX_BACKOFF" default:"2m"`
	// SettleDelay debounces the startup sync so purchase restoration can
	// finish before the first report goes out.
	SettleDelay time.Duration `envconfig:"SYNC_SETTLE_DELAY" default:"3s"`
}

// DatabaseConfig holds ledgerd's database connection and pool tuning.
// Unused by gate-api.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL"`

	MaxConns        int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns        int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout  time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
}

// BuildInfo holds build-time metadata injected via ldflags.
// These values are NOT populated from environment variables.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures to aid debugging.
type ConfigErrorType string

const (
	// ErrMissingEnv indicates a required environment variable was not found.
	ErrMissingEnv ConfigErrorType = "MISSING_ENV"
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a failure when parsing environment variable values
	// into their target types.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)
