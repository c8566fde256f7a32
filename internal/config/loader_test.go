package config

import (
	"errors"
	"testing"
	"time"
)

// setBaseEnv populates the minimum required environment for LoadConfig.
func setBaseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("APP_ENV", "local")
}

func TestLoadConfigDefaults(t *testing.T) {
	setBaseEnv(t)

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Errorf("Server.Port = %q, want 8080", cfg.Server.Port)
	}
	if cfg.Entitlement.InitialGrant != 2 {
		t.Errorf("Entitlement.InitialGrant = %d, want 2", cfg.Entitlement.InitialGrant)
	}
	if cfg.Entitlement.UnlimitedProductID != "unlimited_stories" {
		t.Errorf("UnlimitedProductID = %q, want unlimited_stories", cfg.Entitlement.UnlimitedProductID)
	}
	if cfg.Sync.MaxAttempts != 5 {
		t.Errorf("Sync.MaxAttempts = %d, want 5", cfg.Sync.MaxAttempts)
	}
	if cfg.Sync.SettleDelay != 3*time.Second {
		t.Errorf("Sync.SettleDelay = %v, want 3s", cfg.Sync.SettleDelay)
	}
	if cfg.Ledger.Timeout != 15*time.Second {
		t.Errorf("Ledger.Timeout = %v, want 15s", cfg.Ledger.Timeout)
	}
}

func TestLoadConfigEnvOverride(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("INITIAL_GRANT", "5")
	t.Setenv("SYNC_MAX_ATTEMPTS", "2")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}

	if cfg.Entitlement.InitialGrant != 5 {
		t.Errorf("InitialGrant = %d, want 5", cfg.Entitlement.InitialGrant)
	}
	if cfg.Sync.MaxAttempts != 2 {
		t.Errorf("Sync.MaxAttempts = %d, want 2", cfg.Sync.MaxAttempts)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
}

func TestLoadConfigRejectsUnknownEnvironment(t *testing.T) {
	t.Setenv("APP_ENV", "production-ish")

	_, err := LoadConfig()
	if err == nil {
		t.Fatal("LoadConfig() succeeded with invalid APP_ENV")
	}

	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("error type = %T, want *ConfigError", err)
	}
	if cfgErr.Type != ErrValidation {
		t.Errorf("ConfigError.Type = %s, want %s", cfgErr.Type, ErrValidation)
	}
}

func TestLoadConfigRejectsUnparsableDuration(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("SYNC_MIN_BACKOFF", "soon")

	_, err := LoadConfig()
	if err == nil {
		t.Fatal("LoadConfig() succeeded with unparsable duration")
	}

	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("error type = %T, want *ConfigError", err)
	}
	if cfgErr.Type != ErrParsing {
		t.Errorf("ConfigError.Type = %s, want %s", cfgErr.Type, ErrParsing)
	}
}

func TestSecretsAreRedactedInConfig(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("STRIPE_SECRET_KEY", "sk_live_supersecret")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}

	if got := cfg.Purchases.StripeSecretKey.String(); got == "sk_live_supersecret" {
		t.Error("SecretString.String() leaked the raw secret")
	}
	if got := cfg.Purchases.StripeSecretKey.Unmask(); got != "sk_live_supersecret" {
		t.Errorf("Unmask() = %q, want raw secret", got)
	}
}
