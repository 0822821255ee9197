package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.DBPath != "taskifii.db" {
		t.Errorf("Expected default db path taskifii.db, got %s", cfg.DBPath)
	}
	if cfg.APIAddr != ":8080" {
		t.Errorf("Expected default api addr :8080, got %s", cfg.APIAddr)
	}
	if cfg.Currency != "ETB" {
		t.Errorf("Expected default currency ETB, got %s", cfg.Currency)
	}
	if !cfg.MinFee.Equal(decimal.NewFromInt(50)) {
		t.Errorf("Expected default min fee 50, got %s", cfg.MinFee)
	}
	if !cfg.PenaltyCapRatio.Equal(decimal.RequireFromString("0.20")) {
		t.Errorf("Expected default penalty cap 0.20, got %s", cfg.PenaltyCapRatio)
	}
	if cfg.ConfirmWindow != 24*time.Hour {
		t.Errorf("Expected default confirm window 24h, got %s", cfg.ConfirmWindow)
	}
	if cfg.SweepInterval != time.Minute {
		t.Errorf("Expected default sweep interval 1m, got %s", cfg.SweepInterval)
	}
	if cfg.MaxOfferHours != 336 {
		t.Errorf("Expected default max offer hours 336, got %d", cfg.MaxOfferHours)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("TASKIFII_DB_PATH", "/var/lib/taskifii/core.db")
	t.Setenv("TASKIFII_CURRENCY", "USD")
	t.Setenv("TASKIFII_MIN_FEE", "12.50")
	t.Setenv("TASKIFII_CONFIRM_WINDOW", "90m")
	t.Setenv("TASKIFII_MAX_OFFER_HOURS", "72")

	cfg := Load()

	if cfg.DBPath != "/var/lib/taskifii/core.db" {
		t.Errorf("Expected overridden db path, got %s", cfg.DBPath)
	}
	if cfg.Currency != "USD" {
		t.Errorf("Expected overridden currency USD, got %s", cfg.Currency)
	}
	if !cfg.MinFee.Equal(decimal.RequireFromString("12.50")) {
		t.Errorf("Expected overridden min fee 12.50, got %s", cfg.MinFee)
	}
	if cfg.ConfirmWindow != 90*time.Minute {
		t.Errorf("Expected overridden confirm window 90m, got %s", cfg.ConfirmWindow)
	}
	if cfg.MaxOfferHours != 72 {
		t.Errorf("Expected overridden max offer hours 72, got %d", cfg.MaxOfferHours)
	}
}

func TestLoadIgnoresGarbage(t *testing.T) {
	t.Setenv("TASKIFII_MIN_FEE", "not-a-number")
	t.Setenv("TASKIFII_SWEEP_INTERVAL", "-5m")
	t.Setenv("TASKIFII_MAX_OFFER_HOURS", "soon")

	cfg := Load()

	if !cfg.MinFee.Equal(decimal.NewFromInt(50)) {
		t.Errorf("Expected fallback min fee 50 for garbage input, got %s", cfg.MinFee)
	}
	if cfg.SweepInterval != time.Minute {
		t.Errorf("Expected fallback sweep interval for negative input, got %s", cfg.SweepInterval)
	}
	if cfg.MaxOfferHours != 336 {
		t.Errorf("Expected fallback max offer hours for garbage input, got %d", cfg.MaxOfferHours)
	}
}
