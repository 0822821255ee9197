package config

import (
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Config carries every tunable business parameter so none of them live as
// drifting literals inside transition code.
type Config struct {
	DBPath    string
	APIAddr   string
	APISecret string

	GatewayURL     string
	GatewaySecret  string
	WebhookSecret  string
	BotCallbackURL string

	Currency         string
	MinFee           decimal.Decimal
	MaxOfferHours    int
	ConfirmWindow    time.Duration
	PenaltyCapRatio  decimal.Decimal
	ReminderCooldown time.Duration
	SweepInterval    time.Duration

	AuditPath string
}

// Load reads configuration from the environment, falling back to defaults
// for anything unset or unparsable.
func Load() *Config {
	return &Config{
		DBPath:    envStr("TASKIFII_DB_PATH", "taskifii.db"),
		APIAddr:   envStr("TASKIFII_API_ADDR", ":8080"),
		APISecret: envStr("TASKIFII_API_SECRET", ""),

		GatewayURL:     envStr("TASKIFII_GATEWAY_URL", ""),
		GatewaySecret:  envStr("TASKIFII_GATEWAY_SECRET", ""),
		WebhookSecret:  envStr("TASKIFII_WEBHOOK_SECRET", ""),
		BotCallbackURL: envStr("TASKIFII_BOT_CALLBACK_URL", ""),

		Currency:         envStr("TASKIFII_CURRENCY", "ETB"),
		MinFee:           envDecimal("TASKIFII_MIN_FEE", "50"),
		MaxOfferHours:    envInt("TASKIFII_MAX_OFFER_HOURS", 336),
		ConfirmWindow:    envDuration("TASKIFII_CONFIRM_WINDOW", 24*time.Hour),
		PenaltyCapRatio:  envDecimal("TASKIFII_PENALTY_CAP_RATIO", "0.20"),
		ReminderCooldown: envDuration("TASKIFII_REMINDER_COOLDOWN", 6*time.Hour),
		SweepInterval:    envDuration("TASKIFII_SWEEP_INTERVAL", time.Minute),

		AuditPath: envStr("TASKIFII_AUDIT_PATH", ""),
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func envDecimal(key, fallback string) decimal.Decimal {
	v := os.Getenv(key)
	if v == "" {
		return decimal.RequireFromString(fallback)
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.RequireFromString(fallback)
	}
	return d
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
