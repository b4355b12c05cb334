package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
)

type Config struct {
	Debug    bool   `long:"debug" env:"DEBUG"`
	Env      string `long:"env" env:"ENVIRONMENT" default:"development"`
	DBSource string `long:"db-source" env:"DB_SOURCE" description:"postgres connection string (required)"`
	Port     string `long:"port" env:"SERVER_PORT" default:"8080"`
	Migrate  bool   `long:"migrate" env:"MIGRATE" description:"apply schema migrations on startup"`

	RedisURL string `long:"redis-url" env:"REDIS_URL" default:"" description:"run lock backend; in-process lock when empty"`

	PayoutPasswordHash string `long:"payout-password-hash" env:"PAYOUT_PASSWORD_HASH" description:"bcrypt hash of the operator password"`
	SenderSeed         string `long:"sender-seed" env:"SENDER_SEED" description:"base64 ed25519 seed of the payout account"`

	AlgodURL      string        `long:"algod-url" env:"ALGOD_URL" default:"http://localhost:4001"`
	AlgodToken    string        `long:"algod-token" env:"ALGOD_TOKEN"`
	IndexerURL    string        `long:"indexer-url" env:"INDEXER_URL" default:""`
	LedgerTimeout time.Duration `long:"ledger-timeout" env:"LEDGER_TIMEOUT" default:"30s"`
	AssetID       uint64        `long:"asset-id" env:"ASSET_ID"`
	AssetDecimals int32         `long:"asset-decimals" env:"ASSET_DECIMALS" default:"10"`
	ConfirmRounds uint64        `long:"confirm-rounds" env:"CONFIRM_ROUNDS" default:"4"`
	FeeReceiver   string        `long:"fee-receiver" env:"FEE_RECEIVER"`
	FeeAmount     uint64        `long:"fee-amount" env:"FEE_AMOUNT" default:"10000000" description:"base units"`

	PayoutSchedule string        `long:"payout-schedule" env:"PAYOUT_SCHEDULE" default:"" description:"cron spec for automatic runs; disabled when empty"`
	PayoutLimit    int           `long:"payout-limit" env:"PAYOUT_LIMIT" default:"1250"`
	BatchSize      int           `long:"batch-size" env:"BATCH_SIZE" default:"10"`
	BatchInterval  time.Duration `long:"batch-interval" env:"BATCH_INTERVAL" default:"0s"`

	ReferralBonus int64 `long:"referral-bonus" env:"REFERRAL_BONUS" default:"5"`
	SignupBonus   int64 `long:"signup-bonus" env:"SIGNUP_BONUS" default:"5"`
	ReferralDepth int   `long:"referral-depth" env:"REFERRAL_DEPTH" default:"5"`
}

// Load reads .env (if present), then flags from args with environment fallbacks.
func Load(args []string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	var cfg Config
	parser := flags.NewParser(&cfg, flags.HelpFlag|flags.PassDoubleDash)
	if _, err := parser.ParseArgs(args); err != nil {
		return nil, err
	}

	if cfg.DBSource == "" {
		return nil, fmt.Errorf("DB_SOURCE environment variable is required")
	}
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("BATCH_SIZE must be positive, got %d", cfg.BatchSize)
	}
	if cfg.PayoutLimit <= 0 {
		return nil, fmt.Errorf("PAYOUT_LIMIT must be positive, got %d", cfg.PayoutLimit)
	}
	if cfg.ReferralDepth <= 0 {
		return nil, fmt.Errorf("REFERRAL_DEPTH must be positive, got %d", cfg.ReferralDepth)
	}
	if cfg.ReferralBonus < 0 || cfg.SignupBonus < 0 {
		return nil, fmt.Errorf("bonuses must not be negative")
	}
	if cfg.AssetDecimals < 0 || cfg.AssetDecimals > 19 {
		return nil, fmt.Errorf("ASSET_DECIMALS out of range: %d", cfg.AssetDecimals)
	}
	return &cfg, nil
}
