package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/joho/godotenv"
)

const (
	LedgerEth    = "eth"
	LedgerMemory = "memory"
)

type AppConfig struct {
	HTTPAddr         string
	AdminJWTSecret   string
	GatewayJWTSecret string

	LedgerMode        string
	ChainRPCURL       string
	ChainID           int64
	StakingContract   string
	ServerSignerKey   string
	LedgerFeedURL     string
	LedgerCallTimeout time.Duration
	ConfirmTimeout    time.Duration
	// MemoryFaucet is the starting balance of every address in memory mode.
	MemoryFaucet uint256.Int

	FeeRecipient common.Address
	HouseCutBps  uint64

	MinPlayers  int
	MaxPlayers  int
	StakeAmount uint256.Int
	Rules       string
	RulesFile   string

	LobbyTimeout  time.Duration
	NightTimeout  time.Duration
	DayTimeout    time.Duration
	VotingTimeout time.Duration

	StakeTimeout      time.Duration
	StakeGrace        time.Duration
	ReconcileInterval time.Duration
	ClockInterval     time.Duration
	PayoutWorkers     int

	RedisURL         string
	DatabaseURL      string
	NotifyWebhookURL string
	MessagesDir      string
}

// Load reads the process environment. A .env file in the working directory is applied first
// when present; variables already set in the environment win.
func Load() (*AppConfig, error) {
	_ = godotenv.Load()
	return FromEnv()
}

// LoadFile applies the given env file before reading the environment.
func LoadFile(path string) (*AppConfig, error) {
	if err := godotenv.Load(path); err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return FromEnv()
}

func FromEnv() (*AppConfig, error) {
	cfg := &AppConfig{
		HTTPAddr:          ":8080",
		LedgerMode:        LedgerEth,
		LedgerCallTimeout: 10 * time.Second,
		ConfirmTimeout:    2 * time.Minute,
		HouseCutBps:       500,
		MinPlayers:        4,
		MaxPlayers:        10,
		LobbyTimeout:      10 * time.Minute,
		NightTimeout:      90 * time.Second,
		DayTimeout:        3 * time.Minute,
		VotingTimeout:     90 * time.Second,
		StakeTimeout:      2 * time.Minute,
		ReconcileInterval: 15 * time.Second,
		ClockInterval:     time.Second,
		PayoutWorkers:     4,
	}

	if v := env("HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	cfg.AdminJWTSecret = env("ADMIN_JWT_SECRET")
	cfg.GatewayJWTSecret = env("GATEWAY_JWT_SECRET")

	if v := strings.ToLower(env("LEDGER_MODE")); v != "" {
		cfg.LedgerMode = v
	}
	cfg.ChainRPCURL = env("CHAIN_RPC_URL")
	cfg.StakingContract = env("STAKING_CONTRACT")
	cfg.ServerSignerKey = env("SERVER_SIGNER_KEY")
	cfg.LedgerFeedURL = env("LEDGER_FEED_URL")
	if v := env("CHAIN_ID"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("CHAIN_ID: invalid value %q", v)
		}
		cfg.ChainID = n
	}

	if v := env("FEE_RECIPIENT"); v != "" {
		if !common.IsHexAddress(v) {
			return nil, fmt.Errorf("FEE_RECIPIENT: invalid address %q", v)
		}
		cfg.FeeRecipient = common.HexToAddress(v)
	}
	if v := env("HOUSE_CUT_BPS"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil || n > 10_000 {
			return nil, fmt.Errorf("HOUSE_CUT_BPS: must be 0..10000, got %q", v)
		}
		cfg.HouseCutBps = n
	}

	if err := positiveInt("MIN_PLAYERS", &cfg.MinPlayers); err != nil {
		return nil, err
	}
	if err := positiveInt("MAX_PLAYERS", &cfg.MaxPlayers); err != nil {
		return nil, err
	}
	if err := positiveInt("PAYOUT_WORKERS", &cfg.PayoutWorkers); err != nil {
		return nil, err
	}
	if v := env("STAKE_AMOUNT"); v != "" {
		amt, err := uint256.FromDecimal(v)
		if err != nil {
			return nil, fmt.Errorf("STAKE_AMOUNT: %w", err)
		}
		cfg.StakeAmount = *amt
	}
	if v := env("MEMORY_FAUCET"); v != "" {
		amt, err := uint256.FromDecimal(v)
		if err != nil {
			return nil, fmt.Errorf("MEMORY_FAUCET: %w", err)
		}
		cfg.MemoryFaucet = *amt
	} else {
		cfg.MemoryFaucet.Mul(&cfg.StakeAmount, uint256.NewInt(100))
	}
	cfg.Rules = env("RULES")
	cfg.RulesFile = env("RULES_FILE")

	durations := []struct {
		name string
		dst  *time.Duration
	}{
		{"LEDGER_CALL_TIMEOUT", &cfg.LedgerCallTimeout},
		{"CONFIRM_TIMEOUT", &cfg.ConfirmTimeout},
		{"LOBBY_TIMEOUT", &cfg.LobbyTimeout},
		{"NIGHT_TIMEOUT", &cfg.NightTimeout},
		{"DAY_TIMEOUT", &cfg.DayTimeout},
		{"VOTING_TIMEOUT", &cfg.VotingTimeout},
		{"STAKE_TIMEOUT", &cfg.StakeTimeout},
		{"STAKE_GRACE", &cfg.StakeGrace},
		{"RECONCILE_INTERVAL", &cfg.ReconcileInterval},
		{"CLOCK_INTERVAL", &cfg.ClockInterval},
	}
	for _, d := range durations {
		if err := duration(d.name, d.dst); err != nil {
			return nil, err
		}
	}
	if cfg.StakeGrace == 0 {
		cfg.StakeGrace = 2 * cfg.StakeTimeout
	}

	cfg.RedisURL = env("REDIS_URL")
	cfg.DatabaseURL = env("DATABASE_URL")
	cfg.NotifyWebhookURL = env("NOTIFY_WEBHOOK_URL")
	cfg.MessagesDir = env("MESSAGES_DIR")

	if cfg.StakeAmount.IsZero() {
		return nil, errors.New("STAKE_AMOUNT is required")
	}
	if cfg.MinPlayers > cfg.MaxPlayers {
		return nil, fmt.Errorf("MIN_PLAYERS (%d) exceeds MAX_PLAYERS (%d)", cfg.MinPlayers, cfg.MaxPlayers)
	}
	if cfg.StakeGrace < cfg.StakeTimeout {
		return nil, errors.New("STAKE_GRACE must not be shorter than STAKE_TIMEOUT")
	}
	if cfg.FeeRecipient == (common.Address{}) {
		return nil, errors.New("FEE_RECIPIENT is required")
	}
	switch cfg.LedgerMode {
	case LedgerMemory:
	case LedgerEth:
		if cfg.ChainRPCURL == "" {
			return nil, errors.New("CHAIN_RPC_URL is required")
		}
		if cfg.StakingContract == "" {
			return nil, errors.New("STAKING_CONTRACT is required")
		}
		if cfg.ServerSignerKey == "" {
			return nil, errors.New("SERVER_SIGNER_KEY is required")
		}
	default:
		return nil, fmt.Errorf("LEDGER_MODE: unknown mode %q", cfg.LedgerMode)
	}
	return cfg, nil
}

func env(k string) string { return strings.TrimSpace(os.Getenv(k)) }

func positiveInt(name string, dst *int) error {
	v := env(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fmt.Errorf("%s: must be a positive integer, got %q", name, v)
	}
	*dst = n
	return nil
}

// duration accepts Go durations ("90s") or plain seconds ("90").
func duration(name string, dst *time.Duration) error {
	v := env(name)
	if v == "" {
		return nil
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		*dst = time.Duration(n) * time.Second
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fmt.Errorf("%s: invalid duration %q", name, v)
	}
	*dst = d
	return nil
}
