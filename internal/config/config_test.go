package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func setMemoryEnv(t *testing.T) {
	t.Helper()
	t.Setenv("LEDGER_MODE", "memory")
	t.Setenv("STAKE_AMOUNT", "1000000000000000000")
	t.Setenv("FEE_RECIPIENT", "0x00000000000000000000000000000000000000fe")
}

func TestDefaults(t *testing.T) {
	setMemoryEnv(t)
	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.HTTPAddr != ":8080" || cfg.HouseCutBps != 500 || cfg.PayoutWorkers != 4 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.StakeGrace != 2*cfg.StakeTimeout {
		t.Fatalf("grace default = %s", cfg.StakeGrace)
	}
	if cfg.StakeAmount.Dec() != "1000000000000000000" {
		t.Fatalf("stake = %s", cfg.StakeAmount.Dec())
	}
}

func TestDurationsAndOverrides(t *testing.T) {
	setMemoryEnv(t)
	t.Setenv("NIGHT_TIMEOUT", "45")
	t.Setenv("DAY_TIMEOUT", "2m30s")
	t.Setenv("MIN_PLAYERS", " 5 ")
	t.Setenv("HOUSE_CUT_BPS", "0")
	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.NightTimeout != 45*time.Second || cfg.DayTimeout != 150*time.Second {
		t.Fatalf("durations: %s %s", cfg.NightTimeout, cfg.DayTimeout)
	}
	if cfg.MinPlayers != 5 || cfg.HouseCutBps != 0 {
		t.Fatalf("overrides: %d %d", cfg.MinPlayers, cfg.HouseCutBps)
	}
}

func TestInvalidValues(t *testing.T) {
	cases := map[string]string{
		"HOUSE_CUT_BPS":   "10001",
		"MIN_PLAYERS":     "-1",
		"STAKE_AMOUNT":    "ten",
		"FEE_RECIPIENT":   "0x1234",
		"LEDGER_MODE":     "paper",
		"CONFIRM_TIMEOUT": "soon",
	}
	for name, val := range cases {
		t.Run(name, func(t *testing.T) {
			setMemoryEnv(t)
			t.Setenv(name, val)
			if _, err := FromEnv(); err == nil {
				t.Fatalf("%s=%q accepted", name, val)
			}
		})
	}
}

func TestEthModeRequiresChain(t *testing.T) {
	setMemoryEnv(t)
	t.Setenv("LEDGER_MODE", "eth")
	t.Setenv("CHAIN_RPC_URL", "")
	if _, err := FromEnv(); err == nil || err.Error() != "CHAIN_RPC_URL is required" {
		t.Fatalf("expected CHAIN_RPC_URL error, got %v", err)
	}
}

func TestLoadFile(t *testing.T) {
	t.Setenv("LEDGER_MODE", "")
	t.Setenv("STAKE_AMOUNT", "")
	t.Setenv("FEE_RECIPIENT", "")
	os.Unsetenv("LEDGER_MODE")
	os.Unsetenv("STAKE_AMOUNT")
	os.Unsetenv("FEE_RECIPIENT")
	path := filepath.Join(t.TempDir(), "test.env")
	body := "LEDGER_MODE=memory\nSTAKE_AMOUNT=250\nFEE_RECIPIENT=0x00000000000000000000000000000000000000fe\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.StakeAmount.Uint64() != 250 || cfg.LedgerMode != LedgerMemory {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}
