package main

import (
	"context"
	"flag"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/park285/devasur-server/internal/ledger"
	"github.com/pterm/pterm"
	"go.uber.org/zap"
)

// ledgercheck verifies the chain settings an operator put in the environment before the
// server is started against them.
func main() {
	gameID := flag.String("game", "", "game id to look up staking info for")
	player := flag.String("player", "", "player address to look up")
	flag.Parse()
	_ = godotenv.Load()

	rpcURL := strings.TrimSpace(os.Getenv("CHAIN_RPC_URL"))
	contract := strings.TrimSpace(os.Getenv("STAKING_CONTRACT"))
	key := strings.TrimSpace(os.Getenv("SERVER_SIGNER_KEY"))
	if rpcURL == "" || contract == "" || key == "" {
		pterm.Error.Println("CHAIN_RPC_URL, STAKING_CONTRACT and SERVER_SIGNER_KEY are required")
		os.Exit(2)
	}
	var chainID int64
	if v := strings.TrimSpace(os.Getenv("CHAIN_ID")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			pterm.Error.Printfln("CHAIN_ID: %v", err)
			os.Exit(2)
		}
		chainID = n
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	spinner, _ := pterm.DefaultSpinner.Start("Connecting to " + rpcURL + " ...")
	client, err := ledger.NewEthClient(ctx, ledger.EthConfig{RPCURL: rpcURL, ChainID: chainID, Contract: contract, SignerKeyHex: key}, zap.NewNop())
	if err != nil {
		spinner.Fail("connect: " + err.Error())
		os.Exit(1)
	}
	defer client.Close()
	spinner.Success("Connected")

	rows := pterm.TableData{
		{"check", "value"},
		{"chain id", client.ChainID().String()},
		{"signer", client.Signer().Hex()},
	}
	failed := false

	owner, err := client.Owner(ctx)
	if err != nil {
		rows = append(rows, []string{"owner", pterm.Red(err.Error())})
		failed = true
	} else {
		mark := pterm.Green(owner.Hex())
		if owner != client.Signer() {
			mark = pterm.Yellow(owner.Hex() + " (signer is not the owner)")
		}
		rows = append(rows, []string{"owner", mark})
	}

	if bal, err := client.QueryBalance(ctx, client.Signer()); err != nil {
		rows = append(rows, []string{"signer balance", pterm.Red(err.Error())})
		failed = true
	} else {
		rows = append(rows, []string{"signer balance", bal.Dec()})
	}

	if *gameID != "" && *player != "" {
		addr, err := ledger.ParseAddress(*player)
		if err != nil {
			pterm.Error.Println(err.Error())
			os.Exit(2)
		}
		amount, confirmed, err := client.StakingInfo(ctx, *gameID, addr)
		if err != nil {
			rows = append(rows, []string{"staking info", pterm.Red(err.Error())})
			failed = true
		} else {
			rows = append(rows,
				[]string{"game key", ledger.GameKey(*gameID).Hex()},
				[]string{"staked", amount.Dec()},
				[]string{"confirmed", strconv.FormatBool(confirmed)},
			)
		}
	}

	_ = pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
	if failed {
		pterm.Error.Println("ledger check failed")
		os.Exit(1)
	}
	pterm.Success.Println("ledger check passed")
}
