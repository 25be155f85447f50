package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/holiman/uint256"
	"github.com/park285/devasur-server/internal/domain"
	"go.uber.org/zap"
)

// stakingABI covers the subset of the staking contract the server calls.
const stakingABI = `[
 {"type":"function","name":"stakeFor","stateMutability":"nonpayable","inputs":[{"name":"gameId","type":"bytes32"},{"name":"player","type":"address"},{"name":"amount","type":"uint256"},{"name":"nonce","type":"uint256"}],"outputs":[]},
 {"type":"function","name":"payout","stateMutability":"nonpayable","inputs":[{"name":"gameId","type":"bytes32"},{"name":"to","type":"address"},{"name":"amount","type":"uint256"},{"name":"nonce","type":"uint256"}],"outputs":[]},
 {"type":"function","name":"getStakingInfo","stateMutability":"view","inputs":[{"name":"gameId","type":"bytes32"},{"name":"player","type":"address"}],"outputs":[{"name":"amount","type":"uint256"},{"name":"confirmed","type":"bool"}]},
 {"type":"function","name":"owner","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]}
]`

type EthConfig struct {
	RPCURL       string
	ChainID      int64
	Contract     string
	SignerKeyHex string
	PollInterval time.Duration
}

// EthClient talks to the staking contract over JSON-RPC.
type EthClient struct {
	rpc      *ethclient.Client
	abi      abi.ABI
	contract common.Address
	chainID  *big.Int
	key      *ecdsa.PrivateKey
	signer   common.Address
	poll     time.Duration
	logger   *zap.Logger

	guard  *Guard
	sendMu sync.Mutex
}

func NewEthClient(ctx context.Context, cfg EthConfig, logger *zap.Logger) (*EthClient, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if strings.TrimSpace(cfg.RPCURL) == "" {
		return nil, fmt.Errorf("CHAIN_RPC_URL is required for eth ledger")
	}
	if !common.IsHexAddress(cfg.Contract) {
		return nil, fmt.Errorf("invalid staking contract address %q", cfg.Contract)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(cfg.SignerKeyHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse signer key: %w", err)
	}
	parsed, err := abi.JSON(strings.NewReader(stakingABI))
	if err != nil {
		return nil, fmt.Errorf("parse staking abi: %w", err)
	}
	rpc, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	chainID := big.NewInt(cfg.ChainID)
	remote, err := rpc.ChainID(ctx)
	if err != nil {
		rpc.Close()
		return nil, fmt.Errorf("chain id: %w", err)
	}
	if cfg.ChainID != 0 && remote.Cmp(chainID) != 0 {
		rpc.Close()
		return nil, fmt.Errorf("chain id mismatch: configured %d, rpc reports %s", cfg.ChainID, remote)
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 2 * time.Second
	}
	return &EthClient{
		rpc:      rpc,
		abi:      parsed,
		contract: common.HexToAddress(cfg.Contract),
		chainID:  remote,
		key:      key,
		signer:   crypto.PubkeyToAddress(key.PublicKey),
		poll:     poll,
		logger:   logger,
		guard:    NewGuard(),
	}, nil
}

func (c *EthClient) Close() {
	if c != nil && c.rpc != nil {
		c.rpc.Close()
	}
}

func (c *EthClient) Signer() common.Address { return c.signer }
func (c *EthClient) ChainID() *big.Int      { return new(big.Int).Set(c.chainID) }

// GameKey derives the bytes32 contract identifier for a game.
func GameKey(gameID string) common.Hash {
	return crypto.Keccak256Hash([]byte(strings.TrimSpace(gameID)))
}

// PackStake encodes stakeFor calldata.
func (c *EthClient) PackStake(gameID string, player common.Address, amount uint256.Int, nonce uint64) ([]byte, error) {
	return packCall(c.abi, "stakeFor", gameID, player, amount, nonce)
}

func packCall(a abi.ABI, method, gameID string, who common.Address, amount uint256.Int, nonce uint64) ([]byte, error) {
	return a.Pack(method, [32]byte(GameKey(gameID)), who, amount.ToBig(), new(big.Int).SetUint64(nonce))
}

func (c *EthClient) QueryBalance(ctx context.Context, addr common.Address) (uint256.Int, error) {
	bal, err := c.rpc.BalanceAt(ctx, addr, nil)
	if err != nil {
		return uint256.Int{}, classify("query balance", err)
	}
	v, overflow := uint256.FromBig(bal)
	if overflow {
		return uint256.Int{}, domain.Errorf(domain.KindLedgerUnavailable, "balance overflows uint256")
	}
	return *v, nil
}

func (c *EthClient) SubmitStake(ctx context.Context, gameID string, player common.Address, amount uint256.Int, nonce uint64) (TxHandle, error) {
	key := SubmissionKey{Kind: KindStake, GameID: gameID, Player: player, Nonce: nonce}
	return c.guard.Do(key, func() (TxHandle, error) {
		bal, err := c.QueryBalance(ctx, player)
		if err != nil {
			return TxHandle{}, err
		}
		if bal.Lt(&amount) {
			return TxHandle{}, domain.Errorf(domain.KindInsufficientFunds, "balance %s below stake %s", bal.Dec(), amount.Dec())
		}
		data, err := packCall(c.abi, "stakeFor", gameID, player, amount, nonce)
		if err != nil {
			return TxHandle{}, domain.Wrap(domain.KindValidation, "pack stakeFor", err)
		}
		return c.send(ctx, key, data)
	})
}

func (c *EthClient) SubmitPayout(ctx context.Context, gameID string, to common.Address, amount uint256.Int, nonce uint64) (TxHandle, error) {
	key := SubmissionKey{Kind: KindPayout, GameID: gameID, Player: to, Nonce: nonce}
	return c.guard.Do(key, func() (TxHandle, error) {
		data, err := packCall(c.abi, "payout", gameID, to, amount, nonce)
		if err != nil {
			return TxHandle{}, domain.Wrap(domain.KindValidation, "pack payout", err)
		}
		return c.send(ctx, key, data)
	})
}

// send signs and broadcasts a contract call. Sends are serialised so account nonces stay ordered.
func (c *EthClient) send(ctx context.Context, key SubmissionKey, data []byte) (TxHandle, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	accountNonce, err := c.rpc.PendingNonceAt(ctx, c.signer)
	if err != nil {
		return TxHandle{}, classify("pending nonce", err)
	}
	gasPrice, err := c.rpc.SuggestGasPrice(ctx)
	if err != nil {
		return TxHandle{}, classify("gas price", err)
	}
	gas, err := c.rpc.EstimateGas(ctx, ethereum.CallMsg{From: c.signer, To: &c.contract, Data: data})
	if err != nil {
		return TxHandle{}, classify("estimate gas", err)
	}
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    accountNonce,
		To:       &c.contract,
		Value:    big.NewInt(0),
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return TxHandle{}, domain.Wrap(domain.KindValidation, "sign tx", err)
	}
	if err := c.rpc.SendTransaction(ctx, signed); err != nil {
		return TxHandle{}, classify("send tx", err)
	}
	c.logger.Info("ledger_tx_sent",
		zap.String("key", key.String()),
		zap.String("tx", signed.Hash().Hex()),
		zap.Uint64("account_nonce", accountNonce),
	)
	return TxHandle{Key: key, Hash: signed.Hash(), SubmittedAt: time.Now()}, nil
}

func (c *EthClient) TxStatus(ctx context.Context, h TxHandle) (Receipt, error) {
	rcpt, err := c.rpc.TransactionReceipt(ctx, h.Hash)
	if err == nil && rcpt != nil {
		return receiptOf(h.Hash, rcpt), nil
	}
	if err != nil && !errors.Is(err, ethereum.NotFound) {
		return Receipt{}, classify("tx receipt", err)
	}
	_, pending, err := c.rpc.TransactionByHash(ctx, h.Hash)
	if errors.Is(err, ethereum.NotFound) {
		return Receipt{Hash: h.Hash, Outcome: OutcomeUnknown}, nil
	}
	if err != nil {
		return Receipt{}, classify("tx by hash", err)
	}
	if pending {
		return Receipt{Hash: h.Hash, Outcome: OutcomePending}, nil
	}
	// mined but receipt not yet indexed
	return Receipt{Hash: h.Hash, Outcome: OutcomePending}, nil
}

func (c *EthClient) AwaitConfirmation(ctx context.Context, h TxHandle, timeout time.Duration) (Receipt, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(c.poll)
	defer tick.Stop()
	for {
		r, err := c.TxStatus(ctx, h)
		if err == nil && r.Outcome.Final() {
			return r, nil
		}
		if err != nil {
			c.logger.Debug("ledger_await_status_error", zap.String("tx", h.Hash.Hex()), zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return Receipt{}, ctx.Err()
		case <-deadline.C:
			return Receipt{Hash: h.Hash, Outcome: OutcomeTimedOut}, nil
		case <-tick.C:
		}
	}
}

func (c *EthClient) Lookup(key SubmissionKey) (TxHandle, bool) { return c.guard.Lookup(key) }

// Owner reads the contract owner.
func (c *EthClient) Owner(ctx context.Context) (common.Address, error) {
	data, err := c.abi.Pack("owner")
	if err != nil {
		return common.Address{}, err
	}
	out, err := c.rpc.CallContract(ctx, ethereum.CallMsg{To: &c.contract, Data: data}, nil)
	if err != nil {
		return common.Address{}, classify("owner", err)
	}
	vals, err := c.abi.Unpack("owner", out)
	if err != nil || len(vals) != 1 {
		return common.Address{}, fmt.Errorf("unpack owner: %v", err)
	}
	addr, ok := vals[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("unexpected owner type %T", vals[0])
	}
	return addr, nil
}

// StakingInfo reads the contract's view of a player's stake in a game.
func (c *EthClient) StakingInfo(ctx context.Context, gameID string, player common.Address) (uint256.Int, bool, error) {
	data, err := c.abi.Pack("getStakingInfo", [32]byte(GameKey(gameID)), player)
	if err != nil {
		return uint256.Int{}, false, err
	}
	out, err := c.rpc.CallContract(ctx, ethereum.CallMsg{To: &c.contract, Data: data}, nil)
	if err != nil {
		return uint256.Int{}, false, classify("getStakingInfo", err)
	}
	vals, err := c.abi.Unpack("getStakingInfo", out)
	if err != nil || len(vals) != 2 {
		return uint256.Int{}, false, fmt.Errorf("unpack getStakingInfo: %v", err)
	}
	amt, _ := vals[0].(*big.Int)
	confirmed, _ := vals[1].(bool)
	if amt == nil {
		return uint256.Int{}, confirmed, fmt.Errorf("invalid staked amount")
	}
	v, overflow := uint256.FromBig(amt)
	if overflow {
		return uint256.Int{}, confirmed, fmt.Errorf("staked amount overflows uint256")
	}
	return *v, confirmed, nil
}

func receiptOf(hash common.Hash, r *types.Receipt) Receipt {
	out := Receipt{Hash: hash}
	if r.BlockNumber != nil {
		out.BlockRef = r.BlockNumber.Uint64()
	}
	if r.Status == types.ReceiptStatusSuccessful {
		out.Outcome = OutcomeConfirmed
	} else {
		out.Outcome = OutcomeReverted
		out.Reason = "execution reverted"
	}
	return out
}
