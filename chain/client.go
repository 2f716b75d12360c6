package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Gas settings mirror what the DungeonManager deployment accepts: a fixed
// gas ceiling and a 1.5x bump over the node's suggested legacy gas price.
const txGasLimit = 500_000

// entryBondWei is the fixed 0.01 native bond enterDungeon must carry.
var entryBondWei = big.NewInt(10_000_000_000_000_000)

// dungeonManagerABI covers the subset of the DungeonManager contract the
// relay reads and writes.
const dungeonManagerABI = `[
  {"type":"function","name":"registerAgent","stateMutability":"nonpayable","inputs":[{"name":"agent","type":"address"}],"outputs":[]},
  {"type":"function","name":"enterDungeon","stateMutability":"payable","inputs":[{"name":"dungeonId","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"submitAction","stateMutability":"nonpayable","inputs":[{"name":"sessionId","type":"uint256"},{"name":"turnIndex","type":"uint256"},{"name":"action","type":"string"}],"outputs":[]},
  {"type":"function","name":"submitDMResponse","stateMutability":"nonpayable","inputs":[{"name":"sessionId","type":"uint256"},{"name":"turnIndex","type":"uint256"},{"name":"narrative","type":"string"},{"name":"actions","type":"tuple[]","components":[{"name":"actionType","type":"uint8"},{"name":"target","type":"address"},{"name":"value","type":"uint256"},{"name":"narrative","type":"string"}]},{"name":"dm","type":"address"}],"outputs":[]},
  {"type":"function","name":"acceptDM","stateMutability":"nonpayable","inputs":[{"name":"sessionId","type":"uint256"},{"name":"epoch","type":"uint256"},{"name":"dm","type":"address"}],"outputs":[]},
  {"type":"function","name":"sessions","stateMutability":"view","inputs":[{"name":"","type":"uint256"}],"outputs":[{"name":"dungeonId","type":"uint256"},{"name":"dm","type":"address"},{"name":"state","type":"uint8"},{"name":"turnNumber","type":"uint256"},{"name":"currentActor","type":"address"},{"name":"turnDeadline","type":"uint256"},{"name":"goldPool","type":"uint256"},{"name":"maxGold","type":"uint256"},{"name":"actedThisTurn","type":"uint256"},{"name":"dmAcceptDeadline","type":"uint256"},{"name":"lastActivityTs","type":"uint256"},{"name":"dmEpoch","type":"uint256"},{"name":"epochId","type":"uint256"}]},
  {"type":"function","name":"currentEpoch","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"epochState","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
  {"type":"function","name":"graceStartTime","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"sessionCount","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"activeSessionCount","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"getAgentStats","stateMutability":"view","inputs":[{"name":"agent","type":"address"}],"outputs":[{"name":"xp","type":"uint256"},{"name":"totalGoldEarned","type":"uint256"},{"name":"gamesPlayed","type":"uint256"},{"name":"isRegistered","type":"bool"}]}
]`

// Backend is the subset of the Ethereum RPC the client uses. ethclient.Client
// satisfies it; tests substitute a fake.
type Backend interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Client wraps the DungeonManager contract behind typed reads and a signing
// submit path using the relay's hot wallet.
type Client struct {
	backend  Backend
	contract common.Address
	chainID  *big.Int
	key      *ecdsa.PrivateKey
	runner   common.Address
	abi      abi.ABI
}

// Dial connects to the EVM endpoint and constructs a contract client.
// runnerKeyHex may be empty for a read-only client.
func Dial(endpoint, contractAddr string, chainID uint64, runnerKeyHex string) (*Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("chain: rpc endpoint required")
	}
	backend, err := ethclient.Dial(trimmed)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", trimmed, err)
	}
	return New(backend, contractAddr, chainID, runnerKeyHex)
}

// New builds a client over an existing backend.
func New(backend Backend, contractAddr string, chainID uint64, runnerKeyHex string) (*Client, error) {
	if !common.IsHexAddress(contractAddr) {
		return nil, fmt.Errorf("chain: invalid contract address %q", contractAddr)
	}
	parsed, err := abi.JSON(strings.NewReader(dungeonManagerABI))
	if err != nil {
		return nil, fmt.Errorf("chain: parse abi: %w", err)
	}
	c := &Client{
		backend:  backend,
		contract: common.HexToAddress(contractAddr),
		chainID:  new(big.Int).SetUint64(chainID),
		abi:      parsed,
	}
	if trimmed := strings.TrimPrefix(strings.TrimSpace(runnerKeyHex), "0x"); trimmed != "" {
		key, err := gethcrypto.HexToECDSA(trimmed)
		if err != nil {
			return nil, fmt.Errorf("chain: parse runner key: %w", err)
		}
		c.key = key
		c.runner = gethcrypto.PubkeyToAddress(key.PublicKey)
	}
	return c, nil
}

// Runner returns the hot wallet address, or the zero address when the client
// is read-only.
func (c *Client) Runner() common.Address {
	return c.runner
}

// CanSign reports whether the client holds the runner key.
func (c *Client) CanSign() bool {
	return c.key != nil
}

// Healthy probes the RPC endpoint.
func (c *Client) Healthy(ctx context.Context) bool {
	_, err := c.backend.BlockNumber(ctx)
	return err == nil
}

// PendingNonce reads the runner wallet's pending nonce.
func (c *Client) PendingNonce(ctx context.Context) (uint64, error) {
	if !c.CanSign() {
		return 0, fmt.Errorf("chain: no runner key configured")
	}
	nonce, err := c.backend.PendingNonceAt(ctx, c.runner)
	if err != nil {
		return 0, fmt.Errorf("chain: pending nonce: %w", err)
	}
	return nonce, nil
}

// Submit builds, signs and broadcasts one contract call. The nonce is
// supplied by the caller so the allocator stays the single ordering point.
func (c *Client) Submit(ctx context.Context, method, paramsJSON string, nonce uint64) (string, error) {
	if !c.CanSign() {
		return "", fmt.Errorf("chain: no runner key configured")
	}
	data, value, err := c.packCall(method, paramsJSON)
	if err != nil {
		return "", err
	}
	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("chain: gas price: %w", err)
	}
	bumped := new(big.Int).Mul(gasPrice, big.NewInt(3))
	bumped.Div(bumped, big.NewInt(2))

	tx := gethtypes.NewTransaction(nonce, c.contract, value, txGasLimit, bumped, data)
	signed, err := gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return "", fmt.Errorf("chain: sign tx: %w", err)
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("chain: broadcast: %w", err)
	}
	return signed.Hash().Hex(), nil
}

// Receipt polls for a transaction receipt. A missing receipt is not an error.
func (c *Client) Receipt(ctx context.Context, txRef string) (ReceiptStatus, error) {
	receipt, err := c.backend.TransactionReceipt(ctx, common.HexToHash(txRef))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return ReceiptStatus{}, nil
		}
		return ReceiptStatus{}, fmt.Errorf("chain: receipt %s: %w", txRef, err)
	}
	if receipt == nil {
		return ReceiptStatus{}, nil
	}
	return ReceiptStatus{
		Found:   true,
		Success: receipt.Status == gethtypes.ReceiptStatusSuccessful,
		Block:   receipt.BlockNumber,
		GasUsed: receipt.GasUsed,
	}, nil
}

func (c *Client) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("chain: pack %s: %w", method, err)
	}
	raw, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &c.contract, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("chain: call %s: %w", method, err)
	}
	out, err := c.abi.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("chain: unpack %s: %w", method, err)
	}
	return out, nil
}

// ErrSessionNotFound marks a session id outside the contract's session space.
var ErrSessionNotFound = errors.New("chain: session not found")

// GetSession reads one session snapshot. A zeroed struct from the auto
// getter (no dungeon, no epoch) is treated as not found.
func (c *Client) GetSession(ctx context.Context, sessionID uint64) (SessionInfo, error) {
	out, err := c.call(ctx, "sessions", new(big.Int).SetUint64(sessionID))
	if err != nil {
		return SessionInfo{}, err
	}
	if len(out) < 13 {
		return SessionInfo{}, fmt.Errorf("chain: sessions returned %d fields", len(out))
	}
	info := SessionInfo{
		SessionID:        sessionID,
		DungeonID:        asUint64(out[0]),
		DM:               asOptionalAddress(out[1]),
		State:            SessionState(asUint8(out[2])),
		TurnNumber:       asUint64(out[3]),
		CurrentActor:     asOptionalAddress(out[4]),
		TurnDeadline:     asUint64(out[5]),
		GoldPool:         asBig(out[6]),
		MaxGold:          asBig(out[7]),
		DMAcceptDeadline: asUint64(out[9]),
		LastActivity:     asUint64(out[10]),
		DMEpoch:          asUint64(out[11]),
		EpochID:          asUint64(out[12]),
	}
	if info.DungeonID == 0 && info.EpochID == 0 && info.DM == nil && info.LastActivity == 0 {
		return SessionInfo{}, ErrSessionNotFound
	}
	return info, nil
}

// GetEpoch reads the epoch registers.
func (c *Client) GetEpoch(ctx context.Context) (EpochInfo, error) {
	var info EpochInfo
	reads := []struct {
		method string
		assign func([]interface{})
	}{
		{"currentEpoch", func(out []interface{}) { info.CurrentEpoch = asUint64(out[0]) }},
		{"epochState", func(out []interface{}) { info.State = EpochState(asUint8(out[0])) }},
		{"graceStartTime", func(out []interface{}) { info.GraceStart = asUint64(out[0]) }},
		{"sessionCount", func(out []interface{}) { info.SessionCount = asUint64(out[0]) }},
		{"activeSessionCount", func(out []interface{}) { info.ActiveSessions = asUint64(out[0]) }},
	}
	for _, r := range reads {
		out, err := c.call(ctx, r.method)
		if err != nil {
			return EpochInfo{}, err
		}
		if len(out) == 0 {
			return EpochInfo{}, fmt.Errorf("chain: %s returned no fields", r.method)
		}
		r.assign(out)
	}
	return info, nil
}

// GetAgentStats reads the contract's per-agent aggregate.
func (c *Client) GetAgentStats(ctx context.Context, wallet string) (AgentStats, error) {
	if !common.IsHexAddress(wallet) {
		return AgentStats{}, fmt.Errorf("chain: invalid wallet %q", wallet)
	}
	out, err := c.call(ctx, "getAgentStats", common.HexToAddress(wallet))
	if err != nil {
		return AgentStats{}, err
	}
	if len(out) < 4 {
		return AgentStats{}, fmt.Errorf("chain: getAgentStats returned %d fields", len(out))
	}
	registered, _ := out[3].(bool)
	return AgentStats{
		XP:              asBig(out[0]),
		TotalGoldEarned: asBig(out[1]),
		GamesPlayed:     asUint64(out[2]),
		IsRegistered:    registered,
	}, nil
}

func asBig(v interface{}) *big.Int {
	if b, ok := v.(*big.Int); ok {
		return b
	}
	return new(big.Int)
}

func asUint64(v interface{}) uint64 {
	return asBig(v).Uint64()
}

func asUint8(v interface{}) uint8 {
	switch n := v.(type) {
	case uint8:
		return n
	case *big.Int:
		return uint8(n.Uint64())
	}
	return 0
}

func asOptionalAddress(v interface{}) *common.Address {
	addr, ok := v.(common.Address)
	if !ok || addr == (common.Address{}) {
		return nil
	}
	return &addr
}
