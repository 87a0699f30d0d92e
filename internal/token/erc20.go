package token

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

	"github.com/mbd888/recurra/internal/retry"
)

var (
	ErrInvalidPrivateKey   = errors.New("token: invalid private key")
	ErrTransactionReverted = errors.New("token: transaction reverted")
	ErrConfirmTimeout      = errors.New("token: timed out waiting for receipt")
)

// TransferError wraps a failed on-chain transfer.
type TransferError struct {
	Op     string
	TxHash string
	Err    error
}

func (e *TransferError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("token: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("token: %s failed: %v", e.Op, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// EthClient abstracts the go-ethereum client for testing.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

const erc20ABI = `[
	{"constant":true,"inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"name":"allowance","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transferFrom","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"}
]`

// DefaultGasLimit is used when estimation fails.
const DefaultGasLimit = uint64(100000)

const (
	DefaultConfirmPoll    = 2 * time.Second
	DefaultConfirmTimeout = 2 * time.Minute
)

// Payout is a transfer from the spender still owed to a receiver.
type Payout struct {
	Token  common.Address
	To     common.Address
	Amount *big.Int
	// Funding is the pull that must confirm before the payout is owed.
	// Zero once it has.
	Funding common.Hash
	// TxHash is the last broadcast attempt, zero if none is in flight.
	TxHash common.Hash
}

// ChainConfig configures on-chain token access.
type ChainConfig struct {
	RPCURL     string
	PrivateKey string // platform spender key, hex
	ChainID    int64
}

// Chain is a Registry of ERC-20 contracts spent by the platform key.
type Chain struct {
	client  EthClient
	key     *ecdsa.PrivateKey
	spender common.Address
	chainID *big.Int
	abi     abi.ABI

	confirmPoll    time.Duration
	confirmTimeout time.Duration

	mu     sync.Mutex
	tokens map[common.Address]*ERC20
	// sends are serialized so pending nonces do not collide; it also guards owed
	sendMu sync.Mutex
	owed   []*Payout
}

// ChainOption configures a Chain.
type ChainOption func(*Chain)

// WithEthClient sets a custom Ethereum client (useful for testing).
func WithEthClient(c EthClient) ChainOption {
	return func(ch *Chain) { ch.client = c }
}

// WithConfirmation sets how often and how long to wait for receipts.
func WithConfirmation(poll, timeout time.Duration) ChainOption {
	return func(ch *Chain) {
		ch.confirmPoll = poll
		ch.confirmTimeout = timeout
	}
}

// NewChain dials cfg.RPCURL unless a client is supplied.
func NewChain(cfg ChainConfig, opts ...ChainOption) (*Chain, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("parse ERC20 ABI: %w", err)
	}
	ch := &Chain{
		key:     key,
		spender: crypto.PubkeyToAddress(key.PublicKey),
		chainID: big.NewInt(cfg.ChainID),
		abi:     parsed,
		tokens:  make(map[common.Address]*ERC20),

		confirmPoll:    DefaultConfirmPoll,
		confirmTimeout: DefaultConfirmTimeout,
	}
	for _, opt := range opts {
		opt(ch)
	}
	if ch.client == nil {
		c, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", cfg.RPCURL, err)
		}
		ch.client = c
	}
	return ch, nil
}

// Spender is the platform address users approve.
func (c *Chain) Spender() common.Address { return c.spender }

func (c *Chain) Token(addr common.Address) (Token, error) {
	if addr == (common.Address{}) {
		return nil, ErrUnknownToken
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tokens[addr]
	if !ok {
		t = &ERC20{chain: c, addr: addr}
		c.tokens[addr] = t
	}
	return t, nil
}

// Close closes the RPC connection.
func (c *Chain) Close() {
	c.client.Close()
}

// ERC20 is one token contract.
type ERC20 struct {
	chain *Chain
	addr  common.Address
}

func (t *ERC20) Address() common.Address { return t.addr }

func (t *ERC20) Allowance(ctx context.Context, owner common.Address) (*big.Int, error) {
	return t.callUint(ctx, "allowance", owner, t.chain.spender)
}

func (t *ERC20) BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error) {
	return t.callUint(ctx, "balanceOf", owner)
}

// TransferFrom pulls the total from from into the spender in one confirmed
// transferFrom, then pays each non-zero leg with a confirmed transfer. Any
// failure up to the pull moves nothing and is returned. Once the pull has
// confirmed the payment stands: a leg that fails is queued as an owed
// Payout and retried by FlushPayouts.
func (t *ERC20) TransferFrom(ctx context.Context, from common.Address, legs []Leg) error {
	total := Total(legs)
	allowance, err := t.Allowance(ctx, from)
	if err != nil {
		return err
	}
	if allowance.Cmp(total) < 0 {
		return ErrInsufficientAllowance
	}
	balance, err := t.BalanceOf(ctx, from)
	if err != nil {
		return err
	}
	if balance.Cmp(total) < 0 {
		return ErrInsufficientBalance
	}
	if total.Sign() == 0 {
		return nil
	}

	c := t.chain
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	pull, err := t.send(ctx, "transferFrom", from, c.spender, total)
	if err != nil {
		return err
	}
	if err := c.confirm(ctx, pull); err != nil {
		if !errors.Is(err, ErrTransactionReverted) {
			// The pull may still be mined; refund it if it is.
			c.owed = append(c.owed, &Payout{Token: t.addr, To: from, Amount: total, Funding: pull})
		}
		return &TransferError{Op: "confirm", TxHash: pull.Hex(), Err: err}
	}

	for _, l := range legs {
		if l.Amount == nil || l.Amount.Sign() == 0 {
			continue
		}
		p := &Payout{Token: t.addr, To: l.To, Amount: new(big.Int).Set(l.Amount)}
		if !c.push(ctx, p) {
			c.owed = append(c.owed, p)
		}
	}
	return nil
}

// PendingPayouts returns copies of the payouts still owed.
func (c *Chain) PendingPayouts() []Payout {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	out := make([]Payout, len(c.owed))
	for i, p := range c.owed {
		out[i] = *p
		out[i].Amount = new(big.Int).Set(p.Amount)
	}
	return out
}

// FlushPayouts retries owed payouts and returns how many are still owed.
func (c *Chain) FlushPayouts(ctx context.Context) int {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	var keep []*Payout
	for _, p := range c.owed {
		if p.Funding != (common.Hash{}) {
			switch c.receiptStatus(ctx, p.Funding) {
			case receiptPending:
				keep = append(keep, p)
				continue
			case receiptFailed:
				continue
			}
			p.Funding = common.Hash{}
		}
		if p.TxHash != (common.Hash{}) {
			switch c.receiptStatus(ctx, p.TxHash) {
			case receiptPending:
				keep = append(keep, p)
				continue
			case receiptOK:
				continue
			}
			p.TxHash = common.Hash{}
		}
		if !c.push(ctx, p) {
			keep = append(keep, p)
		}
	}
	c.owed = keep
	return len(keep)
}

// push sends p from the spender and reports whether it confirmed. On
// failure p.TxHash is left set only while the transfer may still land.
func (c *Chain) push(ctx context.Context, p *Payout) bool {
	t := &ERC20{chain: c, addr: p.Token}
	hash, err := t.send(ctx, "transfer", p.To, p.Amount)
	if err != nil {
		return false
	}
	err = c.confirm(ctx, hash)
	switch {
	case err == nil:
		return true
	case errors.Is(err, ErrTransactionReverted):
		p.TxHash = common.Hash{}
	default:
		p.TxHash = hash
	}
	return false
}

func (t *ERC20) send(ctx context.Context, method string, args ...interface{}) (common.Hash, error) {
	c := t.chain
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return common.Hash{}, &TransferError{Op: "pack", Err: err}
	}
	nonce, err := c.client.PendingNonceAt(ctx, c.spender)
	if err != nil {
		return common.Hash{}, &TransferError{Op: "nonce", Err: err}
	}
	gasPrice, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, &TransferError{Op: "gas_price", Err: err}
	}
	gasLimit, err := c.client.EstimateGas(ctx, ethereum.CallMsg{
		From: c.spender,
		To:   &t.addr,
		Data: data,
	})
	if err != nil {
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTransaction(nonce, t.addr, big.NewInt(0), gasLimit, gasPrice, data)
	signed, err := types.SignTx(tx, types.NewEIP155Signer(c.chainID), c.key)
	if err != nil {
		return common.Hash{}, &TransferError{Op: "sign", Err: err}
	}
	if err := c.client.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, &TransferError{Op: "send", TxHash: signed.Hash().Hex(), Err: err}
	}
	return signed.Hash(), nil
}

// confirm polls for the receipt of hash until it is mined or the
// confirmation timeout passes.
func (c *Chain) confirm(ctx context.Context, hash common.Hash) error {
	ctx, cancel := context.WithTimeout(ctx, c.confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(c.confirmPoll)
	defer ticker.Stop()

	for {
		switch c.receiptStatus(ctx, hash) {
		case receiptOK:
			return nil
		case receiptFailed:
			return ErrTransactionReverted
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return ErrConfirmTimeout
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

type receiptState int

const (
	receiptPending receiptState = iota
	receiptOK
	receiptFailed
)

// receiptStatus treats any lookup error as not yet mined.
func (c *Chain) receiptStatus(ctx context.Context, hash common.Hash) receiptState {
	r, err := c.client.TransactionReceipt(ctx, hash)
	if err != nil || r == nil {
		return receiptPending
	}
	if r.Status == types.ReceiptStatusFailed {
		return receiptFailed
	}
	return receiptOK
}

func (t *ERC20) callUint(ctx context.Context, method string, args ...interface{}) (*big.Int, error) {
	data, err := t.chain.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	out, err := retry.Value(ctx, retry.RPC, func(ctx context.Context) ([]byte, error) {
		return t.chain.client.CallContract(ctx, ethereum.CallMsg{To: &t.addr, Data: data}, nil)
	})
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	return new(big.Int).SetBytes(out), nil
}

var (
	_ Registry = (*Chain)(nil)
	_ Token    = (*ERC20)(nil)
)
