// Package ethsigner implements signer.Signer on top of go-ethereum for headless
// runs: one local key signs messages and native transfers which are broadcast
// through a JSON-RPC node.
package ethsigner

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"github.com/chainsafe/wallet-reconciler/pkg/auth"
	"github.com/chainsafe/wallet-reconciler/pkg/config"
	"github.com/chainsafe/wallet-reconciler/pkg/signer"
)

const (
	transferGasLimit    = 21000
	defaultPollInterval = 2 * time.Second
)

// Backend is the subset of an Ethereum node client the signer needs.
// *ethclient.Client and the simulated backend client both satisfy it.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Client is a go-ethereum backed signer
type Client struct {
	backend      Backend
	closer       func()
	privateKey   *ecdsa.PrivateKey
	address      common.Address
	chainID      *big.Int
	pollInterval time.Duration
	logger       *zap.Logger
}

// New creates a signer over an existing backend. chainID is queried from the backend.
func New(ctx context.Context, backend Backend, privateKey *ecdsa.PrivateKey, pollInterval time.Duration, logger *zap.Logger) (*Client, error) {
	if backend == nil {
		return nil, fmt.Errorf("nil backend")
	}
	if privateKey == nil {
		return nil, fmt.Errorf("nil private key")
	}
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	chainID, err := backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get chain id: %w", err)
	}
	return &Client{
		backend:      backend,
		closer:       func() {},
		privateKey:   privateKey,
		address:      crypto.PubkeyToAddress(privateKey.PublicKey),
		chainID:      chainID,
		pollInterval: pollInterval,
		logger:       logger,
	}, nil
}

// NewFromConfig dials the configured RPC node and loads the hex private key.
func NewFromConfig(ctx context.Context, cfg *config.ChainConfig, privateKeyHex string, logger *zap.Logger) (*Client, error) {
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Ethereum RPC: %w", err)
	}

	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to load private key: %w", err)
	}

	c, err := New(ctx, client, privateKey, cfg.ReceiptPollInterval, logger)
	if err != nil {
		client.Close()
		return nil, err
	}
	if cfg.ChainID != 0 && c.chainID.Int64() != cfg.ChainID {
		client.Close()
		return nil, fmt.Errorf("chain id mismatch: node reports %s, config expects %d", c.chainID, cfg.ChainID)
	}
	c.closer = client.Close

	logger.Info("Connected to Ethereum",
		zap.String("chain_id", c.chainID.String()),
		zap.String("rpc_url", cfg.RPCURL),
		zap.String("signer_address", c.address.Hex()))

	return c, nil
}

// Close closes the node connection
func (c *Client) Close() {
	c.closer()
}

// Available reports whether a key and node are configured.
func (c *Client) Available(_ context.Context) bool {
	return c != nil && c.backend != nil && c.privateKey != nil
}

// ActiveAccount returns the address of the loaded key.
func (c *Client) ActiveAccount(_ context.Context) (string, error) {
	return c.address.Hex(), nil
}

// SignMessage produces an EIP-191 personal_sign signature with v in {27,28}.
func (c *Client) SignMessage(_ context.Context, account, message string) (string, error) {
	if !auth.SameAddress(account, c.address.Hex()) {
		return "", fmt.Errorf("%w: %s", signer.ErrNoAccount, account)
	}
	sig, err := crypto.Sign(accounts.TextHash([]byte(message)), c.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign message: %w", err)
	}
	sig[64] += 27
	return "0x" + hex.EncodeToString(sig), nil
}

// SendTransfer builds, signs and broadcasts an EIP-1559 native transfer.
func (c *Client) SendTransfer(ctx context.Context, req signer.TransferRequest) (string, error) {
	if req.From != "" && !auth.SameAddress(req.From, c.address.Hex()) {
		return "", fmt.Errorf("%w: %s", signer.ErrNoAccount, req.From)
	}
	if req.Value == nil || req.Value.Sign() <= 0 {
		return "", fmt.Errorf("transfer value must be positive")
	}
	to := common.HexToAddress(req.To)

	nonce, err := c.backend.PendingNonceAt(ctx, c.address)
	if err != nil {
		return "", fmt.Errorf("failed to get nonce: %w", err)
	}
	tip, err := c.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to suggest gas tip: %w", err)
	}
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to get latest header: %w", err)
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}

	balance, err := c.backend.BalanceAt(ctx, c.address, nil)
	if err != nil {
		return "", fmt.Errorf("failed to get balance: %w", err)
	}
	cost := new(big.Int).Mul(feeCap, new(big.Int).SetUint64(transferGasLimit))
	cost.Add(cost, req.Value)
	if balance.Cmp(cost) < 0 {
		return "", fmt.Errorf("%w: balance %s, required %s", signer.ErrInsufficientFunds, balance, cost)
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       transferGasLimit,
		To:        &to,
		Value:     req.Value,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign transaction: %w", err)
	}

	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "insufficient funds") {
			return "", fmt.Errorf("%w: %v", signer.ErrInsufficientFunds, err)
		}
		return "", fmt.Errorf("failed to send transaction: %w", err)
	}

	c.logger.Info("Transfer broadcast",
		zap.String("tx_hash", signed.Hash().Hex()),
		zap.String("to", to.Hex()),
		zap.String("value", req.Value.String()),
		zap.Uint64("nonce", nonce))

	return signed.Hash().Hex(), nil
}

// WaitReceipt polls the node until the transaction is mined or ctx ends.
// Transient node errors are logged and retried.
func (c *Client) WaitReceipt(ctx context.Context, txHash string) (*signer.Receipt, error) {
	hash := common.HexToHash(txHash)
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return &signer.Receipt{
				TxHash:      txHash,
				Success:     receipt.Status == types.ReceiptStatusSuccessful,
				BlockNumber: receipt.BlockNumber.Uint64(),
			}, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			c.logger.Debug("Receipt lookup failed", zap.String("tx_hash", txHash), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// BalanceOf returns the latest balance of address in wei.
func (c *Client) BalanceOf(ctx context.Context, address string) (*big.Int, error) {
	balance, err := c.backend.BalanceAt(ctx, common.HexToAddress(address), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	return balance, nil
}
