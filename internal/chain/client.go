// Package chain talks to the underlying ledger chain over JSON-RPC. The
// relay uses it to verify inbound deposits, submit outbound withdrawals from
// the facilitator account, and check balances for the solvency gate.
package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/pariflow/pariflow/internal/domain"
)

// transferGasLimit is the gas limit for a plain value transfer.
const transferGasLimit uint64 = 21000

// Config holds connection and signing parameters for the chain client.
type Config struct {
	RPCURL  string
	ChainID int64
}

// Client implements domain.ChainClient on top of go-ethereum's ethclient.
type Client struct {
	eth     *ethclient.Client
	chainID *big.Int

	key     *ecdsa.PrivateKey
	address common.Address

	// submitMu serializes outbound transactions so account nonces stay
	// monotonic under concurrent withdrawals.
	submitMu sync.Mutex
}

// New dials the RPC endpoint and binds the facilitator key for outbound
// transfers.
func New(ctx context.Context, cfg Config, key *ecdsa.PrivateKey) (*Client, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("chain: rpc url is required")
	}
	if key == nil {
		return nil, fmt.Errorf("chain: facilitator key is required")
	}

	eth, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", cfg.RPCURL, err)
	}

	return &Client{
		eth:     eth,
		chainID: big.NewInt(cfg.ChainID),
		key:     key,
		address: ethcrypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

// Close releases the underlying RPC connection.
func (c *Client) Close() {
	c.eth.Close()
}

// FacilitatorAddress returns the relay's gas-paying address as a lowercase
// hex string.
func (c *Client) FacilitatorAddress() string {
	return strings.ToLower(c.address.Hex())
}

// VerifyTransfer loads a transaction by hash and returns its transfer
// details. The amount and sender come from the chain record, never from the
// caller. Pending or reverted transactions fail verification.
func (c *Client) VerifyTransfer(ctx context.Context, txHash string) (domain.Transfer, error) {
	hash := common.HexToHash(txHash)

	tx, pending, err := c.eth.TransactionByHash(ctx, hash)
	if err != nil {
		return domain.Transfer{}, fmt.Errorf("chain: transaction %s: %w", txHash, err)
	}
	if pending {
		return domain.Transfer{}, fmt.Errorf("chain: transaction %s: %w", txHash, domain.ErrTxNotConfirmed)
	}

	receipt, err := c.eth.TransactionReceipt(ctx, hash)
	if err != nil {
		return domain.Transfer{}, fmt.Errorf("chain: receipt %s: %w", txHash, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return domain.Transfer{}, fmt.Errorf("chain: transaction %s reverted: %w", txHash, domain.ErrTxNotConfirmed)
	}

	from, err := types.Sender(types.LatestSignerForChainID(c.chainID), tx)
	if err != nil {
		return domain.Transfer{}, fmt.Errorf("chain: recover sender of %s: %w", txHash, err)
	}

	var to string
	if tx.To() != nil {
		to = strings.ToLower(tx.To().Hex())
	}

	return domain.Transfer{
		TxHash: strings.ToLower(hash.Hex()),
		From:   strings.ToLower(from.Hex()),
		To:     to,
		Amount: new(big.Int).Set(tx.Value()),
	}, nil
}

// SubmitTransfer sends a plain value transfer from the facilitator account
// and returns the transaction hash. Calls are serialized so the account
// nonce advances in order.
func (c *Client) SubmitTransfer(ctx context.Context, to string, amount *big.Int) (string, error) {
	c.submitMu.Lock()
	defer c.submitMu.Unlock()

	nonce, err := c.eth.PendingNonceAt(ctx, c.address)
	if err != nil {
		return "", fmt.Errorf("chain: pending nonce: %w", err)
	}

	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("chain: gas price: %w", err)
	}

	tx := types.NewTransaction(nonce, common.HexToAddress(to), amount, transferGasLimit, gasPrice, nil)

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return "", fmt.Errorf("chain: sign transfer to %s: %w", to, err)
	}

	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("chain: send transfer to %s: %w", to, err)
	}

	return strings.ToLower(signed.Hash().Hex()), nil
}

// Balance returns the latest on-chain balance of an address.
func (c *Client) Balance(ctx context.Context, address string) (*big.Int, error) {
	bal, err := c.eth.BalanceAt(ctx, common.HexToAddress(address), nil)
	if err != nil {
		return nil, fmt.Errorf("chain: balance of %s: %w", address, err)
	}
	return bal, nil
}

// Compile-time interface check.
var _ domain.ChainClient = (*Client)(nil)
