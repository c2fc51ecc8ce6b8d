package domain

import (
	"context"
	"math/big"
)

// Transfer is a confirmed on-chain value transfer read back from the ledger
// chain. Amount comes from the chain record, never from a client request.
type Transfer struct {
	TxHash string
	From   string
	To     string
	Amount *big.Int
}

// ChainClient is the facilitator's access to the underlying ledger chain:
// verifying inbound deposits, submitting outbound transfers, and checking its
// own gas/custody balance for the solvency gate.
type ChainClient interface {
	// VerifyTransfer loads a confirmed transaction and returns its transfer
	// details. It fails if the transaction is missing, pending, or reverted.
	VerifyTransfer(ctx context.Context, txHash string) (Transfer, error)

	// SubmitTransfer sends value from the facilitator account and returns
	// the transaction hash. Submission is serialized per facilitator key.
	SubmitTransfer(ctx context.Context, to string, amount *big.Int) (string, error)

	// Balance returns the on-chain balance of an address.
	Balance(ctx context.Context, address string) (*big.Int, error)

	// FacilitatorAddress is the relay's gas-paying, custody-holding address.
	FacilitatorAddress() string
}
