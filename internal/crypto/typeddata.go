// Package crypto provides EIP-712 typed-data hashing, signing, and signature
// verification for gasless authorizations, plus facilitator key management.
package crypto

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/pariflow/pariflow/internal/domain"
)

// EIP-712 domain parameters. ChainID is supplied per deployment.
const (
	eip712DomainName    = "Pariflow"
	eip712DomainVersion = "1"
)

// Pre-computed keccak256 hashes of the canonical type strings.
var (
	// EIP712Domain(string name,string version,uint256 chainId)
	eip712DomainTypeHash = ethcrypto.Keccak256(
		[]byte("EIP712Domain(string name,string version,uint256 chainId)"),
	)

	betAuthTypeHash = ethcrypto.Keccak256(
		[]byte("BetAuthorization(address from,uint256 marketId,uint8 position,uint256 amount,uint256 validAfter,uint256 validBefore,bytes32 nonce)"),
	)

	claimAuthTypeHash = ethcrypto.Keccak256(
		[]byte("ClaimAuthorization(address from,uint256 marketId,uint256 validAfter,uint256 validBefore,bytes32 nonce)"),
	)

	withdrawAuthTypeHash = ethcrypto.Keccak256(
		[]byte("WithdrawAuthorization(address from,uint8 source,uint256 amount,uint256 validAfter,uint256 validBefore,bytes32 nonce)"),
	)

	resolutionTypeHash = ethcrypto.Keccak256(
		[]byte("ResolutionAttestation(address resolver,uint256 marketId,bool outcome)"),
	)
)

// DomainSeparator returns the EIP-712 domain separator for the given chain.
func DomainSeparator(chainID int64) []byte {
	return ethcrypto.Keccak256(
		concatBytes(
			eip712DomainTypeHash,
			ethcrypto.Keccak256([]byte(eip712DomainName)),
			ethcrypto.Keccak256([]byte(eip712DomainVersion)),
			bigIntTo32Bytes(big.NewInt(chainID)),
		),
	)
}

// AuthorizationDigest computes the final EIP-712 digest for an authorization:
//
//	keccak256("\x19\x01" || domainSeparator || structHash)
func AuthorizationDigest(auth domain.Authorization, chainID int64) ([]byte, error) {
	structHash, err := authStructHash(auth)
	if err != nil {
		return nil, err
	}
	return ethcrypto.Keccak256(
		concatBytes(
			[]byte{0x19, 0x01},
			DomainSeparator(chainID),
			structHash,
		),
	), nil
}

// ResolutionDigest computes the EIP-712 digest of a resolution attestation.
func ResolutionDigest(att domain.ResolutionAttestation, chainID int64) []byte {
	outcome := big.NewInt(0)
	if att.Outcome {
		outcome = big.NewInt(1)
	}
	structHash := ethcrypto.Keccak256(
		concatBytes(
			resolutionTypeHash,
			common.LeftPadBytes(common.HexToAddress(att.Resolver).Bytes(), 32),
			bigIntTo32Bytes(big.NewInt(att.MarketID)),
			bigIntTo32Bytes(outcome),
		),
	)
	return ethcrypto.Keccak256(
		concatBytes(
			[]byte{0x19, 0x01},
			DomainSeparator(chainID),
			structHash,
		),
	)
}

// authStructHash encodes and hashes an authorization per its action type.
func authStructHash(auth domain.Authorization) ([]byte, error) {
	from := common.HexToAddress(auth.From)
	validAfter := bigIntTo32Bytes(big.NewInt(auth.ValidAfter.Unix()))
	validBefore := bigIntTo32Bytes(big.NewInt(auth.ValidBefore.Unix()))

	switch auth.Action {
	case domain.AuthActionBet:
		if auth.Amount == nil {
			return nil, fmt.Errorf("crypto: bet authorization missing amount")
		}
		return ethcrypto.Keccak256(
			concatBytes(
				betAuthTypeHash,
				common.LeftPadBytes(from.Bytes(), 32),
				bigIntTo32Bytes(big.NewInt(auth.MarketID)),
				bigIntTo32Bytes(big.NewInt(int64(auth.Position))),
				bigIntTo32Bytes(auth.Amount),
				validAfter,
				validBefore,
				auth.Nonce[:],
			),
		), nil

	case domain.AuthActionClaim:
		return ethcrypto.Keccak256(
			concatBytes(
				claimAuthTypeHash,
				common.LeftPadBytes(from.Bytes(), 32),
				bigIntTo32Bytes(big.NewInt(auth.MarketID)),
				validAfter,
				validBefore,
				auth.Nonce[:],
			),
		), nil

	case domain.AuthActionWithdraw:
		if auth.Amount == nil {
			return nil, fmt.Errorf("crypto: withdraw authorization missing amount")
		}
		return ethcrypto.Keccak256(
			concatBytes(
				withdrawAuthTypeHash,
				common.LeftPadBytes(from.Bytes(), 32),
				bigIntTo32Bytes(big.NewInt(int64(auth.Source))),
				bigIntTo32Bytes(auth.Amount),
				validAfter,
				validBefore,
				auth.Nonce[:],
			),
		), nil

	default:
		return nil, fmt.Errorf("crypto: unknown authorization action %q", auth.Action)
	}
}

// bigIntTo32Bytes returns a 32-byte big-endian representation of n.
func bigIntTo32Bytes(n *big.Int) []byte {
	b := n.Bytes()
	if len(b) >= 32 {
		return b[:32]
	}
	padded := make([]byte, 32)
	copy(padded[32-len(b):], b)
	return padded
}

// concatBytes concatenates multiple byte slices into one.
func concatBytes(slices ...[]byte) []byte {
	total := 0
	for _, s := range slices {
		total += len(s)
	}
	buf := make([]byte, 0, total)
	for _, s := range slices {
		buf = append(buf, s...)
	}
	return buf
}
