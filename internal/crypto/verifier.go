package crypto

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/pariflow/pariflow/internal/domain"
)

// Verifier checks that a signed authorization recovers to its claimed signer
// under the Pariflow EIP-712 domain for a fixed chain.
type Verifier struct {
	chainID int64
}

// NewVerifier creates a Verifier for the given chain ID.
func NewVerifier(chainID int64) *Verifier {
	return &Verifier{chainID: chainID}
}

// Verify recovers the signer of the authorization's EIP-712 digest and
// compares it to auth.From. A malformed signature, a recovery failure, or a
// signer mismatch all surface as domain.ErrInvalidSignature.
func (v *Verifier) Verify(auth domain.Authorization, signatureHex string) error {
	sig, err := decodeSignature(signatureHex)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidSignature, err)
	}

	digest, err := AuthorizationDigest(auth, v.chainID)
	if err != nil {
		return err
	}

	pub, err := ethcrypto.SigToPub(digest, sig)
	if err != nil {
		return fmt.Errorf("%w: recover: %v", domain.ErrInvalidSignature, err)
	}

	recovered := ethcrypto.PubkeyToAddress(*pub)
	if recovered != common.HexToAddress(auth.From) {
		return fmt.Errorf("%w: recovered %s, expected %s",
			domain.ErrInvalidSignature, recovered.Hex(), auth.From)
	}
	return nil
}

// VerifyResolution recovers the signer of a resolution attestation and
// compares it to att.Resolver. Any failure surfaces as
// domain.ErrInvalidSignature.
func (v *Verifier) VerifyResolution(att domain.ResolutionAttestation, signatureHex string) error {
	sig, err := decodeSignature(signatureHex)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidSignature, err)
	}

	pub, err := ethcrypto.SigToPub(ResolutionDigest(att, v.chainID), sig)
	if err != nil {
		return fmt.Errorf("%w: recover: %v", domain.ErrInvalidSignature, err)
	}

	recovered := ethcrypto.PubkeyToAddress(*pub)
	if recovered != common.HexToAddress(att.Resolver) {
		return fmt.Errorf("%w: recovered %s, expected %s",
			domain.ErrInvalidSignature, recovered.Hex(), att.Resolver)
	}
	return nil
}

// decodeSignature parses a hex signature into the 65-byte r||s||v form with
// v normalized to {0,1} as go-ethereum's recovery expects.
func decodeSignature(signatureHex string) ([]byte, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(signatureHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %v", err)
	}
	if len(raw) != 65 {
		return nil, fmt.Errorf("expected 65 bytes, got %d", len(raw))
	}

	sig := make([]byte, 65)
	copy(sig, raw)
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	return sig, nil
}
