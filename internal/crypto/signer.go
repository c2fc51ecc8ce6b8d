package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/pariflow/pariflow/internal/domain"
)

// Signer produces EIP-712 signatures over gasless authorizations. The
// facilitator uses one for its own chain transactions; client SDKs and tests
// use it to build user authorizations.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    int64
}

// NewSigner creates a Signer from a hex-encoded secp256k1 private key.
func NewSigner(privateKeyHex string, chainID int64) (*Signer, error) {
	keyHex := strings.TrimPrefix(privateKeyHex, "0x")
	pk, err := ethcrypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", err)
	}

	return &Signer{
		privateKey: pk,
		address:    ethcrypto.PubkeyToAddress(pk.PublicKey),
		chainID:    chainID,
	}, nil
}

// Address returns the address derived from the signer's private key.
func (s *Signer) Address() common.Address {
	return s.address
}

// PrivateKey exposes the underlying key for chain transaction signing.
func (s *Signer) PrivateKey() *ecdsa.PrivateKey {
	return s.privateKey
}

// SignAuthorization signs an authorization and returns the hex-encoded
// 65-byte signature (r || s || v, with v in {27,28}).
func (s *Signer) SignAuthorization(auth domain.Authorization) (string, error) {
	digest, err := AuthorizationDigest(auth, s.chainID)
	if err != nil {
		return "", err
	}
	return s.signDigest(digest)
}

// SignResolution signs a resolution attestation.
func (s *Signer) SignResolution(att domain.ResolutionAttestation) (string, error) {
	return s.signDigest(ResolutionDigest(att, s.chainID))
}

// signDigest signs a 32-byte digest using secp256k1.
func (s *Signer) signDigest(digest []byte) (string, error) {
	sig, err := ethcrypto.Sign(digest, s.privateKey)
	if err != nil {
		return "", fmt.Errorf("crypto/signer: signing: %w", err)
	}

	// go-ethereum returns v in {0,1}; EIP-712 expects v in {27,28}.
	if sig[64] < 27 {
		sig[64] += 27
	}

	return "0x" + hex.EncodeToString(sig), nil
}
