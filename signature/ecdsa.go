package signature

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/crypto"
)

// ECDSASigner signs delegations with a secp256k1 key using the EIP-191
// personal-message scheme, so signatures are recoverable on the other side.
type ECDSASigner struct {
	key     *ecdsa.PrivateKey
	address string
}

// NewECDSASigner parses a hex secp256k1 private key. The address is derived
// from the key.
func NewECDSASigner(privateKeyHex string) (*ECDSASigner, error) {
	key, err := crypto.HexToECDSA(stripHexPrefix(privateKeyHex))
	if err != nil {
		return nil, fmt.Errorf("parse ecdsa private key: %w", err)
	}
	return &ECDSASigner{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey).Hex(),
	}, nil
}

// Address returns the signer's derived address.
func (s *ECDSASigner) Address() string { return s.address }

// SignDelegation signs address||sessionID and returns the 65-byte recovery
// signature as 0x-prefixed hex, with V in the conventional 27/28 range.
func (s *ECDSASigner) SignDelegation(sessionID string) (string, error) {
	hash := accounts.TextHash(delegationPayload(s.address, sessionID))
	sig, err := crypto.Sign(hash, s.key)
	if err != nil {
		return "", fmt.Errorf("sign delegation: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return "0x" + hex.EncodeToString(sig), nil
}

// ECDSAVerifier verifies delegations by recovering the signer address from
// the signature and comparing it, case-insensitively, to the claimed one.
type ECDSAVerifier struct{}

// NewECDSAVerifier creates an ECDSAVerifier.
func NewECDSAVerifier() *ECDSAVerifier { return &ECDSAVerifier{} }

// Verify checks the recovery signature over address||sessionID.
func (ECDSAVerifier) Verify(address, sessionID, sig string) error {
	if err := checkFields(address, sig); err != nil {
		return err
	}

	sigBytes, err := hex.DecodeString(stripHexPrefix(sig))
	if err != nil {
		return fmt.Errorf("malformed signature hex: %w", err)
	}
	if len(sigBytes) != crypto.SignatureLength {
		return fmt.Errorf("invalid signature length: expected %d bytes, got %d", crypto.SignatureLength, len(sigBytes))
	}
	if sigBytes[crypto.RecoveryIDOffset] >= 27 {
		sigBytes[crypto.RecoveryIDOffset] -= 27
	}

	hash := accounts.TextHash(delegationPayload(address, sessionID))
	pub, err := crypto.SigToPub(hash, sigBytes)
	if err != nil {
		return fmt.Errorf("recover signer: %w", err)
	}
	recovered := crypto.PubkeyToAddress(*pub).Hex()
	if !strings.EqualFold(recovered, address) {
		return fmt.Errorf("signature verification failed: expected %s, got %s", address, recovered)
	}
	return nil
}
