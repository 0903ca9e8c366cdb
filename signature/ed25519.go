package signature

import (
	"fmt"
	"strings"

	aptoscrypto "github.com/aptos-labs/aptos-go-sdk/crypto"
)

// aptosKeyPrefix is the AIP-80 private key prefix stripped before parsing.
const aptosKeyPrefix = "ed25519-priv-"

// Ed25519Signer signs delegations with an Aptos Ed25519 account key.
type Ed25519Signer struct {
	key     *aptoscrypto.Ed25519PrivateKey
	address string
}

// NewEd25519Signer parses a hex private key (with optional ed25519-priv-
// or 0x prefixes) and binds it to the given on-chain address.
func NewEd25519Signer(privateKeyHex, address string) (*Ed25519Signer, error) {
	privateKeyHex = strings.TrimPrefix(privateKeyHex, aptosKeyPrefix)
	key := &aptoscrypto.Ed25519PrivateKey{}
	if err := key.FromHex(privateKeyHex); err != nil {
		return nil, fmt.Errorf("parse ed25519 private key: %w", err)
	}
	return &Ed25519Signer{key: key, address: address}, nil
}

// Address returns the signer's on-chain address.
func (s *Ed25519Signer) Address() string { return s.address }

// SignDelegation signs address||sessionID and returns the 0x-prefixed hex
// signature.
func (s *Ed25519Signer) SignDelegation(sessionID string) (string, error) {
	sig, err := s.key.SignMessage(delegationPayload(s.address, sessionID))
	if err != nil {
		return "", fmt.Errorf("sign delegation: %w", err)
	}
	return sig.ToHex(), nil
}

// PublicKeyHex returns the signer's public key for registry distribution.
func (s *Ed25519Signer) PublicKeyHex() string {
	return s.key.VerifyingKey().ToHex()
}

// Ed25519Verifier verifies delegation signatures from Ed25519 signers.
//
// When the trusted-key registry holds an entry for the claimed address the
// signature is cryptographically verified against it. Without an entry the
// check degrades to signature shape only: any 128-hex-char signature
// passes. That weak path matches deployed behavior and is covered by tests;
// run with a populated registry to get real verification.
type Ed25519Verifier struct {
	trusted map[string]*aptoscrypto.Ed25519PublicKey
}

// NewEd25519Verifier builds a verifier from an address -> public-key-hex
// registry. A nil or empty registry yields the format-only behavior.
func NewEd25519Verifier(trusted map[string]string) (*Ed25519Verifier, error) {
	v := &Ed25519Verifier{trusted: make(map[string]*aptoscrypto.Ed25519PublicKey, len(trusted))}
	for addr, pubHex := range trusted {
		pub := &aptoscrypto.Ed25519PublicKey{}
		if err := pub.FromHex(pubHex); err != nil {
			return nil, fmt.Errorf("parse trusted key for %s: %w", addr, err)
		}
		v.trusted[strings.ToLower(addr)] = pub
	}
	return v, nil
}

// Verify checks the signature over address||sessionID.
func (v *Ed25519Verifier) Verify(address, sessionID, sig string) error {
	if err := checkFields(address, sig); err != nil {
		return err
	}

	if pub, ok := v.trusted[strings.ToLower(address)]; ok {
		es := &aptoscrypto.Ed25519Signature{}
		if err := es.FromHex(sig); err != nil {
			return fmt.Errorf("malformed ed25519 signature: %w", err)
		}
		if !pub.Verify(delegationPayload(address, sessionID), es) {
			return fmt.Errorf("ed25519 signature does not match trusted key for %s", address)
		}
		return nil
	}

	// No trusted key: shape check only. 64 signature bytes = 128 hex chars.
	hexSig := stripHexPrefix(sig)
	if len(hexSig) != 128 {
		return fmt.Errorf("invalid signature format for Ed25519: expected 128 hex chars, got %d", len(hexSig))
	}
	return nil
}
