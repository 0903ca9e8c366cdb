// Package signature signs and verifies task-delegation credentials.
//
// The signed payload is always the concatenation of the signer's address
// and the session id. Two verification strategies exist across deployed
// agent families: full ECDSA public-key recovery, and an Ed25519 check
// that verifies against a trusted key registry when one is configured but
// degrades to a signature-shape check when it is not.
package signature

import "errors"

// Signer produces delegation signatures with a local key.
type Signer interface {
	// Address is the signer's on-chain address, as attached to the auth block.
	Address() string

	// SignDelegation signs address||sessionID and returns the hex signature.
	SignDelegation(sessionID string) (string, error)
}

// Verifier checks a delegation signature claimed by address over sessionID.
type Verifier interface {
	Verify(address, sessionID, sig string) error
}

// ErrMissingAddress reports an auth block without a signer address.
var ErrMissingAddress = errors.New("missing address in auth data")

// ErrMissingSignature reports an auth block without a signature.
var ErrMissingSignature = errors.New("missing signature in auth data")

// delegationPayload is the exact byte sequence both sides sign and verify.
func delegationPayload(address, sessionID string) []byte {
	return []byte(address + sessionID)
}

// checkFields rejects empty auth fields before any cryptography runs.
func checkFields(address, sig string) error {
	if address == "" {
		return ErrMissingAddress
	}
	if sig == "" {
		return ErrMissingSignature
	}
	return nil
}

// stripHexPrefix removes a leading 0x from a hex signature.
func stripHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

// VerifierFunc adapts a function to the Verifier interface.
type VerifierFunc func(address, sessionID, sig string) error

// Verify implements Verifier.
func (f VerifierFunc) Verify(address, sessionID, sig string) error {
	return f(address, sessionID, sig)
}

// NoopVerifier accepts everything. Used when verification is disabled.
func NoopVerifier() Verifier {
	return VerifierFunc(func(_, _, _ string) error { return nil })
}
