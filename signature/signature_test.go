package signature

import (
	"encoding/hex"
	"strings"
	"testing"

	aptoscrypto "github.com/aptos-labs/aptos-go-sdk/crypto"
	"github.com/ethereum/go-ethereum/crypto"
)

func TestECDSA_SignAndVerify(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer := &ECDSASigner{key: key, address: crypto.PubkeyToAddress(key.PublicKey).Hex()}
	verifier := NewECDSAVerifier()

	const session = "sess-1234"
	sig, err := signer.SignDelegation(session)
	if err != nil {
		t.Fatalf("SignDelegation: %v", err)
	}

	if err := verifier.Verify(signer.Address(), session, sig); err != nil {
		t.Errorf("Verify valid signature: %v", err)
	}

	// Lowercased claimed address must still verify (case-insensitive compare).
	if err := verifier.Verify(strings.ToLower(signer.Address()), session, sig); err != nil {
		t.Errorf("Verify lowercase address: %v", err)
	}
}

func TestECDSA_BitFlipInvalidatesSignature(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer := &ECDSASigner{key: key, address: crypto.PubkeyToAddress(key.PublicKey).Hex()}
	verifier := NewECDSAVerifier()

	const session = "sess-1234"
	sig, err := signer.SignDelegation(session)
	if err != nil {
		t.Fatalf("SignDelegation: %v", err)
	}

	raw, err := hex.DecodeString(stripHexPrefix(sig))
	if err != nil {
		t.Fatalf("decode signature: %v", err)
	}

	// Flip every bit of the r component; each mutation must fail.
	for i := 0; i < 32; i++ {
		for bit := 0; bit < 8; bit++ {
			mutated := make([]byte, len(raw))
			copy(mutated, raw)
			mutated[i] ^= 1 << bit
			err := verifier.Verify(signer.Address(), session, "0x"+hex.EncodeToString(mutated))
			if err == nil {
				t.Fatalf("mutation at byte %d bit %d verified, want failure", i, bit)
			}
		}
	}
}

func TestECDSA_WrongSessionFails(t *testing.T) {
	key, _ := crypto.GenerateKey()
	signer := &ECDSASigner{key: key, address: crypto.PubkeyToAddress(key.PublicKey).Hex()}

	sig, err := signer.SignDelegation("sess-a")
	if err != nil {
		t.Fatalf("SignDelegation: %v", err)
	}
	if err := NewECDSAVerifier().Verify(signer.Address(), "sess-b", sig); err == nil {
		t.Error("signature for sess-a verified against sess-b")
	}
}

func TestECDSA_MissingFields(t *testing.T) {
	v := NewECDSAVerifier()
	if err := v.Verify("", "s", "0xff"); err != ErrMissingAddress {
		t.Errorf("empty address: err = %v, want ErrMissingAddress", err)
	}
	if err := v.Verify("0xabc", "s", ""); err != ErrMissingSignature {
		t.Errorf("empty signature: err = %v, want ErrMissingSignature", err)
	}
}

func TestEd25519_FormatOnlyAccepts128HexChars(t *testing.T) {
	v, err := NewEd25519Verifier(nil)
	if err != nil {
		t.Fatalf("NewEd25519Verifier: %v", err)
	}

	// Without a trusted key, any 128-hex-char signature passes regardless of
	// content. This asserts the deployed weak behavior on purpose.
	junk := strings.Repeat("zz", 64)
	if err := v.Verify("0xabc", "sess", junk); err != nil {
		t.Errorf("128-char junk rejected by format-only check: %v", err)
	}
	if err := v.Verify("0xabc", "sess", "0x"+strings.Repeat("ab", 64)); err != nil {
		t.Errorf("0x-prefixed 128-hex signature rejected: %v", err)
	}

	if err := v.Verify("0xabc", "sess", strings.Repeat("ab", 63)); err == nil {
		t.Error("126-char signature accepted, want format error")
	}
	if err := v.Verify("0xabc", "sess", strings.Repeat("ab", 65)); err == nil {
		t.Error("130-char signature accepted, want format error")
	}
}

func TestEd25519_TrustedKeyVerification(t *testing.T) {
	key, err := aptoscrypto.GenerateEd25519PrivateKey()
	if err != nil {
		t.Fatalf("generate ed25519 key: %v", err)
	}
	const addr = "0x69029bc61f"
	signer := &Ed25519Signer{key: key, address: addr}

	v, err := NewEd25519Verifier(map[string]string{addr: signer.PublicKeyHex()})
	if err != nil {
		t.Fatalf("NewEd25519Verifier: %v", err)
	}

	sig, err := signer.SignDelegation("sess-1")
	if err != nil {
		t.Fatalf("SignDelegation: %v", err)
	}
	if err := v.Verify(addr, "sess-1", sig); err != nil {
		t.Errorf("Verify with trusted key: %v", err)
	}
	if err := v.Verify(addr, "sess-2", sig); err == nil {
		t.Error("signature for sess-1 verified against sess-2 with trusted key")
	}

	// A well-shaped but wrong signature must fail once a key is trusted.
	bogus := "0x" + strings.Repeat("ab", 64)
	if err := v.Verify(addr, "sess-1", bogus); err == nil {
		t.Error("bogus signature passed trusted-key verification")
	}
}

func TestNoopVerifier(t *testing.T) {
	if err := NoopVerifier().Verify("", "", ""); err != nil {
		t.Errorf("NoopVerifier rejected: %v", err)
	}
}
