package tokens

import (
	"errors"
	"testing"
)

func TestCipherRoundTripIsTenantBound(testContext *testing.T) {
	cipher, err := NewCipher(testSecret)
	if err != nil {
		testContext.Fatalf("unexpected error: %v", err)
	}

	sealed, err := cipher.Encrypt("tenant-a", "secret-token")
	if err != nil {
		testContext.Fatalf("encrypt failed: %v", err)
	}
	if sealed == "secret-token" {
		testContext.Fatalf("expected ciphertext to differ from plaintext")
	}

	opened, err := cipher.Decrypt("tenant-a", sealed)
	if err != nil || opened != "secret-token" {
		testContext.Fatalf("expected round trip, got %q (%v)", opened, err)
	}

	if _, err := cipher.Decrypt("tenant-b", sealed); !errors.Is(err, ErrCiphertext) {
		testContext.Fatalf("expected tenant mismatch to be rejected, got %v", err)
	}
}

func TestCipherRejectsShortSecret(testContext *testing.T) {
	if _, err := NewCipher("too-short"); !errors.Is(err, ErrWeakEncryptionKey) {
		testContext.Fatalf("expected weak key error, got %v", err)
	}
}

func TestCipherUsesFreshNonces(testContext *testing.T) {
	cipher, err := NewCipher(testSecret)
	if err != nil {
		testContext.Fatalf("unexpected error: %v", err)
	}
	first, _ := cipher.Encrypt("tenant-a", "same")
	second, _ := cipher.Encrypt("tenant-a", "same")
	if first == second {
		testContext.Fatalf("expected distinct ciphertexts for repeated encryption")
	}
}
