package cryptoutil

import (
	"errors"
	"strings"
	"testing"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func TestNewRejectsBadKeySizes(t *testing.T) {
	testCases := []struct {
		name string
		key  []byte
	}{
		{name: "empty", key: nil},
		{name: "short", key: []byte("too-short")},
		{name: "long", key: append([]byte(nil), append(testKey, 'x')...)},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.key); err == nil {
				t.Error("expected error for bad key size, got nil")
			}
		})
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	box, err := New(testKey)
	if err != nil {
		t.Fatalf("failed to build box: %v", err)
	}
	for _, plaintext := range []string{"", "glpat-sOmEtOkEn", strings.Repeat("x", 4096)} {
		ciphertext, nonce, err := box.Encrypt(plaintext)
		if err != nil {
			t.Fatalf("encrypt failed: %v", err)
		}
		decrypted, err := box.Decrypt(ciphertext, nonce)
		if err != nil {
			t.Fatalf("decrypt failed: %v", err)
		}
		if decrypted != plaintext {
			t.Errorf("round trip mismatch: got %q", decrypted)
		}
	}
}

func TestEncryptDrawsFreshNonces(t *testing.T) {
	box, err := New(testKey)
	if err != nil {
		t.Fatalf("failed to build box: %v", err)
	}
	_, firstNonce, err := box.Encrypt("same input")
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	_, secondNonce, err := box.Encrypt("same input")
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	if firstNonce == secondNonce {
		t.Error("two encryptions reused the same nonce")
	}
}

func TestDecryptFailures(t *testing.T) {
	box, err := New(testKey)
	if err != nil {
		t.Fatalf("failed to build box: %v", err)
	}
	ciphertext, nonce, err := box.Encrypt("secret")
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}

	otherBox, err := New([]byte("ffffffffffffffffffffffffffffffff"))
	if err != nil {
		t.Fatalf("failed to build box: %v", err)
	}

	testCases := []struct {
		name       string
		box        *Box
		ciphertext string
		nonce      string
	}{
		{name: "wrong key", box: otherBox, ciphertext: ciphertext, nonce: nonce},
		{name: "corrupted ciphertext", box: box, ciphertext: "aGVsbG8=", nonce: nonce},
		{name: "bad base64 ciphertext", box: box, ciphertext: "!!!", nonce: nonce},
		{name: "bad base64 nonce", box: box, ciphertext: ciphertext, nonce: "!!!"},
		{name: "wrong size nonce", box: box, ciphertext: ciphertext, nonce: "aGVsbG8="},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := tc.box.Decrypt(tc.ciphertext, tc.nonce); !errors.Is(err, ErrDecrypt) {
				t.Errorf("expected ErrDecrypt, got %v", err)
			}
		})
	}
}
