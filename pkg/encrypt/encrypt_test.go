package encrypt

import (
	"bytes"
	"testing"

	"github.com/opaque/fedknn/pkg/crypto"
)

func testCipher(t *testing.T, seed byte) *CBC {
	t.Helper()
	var m crypto.KeyMaterial
	for i := range m.Key {
		m.Key[i] = seed + byte(i)
		m.IV[i] = seed ^ byte(0xa0+i)
	}
	c, err := FromKeyMaterial(m)
	if err != nil {
		t.Fatalf("failed to create cipher: %v", err)
	}
	return c
}

func TestCBC_EncryptDecrypt(t *testing.T) {
	c := testCipher(t, 1)

	for _, n := range []int{1, 4, 15, 16, 17, 31, 32, 100} {
		plaintext := make([]byte, n)
		for i := range plaintext {
			plaintext[i] = byte(i*7 + 3)
		}

		ciphertext, err := c.Encrypt(plaintext)
		if err != nil {
			t.Fatalf("encryption of %d bytes failed: %v", n, err)
		}
		if len(ciphertext) != PaddedLen(n) {
			t.Errorf("ciphertext length = %d, want %d", len(ciphertext), PaddedLen(n))
		}

		decrypted, err := c.Decrypt(ciphertext)
		if err != nil {
			t.Fatalf("decryption failed: %v", err)
		}
		if !bytes.Equal(decrypted[:n], plaintext) {
			t.Errorf("decrypted prefix doesn't match original for n=%d", n)
		}
		for i, b := range decrypted[n:] {
			if b != 0 {
				t.Errorf("padding byte %d = %#x, want 0", i, b)
			}
		}
	}
}

func TestCBC_AlignedInputGetsNoExtraBlock(t *testing.T) {
	c := testCipher(t, 2)

	ciphertext, err := c.Encrypt(make([]byte, 32))
	if err != nil {
		t.Fatalf("encryption failed: %v", err)
	}
	if len(ciphertext) != 32 {
		t.Errorf("ciphertext length = %d, want 32", len(ciphertext))
	}
}

func TestCBC_Deterministic(t *testing.T) {
	c := testCipher(t, 3)
	plaintext := []byte{1, 0, 0, 0}

	a, _ := c.Encrypt(plaintext)
	b, _ := c.Encrypt(plaintext)
	if !bytes.Equal(a, b) {
		t.Error("same session and plaintext should give identical envelopes")
	}

	other := testCipher(t, 4)
	d, _ := other.Encrypt(plaintext)
	if bytes.Equal(a, d) {
		t.Error("different sessions should give different envelopes")
	}
}

func TestCBC_DecryptRejectsBadLength(t *testing.T) {
	c := testCipher(t, 5)

	for _, n := range []int{0, 1, 15, 17} {
		if _, err := c.Decrypt(make([]byte, n)); err != ErrInvalidCiphertext {
			t.Errorf("Decrypt(%d bytes) error = %v, want ErrInvalidCiphertext", n, err)
		}
	}
}

func TestCBC_EncryptRejectsEmpty(t *testing.T) {
	c := testCipher(t, 6)
	if _, err := c.Encrypt(nil); err != ErrEmptyPlaintext {
		t.Errorf("Encrypt(nil) error = %v, want ErrEmptyPlaintext", err)
	}
}

func TestNewCBC_InvalidSizes(t *testing.T) {
	if _, err := NewCBC(make([]byte, 32), make([]byte, 16)); err != ErrInvalidKey {
		t.Errorf("expected ErrInvalidKey, got %v", err)
	}
	if _, err := NewCBC(make([]byte, 16), make([]byte, 12)); err != ErrInvalidIV {
		t.Errorf("expected ErrInvalidIV, got %v", err)
	}
}

func TestPaddedLen(t *testing.T) {
	tests := map[int]int{0: 0, 1: 16, 16: 16, 17: 32, 48: 48}
	for in, want := range tests {
		if got := PaddedLen(in); got != want {
			t.Errorf("PaddedLen(%d) = %d, want %d", in, got, want)
		}
	}
}
