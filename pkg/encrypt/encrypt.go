// Package encrypt provides the symmetric envelope used for every numeric
// exchange between broker and silos: AES-128-CBC with zero padding and no
// length field. Plaintext layouts carry their own element counts.
package encrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"

	"github.com/opaque/fedknn/pkg/crypto"
)

const (
	// KeySize is the size of AES-128 keys in bytes.
	KeySize = 16

	// BlockSize is the AES block size; envelopes are always a multiple of it.
	BlockSize = aes.BlockSize
)

var (
	// ErrInvalidKey is returned when the key is not 16 bytes.
	ErrInvalidKey = errors.New("invalid encryption key: must be 16 bytes")

	// ErrInvalidIV is returned when the IV is not one block long.
	ErrInvalidIV = errors.New("invalid iv: must be 16 bytes")

	// ErrInvalidCiphertext is returned when a ciphertext is empty or not block aligned.
	ErrInvalidCiphertext = errors.New("invalid ciphertext: must be a non-empty multiple of 16 bytes")

	// ErrEmptyPlaintext is returned when asked to encrypt nothing.
	ErrEmptyPlaintext = errors.New("empty plaintext")
)

// Cipher seals and opens envelopes for one session.
type Cipher interface {
	// Encrypt zero-pads plaintext to a block multiple and encrypts it.
	Encrypt(plaintext []byte) ([]byte, error)

	// Decrypt decrypts ciphertext. Padding is left in place.
	Decrypt(ciphertext []byte) ([]byte, error)
}

// CBC implements Cipher with AES-128 in CBC mode. Every envelope of a session
// starts from the same IV.
type CBC struct {
	block cipher.Block
	iv    [BlockSize]byte
}

// NewCBC creates a cipher from a raw key and IV.
func NewCBC(key, iv []byte) (*CBC, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	if len(iv) != BlockSize {
		return nil, ErrInvalidIV
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	c := &CBC{block: block}
	copy(c.iv[:], iv)
	return c, nil
}

// FromKeyMaterial creates a cipher from negotiated key material.
func FromKeyMaterial(m crypto.KeyMaterial) (*CBC, error) {
	return NewCBC(m.Key[:], m.IV[:])
}

// Encrypt implements Cipher.
func (c *CBC) Encrypt(plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, ErrEmptyPlaintext
	}
	out := Pad(plaintext)
	cipher.NewCBCEncrypter(c.block, c.iv[:]).CryptBlocks(out, out)
	return out, nil
}

// Decrypt implements Cipher.
func (c *CBC) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 || len(ciphertext)%BlockSize != 0 {
		return nil, ErrInvalidCiphertext
	}
	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(c.block, c.iv[:]).CryptBlocks(out, ciphertext)
	return out, nil
}

// PaddedLen returns n rounded up to the next multiple of BlockSize.
func PaddedLen(n int) int {
	return (n + BlockSize - 1) / BlockSize * BlockSize
}

// Pad returns a copy of b extended with zero bytes to PaddedLen(len(b)).
func Pad(b []byte) []byte {
	out := make([]byte, PaddedLen(len(b)))
	copy(out, b)
	return out
}
