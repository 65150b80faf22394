// Package envelope encrypts audit payloads at rest.
//
// An envelope is the string form of one encrypted value:
//
//	hex(iv) ":" hex(ciphertext)
//
// The cipher is AES-256 in CBC mode with PKCS#7 padding and a fresh random
// 16-byte IV per call. The layout and padding match what Node's
// crypto.createCipheriv("aes-256-cbc") produces, so envelopes written by the
// previous backend decrypt unchanged.
package envelope

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	// KeySize is the required key length in bytes (AES-256).
	KeySize = 32
	// IVSize is the length of the per-message initialization vector.
	IVSize = aes.BlockSize

	separator = ":"
)

var (
	// ErrDecryption is returned for any envelope that cannot be opened:
	// malformed layout, non-hex content, bad padding, or a different key.
	ErrDecryption = errors.New("envelope: decryption failed")

	// ErrInvalidKey is returned by New when the key is not KeySize bytes.
	ErrInvalidKey = errors.New("envelope: invalid key")
)

// Sealer encrypts and decrypts envelopes with a single symmetric key.
// Safe for concurrent use; it holds no mutable state.
type Sealer struct {
	block cipher.Block
	rand  io.Reader
}

// New returns a Sealer for the given 32-byte key.
func New(key []byte) (*Sealer, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: need %d bytes, got %d", ErrInvalidKey, KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return &Sealer{block: block, rand: rand.Reader}, nil
}

// NewFromHex decodes a 64-character hex key and returns a Sealer for it.
func NewFromHex(hexKey string) (*Sealer, error) {
	key, err := hex.DecodeString(strings.TrimSpace(hexKey))
	if err != nil {
		return nil, fmt.Errorf("%w: key is not hex: %v", ErrInvalidKey, err)
	}
	return New(key)
}

// GenerateKey returns a new random key, hex encoded.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("generating key: %w", err)
	}
	return hex.EncodeToString(key), nil
}

// Encrypt seals plaintext into a new envelope. Every call draws a new IV,
// so encrypting the same plaintext twice yields different envelopes.
func (s *Sealer) Encrypt(plaintext []byte) (string, error) {
	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(s.rand, iv); err != nil {
		return "", fmt.Errorf("generating iv: %w", err)
	}

	padded := pad(plaintext, aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(s.block, iv).CryptBlocks(out, padded)

	return hex.EncodeToString(iv) + separator + hex.EncodeToString(out), nil
}

// Decrypt opens an envelope produced by Encrypt with the same key.
// All failures wrap ErrDecryption.
func (s *Sealer) Decrypt(env string) ([]byte, error) {
	ivHex, ctHex, ok := strings.Cut(env, separator)
	if !ok {
		return nil, fmt.Errorf("%w: missing separator", ErrDecryption)
	}
	iv, err := hex.DecodeString(ivHex)
	if err != nil {
		return nil, fmt.Errorf("%w: iv is not hex", ErrDecryption)
	}
	if len(iv) != IVSize {
		return nil, fmt.Errorf("%w: iv must be %d bytes, got %d", ErrDecryption, IVSize, len(iv))
	}
	ct, err := hex.DecodeString(ctHex)
	if err != nil {
		return nil, fmt.Errorf("%w: ciphertext is not hex", ErrDecryption)
	}
	if len(ct) == 0 || len(ct)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext length %d is not a positive multiple of %d", ErrDecryption, len(ct), aes.BlockSize)
	}

	out := make([]byte, len(ct))
	cipher.NewCBCDecrypter(s.block, iv).CryptBlocks(out, ct)

	plain, err := unpad(out, aes.BlockSize)
	if err != nil {
		return nil, err
	}
	return plain, nil
}

// pad applies PKCS#7 padding. A full block of padding is added when the
// input is already block aligned.
func pad(b []byte, size int) []byte {
	n := size - len(b)%size
	return append(bytes.Clone(b), bytes.Repeat([]byte{byte(n)}, n)...)
}

// unpad strips and checks PKCS#7 padding. A wrong key almost always
// surfaces here.
func unpad(b []byte, size int) ([]byte, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty plaintext block", ErrDecryption)
	}
	n := int(b[len(b)-1])
	if n == 0 || n > size || n > len(b) {
		return nil, fmt.Errorf("%w: bad padding", ErrDecryption)
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, fmt.Errorf("%w: bad padding", ErrDecryption)
		}
	}
	return b[:len(b)-n], nil
}
