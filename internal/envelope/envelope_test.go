package envelope

import (
	"bytes"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const testKeyHex = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func newTestSealer(t *testing.T) *Sealer {
	t.Helper()
	s, err := NewFromHex(testKeyHex)
	require.NoError(t, err)
	return s
}

func TestRoundTrip(t *testing.T) {
	s := newTestSealer(t)

	for _, plain := range []string{
		"",
		"a",
		"exactly sixteen!",
		`{"incidentId":42,"title":"Phishing campaign"}`,
		strings.Repeat("x", 1000),
	} {
		env, err := s.Encrypt([]byte(plain))
		require.NoError(t, err)

		got, err := s.Decrypt(env)
		require.NoError(t, err)
		require.Equal(t, plain, string(got))
	}
}

func TestEncrypt_FreshIVEachCall(t *testing.T) {
	s := newTestSealer(t)
	plain := []byte(`{"incidentId":7}`)

	a, err := s.Encrypt(plain)
	require.NoError(t, err)
	b, err := s.Encrypt(plain)
	require.NoError(t, err)

	require.NotEqual(t, a, b)
	ivA, _, _ := strings.Cut(a, ":")
	ivB, _, _ := strings.Cut(b, ":")
	require.NotEqual(t, ivA, ivB)

	for _, env := range []string{a, b} {
		got, err := s.Decrypt(env)
		require.NoError(t, err)
		require.Equal(t, plain, got)
	}
}

func TestEncrypt_EnvelopeLayout(t *testing.T) {
	s := newTestSealer(t)
	env, err := s.Encrypt([]byte("hello"))
	require.NoError(t, err)

	ivHex, ctHex, ok := strings.Cut(env, ":")
	require.True(t, ok)
	require.Len(t, ivHex, IVSize*2)
	ct, err := hex.DecodeString(ctHex)
	require.NoError(t, err)
	require.Len(t, ct, 16)
}

// aes-256-cbc of "hola" under the test key with an all-zero IV, as produced
// by openssl enc and Node's createCipheriv.
const knownEnvelope = "00000000000000000000000000000000:433a80de9e2237a2e03cfa7c37cfa85f"

func TestEncrypt_KnownVector(t *testing.T) {
	s := newTestSealer(t)
	s.rand = bytes.NewReader(make([]byte, IVSize))

	env, err := s.Encrypt([]byte("hola"))
	require.NoError(t, err)
	require.Equal(t, knownEnvelope, env)
}

func TestDecrypt_KnownVector(t *testing.T) {
	s := newTestSealer(t)

	got, err := s.Decrypt(knownEnvelope)
	require.NoError(t, err)
	require.Equal(t, "hola", string(got))
}

func TestDecrypt_Malformed(t *testing.T) {
	s := newTestSealer(t)
	valid, err := s.Encrypt([]byte("payload"))
	require.NoError(t, err)
	iv, ct, _ := strings.Cut(valid, ":")

	tests := []struct {
		name string
		env  string
	}{
		{"no separator", iv + ct},
		{"empty", ""},
		{"iv not hex", "zz" + iv[2:] + ":" + ct},
		{"ciphertext not hex", iv + ":" + "nothex"},
		{"short iv", iv[:10] + ":" + ct},
		{"empty ciphertext", iv + ":"},
		{"unaligned ciphertext", iv + ":" + ct[:len(ct)-2]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Decrypt(tt.env)
			require.ErrorIs(t, err, ErrDecryption)
		})
	}
}

func TestDecrypt_WrongKey(t *testing.T) {
	s := newTestSealer(t)
	env, err := s.Encrypt([]byte(`{"secret":"value"}`))
	require.NoError(t, err)

	other, err := NewFromHex(strings.Repeat("ab", KeySize))
	require.NoError(t, err)

	got, err := other.Decrypt(env)
	if err == nil {
		// One in ~256 wrong-key decryptions yields valid padding by chance.
		require.NotEqual(t, `{"secret":"value"}`, string(got))
		return
	}
	require.ErrorIs(t, err, ErrDecryption)
}

func TestNew_InvalidKey(t *testing.T) {
	_, err := New(make([]byte, 16))
	require.ErrorIs(t, err, ErrInvalidKey)

	_, err = NewFromHex("not-hex")
	require.ErrorIs(t, err, ErrInvalidKey)

	_, err = NewFromHex(strings.Repeat("00", 31))
	require.ErrorIs(t, err, ErrInvalidKey)
}

func TestGenerateKey(t *testing.T) {
	a, err := GenerateKey()
	require.NoError(t, err)
	b, err := GenerateKey()
	require.NoError(t, err)

	require.Len(t, a, KeySize*2)
	require.NotEqual(t, a, b)

	_, err = NewFromHex(a)
	require.NoError(t, err)
}
