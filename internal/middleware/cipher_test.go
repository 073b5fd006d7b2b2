package middleware

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/hex"
	"errors"
	"strings"
	"testing"
)

var (
	testKey = []byte("Here is the key.")
	testIV  = []byte("I'm init vector.")
)

func TestEncrypt_MatchesCBCReference(t *testing.T) {
	plain := "Hello, stream!"

	block, _ := aes.NewCipher(testKey)
	padded := append([]byte(plain), bytes.Repeat([]byte{2}, 2)...)
	want := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, testIV).CryptBlocks(want, padded)

	enc, err := Encrypt(CipherConfig{Algorithm: AES128CBC, Key: testKey, IV: testIV})
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	got, err := runStages(t, newMeta(), plain, enc)
	if err != nil {
		t.Fatalf("run error = %v", err)
	}
	if got != hex.EncodeToString(want) {
		t.Errorf("ciphertext = %s, want %s", got, hex.EncodeToString(want))
	}
}

func TestCipher_RoundTrip(t *testing.T) {
	plain := strings.Repeat("The quick brown fox jumps over the lazy dog. ", 3000)

	algorithms := []struct {
		name string
		key  []byte
		iv   []byte
	}{
		{AES128CBC, bytes.Repeat([]byte{1}, 16), bytes.Repeat([]byte{9}, 16)},
		{AES192CBC, bytes.Repeat([]byte{2}, 24), bytes.Repeat([]byte{8}, 16)},
		{AES256CBC, bytes.Repeat([]byte{3}, 32), bytes.Repeat([]byte{7}, 16)},
		{ChaCha20, bytes.Repeat([]byte{4}, 32), bytes.Repeat([]byte{6}, 12)},
	}

	for _, alg := range algorithms {
		for _, encoding := range []string{"hex", "base64", "raw"} {
			t.Run(alg.name+"/"+encoding, func(t *testing.T) {
				cfg := CipherConfig{Algorithm: alg.name, Key: alg.key, IV: alg.iv, Encoding: encoding}
				enc, err := Encrypt(cfg)
				if err != nil {
					t.Fatalf("Encrypt() error = %v", err)
				}
				dec, err := Decrypt(cfg)
				if err != nil {
					t.Fatalf("Decrypt() error = %v", err)
				}

				got, err := runStages(t, newMeta(), plain, enc, dec)
				if err != nil {
					t.Fatalf("run error = %v", err)
				}
				if got != plain {
					t.Errorf("round trip returned %d bytes, want %d", len(got), len(plain))
				}
			})
		}
	}
}

func TestDecrypt_BadPadding(t *testing.T) {
	// An unpadded zero block decrypts to a final byte of 0, which is never valid.
	block, _ := aes.NewCipher(testKey)
	plain := make([]byte, aes.BlockSize)
	ct := make([]byte, aes.BlockSize)
	cipher.NewCBCEncrypter(block, testIV).CryptBlocks(ct, plain)

	dec, err := Decrypt(CipherConfig{Algorithm: AES128CBC, Key: testKey, IV: testIV, Encoding: "raw"})
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	_, err = runStages(t, newMeta(), string(ct), dec)
	if !errors.Is(err, ErrBadPadding) {
		t.Errorf("run error = %v, want ErrBadPadding", err)
	}
}

func TestDecrypt_TruncatedCiphertext(t *testing.T) {
	dec, _ := Decrypt(CipherConfig{Algorithm: AES128CBC, Key: testKey, IV: testIV})
	if _, err := runStages(t, newMeta(), "abcd", dec); err == nil {
		t.Error("expected error for short ciphertext")
	}
}

func TestCipher_InvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  CipherConfig
	}{
		{"unknown algorithm", CipherConfig{Algorithm: "rc4", Key: testKey, IV: testIV}},
		{"short key", CipherConfig{Algorithm: AES256CBC, Key: testKey, IV: testIV}},
		{"short iv", CipherConfig{Algorithm: AES128CBC, Key: testKey, IV: testIV[:8]}},
		{"bad nonce", CipherConfig{Algorithm: ChaCha20, Key: make([]byte, 32), IV: testIV}},
		{"bad encoding", CipherConfig{Algorithm: AES128CBC, Key: testKey, IV: testIV, Encoding: "uu"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Encrypt(tt.cfg); err == nil {
				t.Error("Encrypt() expected error")
			}
			if _, err := Decrypt(tt.cfg); err == nil {
				t.Error("Decrypt() expected error")
			}
		})
	}
}
