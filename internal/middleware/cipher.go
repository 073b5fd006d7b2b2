package middleware

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20"

	"github.com/tjfontaine/wchain/internal/chain"
	"github.com/tjfontaine/wchain/internal/pipeline"
	"github.com/tjfontaine/wchain/internal/stream"
)

// Supported cipher algorithms.
const (
	AES128CBC = "aes-128-cbc"
	AES192CBC = "aes-192-cbc"
	AES256CBC = "aes-256-cbc"
	ChaCha20  = "chacha20"
)

var aesKeySizes = map[string]int{
	AES128CBC: 16,
	AES192CBC: 24,
	AES256CBC: 32,
}

// ErrBadPadding is reported when decrypted data does not end in valid PKCS#7 padding.
var ErrBadPadding = errors.New("decrypt: invalid padding")

// CipherConfig configures the encrypt and decrypt stages.
type CipherConfig struct {
	Algorithm string
	Key       []byte
	// IV is the CBC initialization vector or the ChaCha20 nonce (12 or 24 bytes).
	IV []byte
	// Encoding of the ciphertext: hex (default), base64 or raw.
	Encoding string
}

func (c CipherConfig) validate() error {
	if size, ok := aesKeySizes[c.Algorithm]; ok {
		if len(c.Key) != size {
			return fmt.Errorf("%s: key must be %d bytes, got %d", c.Algorithm, size, len(c.Key))
		}
		if len(c.IV) != aes.BlockSize {
			return fmt.Errorf("%s: iv must be %d bytes, got %d", c.Algorithm, aes.BlockSize, len(c.IV))
		}
		return nil
	}
	if c.Algorithm == ChaCha20 {
		if len(c.Key) != chacha20.KeySize {
			return fmt.Errorf("%s: key must be %d bytes, got %d", c.Algorithm, chacha20.KeySize, len(c.Key))
		}
		if len(c.IV) != chacha20.NonceSize && len(c.IV) != chacha20.NonceSizeX {
			return fmt.Errorf("%s: nonce must be %d or %d bytes, got %d", c.Algorithm, chacha20.NonceSize, chacha20.NonceSizeX, len(c.IV))
		}
		return nil
	}
	return fmt.Errorf("unsupported cipher %q", c.Algorithm)
}

// Encrypt emits the encrypted form of the incoming stream.
func Encrypt(cfg CipherConfig) (chain.Middleware[*pipeline.Meta], error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("encrypt: %w", err)
	}
	if _, err := encoder(cfg.Encoding, nil); err != nil {
		return nil, fmt.Errorf("encrypt: %w", err)
	}
	return transform("encrypt", func(out sink) (sink, error) {
		enc, err := encoder(cfg.Encoding, out)
		if err != nil {
			return nil, err
		}
		return newCrypter(cfg, enc, true)
	}), nil
}

// Decrypt emits the plaintext of an incoming stream produced by Encrypt with
// the same configuration.
func Decrypt(cfg CipherConfig) (chain.Middleware[*pipeline.Meta], error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	if _, err := decoder(cfg.Encoding, nil); err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return transform("decrypt", func(out sink) (sink, error) {
		dec, err := newCrypter(cfg, out, false)
		if err != nil {
			return nil, err
		}
		return decoder(cfg.Encoding, dec)
	}), nil
}

// transform builds a stage that pipes its input through the writer returned by
// wrap into a new stream.
func transform(name string, wrap func(out sink) (sink, error)) chain.Middleware[*pipeline.Meta] {
	return chain.MiddlewareFunc[*pipeline.Meta](func(ctx context.Context, _ *pipeline.Meta, s *stream.Stream, next chain.Next, done chain.Done) error {
		if s == nil {
			return noInput(name)
		}
		out := stream.New()
		w, err := wrap(out)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		s.Pipe(w)
		doneWhenFinished(out, done)
		return next(ctx, out)
	})
}

func newCrypter(cfg CipherConfig, out sink, encrypt bool) (sink, error) {
	if cfg.Algorithm == ChaCha20 {
		c, err := chacha20.NewUnauthenticatedCipher(cfg.Key, cfg.IV)
		if err != nil {
			return nil, err
		}
		return &xorWriter{stream: c, out: out}, nil
	}

	block, err := aes.NewCipher(cfg.Key)
	if err != nil {
		return nil, err
	}
	if encrypt {
		return &cbcWriter{mode: cipher.NewCBCEncrypter(block, cfg.IV), out: out, encrypt: true}, nil
	}
	return &cbcWriter{mode: cipher.NewCBCDecrypter(block, cfg.IV), out: out}, nil
}

// cbcWriter runs a CBC block mode over arbitrarily sized writes. Encryption
// pads the final block with PKCS#7; decryption holds back the last block until
// Close so the padding can be removed.
type cbcWriter struct {
	mode    cipher.BlockMode
	out     sink
	encrypt bool
	buf     []byte
}

func (c *cbcWriter) Write(p []byte) (int, error) {
	c.buf = append(c.buf, p...)
	bs := c.mode.BlockSize()

	n := len(c.buf) / bs * bs
	if !c.encrypt && n == len(c.buf) {
		n -= bs
	}
	if n <= 0 {
		return len(p), nil
	}

	chunk := make([]byte, n)
	c.mode.CryptBlocks(chunk, c.buf[:n])
	c.buf = append(c.buf[:0], c.buf[n:]...)
	if _, err := c.out.Write(chunk); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *cbcWriter) Close() error {
	bs := c.mode.BlockSize()

	if c.encrypt {
		pad := bs - len(c.buf)%bs
		final := append(c.buf, bytes.Repeat([]byte{byte(pad)}, pad)...)
		c.mode.CryptBlocks(final, final)
		if _, err := c.out.Write(final); err != nil {
			return c.out.CloseWithError(err)
		}
		return c.out.Close()
	}

	if len(c.buf) != bs {
		return c.fail(fmt.Errorf("decrypt: ciphertext is not a multiple of the block size"))
	}
	c.mode.CryptBlocks(c.buf, c.buf)
	pad := int(c.buf[bs-1])
	if pad == 0 || pad > bs || !bytes.Equal(c.buf[bs-pad:], bytes.Repeat([]byte{byte(pad)}, pad)) {
		return c.fail(ErrBadPadding)
	}
	if _, err := c.out.Write(c.buf[:bs-pad]); err != nil {
		return c.out.CloseWithError(err)
	}
	return c.out.Close()
}

func (c *cbcWriter) fail(err error) error {
	c.out.CloseWithError(err)
	return err
}

func (c *cbcWriter) CloseWithError(err error) error {
	return c.out.CloseWithError(err)
}

// xorWriter applies a stream cipher, which encrypts and decrypts alike.
type xorWriter struct {
	stream cipher.Stream
	out    sink
}

func (x *xorWriter) Write(p []byte) (int, error) {
	dst := make([]byte, len(p))
	x.stream.XORKeyStream(dst, p)
	if _, err := x.out.Write(dst); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (x *xorWriter) Close() error {
	return x.out.Close()
}

func (x *xorWriter) CloseWithError(err error) error {
	return x.out.CloseWithError(err)
}
