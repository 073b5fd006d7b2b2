package middleware

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"hash"

	"github.com/tjfontaine/wchain/internal/chain"
	"github.com/tjfontaine/wchain/internal/pipeline"
	"github.com/tjfontaine/wchain/internal/stream"
)

var hashes = map[string]func() hash.Hash{
	"md5":    md5.New,
	"sha1":   sha1.New,
	"sha256": sha256.New,
	"sha512": sha512.New,
}

// HashConfig configures the hash stage.
type HashConfig struct {
	Algorithm string
	// Encoding of the digest: hex (default) or base64.
	Encoding string
	// Name the digest is recorded under; defaults to Algorithm.
	Name string
}

// Hash digests the stream as it passes and records the result in the run
// metadata when the stream ends.
func Hash(cfg HashConfig) (chain.Middleware[*pipeline.Meta], error) {
	newHash, ok := hashes[cfg.Algorithm]
	if !ok {
		return nil, fmt.Errorf("hash: unsupported algorithm %q", cfg.Algorithm)
	}
	var encode func([]byte) string
	switch cfg.Encoding {
	case "", "hex":
		encode = hex.EncodeToString
	case "base64":
		encode = base64.StdEncoding.EncodeToString
	default:
		return nil, fmt.Errorf("hash: unsupported encoding %q", cfg.Encoding)
	}
	name := cfg.Name
	if name == "" {
		name = cfg.Algorithm
	}

	return chain.MiddlewareFunc[*pipeline.Meta](func(ctx context.Context, meta *pipeline.Meta, s *stream.Stream, next chain.Next, done chain.Done) error {
		if s == nil {
			return noInput("hash")
		}
		h := newHash()
		s.Tap(h)
		go func() {
			<-s.Done()
			if err := s.Err(); err != nil {
				done(err)
				return
			}
			meta.SetDigest(name, encode(h.Sum(nil)))
			done(nil)
		}()
		return next(ctx, s)
	}), nil
}
