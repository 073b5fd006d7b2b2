package middleware

import (
	"encoding/hex"
	"fmt"
	"net/http"

	"github.com/tjfontaine/wchain/internal/chain"
	"github.com/tjfontaine/wchain/internal/pipeline"
	"github.com/tjfontaine/wchain/internal/tokens"
)

// Stage type names registered by RegisterStages.
const (
	TypeReadFile  = "read_file"
	TypeWriteFile = "write_file"
	TypeHash      = "hash"
	TypeEncrypt   = "encrypt"
	TypeDecrypt   = "decrypt"
	TypeTokens    = "tokens"
	TypeWebhook   = "webhook"
	TypeRetarget  = "retarget"
)

type registerOptions struct {
	client  *http.Client
	counter *tokens.Counter
}

// Option customizes RegisterStages.
type Option func(*registerOptions)

// WithHTTPClient sets the client used by webhook stages.
func WithHTTPClient(c *http.Client) Option {
	return func(o *registerOptions) { o.client = c }
}

// WithTokenCounter shares a token counter across tokens stages.
func WithTokenCounter(c *tokens.Counter) Option {
	return func(o *registerOptions) { o.counter = c }
}

// RegisterStages registers the built-in stage types with the pipeline
// factory. Types that are already registered are left alone, so it is safe
// to call more than once.
func RegisterStages(opts ...Option) {
	o := registerOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.counter == nil {
		o.counter = tokens.NewCounter()
	}

	for _, f := range factories(o) {
		if pipeline.IsRegistered(f.Type) {
			continue
		}
		pipeline.RegisterStage(f)
	}
}

func factories(o registerOptions) []pipeline.StageFactory {
	return []pipeline.StageFactory{
		{
			Type:        TypeReadFile,
			Description: "Reads the run source file into the stream.",
			Create: func(pipeline.Params) (chain.Middleware[*pipeline.Meta], error) {
				return ReadFile(), nil
			},
		},
		{
			Type:        TypeWriteFile,
			Description: "Writes the stream to the run destination file.",
			Create: func(pipeline.Params) (chain.Middleware[*pipeline.Meta], error) {
				return WriteFile(), nil
			},
		},
		{
			Type:        TypeHash,
			Description: "Records a digest of the stream (md5, sha1, sha256, sha512).",
			NameParam:   "name",
			Create: func(p pipeline.Params) (chain.Middleware[*pipeline.Meta], error) {
				var cfg HashConfig
				var err error
				if cfg.Algorithm, err = p.String("algorithm", "sha256"); err != nil {
					return nil, err
				}
				if cfg.Encoding, err = p.String("encoding", "hex"); err != nil {
					return nil, err
				}
				if cfg.Name, err = p.String("name", ""); err != nil {
					return nil, err
				}
				return Hash(cfg)
			},
		},
		{
			Type:        TypeEncrypt,
			Description: "Encrypts the stream with AES-CBC or ChaCha20.",
			Create: func(p pipeline.Params) (chain.Middleware[*pipeline.Meta], error) {
				cfg, err := cipherConfig(p)
				if err != nil {
					return nil, err
				}
				return Encrypt(cfg)
			},
		},
		{
			Type:        TypeDecrypt,
			Description: "Decrypts a stream produced by encrypt.",
			Create: func(p pipeline.Params) (chain.Middleware[*pipeline.Meta], error) {
				cfg, err := cipherConfig(p)
				if err != nil {
					return nil, err
				}
				return Decrypt(cfg)
			},
		},
		{
			Type:        TypeTokens,
			Description: "Counts tokens in a text stream.",
			Create: func(p pipeline.Params) (chain.Middleware[*pipeline.Meta], error) {
				model, err := p.String("model", DefaultTokenModel)
				if err != nil {
					return nil, err
				}
				return Tokens(o.counter, model), nil
			},
		},
		{
			Type:        TypeWebhook,
			Description: "POSTs the stream to a URL and continues with the response body.",
			Create: func(p pipeline.Params) (chain.Middleware[*pipeline.Meta], error) {
				var cfg WebhookConfig
				var err error
				if cfg.URL, err = p.RequiredString("url"); err != nil {
					return nil, err
				}
				if cfg.Headers, err = p.StringMap("headers"); err != nil {
					return nil, err
				}
				if cfg.Timeout, err = p.Duration("timeout", DefaultWebhookTimeout); err != nil {
					return nil, err
				}
				if cfg.ContentType, err = p.String("content_type", ""); err != nil {
					return nil, err
				}
				if cfg.AllowInternal, err = p.Bool("allow_internal", false); err != nil {
					return nil, err
				}
				cfg.Client = o.client
				return NewWebhookStage(cfg)
			},
		},
		{
			Type:        TypeRetarget,
			Description: "Rewrites the run destination path.",
			Create: func(p pipeline.Params) (chain.Middleware[*pipeline.Meta], error) {
				var cfg RetargetConfig
				var err error
				if cfg.Path, err = p.String("path", ""); err != nil {
					return nil, err
				}
				if cfg.Dir, err = p.String("dir", ""); err != nil {
					return nil, err
				}
				if cfg.Suffix, err = p.String("suffix", ""); err != nil {
					return nil, err
				}
				return Retarget(cfg), nil
			},
		},
	}
}

func cipherConfig(p pipeline.Params) (CipherConfig, error) {
	var cfg CipherConfig
	var err error
	if cfg.Algorithm, err = p.String("algorithm", AES256CBC); err != nil {
		return cfg, err
	}
	if cfg.Encoding, err = p.String("encoding", "hex"); err != nil {
		return cfg, err
	}
	if cfg.Key, err = keyMaterial(p, "key"); err != nil {
		return cfg, err
	}
	if cfg.IV, err = keyMaterial(p, "iv"); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// keyMaterial reads name as raw text or name_hex as hex. Exactly one is allowed.
func keyMaterial(p pipeline.Params, name string) ([]byte, error) {
	raw, err := p.String(name, "")
	if err != nil {
		return nil, err
	}
	hexed, err := p.String(name+"_hex", "")
	if err != nil {
		return nil, err
	}
	switch {
	case raw != "" && hexed != "":
		return nil, fmt.Errorf("params %s and %s_hex are mutually exclusive", name, name)
	case hexed != "":
		b, err := hex.DecodeString(hexed)
		if err != nil {
			return nil, fmt.Errorf("param %s_hex: %w", name, err)
		}
		return b, nil
	case raw != "":
		return []byte(raw), nil
	default:
		return nil, fmt.Errorf("param %s or %s_hex is required", name, name)
	}
}
