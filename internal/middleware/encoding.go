package middleware

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
)

// encoder returns a sink that encodes into out.
func encoder(encoding string, out sink) (sink, error) {
	switch encoding {
	case "", "hex":
		return &hexEncoder{out: out}, nil
	case "base64":
		return &base64Encoder{out: out, enc: base64.NewEncoder(base64.StdEncoding, out)}, nil
	case "raw":
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported encoding %q", encoding)
	}
}

// decoder returns a sink that decodes text into out. Whitespace in the input,
// such as a trailing newline, is ignored.
func decoder(encoding string, out sink) (sink, error) {
	switch encoding {
	case "", "hex":
		return &textDecoder{out: out, quantum: 2, decode: hexDecode, name: "hex"}, nil
	case "base64":
		return &textDecoder{out: out, quantum: 4, decode: base64Decode, name: "base64"}, nil
	case "raw":
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported encoding %q", encoding)
	}
}

type hexEncoder struct {
	out sink
}

func (h *hexEncoder) Write(p []byte) (int, error) {
	if _, err := h.out.Write([]byte(hex.EncodeToString(p))); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (h *hexEncoder) Close() error {
	return h.out.Close()
}

func (h *hexEncoder) CloseWithError(err error) error {
	return h.out.CloseWithError(err)
}

type base64Encoder struct {
	out sink
	enc io.WriteCloser
}

func (b *base64Encoder) Write(p []byte) (int, error) {
	return b.enc.Write(p)
}

func (b *base64Encoder) Close() error {
	if err := b.enc.Close(); err != nil {
		return b.out.CloseWithError(err)
	}
	return b.out.Close()
}

func (b *base64Encoder) CloseWithError(err error) error { return b.out.CloseWithError(err) }

// textDecoder decodes input in whole quanta (2 hex digits or 4 base64
// characters) and carries partial quanta over to the next write.
type textDecoder struct {
	out     sink
	quantum int
	decode  func([]byte) ([]byte, error)
	name    string
	pending []byte
}

func (d *textDecoder) Write(p []byte) (int, error) {
	for _, c := range p {
		switch c {
		case ' ', '\t', '\r', '\n':
			continue
		}
		d.pending = append(d.pending, c)
	}

	n := len(d.pending) / d.quantum * d.quantum
	if n == 0 {
		return len(p), nil
	}
	plain, err := d.decode(d.pending[:n])
	if err != nil {
		return 0, fmt.Errorf("%s: %w", d.name, err)
	}
	d.pending = append(d.pending[:0], d.pending[n:]...)
	if _, err := d.out.Write(plain); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (d *textDecoder) Close() error {
	if len(d.pending) != 0 {
		err := fmt.Errorf("%s: truncated input", d.name)
		d.out.CloseWithError(err)
		return err
	}
	return d.out.Close()
}

func (d *textDecoder) CloseWithError(err error) error { return d.out.CloseWithError(err) }

func hexDecode(src []byte) ([]byte, error) {
	dst := make([]byte, hex.DecodedLen(len(src)))
	n, err := hex.Decode(dst, src)
	return dst[:n], err
}

func base64Decode(src []byte) ([]byte, error) {
	dst := make([]byte, base64.StdEncoding.DecodedLen(len(src)))
	n, err := base64.StdEncoding.Decode(dst, src)
	return dst[:n], err
}
