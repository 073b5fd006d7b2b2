// Command keygen prints random key material for the encrypt and decrypt stages.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v3"
)

// keySizes maps each cipher to its key and iv (or nonce) length in bytes.
var keySizes = map[string][2]int{
	"aes-128-cbc": {16, 16},
	"aes-192-cbc": {24, 16},
	"aes-256-cbc": {32, 16},
	"chacha20":    {32, 12},
}

func main() {
	cmd := &cli.Command{
		Name:  "keygen",
		Usage: "generate key_hex and iv_hex params for encrypt/decrypt stages",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "algorithm",
				Aliases: []string{"a"},
				Value:   "aes-256-cbc",
				Usage:   "aes-128-cbc, aes-192-cbc, aes-256-cbc or chacha20",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return generate(cmd.Root().Writer, rand.Reader, cmd.String("algorithm"))
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "keygen:", err)
		os.Exit(1)
	}
}

func generate(w io.Writer, random io.Reader, algorithm string) error {
	sizes, ok := keySizes[algorithm]
	if !ok {
		return fmt.Errorf("unsupported algorithm %q", algorithm)
	}

	key := make([]byte, sizes[0])
	iv := make([]byte, sizes[1])
	if _, err := io.ReadFull(random, key); err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	if _, err := io.ReadFull(random, iv); err != nil {
		return fmt.Errorf("generate iv: %w", err)
	}

	fmt.Fprintln(w, "Add these params to an encrypt or decrypt stage:")
	fmt.Fprintf(w, "  algorithm: %s\n", algorithm)
	fmt.Fprintf(w, "  key_hex: %q\n", hex.EncodeToString(key))
	fmt.Fprintf(w, "  iv_hex: %q\n", hex.EncodeToString(iv))
	fmt.Fprintln(w, "\nKeep the key out of version control, e.g. key_hex: ${WCHAIN_KEY}")
	return nil
}
