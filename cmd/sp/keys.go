package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/kwonalbert/sgx_sp/signature"
	"github.com/urfave/cli/v2"
)

var signCommand = &cli.Command{
	Name:  "sign",
	Usage: "sign a message with an RSA private key (PKCS#1 v1.5, SHA-256)",
	Flags: []cli.Flag{
		keyFlag,
		keyFormatFlag,
		inFlag,
		&cli.StringFlag{
			Name:  "out",
			Usage: "write the raw signature here instead of hex to stdout",
		},
	},
	Action: func(cCtx *cli.Context) error {
		format, err := signature.ParseFormat(cCtx.String(keyFormatFlag.Name))
		if err != nil {
			return err
		}
		key, err := signature.NewSigningKeyFromFile(cCtx.String(keyFlag.Name), format)
		if err != nil {
			return err
		}
		defer key.Wipe()

		message, err := readInput(cCtx.String(inFlag.Name))
		if err != nil {
			return err
		}
		sig, err := key.Sign(message, rand.Reader)
		if err != nil {
			return err
		}

		if out := cCtx.String("out"); out != "" {
			return os.WriteFile(out, sig, 0o644)
		}
		fmt.Println(hex.EncodeToString(sig))
		return nil
	},
}

var verifyCommand = &cli.Command{
	Name:  "verify",
	Usage: "verify an RSA PKCS#1 v1.5 SHA-256 signature",
	Flags: []cli.Flag{
		keyFlag,
		keyFormatFlag,
		inFlag,
		&cli.StringFlag{
			Name:     "sig",
			Usage:    "signature file, raw or hex",
			Required: true,
		},
	},
	Action: func(cCtx *cli.Context) error {
		format, err := signature.ParseFormat(cCtx.String(keyFormatFlag.Name))
		if err != nil {
			return err
		}
		key, err := signature.NewVerificationKeyFromFile(cCtx.String(keyFlag.Name), format)
		if err != nil {
			return err
		}
		message, err := readInput(cCtx.String(inFlag.Name))
		if err != nil {
			return err
		}
		sig, err := os.ReadFile(cCtx.String("sig"))
		if err != nil {
			return err
		}
		if decoded, err := hex.DecodeString(strings.TrimSpace(string(sig))); err == nil {
			sig = decoded
		}

		if err := key.Verify(message, sig); err != nil {
			return cli.Exit("signature invalid", 1)
		}
		fmt.Println("signature valid")
		return nil
	},
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}
