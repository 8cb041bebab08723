package main

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/tdex-network/tdex-p2p/pkg/keyring"
	"github.com/tdex-network/tdex-p2p/pkg/sealer"
	"github.com/urfave/cli/v2"
)

var (
	textFlag = cli.StringFlag{
		Name:     "text",
		Usage:    "the text to sign or verify",
		Required: true,
	}
	signatureFlag = cli.StringFlag{
		Name:     "signature",
		Usage:    "base64 encoded signature of the text",
		Required: true,
	}
	pubkeyFlag = cli.StringFlag{
		Name:  "pubkey",
		Usage: "hex encoded signer pubkey, defaults to the one of the key ring",
	}
)

var signText = cli.Command{
	Name:   "sign-text",
	Usage:  "sign a text with the signature key of the key ring",
	Flags:  []cli.Flag{&textFlag},
	Action: signTextAction,
}

var verifyText = cli.Command{
	Name:   "verify-text",
	Usage:  "verify the signature of a text",
	Flags:  []cli.Flag{&textFlag, &signatureFlag, &pubkeyFlag},
	Action: verifyTextAction,
}

func signTextAction(ctx *cli.Context) error {
	store, err := openKeyringStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	keyRing, err := keyring.Load(store)
	if err != nil {
		return err
	}

	sig, err := sealer.SignText(keyRing.SignatureKey(), ctx.String(textFlag.Name))
	if err != nil {
		return err
	}
	fmt.Fprintln(ctx.App.Writer, sig)
	return nil
}

func verifyTextAction(ctx *cli.Context) error {
	pubkey, err := signerPubKey(ctx)
	if err != nil {
		return err
	}

	if err := sealer.VerifyText(
		pubkey, ctx.String(textFlag.Name), ctx.String(signatureFlag.Name),
	); err != nil {
		return err
	}
	fmt.Fprintln(ctx.App.Writer, "signature is valid")
	return nil
}

func signerPubKey(ctx *cli.Context) (*btcec.PublicKey, error) {
	if hexKey := ctx.String(pubkeyFlag.Name); hexKey != "" {
		buf, err := hex.DecodeString(hexKey)
		if err != nil {
			return nil, fmt.Errorf("invalid pubkey: %w", err)
		}
		return btcec.ParsePubKey(buf)
	}

	store, err := openKeyringStore(ctx)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	keyRing, err := keyring.Load(store)
	if err != nil {
		return nil, err
	}
	return keyRing.PubKeyRing().SignatureKey()
}
