package main

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/tdex-network/tdex-p2p/pkg/keyring"
	"github.com/urfave/cli/v2"
)

var keyringCmd = cli.Command{
	Name:  "keyring",
	Usage: "manage the key ring of the node",
	Subcommands: []*cli.Command{
		{
			Name:   "init",
			Usage:  "generate a new key ring and store it encrypted",
			Action: keyringInitAction,
		},
		{
			Name:   "show",
			Usage:  "print the fingerprint and the public keys of the key ring",
			Action: keyringShowAction,
		},
	},
}

func keyringInitAction(ctx *cli.Context) error {
	store, err := openKeyringStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	if _, err := keyring.Load(store); err == nil {
		return fmt.Errorf("key ring already initialized")
	} else if !errors.Is(err, keyring.ErrKeyRingNotFound) {
		return err
	}

	keyRing, err := keyring.Generate()
	if err != nil {
		return err
	}
	if err := keyRing.Save(store); err != nil {
		return err
	}

	fmt.Fprintln(ctx.App.Writer, keyRing.PubKeyRing().Fingerprint())
	return nil
}

func keyringShowAction(ctx *cli.Context) error {
	store, err := openKeyringStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	keyRing, err := keyring.Load(store)
	if err != nil {
		return err
	}

	pubKeyRing := keyRing.PubKeyRing()
	return printJSON(ctx.App.Writer, map[string]string{
		"fingerprint":          pubKeyRing.Fingerprint(),
		"dht_signature_pubkey": hex.EncodeToString(pubKeyRing.DhtSignaturePubKey),
		"signature_pubkey":     hex.EncodeToString(pubKeyRing.SignaturePubKey),
		"encryption_pubkey":    hex.EncodeToString(pubKeyRing.EncryptionPubKey),
	})
}
