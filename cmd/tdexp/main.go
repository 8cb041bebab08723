package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/tdex-network/tdex-p2p/config"
	p2pinterface "github.com/tdex-network/tdex-p2p/internal/interfaces/p2p"
	"github.com/tdex-network/tdex-p2p/pkg/securestore"
	boltsecurestore "github.com/tdex-network/tdex-p2p/pkg/securestore/bolt"
	"github.com/urfave/cli/v2"
)

var (
	defaultDatadir = btcutil.AppDataDir("tdex-p2p", false)

	datadirFlag = cli.StringFlag{
		Name:    "datadir",
		Usage:   "data directory of the tdexpd node",
		Value:   defaultDatadir,
		EnvVars: []string{"TDEXP_DATADIR"},
	}

	passwordFlag = cli.StringFlag{
		Name:    "password",
		Usage:   "password of the key ring",
		EnvVars: []string{"TDEXP_KEYRING_PASSWORD"},
	}
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fatal(err)
	}
}

func newApp() *cli.App {
	app := cli.NewApp()

	app.Version = "0.0.1"
	app.Name = "tdexp"
	app.Usage = "Command line interface for tdexpd node operators"
	app.Flags = []cli.Flag{&datadirFlag, &passwordFlag}
	app.Commands = append(
		app.Commands,
		&keyringCmd,
		&signText,
		&verifyText,
	)
	return app
}

// openKeyringStore opens the encrypted key ring file of the node and unlocks
// it with the given password. The node must not be running.
func openKeyringStore(ctx *cli.Context) (securestore.SecureStorage, error) {
	datadir := filepath.Join(ctx.String(datadirFlag.Name), config.KeyringLocation)
	store, err := boltsecurestore.NewSecureStorage(datadir, p2pinterface.KeyringDBFile)
	if err != nil {
		return nil, fmt.Errorf("failed to open keyring store: %w", err)
	}

	password := []byte(ctx.String(passwordFlag.Name))
	if err := store.CreateUnlock(&password); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

func printJSON(w io.Writer, resp interface{}) error {
	buf, err := json.MarshalIndent(resp, "", "\t")
	if err != nil {
		return fmt.Errorf("unable to encode response: %w", err)
	}
	_, err = fmt.Fprintln(w, string(buf))
	return err
}

type invalidUsageError struct {
	ctx     *cli.Context
	command string
}

func (e *invalidUsageError) Error() string {
	return fmt.Sprintf("invalid usage of command %s", e.command)
}

func fatal(err error) {
	var e *invalidUsageError
	if errors.As(err, &e) {
		_ = cli.ShowCommandHelp(e.ctx, e.command)
	} else {
		_, _ = fmt.Fprintf(os.Stderr, "[tdexp] %v\n", err)
	}
	os.Exit(1)
}
