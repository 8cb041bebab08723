package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const password = "hodlhodlhodl"

// Commands and flags are package globals, so tests run sequentially.

func TestKeyring(t *testing.T) {
	datadir := t.TempDir()

	fingerprint, err := runCLICommand(datadir, "keyring", "init")
	require.NoError(t, err)
	require.Len(t, fingerprint, 64)

	_, err = runCLICommand(datadir, "keyring", "init")
	require.Error(t, err)

	out, err := runCLICommand(datadir, "keyring", "show")
	require.NoError(t, err)
	info := map[string]string{}
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	require.Equal(t, fingerprint, info["fingerprint"])
	require.Len(t, info["signature_pubkey"], 66)

	_, err = runCLICommandWithPassword(datadir, "wrong", "keyring", "show")
	require.Error(t, err)
}

func TestSignAndVerifyText(t *testing.T) {
	datadir := t.TempDir()
	_, err := runCLICommand(datadir, "keyring", "init")
	require.NoError(t, err)

	out, err := runCLICommand(datadir, "keyring", "show")
	require.NoError(t, err)
	info := map[string]string{}
	require.NoError(t, json.Unmarshal([]byte(out), &info))

	sig, err := runCLICommand(datadir, "sign-text", "--text", "hello")
	require.NoError(t, err)

	tests := []struct {
		name    string
		args    []string
		wantErr bool
	}{
		{"own key", []string{"--text", "hello", "--signature", sig}, false},
		{"explicit key", []string{"--text", "hello", "--signature", sig, "--pubkey", info["signature_pubkey"]}, false},
		{"other text", []string{"--text", "hello!", "--signature", sig}, true},
		{"other key", []string{"--text", "hello", "--signature", sig, "--pubkey", info["encryption_pubkey"]}, true},
		{"malformed signature", []string{"--text", "hello", "--signature", "AAAA"}, true},
	}

	for _, tt := range tests {
		args := append([]string{"verify-text"}, tt.args...)
		out, err := runCLICommand(datadir, args...)
		if tt.wantErr {
			require.Error(t, err, tt.name)
			continue
		}
		require.NoError(t, err, tt.name)
		require.Equal(t, "signature is valid", out, tt.name)
	}
}

func runCLICommand(datadir string, args ...string) (string, error) {
	return runCLICommandWithPassword(datadir, password, args...)
}

func runCLICommandWithPassword(
	datadir, pwd string, args ...string,
) (string, error) {
	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	app.ErrWriter = &out

	cmdArgs := append(
		[]string{"tdexp", "--datadir", datadir, "--password", pwd}, args...,
	)
	err := app.Run(cmdArgs)
	return strings.TrimSpace(out.String()), err
}
