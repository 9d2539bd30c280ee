package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"buyinescrow/cmd/internal/passphrase"
	"buyinescrow/crypto"
)

const keystorePassEnv = "ESCROW_KEYSTORE_PASS"

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(stderr, usage())
	}
	return fs
}

func printError(w io.Writer, msg string) int {
	fmt.Fprintf(w, "Error: %s\n", msg)
	return 1
}

func runKeygen(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("keygen", stderr)
	var out string
	fs.StringVar(&out, "out", "", "keystore file to create")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return printError(stderr, "--out is required")
	}
	if _, err := os.Stat(out); err == nil {
		return printError(stderr, fmt.Sprintf("%s already exists", out))
	}
	pass, err := passphrase.NewSource(keystorePassEnv, passphrase.WithConfirm()).Get()
	if err != nil {
		return printError(stderr, err.Error())
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return printError(stderr, err.Error())
	}
	if err := crypto.SaveToKeystore(out, key, pass); err != nil {
		return printError(stderr, err.Error())
	}
	fmt.Fprintln(stdout, key.PubKey().Address().String())
	return 0
}

func runAddress(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("address", stderr)
	var keyFile string
	fs.StringVar(&keyFile, "key", "", "keystore file")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	key, err := loadKey(keyFile)
	if err != nil {
		return printError(stderr, err.Error())
	}
	fmt.Fprintln(stdout, key.PubKey().Address().String())
	return 0
}

func runStatus(args []string, stdout, stderr io.Writer) int {
	if len(args) != 0 {
		return printError(stderr, "status takes no arguments")
	}
	return invoke(stdout, stderr, "escrow_status", nil, false)
}

func loadKey(path string) (*crypto.PrivateKey, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("--key is required")
	}
	pass, err := passphrase.NewSource(keystorePassEnv).Get()
	if err != nil {
		return nil, err
	}
	return crypto.LoadFromKeystore(path, pass)
}

type statusResult struct {
	Network string `json:"network"`
}

type nonceResult struct {
	Nonce uint64 `json:"nonce"`
}

// fetchSigningContext asks the node for the network name and the signer's
// next nonce.
func fetchSigningContext(addr string) (string, uint64, error) {
	raw, rpcErr, err := rpcCall("escrow_status", nil, false)
	if err != nil {
		return "", 0, err
	}
	if rpcErr != nil {
		return "", 0, fmt.Errorf("escrow_status: %s", rpcErr.Message)
	}
	var status statusResult
	if err := json.Unmarshal(raw, &status); err != nil {
		return "", 0, err
	}
	raw, rpcErr, err = rpcCall("escrow_getNonce", map[string]string{"address": addr}, false)
	if err != nil {
		return "", 0, err
	}
	if rpcErr != nil {
		return "", 0, fmt.Errorf("escrow_getNonce: %s", rpcErr.Message)
	}
	var nonce nonceResult
	if err := json.Unmarshal(raw, &nonce); err != nil {
		return "", 0, err
	}
	return status.Network, nonce.Nonce, nil
}
