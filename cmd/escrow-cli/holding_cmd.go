package main

import (
	"fmt"
	"io"
	"strings"

	"buyinescrow/core/types"
)

func runHoldingCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, usage())
		return 1
	}
	switch args[0] {
	case "open":
		return runHoldingOpen(args[1:], stdout, stderr)
	case "balance":
		return runHoldingBalance(args[1:], stdout, stderr)
	case "faucet":
		return runHoldingFaucet(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown holding subcommand: %s\n", args[0])
		fmt.Fprintln(stderr, usage())
		return 1
	}
}

func runHoldingOpen(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("holding open", stderr)
	var (
		flags signingFlags
		mint  string
	)
	flags.register(fs)
	fs.StringVar(&mint, "mint", "", "mint id (bech32)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	mintID, err := requireAddress("--mint", mint)
	if err != nil {
		return printError(stderr, err.Error())
	}
	return submit(stdout, stderr, "bank_openHolding", flags, types.Instruction{Type: types.InstructionOpenHolding, Mint: mintID})
}

func runHoldingBalance(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("holding balance", stderr)
	var owner, mint string
	fs.StringVar(&owner, "owner", "", "holder address (bech32)")
	fs.StringVar(&mint, "mint", "", "mint symbol or id")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if _, err := requireAddress("--owner", owner); err != nil {
		return printError(stderr, err.Error())
	}
	if strings.TrimSpace(mint) == "" {
		return printError(stderr, "--mint is required")
	}
	return invoke(stdout, stderr, "bank_getBalance", map[string]string{"owner": strings.TrimSpace(owner), "mint": strings.TrimSpace(mint)}, false)
}

func runHoldingFaucet(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("holding faucet", stderr)
	var (
		recipient string
		mint      string
		amount    uint64
	)
	fs.StringVar(&recipient, "to", "", "recipient address (bech32)")
	fs.StringVar(&mint, "mint", "", "mint symbol or id")
	fs.Uint64Var(&amount, "amount", 0, "amount to mint")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if _, err := requireAddress("--to", recipient); err != nil {
		return printError(stderr, err.Error())
	}
	if amount == 0 {
		return printError(stderr, "--amount must be positive")
	}
	return invoke(stdout, stderr, "bank_mint", map[string]interface{}{
		"recipient": strings.TrimSpace(recipient),
		"mint":      strings.TrimSpace(mint),
		"amount":    amount,
	}, true)
}
