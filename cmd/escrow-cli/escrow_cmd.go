package main

import (
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"

	"buyinescrow/core/types"
	"buyinescrow/crypto"
)

func runEscrowCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, usage())
		return 1
	}
	switch args[0] {
	case "init":
		return runEscrowInit(args[1:], stdout, stderr)
	case "deposit":
		return runEscrowDeposit(args[1:], stdout, stderr)
	case "close":
		return runEscrowClose(args[1:], stdout, stderr)
	case "get":
		return runEscrowGet(args[1:], stdout, stderr)
	case "list":
		return invoke(stdout, stderr, "escrow_list", nil, false)
	case "settlement":
		return runEscrowSettlement(args[1:], stdout, stderr)
	case "settlements":
		return runEscrowHistory(args[1:], stdout, stderr)
	case "leaderboard":
		return runEscrowLeaderboard(args[1:], stdout, stderr)
	case "export":
		return runEscrowExport(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown escrow subcommand: %s\n", args[0])
		fmt.Fprintln(stderr, usage())
		return 1
	}
}

// signingFlags are shared by every command that submits an instruction.
type signingFlags struct {
	key     string
	network string
	nonce   int64
}

func (f *signingFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.key, "key", "", "keystore file of the signer")
	fs.StringVar(&f.network, "network", "", "network name (defaults to the node's)")
	fs.Int64Var(&f.nonce, "nonce", -1, "instruction nonce (defaults to the signer's next nonce)")
}

// submit signs ins and sends it through method.
func submit(stdout, stderr io.Writer, method string, flags signingFlags, ins types.Instruction) int {
	key, err := loadKey(flags.key)
	if err != nil {
		return printError(stderr, err.Error())
	}
	signer := key.PubKey().Address().String()
	network, nonce := strings.TrimSpace(flags.network), flags.nonce
	if network == "" || nonce < 0 {
		remoteNetwork, remoteNonce, err := fetchSigningContext(signer)
		if err != nil {
			fmt.Fprintf(stderr, "RPC call failed: %v\n", err)
			return 1
		}
		if network == "" {
			network = remoteNetwork
		}
		if nonce < 0 {
			nonce = int64(remoteNonce)
		}
	}
	ins.Network = network
	ins.Nonce = uint64(nonce)
	if err := ins.Sign(key.PrivateKey); err != nil {
		return printError(stderr, err.Error())
	}
	return invoke(stdout, stderr, method, ins, false)
}

func runEscrowInit(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("escrow init", stderr)
	var (
		flags     signingFlags
		namespace string
		mint      string
		authority string
		buyIn     uint64
	)
	flags.register(fs)
	fs.StringVar(&namespace, "namespace", "", "escrow namespace (defaults to the node's)")
	fs.StringVar(&mint, "mint", "", "mint id (bech32)")
	fs.StringVar(&authority, "authority", "", "settlement authority (defaults to the signer)")
	fs.Uint64Var(&buyIn, "buy-in", 0, "amount each depositor pays")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if buyIn == 0 {
		return printError(stderr, "--buy-in must be positive")
	}
	mintID, err := requireAddress("--mint", mint)
	if err != nil {
		return printError(stderr, err.Error())
	}
	ins := types.Instruction{Type: types.InstructionInitialize, Namespace: namespace, Mint: mintID, Amount: buyIn}
	if strings.TrimSpace(authority) != "" {
		if ins.Authority, err = requireAddress("--authority", authority); err != nil {
			return printError(stderr, err.Error())
		}
	}
	return submit(stdout, stderr, "escrow_initialize", flags, ins)
}

func runEscrowDeposit(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("escrow deposit", stderr)
	var (
		flags  signingFlags
		escrow string
		amount uint64
	)
	flags.register(fs)
	fs.StringVar(&escrow, "escrow", "", "escrow address (bech32)")
	fs.Uint64Var(&amount, "amount", 0, "deposit amount; must equal the buy-in")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	addr, err := requireAddress("--escrow", escrow)
	if err != nil {
		return printError(stderr, err.Error())
	}
	if amount == 0 {
		return printError(stderr, "--amount must be positive")
	}
	return submit(stdout, stderr, "escrow_deposit", flags, types.Instruction{Type: types.InstructionDeposit, Escrow: addr, Amount: amount})
}

func runEscrowClose(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("escrow close", stderr)
	var (
		flags   signingFlags
		escrow  string
		winners string
		shares  string
	)
	flags.register(fs)
	fs.StringVar(&escrow, "escrow", "", "escrow address (bech32)")
	fs.StringVar(&winners, "winners", "", "comma separated winner addresses")
	fs.StringVar(&shares, "shares", "", "comma separated percentage shares, one per winner")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	addr, err := requireAddress("--escrow", escrow)
	if err != nil {
		return printError(stderr, err.Error())
	}
	winnerList, err := parseWinners(winners)
	if err != nil {
		return printError(stderr, err.Error())
	}
	shareList, err := parseShares(shares)
	if err != nil {
		return printError(stderr, err.Error())
	}
	if len(winnerList) != len(shareList) {
		return printError(stderr, fmt.Sprintf("got %d winners but %d shares", len(winnerList), len(shareList)))
	}
	return submit(stdout, stderr, "escrow_close", flags, types.Instruction{
		Type:    types.InstructionClose,
		Escrow:  addr,
		Winners: winnerList,
		Shares:  shareList,
	})
}

func runEscrowGet(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("escrow get", stderr)
	var address, namespace string
	fs.StringVar(&address, "address", "", "escrow address (bech32)")
	fs.StringVar(&namespace, "namespace", "", "escrow namespace")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	params := map[string]string{}
	if strings.TrimSpace(address) != "" {
		if _, err := requireAddress("--address", address); err != nil {
			return printError(stderr, err.Error())
		}
		params["address"] = strings.TrimSpace(address)
	} else {
		params["namespace"] = strings.TrimSpace(namespace)
	}
	return invoke(stdout, stderr, "escrow_get", params, false)
}

func runEscrowSettlement(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("escrow settlement", stderr)
	var address string
	fs.StringVar(&address, "address", "", "escrow address (bech32)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if _, err := requireAddress("--address", address); err != nil {
		return printError(stderr, err.Error())
	}
	return invoke(stdout, stderr, "escrow_getSettlement", map[string]string{"address": strings.TrimSpace(address)}, false)
}

func runEscrowHistory(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("escrow settlements", stderr)
	var limit int
	fs.IntVar(&limit, "limit", 20, "maximum number of settlements")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	return invoke(stdout, stderr, "escrow_settlements", map[string]int{"limit": limit}, false)
}

func runEscrowLeaderboard(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("escrow leaderboard", stderr)
	var (
		mint  string
		limit int
	)
	fs.StringVar(&mint, "mint", "", "restrict to one mint (symbol or bech32)")
	fs.IntVar(&limit, "limit", 10, "number of players")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	return invoke(stdout, stderr, "escrow_leaderboard", map[string]interface{}{"mint": strings.TrimSpace(mint), "limit": limit}, false)
}

func runEscrowExport(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("escrow export", stderr)
	var (
		format string
		limit  int
	)
	fs.StringVar(&format, "format", "csv", "csv or jsonl")
	fs.IntVar(&limit, "limit", 100, "maximum number of settlements")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	format = strings.ToLower(strings.TrimSpace(format))
	if format != "csv" && format != "jsonl" {
		return printError(stderr, "--format must be csv or jsonl")
	}
	return invoke(stdout, stderr, "escrow_exportSettlements", map[string]interface{}{"format": format, "limit": limit}, false)
}

func requireAddress(flagName, value string) ([20]byte, error) {
	if strings.TrimSpace(value) == "" {
		return [20]byte{}, fmt.Errorf("%s is required", flagName)
	}
	addr, err := crypto.ParseAddress(value)
	if err != nil {
		return [20]byte{}, fmt.Errorf("%s: %v", flagName, err)
	}
	return addr, nil
}

func parseWinners(raw string) ([][20]byte, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("--winners is required")
	}
	parts := strings.Split(raw, ",")
	out := make([][20]byte, 0, len(parts))
	for i, part := range parts {
		addr, err := crypto.ParseAddress(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("winner %d: %v", i, err)
		}
		out = append(out, addr)
	}
	return out, nil
}

func parseShares(raw string) ([]uint32, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("--shares is required")
	}
	parts := strings.Split(raw, ",")
	out := make([]uint32, 0, len(parts))
	for i, part := range parts {
		v, err := strconv.ParseUint(strings.TrimSpace(part), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("share %d: %v", i, err)
		}
		out = append(out, uint32(v))
	}
	return out, nil
}
