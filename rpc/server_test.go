package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"buyinescrow/core/types"
	"buyinescrow/integrations/exports"
	"buyinescrow/native/escrow"
	"buyinescrow/services/leaderboard"
)

func TestEscrowLifecycleOverRPC(t *testing.T) {
	env := newTestEnv(t, 3)
	authority := newTestAccount(t)

	receipt := env.submit(t, "escrow_initialize", authority, types.Instruction{
		Type:      types.InstructionInitialize,
		Namespace: "table-1",
		Mint:      env.chip,
		Amount:    100,
	})
	if receipt.Escrow == nil || receipt.Escrow.Status != "created" || receipt.Escrow.Authority != authority.bech32() {
		t.Fatalf("unexpected initialize receipt %+v", receipt.Escrow)
	}
	escrowAddr := receipt.Escrow.Address
	addr, err := parseAddress(escrowAddr)
	if err != nil {
		t.Fatalf("parse escrow address: %v", err)
	}

	for _, p := range env.players {
		receipt = env.submit(t, "escrow_deposit", p, types.Instruction{Type: types.InstructionDeposit, Escrow: addr, Amount: 100})
	}
	if receipt.Escrow.Deposits != 3 || receipt.Escrow.VaultBalance != 300 {
		t.Fatalf("unexpected deposit receipt %+v", receipt.Escrow)
	}

	receipt = env.submit(t, "escrow_close", authority, types.Instruction{
		Type:    types.InstructionClose,
		Escrow:  addr,
		Winners: [][20]byte{env.players[0].addr, env.players[1].addr},
		Shares:  []uint32{70, 30},
	})
	if receipt.Settlement == nil || receipt.Settlement.Paid != 300 || len(receipt.Settlement.Payouts) != 2 {
		t.Fatalf("unexpected settlement %+v", receipt.Settlement)
	}
	if receipt.Escrow.Status != "settled" || receipt.Escrow.VaultBalance != 0 {
		t.Fatalf("escrow not settled: %+v", receipt.Escrow)
	}
	settledTypes := map[string]int{}
	for _, log := range receipt.Logs {
		settledTypes[log["type"]]++
	}
	if settledTypes[escrow.EventTypeEscrowSettled] != 1 || settledTypes[escrow.EventTypeEscrowPayout] != 2 {
		t.Fatalf("unexpected receipt logs %v", receipt.Logs)
	}

	raw, rpcErr := env.call(t, "escrow_get", map[string]string{"namespace": "table-1"}, nil)
	if rpcErr != nil {
		t.Fatalf("escrow_get: %+v", rpcErr)
	}
	var got EscrowResult
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("decode escrow: %v", err)
	}
	if got.Address != escrowAddr || got.Status != "settled" {
		t.Fatalf("unexpected escrow %+v", got)
	}

	raw, rpcErr = env.call(t, "bank_getBalance", map[string]string{"owner": env.players[0].bech32(), "mint": "chip"}, nil)
	if rpcErr != nil {
		t.Fatalf("bank_getBalance: %+v", rpcErr)
	}
	var bal BalanceResult
	if err := json.Unmarshal(raw, &bal); err != nil {
		t.Fatalf("decode balance: %v", err)
	}
	if bal.Amount != 1110 {
		t.Fatalf("expected 1110, got %d", bal.Amount)
	}

	raw, rpcErr = env.call(t, "escrow_leaderboard", map[string]interface{}{"mint": "CHIP", "limit": 2}, nil)
	if rpcErr != nil {
		t.Fatalf("escrow_leaderboard: %+v", rpcErr)
	}
	var entries []leaderboard.Entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		t.Fatalf("decode leaderboard: %v", err)
	}
	if len(entries) != 2 || entries[0].Player != env.players[0].bech32() || entries[0].TotalProfit != 110 {
		t.Fatalf("unexpected leaderboard %+v", entries)
	}

	raw, rpcErr = env.call(t, "escrow_exportSettlements", map[string]string{"format": "csv"}, nil)
	if rpcErr != nil {
		t.Fatalf("escrow_exportSettlements: %+v", rpcErr)
	}
	var export ExportResult
	if err := json.Unmarshal(raw, &export); err != nil {
		t.Fatalf("decode export: %v", err)
	}
	records, err := env.board.Settlements(context.Background(), 10)
	if err != nil {
		t.Fatalf("settlements: %v", err)
	}
	_, want, err := exports.SettlementsCSV(records)
	if err != nil {
		t.Fatalf("csv: %v", err)
	}
	if export.Checksum != want || !strings.Contains(export.Data, escrowAddr) {
		t.Fatalf("unexpected export %+v", export)
	}
}

func TestSubmitRejectsMismatchedMethod(t *testing.T) {
	env := newTestEnv(t, 1)
	signed := env.sign(t, env.players[0], types.Instruction{Type: types.InstructionClose, Escrow: [20]byte{1}})
	_, rpcErr := env.call(t, "escrow_deposit", signed, nil)
	if rpcErr == nil || rpcErr.Code != codeEscrowInvalidParams {
		t.Fatalf("expected invalid params, got %+v", rpcErr)
	}
}

func TestReplayedInstructionConflicts(t *testing.T) {
	env := newTestEnv(t, 1)
	signed := env.sign(t, env.players[0], types.Instruction{Type: types.InstructionOpenHolding, Mint: env.chip})
	if _, rpcErr := env.call(t, "bank_openHolding", signed, nil); rpcErr != nil {
		t.Fatalf("first submit: %+v", rpcErr)
	}
	_, rpcErr := env.call(t, "bank_openHolding", signed, nil)
	if rpcErr == nil || rpcErr.Code != codeEscrowConflict {
		t.Fatalf("expected conflict on replay, got %+v", rpcErr)
	}
}

func TestEscrowErrorsMapToCodes(t *testing.T) {
	env := newTestEnv(t, 1)
	authority := newTestAccount(t)

	_, rpcErr := env.call(t, "escrow_get", map[string]string{"namespace": "missing"}, nil)
	if rpcErr == nil || rpcErr.Code != codeEscrowNotFound {
		t.Fatalf("expected not found, got %+v", rpcErr)
	}

	receipt := env.submit(t, "escrow_initialize", authority, types.Instruction{
		Type: types.InstructionInitialize, Namespace: "table-9", Mint: env.chip, Amount: 50,
	})
	addr, _ := parseAddress(receipt.Escrow.Address)

	signed := env.sign(t, env.players[0], types.Instruction{
		Type: types.InstructionClose, Escrow: addr, Winners: [][20]byte{env.players[0].addr}, Shares: []uint32{100},
	})
	_, rpcErr = env.call(t, "escrow_close", signed, nil)
	if rpcErr == nil || rpcErr.Code != codeEscrowForbidden {
		t.Fatalf("expected forbidden for non-authority close, got %+v", rpcErr)
	}

	signed = env.sign(t, env.players[0], types.Instruction{Type: types.InstructionDeposit, Escrow: addr, Amount: 10})
	_, rpcErr = env.call(t, "escrow_deposit", signed, nil)
	if rpcErr == nil || rpcErr.Code != codeEscrowInvalidParams {
		t.Fatalf("expected invalid amount, got %+v", rpcErr)
	}

	signed = env.sign(t, env.players[0], types.Instruction{Type: types.InstructionOpenHolding, Mint: env.chip})
	signed.Network = "elsewhere"
	_, rpcErr = env.call(t, "bank_openHolding", signed, nil)
	if rpcErr == nil || rpcErr.Code != codeEscrowInvalidParams {
		t.Fatalf("expected wrong network rejection, got %+v", rpcErr)
	}
}

func TestFaucetRequiresOperatorToken(t *testing.T) {
	env := newTestEnv(t, 0)
	recipient := newTestAccount(t)
	params := map[string]interface{}{"recipient": recipient.bech32(), "mint": "CHIP", "amount": 250}

	_, rpcErr := env.call(t, "bank_mint", params, nil)
	if rpcErr == nil || rpcErr.Code != codeUnauthorized {
		t.Fatalf("expected unauthorized, got %+v", rpcErr)
	}
	_, rpcErr = env.call(t, "bank_mint", params, bearer(t, "read"))
	if rpcErr == nil || rpcErr.Code != codeUnauthorized {
		t.Fatalf("expected scope rejection, got %+v", rpcErr)
	}

	raw, rpcErr := env.call(t, "bank_mint", params, bearer(t, scopeFaucet))
	if rpcErr != nil {
		t.Fatalf("bank_mint: %+v", rpcErr)
	}
	var bal BalanceResult
	if err := json.Unmarshal(raw, &bal); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if bal.Amount != 250 || bal.Owner != recipient.bech32() {
		t.Fatalf("unexpected balance %+v", bal)
	}
}

func TestProtocolErrors(t *testing.T) {
	env := newTestEnv(t, 0)
	if _, rpcErr := env.call(t, "escrow_unknown", nil, nil); rpcErr == nil || rpcErr.Code != codeMethodNotFound {
		t.Fatalf("expected method not found, got %+v", rpcErr)
	}
	if _, rpcErr := env.call(t, "escrow_get", map[string]string{"bogus": "x"}, nil); rpcErr == nil || rpcErr.Code != codeEscrowInvalidParams {
		t.Fatalf("expected invalid params, got %+v", rpcErr)
	}

	res, err := env.http.Client().Post(env.http.URL+"/rpc", "application/json", strings.NewReader("{not json"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", res.StatusCode)
	}

	res, err = env.http.Client().Get(env.http.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	defer res.Body.Close()
	var health map[string]interface{}
	if err := json.NewDecoder(res.Body).Decode(&health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health["status"] != "ok" || health["network"] != testNetwork {
		t.Fatalf("unexpected health %v", health)
	}
}

func TestEventsWebsocketStreamsCommits(t *testing.T) {
	env := newTestEnv(t, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/ws/events?type=escrow."
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// The holding event is filtered out by the prefix.
	env.submit(t, "bank_openHolding", env.players[0], types.Instruction{Type: types.InstructionOpenHolding, Mint: env.chip})
	env.submit(t, "escrow_initialize", env.players[0], types.Instruction{
		Type: types.InstructionInitialize, Namespace: "stream", Mint: env.chip, Amount: 5,
	})

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var evt types.Event
	if err := json.Unmarshal(data, &evt); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if evt.Type != escrow.EventTypeEscrowInitialized || evt.Attributes["namespace"] != "stream" {
		t.Fatalf("unexpected event %+v", evt)
	}
}
