package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	jwt "github.com/golang-jwt/jwt/v5"

	"buyinescrow/core"
	"buyinescrow/core/genesis"
	"buyinescrow/core/types"
	"buyinescrow/crypto"
	"buyinescrow/gateway/middleware"
	"buyinescrow/native/bank"
	"buyinescrow/services/leaderboard"
	"buyinescrow/storage"
)

const (
	testNetwork   = "rpc-testnet"
	testJWTSecret = "rpc-test-secret"
	testJWTIssuer = "rpc-tests"
)

type testAccount struct {
	key  *crypto.PrivateKey
	addr [20]byte
}

func newTestAccount(t *testing.T) testAccount {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return testAccount{key: key, addr: key.PubKey().Address().Array()}
}

func (a testAccount) bech32() string { return accountString(a.addr) }

type testEnv struct {
	ledger  *core.Ledger
	board   *leaderboard.Store
	server  *Server
	http    *httptest.Server
	issuer  testAccount
	players []testAccount
	chip    [20]byte
}

// newTestEnv funds players with 1000 CHIP each and serves the RPC handler.
func newTestEnv(t *testing.T, players int) *testEnv {
	t.Helper()
	ledger, err := core.NewLedger(storage.NewMemDB(), core.Config{Network: testNetwork, MaxWinners: 8},
		core.WithClock(func() int64 { return 1_700_000_000 }))
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	env := &testEnv{ledger: ledger, issuer: newTestAccount(t), chip: bank.DeriveMintID("CHIP")}
	var doc strings.Builder
	fmt.Fprintf(&doc, "network: %s\nmints:\n  - symbol: CHIP\n    issuer: %s\nallocations:\n", testNetwork, env.issuer.bech32())
	for i := 0; i < players; i++ {
		p := newTestAccount(t)
		env.players = append(env.players, p)
		fmt.Fprintf(&doc, "  - owner: %s\n    mint: CHIP\n    amount: 1000\n", p.bech32())
	}
	spec, err := genesis.Parse([]byte(doc.String()))
	if err != nil {
		t.Fatalf("parse genesis: %v", err)
	}
	if err := ledger.InitGenesis(context.Background(), spec); err != nil {
		t.Fatalf("init genesis: %v", err)
	}

	board, err := leaderboard.Open(":memory:")
	if err != nil {
		t.Fatalf("open leaderboard: %v", err)
	}
	t.Cleanup(func() { _ = board.Close() })
	ledger.Events().OnEvent(leaderboard.NewRecorder(board, nil).Handle)
	env.board = board

	env.server, err = NewServer(ledger, board, ServerConfig{
		Auth:   middleware.AuthConfig{Enabled: true, HMACSecret: testJWTSecret, Issuer: testJWTIssuer},
		Faucet: env.issuer.key,
	}, nil)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	env.http = httptest.NewServer(env.server.Handler())
	t.Cleanup(env.http.Close)
	return env
}

// sign fills in network and the signer's current nonce, then signs.
func (env *testEnv) sign(t *testing.T, who testAccount, ins types.Instruction) types.Instruction {
	t.Helper()
	nonce, err := env.ledger.Nonce(who.addr)
	if err != nil {
		t.Fatalf("nonce: %v", err)
	}
	ins.Network = testNetwork
	ins.Nonce = nonce
	if err := ins.Sign(who.key.PrivateKey); err != nil {
		t.Fatalf("sign: %v", err)
	}
	return ins
}

func (env *testEnv) call(t *testing.T, method string, param interface{}, header http.Header) (json.RawMessage, *RPCError) {
	t.Helper()
	req := map[string]interface{}{"jsonrpc": "2.0", "id": 1, "method": method}
	if param != nil {
		req["params"] = []interface{}{param}
	}
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	httpReq, err := http.NewRequest(http.MethodPost, env.http.URL+"/rpc", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for k, v := range header {
		httpReq.Header[k] = v
	}
	res, err := env.http.Client().Do(httpReq)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer res.Body.Close()
	var resp struct {
		Result json.RawMessage `json:"result"`
		Error  *RPCError       `json:"error"`
	}
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp.Result, resp.Error
}

func (env *testEnv) submit(t *testing.T, method string, who testAccount, ins types.Instruction) *ReceiptResult {
	t.Helper()
	signed := env.sign(t, who, ins)
	raw, rpcErr := env.call(t, method, signed, nil)
	if rpcErr != nil {
		t.Fatalf("%s: %+v", method, rpcErr)
	}
	var receipt ReceiptResult
	if err := json.Unmarshal(raw, &receipt); err != nil {
		t.Fatalf("decode receipt: %v", err)
	}
	return &receipt
}

func bearer(t *testing.T, scope string) http.Header {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"iss": testJWTIssuer, "scope": scope}).SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return http.Header{"Authorization": []string{"Bearer " + token}}
}
