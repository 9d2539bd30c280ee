package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

var rpcCall = callRPC

var (
	httpClient = &http.Client{Timeout: 30 * time.Second}
	requestID  atomic.Int64
)

const maxResponseBytes = 8 << 20

type rpcEnvelope struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int64         `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

func callRPC(method string, params interface{}, requireAuth bool) (json.RawMessage, *rpcError, error) {
	env := rpcEnvelope{JSONRPC: "2.0", ID: requestID.Add(1), Method: method, Params: []interface{}{}}
	if params != nil {
		env.Params = append(env.Params, params)
	}
	body, err := json.Marshal(env)
	if err != nil {
		return nil, nil, err
	}
	req, err := http.NewRequest(http.MethodPost, strings.TrimRight(rpcEndpoint, "/")+"/rpc", bytes.NewReader(body))
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if requireAuth {
		token := strings.TrimSpace(rpcAuthToken)
		if token == "" {
			return nil, nil, fmt.Errorf("ESCROW_RPC_TOKEN must be set for %s", method)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, nil, fmt.Errorf("read RPC response: %w", err)
	}

	var out struct {
		Result json.RawMessage `json:"result"`
		Error  *rpcError       `json:"error"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		// Middleware rejections (rate limit, body size) are plain text.
		if resp.StatusCode >= http.StatusBadRequest {
			msg := strings.TrimSpace(string(raw))
			if retry := resp.Header.Get("Retry-After"); retry != "" {
				msg += " (retry after " + retry + "s)"
			}
			return nil, nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, msg)
		}
		return nil, nil, fmt.Errorf("decode RPC response: %w", err)
	}
	return out.Result, out.Error, nil
}

// invoke runs an RPC call and prints the indented result.
func invoke(stdout, stderr io.Writer, method string, params interface{}, requireAuth bool) int {
	result, rpcErr, err := rpcCall(method, params, requireAuth)
	if err != nil {
		fmt.Fprintf(stderr, "RPC call failed: %v\n", err)
		return 1
	}
	if rpcErr != nil {
		fmt.Fprintf(stderr, "RPC error %d: %s\n", rpcErr.Code, rpcErr.Message)
		if len(rpcErr.Data) > 0 {
			fmt.Fprintf(stderr, "  %s\n", string(rpcErr.Data))
		}
		return 1
	}
	writeRPCResult(stdout, result)
	return 0
}

func writeRPCResult(w io.Writer, result json.RawMessage) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, result, "", "  "); err != nil {
		fmt.Fprintln(w, string(result))
		return
	}
	fmt.Fprintln(w, buf.String())
}
