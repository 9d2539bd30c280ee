package rpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"buyinescrow/crypto"
	"buyinescrow/integrations/exports"
)

const maxHistoryLimit = 500

type historyParams struct {
	Limit int `json:"limit,omitempty"`
}

type leaderboardParams struct {
	Mint  string `json:"mint,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

type exportParams struct {
	Format string `json:"format,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// ExportResult carries an export payload and its BLAKE3 checksum.
type ExportResult struct {
	Format   string `json:"format"`
	Data     string `json:"data"`
	Checksum string `json:"checksum"`
}

var errHistoryDisabled = errors.New("settlement history not configured")

// decodeOptionalParams accepts an empty params array.
func decodeOptionalParams(req *RPCRequest, dst interface{}) error {
	if len(req.Params) == 0 {
		return nil
	}
	if len(req.Params) > 1 {
		return errors.New("at most one parameter object expected")
	}
	dec := json.NewDecoder(bytes.NewReader(req.Params[0]))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func clampLimit(limit int) int {
	if limit > maxHistoryLimit {
		return maxHistoryLimit
	}
	return limit
}

func (s *Server) handleSettlements(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if s.board == nil {
		writeError(w, http.StatusServiceUnavailable, req.ID, codeServerError, errHistoryDisabled.Error(), nil)
		return
	}
	var params historyParams
	if err := decodeOptionalParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	records, err := s.board.Settlements(r.Context(), clampLimit(params.Limit))
	if err != nil {
		writeLedgerError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, records)
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if s.board == nil {
		writeError(w, http.StatusServiceUnavailable, req.ID, codeServerError, errHistoryDisabled.Error(), nil)
		return
	}
	var params leaderboardParams
	if err := decodeOptionalParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	mint := ""
	if strings.TrimSpace(params.Mint) != "" {
		resolved, err := s.resolveMint(params.Mint)
		if err != nil {
			writeLedgerError(w, req.ID, err)
			return
		}
		mint = crypto.FromArray(crypto.ProgramPrefix, resolved.ID).String()
	}
	entries, err := s.board.Leaderboard(r.Context(), mint, clampLimit(params.Limit))
	if err != nil {
		writeLedgerError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, entries)
}

func (s *Server) handleExportSettlements(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if s.board == nil {
		writeError(w, http.StatusServiceUnavailable, req.ID, codeServerError, errHistoryDisabled.Error(), nil)
		return
	}
	var params exportParams
	if err := decodeOptionalParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", err.Error())
		return
	}
	format := strings.ToLower(strings.TrimSpace(params.Format))
	if format == "" {
		format = "csv"
	}
	if format != "csv" && format != "jsonl" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", fmt.Sprintf("unsupported format %q", params.Format))
		return
	}
	records, err := s.board.Settlements(r.Context(), clampLimit(params.Limit))
	if err != nil {
		writeLedgerError(w, req.ID, err)
		return
	}
	var (
		data     []byte
		checksum string
	)
	if format == "csv" {
		data, checksum, err = exports.SettlementsCSV(records)
	} else {
		data, checksum, err = exports.SettlementsJSONL(records)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeServerError, "export failed", err.Error())
		return
	}
	writeResult(w, req.ID, ExportResult{Format: format, Data: string(data), Checksum: checksum})
}
