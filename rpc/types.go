package rpc

import (
	"buyinescrow/core"
	"buyinescrow/core/types"
	"buyinescrow/crypto"
	"buyinescrow/native/escrow"
)

// ReceiptLog captures a structured event emitted while applying an instruction.
type ReceiptLog map[string]string

// ReceiptResult reflects a committed instruction.
type ReceiptResult struct {
	Hash       string            `json:"hash"`
	Type       string            `json:"type"`
	Signer     string            `json:"signer"`
	Nonce      uint64            `json:"nonce"`
	Height     uint64            `json:"height"`
	Root       string            `json:"root"`
	Escrow     *EscrowResult     `json:"escrow,omitempty"`
	Settlement *SettlementResult `json:"settlement,omitempty"`
	Holding    *HoldingResult    `json:"holding,omitempty"`
	Logs       []ReceiptLog      `json:"logs"`
}

type EscrowResult struct {
	Address      string `json:"address"`
	Namespace    string `json:"namespace"`
	Authority    string `json:"authority"`
	Mint         string `json:"mint"`
	BuyIn        uint64 `json:"buyIn"`
	Vault        string `json:"vault"`
	Status       string `json:"status"`
	Deposits     uint64 `json:"deposits"`
	CreatedAt    uint64 `json:"createdAt"`
	SettledAt    uint64 `json:"settledAt,omitempty"`
	VaultBalance uint64 `json:"vaultBalance"`
}

type PayoutResult struct {
	Winner string `json:"winner"`
	Share  uint32 `json:"share"`
	Amount uint64 `json:"amount"`
}

type SettlementResult struct {
	Escrow   string         `json:"escrow"`
	Balance  uint64         `json:"balance"`
	Paid     uint64         `json:"paid"`
	Residual uint64         `json:"residual"`
	Payouts  []PayoutResult `json:"payouts"`
}

type HoldingResult struct {
	Owner   string `json:"owner"`
	Mint    string `json:"mint"`
	Amount  uint64 `json:"amount"`
	Program bool   `json:"program"`
}

type MintResult struct {
	ID       string `json:"id"`
	Symbol   string `json:"symbol"`
	Decimals uint8  `json:"decimals"`
	Issuer   string `json:"issuer"`
	Supply   uint64 `json:"supply"`
}

type BalanceResult struct {
	Owner  string `json:"owner"`
	Mint   string `json:"mint"`
	Amount uint64 `json:"amount"`
}

type StatusResult struct {
	Network string `json:"network"`
	Height  uint64 `json:"height"`
	Root    string `json:"root"`
}

func accountString(addr [20]byte) string {
	return crypto.FromArray(crypto.AccountPrefix, addr).String()
}

func programString(addr [20]byte) string {
	return crypto.FromArray(crypto.ProgramPrefix, addr).String()
}

func formatEscrow(esc *escrow.Escrow, vaultBalance uint64) *EscrowResult {
	if esc == nil {
		return nil
	}
	return &EscrowResult{
		Address:      programString(esc.Address),
		Namespace:    esc.Namespace,
		Authority:    accountString(esc.Authority),
		Mint:         programString(esc.Mint),
		BuyIn:        esc.BuyIn,
		Vault:        programString(esc.Vault),
		Status:       esc.Status.String(),
		Deposits:     esc.Deposits,
		CreatedAt:    esc.CreatedAt,
		SettledAt:    esc.SettledAt,
		VaultBalance: vaultBalance,
	}
}

func formatSettlement(s *escrow.Settlement) *SettlementResult {
	if s == nil {
		return nil
	}
	out := &SettlementResult{
		Balance:  s.Balance,
		Paid:     s.Paid(),
		Residual: s.Residual,
		Payouts:  make([]PayoutResult, 0, len(s.Payouts)),
	}
	if s.Escrow != nil {
		out.Escrow = programString(s.Escrow.Address)
	}
	for _, p := range s.Payouts {
		out.Payouts = append(out.Payouts, PayoutResult{Winner: accountString(p.Winner), Share: p.Share, Amount: p.Amount})
	}
	return out
}

func formatHolding(h *types.Holding) *HoldingResult {
	if h == nil {
		return nil
	}
	owner := accountString(h.Owner)
	if h.Program {
		owner = programString(h.Owner)
	}
	return &HoldingResult{Owner: owner, Mint: programString(h.Mint), Amount: h.Amount, Program: h.Program}
}

func formatMint(m *types.Mint) *MintResult {
	if m == nil {
		return nil
	}
	return &MintResult{
		ID:       programString(m.ID),
		Symbol:   m.Symbol,
		Decimals: m.Decimals,
		Issuer:   accountString(m.Issuer),
		Supply:   m.Supply,
	}
}

func formatReceipt(r *core.Receipt) *ReceiptResult {
	out := &ReceiptResult{
		Hash:       r.Hash.Hex(),
		Type:       r.Type.String(),
		Signer:     accountString(r.Signer),
		Nonce:      r.Nonce,
		Height:     r.Height,
		Root:       r.Root.Hex(),
		Escrow:     formatEscrow(r.Escrow, r.Vault),
		Settlement: formatSettlement(r.Settlement),
		Holding:    formatHolding(r.Holding),
		Logs:       make([]ReceiptLog, 0, len(r.Events)),
	}
	for _, evt := range r.Events {
		log := ReceiptLog{"type": evt.Type}
		for k, v := range evt.Attributes {
			log[k] = v
		}
		out.Logs = append(out.Logs, log)
	}
	return out
}
