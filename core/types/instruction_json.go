package types

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"buyinescrow/crypto"
)

type instructionJSON struct {
	Network   string   `json:"network"`
	Type      string   `json:"type"`
	Nonce     uint64   `json:"nonce"`
	Namespace string   `json:"namespace,omitempty"`
	Authority string   `json:"authority,omitempty"`
	Escrow    string   `json:"escrow,omitempty"`
	Mint      string   `json:"mint,omitempty"`
	Amount    uint64   `json:"amount,omitempty"`
	Winners   []string `json:"winners,omitempty"`
	Shares    []uint32 `json:"shares,omitempty"`
	Signature string   `json:"signature,omitempty"`
}

// MarshalJSON renders addresses as bech32 and the signature as 0x-hex.
func (ins Instruction) MarshalJSON() ([]byte, error) {
	out := instructionJSON{
		Network:   ins.Network,
		Type:      ins.Type.String(),
		Nonce:     ins.Nonce,
		Namespace: ins.Namespace,
		Authority: formatOptional(crypto.AccountPrefix, ins.Authority),
		Escrow:    formatOptional(crypto.ProgramPrefix, ins.Escrow),
		Mint:      formatOptional(crypto.ProgramPrefix, ins.Mint),
		Amount:    ins.Amount,
		Shares:    ins.Shares,
	}
	for _, w := range ins.Winners {
		out.Winners = append(out.Winners, crypto.FromArray(crypto.AccountPrefix, w).String())
	}
	if len(ins.Signature) > 0 {
		out.Signature = "0x" + hex.EncodeToString(ins.Signature)
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts the form produced by MarshalJSON.
func (ins *Instruction) UnmarshalJSON(data []byte) error {
	var in instructionJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	kind, err := ParseInstructionType(in.Type)
	if err != nil {
		return err
	}
	decoded := Instruction{
		Network:   in.Network,
		Type:      kind,
		Nonce:     in.Nonce,
		Namespace: in.Namespace,
		Amount:    in.Amount,
		Shares:    in.Shares,
	}
	if decoded.Authority, err = parseOptional("authority", in.Authority); err != nil {
		return err
	}
	if decoded.Escrow, err = parseOptional("escrow", in.Escrow); err != nil {
		return err
	}
	if decoded.Mint, err = parseOptional("mint", in.Mint); err != nil {
		return err
	}
	for i, raw := range in.Winners {
		addr, err := crypto.ParseAddress(raw)
		if err != nil {
			return fmt.Errorf("instruction: winner %d: %w", i, err)
		}
		decoded.Winners = append(decoded.Winners, addr)
	}
	if sig := strings.TrimPrefix(strings.TrimSpace(in.Signature), "0x"); sig != "" {
		if decoded.Signature, err = hex.DecodeString(sig); err != nil {
			return fmt.Errorf("instruction: signature: %w", err)
		}
	}
	*ins = decoded
	return nil
}

func formatOptional(prefix crypto.AddressPrefix, addr [20]byte) string {
	if addr == ([20]byte{}) {
		return ""
	}
	return crypto.FromArray(prefix, addr).String()
}

func parseOptional(field, raw string) ([20]byte, error) {
	if strings.TrimSpace(raw) == "" {
		return [20]byte{}, nil
	}
	addr, err := crypto.ParseAddress(raw)
	if err != nil {
		return [20]byte{}, fmt.Errorf("instruction: %s: %w", field, err)
	}
	return addr, nil
}
