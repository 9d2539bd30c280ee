package core

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"buyinescrow/core/events"
	"buyinescrow/core/types"
	"buyinescrow/native/escrow"
)

// Receipt describes a committed instruction.
type Receipt struct {
	Hash       common.Hash
	Type       types.InstructionType
	Signer     [20]byte
	Nonce      uint64
	Height     uint64
	Root       common.Hash
	Escrow     *escrow.Escrow
	Vault      uint64
	Settlement *escrow.Settlement
	Holding    *types.Holding
	Events     []*types.Event
}

// Apply verifies a signed instruction and executes it. The signer's nonce is
// consumed only when the instruction commits, so a rejected instruction can
// be corrected and resubmitted with the same nonce.
func (l *Ledger) Apply(ctx context.Context, ins *types.Instruction) (*Receipt, error) {
	if ins == nil {
		return nil, fmt.Errorf("ledger: instruction required")
	}
	if ins.Network != l.cfg.Network {
		return nil, fmt.Errorf("%w: got %q, want %q", ErrWrongNetwork, ins.Network, l.cfg.Network)
	}
	if !ins.Type.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedInstruction, ins.Type)
	}
	signer, err := ins.Signer()
	if err != nil {
		return nil, err
	}
	hash, err := ins.Hash()
	if err != nil {
		return nil, err
	}

	receipt := &Receipt{
		Hash:   common.Hash(hash),
		Type:   ins.Type,
		Signer: signer.Address,
		Nonce:  ins.Nonce,
	}
	var done *opContext
	committed, err := l.execute(ctx, ins.Type.String(), func(opc *opContext) error {
		done = opc
		expected, err := opc.state.Nonce(signer.Address)
		if err != nil {
			return err
		}
		if ins.Nonce != expected {
			return fmt.Errorf("%w: got %d, want %d", ErrInvalidNonce, ins.Nonce, expected)
		}
		if err := opc.state.SetNonce(signer.Address, expected+1); err != nil {
			return err
		}
		if err := l.dispatch(opc, ins, signer, receipt); err != nil {
			return err
		}
		if receipt.Escrow == nil {
			return nil
		}
		receipt.Vault, err = opc.engine.VaultBalance(receipt.Escrow.Address)
		return err
	})
	if err != nil {
		return nil, err
	}
	receipt.Events = payloads(committed)
	receipt.Height, receipt.Root = done.height, done.root
	return receipt, nil
}

func (l *Ledger) dispatch(opc *opContext, ins *types.Instruction, signer types.Signer, receipt *Receipt) error {
	var err error
	switch ins.Type {
	case types.InstructionOpenHolding:
		receipt.Holding, err = opc.bank.OpenHolding(signer.Address, ins.Mint)
	case types.InstructionInitialize:
		authority := ins.Authority
		if authority == ([20]byte{}) {
			authority = signer.Address
		}
		receipt.Escrow, err = l.initialize(opc, signer, ins.Namespace, ins.Amount, authority, ins.Mint)
	case types.InstructionDeposit:
		receipt.Escrow, err = l.deposit(opc, ins.Escrow, ins.Amount, signer)
	case types.InstructionClose:
		receipt.Settlement, err = l.close(opc, ins.Escrow, ins.Winners, ins.Shares, signer)
		if receipt.Settlement != nil {
			receipt.Escrow = receipt.Settlement.Escrow
		}
	default:
		err = fmt.Errorf("%w: %s", ErrUnsupportedInstruction, ins.Type)
	}
	return err
}

func payloads(evts []events.Event) []*types.Event {
	out := make([]*types.Event, 0, len(evts))
	for _, evt := range evts {
		payload, ok := evt.(events.Payload)
		if !ok {
			continue
		}
		if e := payload.Event(); e != nil {
			out = append(out, e)
		}
	}
	return out
}
