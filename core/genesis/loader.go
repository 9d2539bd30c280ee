package genesis

import (
	"fmt"
	"sort"

	"buyinescrow/core/state"
	"buyinescrow/core/types"
	"buyinescrow/native/bank"
)

// Apply registers the genesis mints and credits the allocations. It writes into
// the manager's trie without committing; the caller owns the commit.
func Apply(spec *Spec, manager *state.Manager, svc *bank.Service) error {
	if spec == nil {
		return fmt.Errorf("genesis spec must not be nil")
	}
	if manager == nil || svc == nil {
		return fmt.Errorf("genesis: state and bank required")
	}

	mints := append([]MintSpec(nil), spec.Mints...)
	sort.Slice(mints, func(i, j int) bool { return mints[i].Symbol < mints[j].Symbol })
	ids := make(map[string][20]byte, len(mints))
	issuers := make(map[string][20]byte, len(mints))
	for _, m := range mints {
		id := bank.DeriveMintID(m.Symbol)
		if err := manager.RegisterMint(&types.Mint{
			ID:       id,
			Symbol:   m.Symbol,
			Decimals: m.Decimals,
			Issuer:   m.issuer,
		}); err != nil {
			return fmt.Errorf("register mint %s: %w", m.Symbol, err)
		}
		ids[m.Symbol] = id
		issuers[m.Symbol] = m.issuer
	}

	for i, a := range spec.Allocations {
		id := ids[a.Mint]
		if _, err := svc.OpenHolding(a.owner, id); err != nil {
			return fmt.Errorf("allocation %d: open holding: %w", i, err)
		}
		issuer := types.Signer{Address: issuers[a.Mint]}
		if err := svc.MintTo(issuer, id, a.owner, a.Amount); err != nil {
			return fmt.Errorf("allocation %d: mint: %w", i, err)
		}
	}
	return nil
}
