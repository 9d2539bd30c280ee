package escrow

import (
	"fmt"
	"strings"

	"buyinescrow/core/types"
	"buyinescrow/crypto"
)

const (
	// ProgramID identifies the escrow program in every address it derives.
	ProgramID = "escrow"
	// DefaultNamespace is used when Initialize receives an empty namespace.
	DefaultNamespace = "escrow"
	// MaxNamespaceLength bounds the label an escrow address is derived from.
	MaxNamespaceLength = 64
)

var vaultSeed = []byte("vault")

// NormalizeNamespace trims the label and applies the default.
func NormalizeNamespace(namespace string) (string, error) {
	trimmed := strings.TrimSpace(namespace)
	if trimmed == "" {
		return DefaultNamespace, nil
	}
	if len(trimmed) > MaxNamespaceLength {
		return "", fmt.Errorf("%w: namespace longer than %d bytes", ErrInvalidNamespace, MaxNamespaceLength)
	}
	return trimmed, nil
}

// DeriveAddress returns the record address for a namespace. The same label
// always maps to the same escrow.
func DeriveAddress(namespace string) ([20]byte, error) {
	normalized, err := NormalizeNamespace(namespace)
	if err != nil {
		return [20]byte{}, err
	}
	return crypto.DeriveProgramAddress(ProgramID, []byte(normalized)), nil
}

// DeriveVault returns the address owning the escrow's vault holding.
func DeriveVault(escrow, mint [20]byte) [20]byte {
	return crypto.DeriveProgramAddress(ProgramID, vaultSeeds(escrow, mint)...)
}

func vaultSeeds(escrow, mint [20]byte) [][]byte {
	return [][]byte{vaultSeed, append([]byte(nil), escrow[:]...), append([]byte(nil), mint[:]...)}
}

// VaultAuthority is the escrow's own signing capability over its vault. It
// carries no key; the bank accepts it only if the seeds re-derive to the
// debited holding's owner. The fields are unexported so a VaultAuthority can
// only be built by this package, and it is only built while closing.
type VaultAuthority struct {
	escrow [20]byte
	mint   [20]byte
}

var _ types.ProgramAuthority = VaultAuthority{}

func newVaultAuthority(e *Escrow) VaultAuthority {
	return VaultAuthority{escrow: e.Address, mint: e.Mint}
}

// Authority implements types.Authorizer.
func (v VaultAuthority) Authority() [20]byte { return DeriveVault(v.escrow, v.mint) }

// ProgramSeeds implements types.ProgramAuthority.
func (v VaultAuthority) ProgramSeeds() (string, [][]byte) {
	return ProgramID, vaultSeeds(v.escrow, v.mint)
}
