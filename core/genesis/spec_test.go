package genesis

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"buyinescrow/core/state"
	"buyinescrow/crypto"
	"buyinescrow/native/bank"
	"buyinescrow/storage"
	"buyinescrow/storage/trie"
)

func TestLoadAndApplyGenesis(t *testing.T) {
	issuer := accountOf(0x01)
	player := accountOf(0x02)
	doc := fmt.Sprintf(`
network: local
mints:
  - symbol: chip
    decimals: 2
    issuer: %s
allocations:
  - owner: %s
    mint: CHIP
    amount: 5000
`, issuer, player)

	path := filepath.Join(t.TempDir(), "genesis.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	spec, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "local", spec.Network)
	require.Equal(t, "CHIP", spec.Mints[0].Symbol)

	db := storage.NewMemDB()
	defer db.Close()
	tr, err := trie.NewTrie(db, nil)
	require.NoError(t, err)
	mgr := state.NewManager(tr)
	svc := bank.NewService(mgr)
	require.NoError(t, Apply(spec, mgr, svc))

	mint, ok, err := mgr.MintBySymbol("CHIP")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(5000), mint.Supply)

	owner, err := crypto.ParseAddress(player)
	require.NoError(t, err)
	bal, err := svc.Balance(owner, mint.ID)
	require.NoError(t, err)
	require.Equal(t, uint64(5000), bal)
}

func TestParseRejectsBadDocuments(t *testing.T) {
	_, err := Parse([]byte("mints:\n  - symbol: CHIP\n    issuer: nope\n"))
	require.Error(t, err)

	_, err = Parse([]byte("unexpected: true\n"))
	require.Error(t, err)

	issuer := accountOf(0x01)
	_, err = Parse([]byte(fmt.Sprintf("mints:\n  - symbol: CHIP\n    issuer: %s\n  - symbol: chip\n    issuer: %s\n", issuer, issuer)))
	require.ErrorContains(t, err, "duplicate symbol")

	_, err = Parse([]byte(fmt.Sprintf("allocations:\n  - owner: %s\n    mint: GOLD\n    amount: 1\n", issuer)))
	require.ErrorContains(t, err, "unknown mint")

	spec, err := Parse(nil)
	require.NoError(t, err)
	require.Empty(t, spec.Mints)
}

func accountOf(fill byte) string {
	var raw [crypto.AddressLength]byte
	for i := range raw {
		raw[i] = fill
	}
	return crypto.FromArray(crypto.AccountPrefix, raw).String()
}
