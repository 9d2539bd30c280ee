package state

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	coreerrors "buyinescrow/core/errors"
	"buyinescrow/core/types"
	"buyinescrow/native/escrow"
	"buyinescrow/storage"
	"buyinescrow/storage/trie"
)

func newTestManager(t *testing.T) (*Manager, *trie.Trie) {
	t.Helper()
	db := storage.NewMemDB()
	t.Cleanup(db.Close)
	tr, err := trie.NewTrie(db, nil)
	require.NoError(t, err)
	return NewManager(tr), tr
}

func TestMintRegistry(t *testing.T) {
	mgr, _ := newTestManager(t)
	mint := &types.Mint{ID: [20]byte{0x01}, Symbol: " chip ", Decimals: 2, Issuer: [20]byte{0xAA}}
	require.NoError(t, mgr.RegisterMint(mint))

	loaded, ok, err := mgr.MintBySymbol("CHIP")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "CHIP", loaded.Symbol)
	require.Equal(t, uint8(2), loaded.Decimals)

	err = mgr.RegisterMint(&types.Mint{ID: [20]byte{0x02}, Symbol: "chip"})
	require.True(t, errors.Is(err, coreerrors.ErrAlreadyExists))
	err = mgr.RegisterMint(&types.Mint{ID: [20]byte{0x01}, Symbol: "OTHER"})
	require.True(t, errors.Is(err, coreerrors.ErrAlreadyExists))

	require.NoError(t, mgr.RegisterMint(&types.Mint{ID: [20]byte{0x03}, Symbol: "ANTE"}))
	list, err := mgr.MintList()
	require.NoError(t, err)
	require.Equal(t, []string{"ANTE", "CHIP"}, list)

	loaded.Supply = 500
	require.NoError(t, mgr.PutMint(loaded))
	again, _, err := mgr.Mint(loaded.ID)
	require.NoError(t, err)
	require.Equal(t, uint64(500), again.Supply)

	exists, err := mgr.MintExists([20]byte{0x09})
	require.NoError(t, err)
	require.False(t, exists)
}

func TestHoldingRoundTrip(t *testing.T) {
	mgr, _ := newTestManager(t)
	owner, mint := [20]byte{0x01}, [20]byte{0x02}

	_, ok, err := mgr.HoldingGet(owner, mint)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, mgr.HoldingPut(&types.Holding{Owner: owner, Mint: mint, Amount: 42, Program: true}))
	h, ok, err := mgr.HoldingGet(owner, mint)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(42), h.Amount)
	require.True(t, h.Program)

	_, ok, err = mgr.HoldingGet(owner, [20]byte{0x03})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestEscrowCreateRejectsOccupiedAddress(t *testing.T) {
	mgr, _ := newTestManager(t)
	addr, err := escrow.DeriveAddress("table-1")
	require.NoError(t, err)
	record := &escrow.Escrow{
		Address:   addr,
		Namespace: "table-1",
		Authority: [20]byte{0xA1},
		Mint:      [20]byte{0x4D},
		BuyIn:     100,
		Vault:     escrow.DeriveVault(addr, [20]byte{0x4D}),
	}
	require.NoError(t, mgr.EscrowCreate(record))
	require.ErrorIs(t, mgr.EscrowCreate(record), coreerrors.ErrAlreadyExists)

	record.Status = escrow.StatusFunded
	record.Deposits = 1
	require.NoError(t, mgr.EscrowPut(record))
	loaded, ok, err := mgr.EscrowGet(addr)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, record, loaded)

	list, err := mgr.EscrowList()
	require.NoError(t, err)
	require.Equal(t, [][20]byte{addr}, list)

	missing := &escrow.Escrow{Address: [20]byte{0x55}}
	require.ErrorIs(t, mgr.EscrowPut(missing), coreerrors.ErrNotFound)
}

func TestNonceAndResetDiscardsWrites(t *testing.T) {
	mgr, tr := newTestManager(t)
	addr := [20]byte{0x07}
	require.NoError(t, mgr.SetNonce(addr, 1))
	root, err := tr.Commit(1)
	require.NoError(t, err)

	require.NoError(t, mgr.SetNonce(addr, 2))
	require.NoError(t, tr.Reset(root))
	nonce, err := mgr.Nonce(addr)
	require.NoError(t, err)
	require.Equal(t, uint64(1), nonce)
}
