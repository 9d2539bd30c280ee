package state

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	coreerrors "buyinescrow/core/errors"
	"buyinescrow/core/types"
	"buyinescrow/native/escrow"
	"buyinescrow/storage/trie"
)

// Manager reads and writes ledger records in the state trie. All writes are
// staged in the trie and only become durable when the owner commits it.
type Manager struct {
	trie *trie.Trie
}

// NewManager creates a state manager operating on the provided trie.
func NewManager(tr *trie.Trie) *Manager {
	return &Manager{trie: tr}
}

var (
	mintPrefix       = []byte("mint/")
	mintSymbolPrefix = []byte("mint-symbol/")
	mintListKey      = []byte("mint-list")
	holdingPrefix    = []byte("holding/")
	escrowPrefix     = []byte("escrow/")
	escrowListKey    = []byte("escrow-list")
	noncePrefix      = []byte("nonce/")
)

func prefixedKey(prefix []byte, parts ...[]byte) []byte {
	size := len(prefix)
	for _, p := range parts {
		size += len(p)
	}
	buf := make([]byte, 0, size)
	buf = append(buf, prefix...)
	for _, p := range parts {
		buf = append(buf, p...)
	}
	return ethcrypto.Keccak256(buf)
}

func kvKey(key []byte) []byte {
	return ethcrypto.Keccak256(key)
}

func normalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

func (m *Manager) put(key []byte, value interface{}) error {
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return m.trie.Update(key, encoded)
}

func (m *Manager) get(key []byte, out interface{}) (bool, error) {
	data, err := m.trie.Get(key)
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

// --- Mints ---

// RegisterMint stores a new asset kind and indexes it by symbol.
func (m *Manager) RegisterMint(mint *types.Mint) error {
	if mint == nil {
		return fmt.Errorf("mint: nil definition")
	}
	symbol := normalizeSymbol(mint.Symbol)
	if symbol == "" {
		return fmt.Errorf("mint: symbol must not be empty")
	}
	if mint.ID == ([20]byte{}) {
		return fmt.Errorf("mint %s: id must not be empty", symbol)
	}
	if exists, err := m.MintExists(mint.ID); err != nil {
		return err
	} else if exists {
		return fmt.Errorf("mint %s: %w", symbol, coreerrors.ErrAlreadyExists)
	}
	var existing [20]byte
	if ok, err := m.get(prefixedKey(mintSymbolPrefix, []byte(symbol)), &existing); err != nil {
		return err
	} else if ok {
		return fmt.Errorf("mint symbol %s: %w", symbol, coreerrors.ErrAlreadyExists)
	}

	stored := *mint
	stored.Symbol = symbol
	if err := m.put(prefixedKey(mintPrefix, stored.ID[:]), &stored); err != nil {
		return err
	}
	if err := m.put(prefixedKey(mintSymbolPrefix, []byte(symbol)), stored.ID); err != nil {
		return err
	}
	list, err := m.MintList()
	if err != nil {
		return err
	}
	list = append(list, symbol)
	sort.Strings(list)
	return m.put(kvKey(mintListKey), list)
}

// PutMint overwrites an already registered mint, e.g. to record new supply.
func (m *Manager) PutMint(mint *types.Mint) error {
	if mint == nil {
		return fmt.Errorf("mint: nil definition")
	}
	if exists, err := m.MintExists(mint.ID); err != nil {
		return err
	} else if !exists {
		return fmt.Errorf("mint: %w", coreerrors.ErrNotFound)
	}
	return m.put(prefixedKey(mintPrefix, mint.ID[:]), mint)
}

// Mint loads the asset kind registered under id.
func (m *Manager) Mint(id [20]byte) (*types.Mint, bool, error) {
	mint := new(types.Mint)
	ok, err := m.get(prefixedKey(mintPrefix, id[:]), mint)
	if err != nil || !ok {
		return nil, false, err
	}
	return mint, true, nil
}

// MintBySymbol resolves a symbol such as "CHIP" to its mint.
func (m *Manager) MintBySymbol(symbol string) (*types.Mint, bool, error) {
	var id [20]byte
	ok, err := m.get(prefixedKey(mintSymbolPrefix, []byte(normalizeSymbol(symbol))), &id)
	if err != nil || !ok {
		return nil, false, err
	}
	return m.Mint(id)
}

// MintExists reports whether id names a registered mint.
func (m *Manager) MintExists(id [20]byte) (bool, error) {
	data, err := m.trie.Get(prefixedKey(mintPrefix, id[:]))
	if err != nil {
		return false, err
	}
	return len(data) > 0, nil
}

// MintList returns all registered symbols in sorted order.
func (m *Manager) MintList() ([]string, error) {
	var list []string
	if _, err := m.get(kvKey(mintListKey), &list); err != nil {
		return nil, err
	}
	if list == nil {
		list = []string{}
	}
	return list, nil
}

// --- Holdings ---

// HoldingGet loads the holding for (owner, mint).
func (m *Manager) HoldingGet(owner, mint [20]byte) (*types.Holding, bool, error) {
	holding := new(types.Holding)
	ok, err := m.get(prefixedKey(holdingPrefix, owner[:], mint[:]), holding)
	if err != nil || !ok {
		return nil, false, err
	}
	return holding, true, nil
}

// HoldingPut writes a holding, creating it when absent.
func (m *Manager) HoldingPut(holding *types.Holding) error {
	if holding == nil {
		return fmt.Errorf("holding: nil value")
	}
	return m.put(prefixedKey(holdingPrefix, holding.Owner[:], holding.Mint[:]), holding)
}

// --- Escrows ---

// EscrowCreate stores a new escrow record. It fails with ErrAlreadyExists when
// the address is occupied.
func (m *Manager) EscrowCreate(e *escrow.Escrow) error {
	if e == nil {
		return fmt.Errorf("escrow: nil record")
	}
	key := prefixedKey(escrowPrefix, e.Address[:])
	data, err := m.trie.Get(key)
	if err != nil {
		return err
	}
	if len(data) > 0 {
		return coreerrors.ErrAlreadyExists
	}
	if err := m.put(key, e); err != nil {
		return err
	}
	return m.appendEscrowIndex(e.Address)
}

// EscrowGet loads the escrow record at addr.
func (m *Manager) EscrowGet(addr [20]byte) (*escrow.Escrow, bool, error) {
	record := new(escrow.Escrow)
	ok, err := m.get(prefixedKey(escrowPrefix, addr[:]), record)
	if err != nil || !ok {
		return nil, false, err
	}
	return record, true, nil
}

// EscrowPut updates an existing escrow record.
func (m *Manager) EscrowPut(e *escrow.Escrow) error {
	if e == nil {
		return fmt.Errorf("escrow: nil record")
	}
	key := prefixedKey(escrowPrefix, e.Address[:])
	data, err := m.trie.Get(key)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return fmt.Errorf("escrow: %w", coreerrors.ErrNotFound)
	}
	return m.put(key, e)
}

// EscrowList returns the addresses of every escrow in creation order.
func (m *Manager) EscrowList() ([][20]byte, error) {
	var list [][20]byte
	if _, err := m.get(kvKey(escrowListKey), &list); err != nil {
		return nil, err
	}
	return list, nil
}

func (m *Manager) appendEscrowIndex(addr [20]byte) error {
	list, err := m.EscrowList()
	if err != nil {
		return err
	}
	for _, existing := range list {
		if bytes.Equal(existing[:], addr[:]) {
			return nil
		}
	}
	return m.put(kvKey(escrowListKey), append(list, addr))
}

// --- Nonces ---

// Nonce returns the next instruction nonce expected from addr.
func (m *Manager) Nonce(addr [20]byte) (uint64, error) {
	var nonce uint64
	if _, err := m.get(prefixedKey(noncePrefix, addr[:]), &nonce); err != nil {
		return 0, err
	}
	return nonce, nil
}

// SetNonce records the next nonce expected from addr.
func (m *Manager) SetNonce(addr [20]byte, nonce uint64) error {
	return m.put(prefixedKey(noncePrefix, addr[:]), nonce)
}

// --- Generic KV ---

// KVPut stores the provided value under the supplied key using RLP encoding.
// The key is automatically hashed with keccak256 to match the requirements of
// the underlying trie implementation.
func (m *Manager) KVPut(key []byte, value interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	return m.put(kvKey(key), value)
}

// KVGet retrieves the value stored under the supplied key and decodes it into
// the provided destination. The boolean return value indicates whether the key
// existed in state.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	return m.get(kvKey(key), out)
}
