package types

// Holding is the balance of one asset kind owned by one address. Holdings must
// be opened before they can receive value.
type Holding struct {
	Owner  [20]byte
	Mint   [20]byte
	Amount uint64
	// Program marks holdings owned by a derived program address. Only a
	// matching ProgramAuthority may debit them.
	Program bool
}

// Mint describes a registered asset kind.
type Mint struct {
	ID       [20]byte
	Symbol   string
	Decimals uint8
	Issuer   [20]byte
	Supply   uint64
}
