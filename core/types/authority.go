package types

// Authorizer names the identity that approved a transfer. The bank compares
// it against the owner of the source holding.
type Authorizer interface {
	Authority() [20]byte
}

// Signer is a human principal whose signature was verified by the ledger.
type Signer struct {
	Address [20]byte
}

// Authority implements Authorizer.
func (s Signer) Authority() [20]byte { return s.Address }

// ProgramAuthority is a signing capability derived from a program's own
// identity rather than from a key. The bank re-derives the address from the
// program id and seeds before honouring it.
type ProgramAuthority interface {
	Authorizer
	ProgramSeeds() (program string, seeds [][]byte)
}
