package crypto

import (
	"github.com/ethereum/go-ethereum/crypto"
)

var programDerivationTag = []byte("buyinescrow/program-derived")

// DeriveProgramAddress computes the address a program controls for the given
// seeds. No private key exists for the result; the only way to authorize a
// transfer out of it is to present the same program id and seeds.
func DeriveProgramAddress(program string, seeds ...[]byte) [AddressLength]byte {
	parts := make([][]byte, 0, len(seeds)*2+2)
	parts = append(parts, programDerivationTag, lengthPrefixed([]byte(program)))
	for _, seed := range seeds {
		parts = append(parts, lengthPrefixed(seed))
	}
	digest := crypto.Keccak256(parts...)
	var out [AddressLength]byte
	copy(out[:], digest[len(digest)-AddressLength:])
	return out
}

// lengthPrefixed keeps ("ab","c") and ("a","bc") from colliding.
func lengthPrefixed(b []byte) []byte {
	out := make([]byte, 0, len(b)+4)
	n := uint32(len(b))
	out = append(out, byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
	return append(out, b...)
}
