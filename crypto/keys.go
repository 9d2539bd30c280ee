package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil/bech32"
	"github.com/ethereum/go-ethereum/crypto"
)

// AddressPrefix is the human-readable part of a bech32 address.
type AddressPrefix string

const (
	// AccountPrefix tags addresses owned by a signing key.
	AccountPrefix AddressPrefix = "esc"
	// ProgramPrefix tags derived addresses: mints, escrow records and vaults.
	ProgramPrefix AddressPrefix = "escp"
)

const AddressLength = 20

func (p AddressPrefix) known() bool {
	return p == AccountPrefix || p == ProgramPrefix
}

// Address pairs a 20-byte identity with the prefix it is displayed under. The
// prefix is presentation only; state records store the raw array.
type Address struct {
	prefix AddressPrefix
	raw    [AddressLength]byte
}

// NewAddress copies b, which must be exactly AddressLength bytes.
func NewAddress(prefix AddressPrefix, b []byte) (Address, error) {
	if len(b) != AddressLength {
		return Address{}, fmt.Errorf("crypto: address must be %d bytes, got %d", AddressLength, len(b))
	}
	addr := Address{prefix: prefix}
	copy(addr.raw[:], b)
	return addr, nil
}

func FromArray(prefix AddressPrefix, b [AddressLength]byte) Address {
	return Address{prefix: prefix, raw: b}
}

func (a Address) Prefix() AddressPrefix { return a.prefix }

func (a Address) Array() [AddressLength]byte { return a.raw }

func (a Address) Bytes() []byte { return append([]byte(nil), a.raw[:]...) }

// String renders the bech32 form. An address without a prefix renders empty.
func (a Address) String() string {
	if a.prefix == "" {
		return ""
	}
	words, err := bech32.ConvertBits(a.raw[:], 8, 5, true)
	if err != nil {
		return ""
	}
	encoded, err := bech32.Encode(string(a.prefix), words)
	if err != nil {
		return ""
	}
	return encoded
}

// DecodeAddress parses an esc or escp bech32 string.
func DecodeAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Address{}, fmt.Errorf("crypto: address required")
	}
	hrp, words, err := bech32.Decode(s)
	if err != nil {
		return Address{}, fmt.Errorf("crypto: decode %q: %w", s, err)
	}
	prefix := AddressPrefix(hrp)
	if !prefix.known() {
		return Address{}, fmt.Errorf("crypto: unsupported address prefix %q", hrp)
	}
	raw, err := bech32.ConvertBits(words, 5, 8, false)
	if err != nil {
		return Address{}, fmt.Errorf("crypto: decode %q: %w", s, err)
	}
	return NewAddress(prefix, raw)
}

// ParseAddress decodes either prefix into the fixed-size form used by state.
func ParseAddress(s string) ([AddressLength]byte, error) {
	addr, err := DecodeAddress(s)
	if err != nil {
		return [AddressLength]byte{}, err
	}
	return addr.raw, nil
}

// PrivateKey is a secp256k1 signing key.
type PrivateKey struct {
	*ecdsa.PrivateKey
}

type PublicKey struct {
	*ecdsa.PublicKey
}

func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := ecdsa.GenerateKey(crypto.S256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

func (k *PrivateKey) PubKey() *PublicKey {
	return &PublicKey{&k.PrivateKey.PublicKey}
}

// Address is the account address of the key: the last 20 bytes of the
// keccak256 of the uncompressed public key.
func (k *PublicKey) Address() Address {
	return Address{prefix: AccountPrefix, raw: crypto.PubkeyToAddress(*k.PublicKey)}
}
