package types

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

// InstructionType selects the ledger operation an instruction invokes.
type InstructionType uint8

const (
	InstructionOpenHolding InstructionType = 0x01 // Open a holding for the signer
	InstructionInitialize  InstructionType = 0x02 // Create an escrow record
	InstructionDeposit     InstructionType = 0x03 // Pay the buy-in into an escrow vault
	InstructionClose       InstructionType = 0x04 // Settle an escrow to its winners
)

var (
	ErrMissingSignature = errors.New("instruction: signature required")
	ErrInvalidSignature = errors.New("instruction: invalid signature")
)

// Valid reports whether the type is one the ledger understands.
func (t InstructionType) Valid() bool {
	switch t {
	case InstructionOpenHolding, InstructionInitialize, InstructionDeposit, InstructionClose:
		return true
	default:
		return false
	}
}

func (t InstructionType) String() string {
	switch t {
	case InstructionOpenHolding:
		return "open_holding"
	case InstructionInitialize:
		return "initialize"
	case InstructionDeposit:
		return "deposit"
	case InstructionClose:
		return "close"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// ParseInstructionType accepts the names produced by String.
func ParseInstructionType(name string) (InstructionType, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "open_holding":
		return InstructionOpenHolding, nil
	case "initialize":
		return InstructionInitialize, nil
	case "deposit":
		return InstructionDeposit, nil
	case "close":
		return InstructionClose, nil
	default:
		return 0, fmt.Errorf("instruction: unknown type %q", name)
	}
}

// Instruction is a signed request to mutate the ledger. Fields that do not
// apply to the selected type are left zero.
type Instruction struct {
	Network   string
	Type      InstructionType
	Nonce     uint64
	Namespace string     // initialize
	Authority [20]byte   // initialize; zero means the signer
	Escrow    [20]byte   // deposit, close
	Mint      [20]byte   // open_holding, initialize
	Amount    uint64     // initialize (buy-in), deposit
	Winners   [][20]byte // close
	Shares    []uint32   // close

	Signature []byte

	from *[20]byte
}

type instructionPayload struct {
	Network   string
	Type      InstructionType
	Nonce     uint64
	Namespace string
	Authority [20]byte
	Escrow    [20]byte
	Mint      [20]byte
	Amount    uint64
	Winners   [][20]byte
	Shares    []uint32
}

// Hash returns keccak256 over the RLP encoding of every field except the
// signature.
func (ins *Instruction) Hash() ([32]byte, error) {
	payload := instructionPayload{
		Network:   ins.Network,
		Type:      ins.Type,
		Nonce:     ins.Nonce,
		Namespace: ins.Namespace,
		Authority: ins.Authority,
		Escrow:    ins.Escrow,
		Mint:      ins.Mint,
		Amount:    ins.Amount,
		Winners:   ins.Winners,
		Shares:    ins.Shares,
	}
	if payload.Winners == nil {
		payload.Winners = [][20]byte{}
	}
	if payload.Shares == nil {
		payload.Shares = []uint32{}
	}
	encoded, err := rlp.EncodeToBytes(payload)
	if err != nil {
		return [32]byte{}, err
	}
	return crypto.Keccak256Hash(encoded), nil
}

// Sign attaches a 65-byte secp256k1 signature over Hash.
func (ins *Instruction) Sign(key *ecdsa.PrivateKey) error {
	hash, err := ins.Hash()
	if err != nil {
		return err
	}
	sig, err := crypto.Sign(hash[:], key)
	if err != nil {
		return err
	}
	ins.Signature = sig
	ins.from = nil
	return nil
}

// Signer recovers the address that produced the signature.
func (ins *Instruction) Signer() (Signer, error) {
	if ins.from != nil {
		return Signer{Address: *ins.from}, nil
	}
	if len(ins.Signature) == 0 {
		return Signer{}, ErrMissingSignature
	}
	if len(ins.Signature) != crypto.SignatureLength {
		return Signer{}, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidSignature, crypto.SignatureLength, len(ins.Signature))
	}
	hash, err := ins.Hash()
	if err != nil {
		return Signer{}, err
	}
	pubKey, err := crypto.SigToPub(hash[:], ins.Signature)
	if err != nil {
		return Signer{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	var addr [20]byte
	copy(addr[:], crypto.PubkeyToAddress(*pubKey).Bytes())
	ins.from = &addr
	return Signer{Address: addr}, nil
}
