package bank

import (
	"errors"
	"fmt"
	"math"

	coreerrors "buyinescrow/core/errors"
	"buyinescrow/core/events"
	"buyinescrow/core/types"
	"buyinescrow/crypto"
)

var (
	ErrInsufficientBalance  = coreerrors.ErrInsufficientBalance
	ErrHoldingNotFound      = coreerrors.ErrHoldingNotFound
	ErrUnauthorizedTransfer = errors.New("bank: transfer not authorized")
	ErrUnknownMint          = errors.New("bank: unknown mint")
	ErrHoldingConflict      = errors.New("bank: holding already owned by a different kind of principal")
	ErrBalanceOverflow      = errors.New("bank: balance overflow")
	ErrSelfTransfer         = errors.New("bank: source and destination are the same holding")
)

// Authorizer is accepted by Transfer: either a types.Signer recovered from a
// signature or a types.ProgramAuthority.
type Authorizer = types.Authorizer

type holdingStore interface {
	HoldingGet(owner, mint [20]byte) (*types.Holding, bool, error)
	HoldingPut(*types.Holding) error
	Mint(id [20]byte) (*types.Mint, bool, error)
	PutMint(*types.Mint) error
}

// Service moves value between holdings. Holdings owned by program-derived
// addresses only release funds to a ProgramAuthority whose seeds re-derive the
// owner; human holdings only release funds to their signer.
type Service struct {
	store   holdingStore
	emitter events.Emitter
}

// NewService builds a bank over the supplied holding store.
func NewService(store holdingStore) *Service {
	return &Service{store: store, emitter: events.NoopEmitter{}}
}

// SetEmitter configures the event sink. Passing nil discards events.
func (s *Service) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		s.emitter = events.NoopEmitter{}
		return
	}
	s.emitter = emitter
}

func (s *Service) requireMint(id [20]byte) (*types.Mint, error) {
	mint, ok, err := s.store.Mint(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrUnknownMint
	}
	return mint, nil
}

func (s *Service) open(owner, mint [20]byte, program bool) (*types.Holding, error) {
	if _, err := s.requireMint(mint); err != nil {
		return nil, err
	}
	existing, ok, err := s.store.HoldingGet(owner, mint)
	if err != nil {
		return nil, err
	}
	if ok {
		if existing.Program != program {
			return nil, ErrHoldingConflict
		}
		return existing, nil
	}
	holding := &types.Holding{Owner: owner, Mint: mint, Program: program}
	if err := s.store.HoldingPut(holding); err != nil {
		return nil, err
	}
	s.emitter.Emit(events.HoldingOpened{Owner: owner, Mint: mint, Program: program})
	return holding, nil
}

// OpenHolding creates an empty holding of mint for a human owner. Opening an
// existing holding returns it unchanged.
func (s *Service) OpenHolding(owner, mint [20]byte) (*types.Holding, error) {
	return s.open(owner, mint, false)
}

// OpenProgramHolding creates the holding owned by the address derived from
// program and seeds and returns that address.
func (s *Service) OpenProgramHolding(program string, seeds [][]byte, mint [20]byte) ([20]byte, error) {
	owner := crypto.DeriveProgramAddress(program, seeds...)
	if _, err := s.open(owner, mint, true); err != nil {
		return [20]byte{}, err
	}
	return owner, nil
}

// HoldingExists reports whether (owner, mint) has been opened.
func (s *Service) HoldingExists(owner, mint [20]byte) (bool, error) {
	_, ok, err := s.store.HoldingGet(owner, mint)
	return ok, err
}

// Holding returns the holding for (owner, mint).
func (s *Service) Holding(owner, mint [20]byte) (*types.Holding, error) {
	holding, ok, err := s.store.HoldingGet(owner, mint)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrHoldingNotFound
	}
	return holding, nil
}

// Balance returns the amount held in (owner, mint).
func (s *Service) Balance(owner, mint [20]byte) (uint64, error) {
	holding, err := s.Holding(owner, mint)
	if err != nil {
		return 0, err
	}
	return holding.Amount, nil
}

func authorize(src *types.Holding, auth Authorizer) error {
	if auth == nil {
		return fmt.Errorf("%w: authorizer required", ErrUnauthorizedTransfer)
	}
	if auth.Authority() != src.Owner {
		return fmt.Errorf("%w: authorizer does not own source holding", ErrUnauthorizedTransfer)
	}
	programAuth, isProgram := auth.(types.ProgramAuthority)
	if !src.Program {
		if isProgram {
			return fmt.Errorf("%w: program authority on a human holding", ErrUnauthorizedTransfer)
		}
		return nil
	}
	if !isProgram {
		return fmt.Errorf("%w: program holding requires its program authority", ErrUnauthorizedTransfer)
	}
	program, seeds := programAuth.ProgramSeeds()
	if crypto.DeriveProgramAddress(program, seeds...) != src.Owner {
		return fmt.Errorf("%w: seeds do not derive source owner", ErrUnauthorizedTransfer)
	}
	return nil
}

// Transfer moves amount of mint from one holding to another. Both holdings
// must exist and auth must control the source.
func (s *Service) Transfer(from, to, mint [20]byte, amount uint64, auth Authorizer) error {
	src, ok, err := s.store.HoldingGet(from, mint)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("source: %w", ErrHoldingNotFound)
	}
	dst, ok, err := s.store.HoldingGet(to, mint)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("destination: %w", ErrHoldingNotFound)
	}
	if err := authorize(src, auth); err != nil {
		return err
	}
	if amount == 0 {
		return nil
	}
	if from == to {
		return ErrSelfTransfer
	}
	if src.Amount < amount {
		return fmt.Errorf("%w: have %d, need %d", ErrInsufficientBalance, src.Amount, amount)
	}
	if dst.Amount > math.MaxUint64-amount {
		return ErrBalanceOverflow
	}
	src.Amount -= amount
	dst.Amount += amount
	if err := s.store.HoldingPut(src); err != nil {
		return err
	}
	if err := s.store.HoldingPut(dst); err != nil {
		return err
	}
	s.emitter.Emit(events.Transfer{
		Mint:        mint,
		From:        from,
		To:          to,
		Amount:      amount,
		FromProgram: src.Program,
		ToProgram:   dst.Program,
	})
	return nil
}

// MintTo credits new supply to recipient. Only the mint's issuer may call it.
func (s *Service) MintTo(issuer Authorizer, mintID, recipient [20]byte, amount uint64) error {
	mint, err := s.requireMint(mintID)
	if err != nil {
		return err
	}
	if issuer == nil || issuer.Authority() != mint.Issuer {
		return fmt.Errorf("%w: only the issuer may mint", ErrUnauthorizedTransfer)
	}
	if _, isProgram := issuer.(types.ProgramAuthority); isProgram {
		return fmt.Errorf("%w: program authorities cannot mint", ErrUnauthorizedTransfer)
	}
	dst, ok, err := s.store.HoldingGet(recipient, mintID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("recipient: %w", ErrHoldingNotFound)
	}
	if amount == 0 {
		return nil
	}
	if mint.Supply > math.MaxUint64-amount || dst.Amount > math.MaxUint64-amount {
		return ErrBalanceOverflow
	}
	mint.Supply += amount
	dst.Amount += amount
	if err := s.store.PutMint(mint); err != nil {
		return err
	}
	if err := s.store.HoldingPut(dst); err != nil {
		return err
	}
	s.emitter.Emit(events.Minted{Mint: mintID, Recipient: recipient, Amount: amount, Supply: mint.Supply})
	return nil
}

// DeriveMintID returns the id a mint with symbol receives when registered
// through genesis or the CLI.
func DeriveMintID(symbol string) [20]byte {
	return crypto.DeriveProgramAddress("bank", []byte("mint"), []byte(symbol))
}
