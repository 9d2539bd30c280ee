package escrow

import (
	"errors"
	"fmt"
	"time"

	coreerrors "buyinescrow/core/errors"
	"buyinescrow/core/events"
	"buyinescrow/core/types"
)

type engineState interface {
	EscrowCreate(*Escrow) error
	EscrowGet(addr [20]byte) (*Escrow, bool, error)
	EscrowPut(*Escrow) error
	MintExists(mint [20]byte) (bool, error)
}

// assetTransfer is the slice of the bank the engine depends on.
type assetTransfer interface {
	OpenProgramHolding(program string, seeds [][]byte, mint [20]byte) ([20]byte, error)
	HoldingExists(owner, mint [20]byte) (bool, error)
	Balance(owner, mint [20]byte) (uint64, error)
	Transfer(from, to, mint [20]byte, amount uint64, auth types.Authorizer) error
}

type escrowEvent struct {
	evt *types.Event
}

func (e escrowEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e escrowEvent) Event() *types.Event { return e.evt }

// Engine implements the buy-in escrow state machine. It performs no locking
// and no rollback of its own; the caller runs each operation as one atomic
// unit against state and bank.
type Engine struct {
	state      engineState
	bank       assetTransfer
	emitter    events.Emitter
	maxWinners int
	nowFn      func() int64
}

// NewEngine creates an escrow engine with a no-op emitter. Callers can override
// the emitter via SetEmitter.
func NewEngine() *Engine {
	return &Engine{
		emitter:    events.NoopEmitter{},
		maxWinners: DefaultMaxWinners,
		nowFn:      func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the record store used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetBank configures the asset transfer service used for deposits and payouts.
func (e *Engine) SetBank(bank assetTransfer) { e.bank = bank }

// SetMaxWinners overrides the winner cap. Non-positive values restore the
// default.
func (e *Engine) SetMaxWinners(n int) {
	if n <= 0 {
		n = DefaultMaxWinners
	}
	e.maxWinners = n
}

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil resets
// the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(escrowEvent{evt: event})
}

func (e *Engine) now() uint64 {
	var ts int64
	if e == nil || e.nowFn == nil {
		ts = time.Now().Unix()
	} else {
		ts = e.nowFn()
	}
	if ts < 0 {
		return 0
	}
	return uint64(ts)
}

func (e *Engine) ready() error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if e.bank == nil {
		return errNilBank
	}
	return nil
}

func (e *Engine) loadEscrow(addr [20]byte) (*Escrow, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	esc, ok, err := e.state.EscrowGet(addr)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return esc, nil
}

func (e *Engine) storeEscrow(esc *Escrow) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	sanitized, err := SanitizeEscrow(esc)
	if err != nil {
		return err
	}
	return e.state.EscrowPut(sanitized)
}

// Initialize creates the escrow for namespace. The authority must be the
// caller; buy-in and mint are fixed for the life of the record.
func (e *Engine) Initialize(caller types.Authorizer, namespace string, buyIn uint64, authority, mint [20]byte) (*Escrow, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if caller == nil || caller.Authority() != authority {
		return nil, fmt.Errorf("%w: authority must sign initialization", ErrUnauthorized)
	}
	if buyIn == 0 {
		return nil, fmt.Errorf("%w: buy-in must be positive", ErrInvalidAmount)
	}
	ns, err := NormalizeNamespace(namespace)
	if err != nil {
		return nil, err
	}
	known, err := e.state.MintExists(mint)
	if err != nil {
		return nil, err
	}
	if !known {
		return nil, ErrUnknownMint
	}
	addr, err := DeriveAddress(ns)
	if err != nil {
		return nil, err
	}
	esc := &Escrow{
		Address:   addr,
		Namespace: ns,
		Authority: authority,
		Mint:      mint,
		BuyIn:     buyIn,
		Vault:     DeriveVault(addr, mint),
		Status:    StatusCreated,
		CreatedAt: e.now(),
	}
	sanitized, err := SanitizeEscrow(esc)
	if err != nil {
		return nil, err
	}
	if err := e.state.EscrowCreate(sanitized); err != nil {
		if errors.Is(err, coreerrors.ErrAlreadyExists) {
			return nil, fmt.Errorf("%w: namespace %q", ErrAlreadyInitialized, ns)
		}
		return nil, err
	}
	program, seeds := newVaultAuthority(sanitized).ProgramSeeds()
	vault, err := e.bank.OpenProgramHolding(program, seeds, mint)
	if err != nil {
		return nil, fmt.Errorf("open vault: %w", err)
	}
	if vault != sanitized.Vault {
		return nil, fmt.Errorf("open vault: derived owner mismatch")
	}
	e.emit(NewInitializedEvent(sanitized))
	return sanitized.Clone(), nil
}

// Deposit moves exactly one buy-in from the depositor into the vault. The
// same depositor may pay in more than once.
func (e *Engine) Deposit(addr [20]byte, amount uint64, depositor types.Authorizer) (*Escrow, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	esc, err := e.loadEscrow(addr)
	if err != nil {
		return nil, err
	}
	if esc.Status == StatusSettled {
		return nil, ErrEscrowSettled
	}
	if amount != esc.BuyIn {
		return nil, fmt.Errorf("%w: deposit must equal buy-in of %d, got %d", ErrInvalidAmount, esc.BuyIn, amount)
	}
	if depositor == nil {
		return nil, fmt.Errorf("%w: depositor required", ErrUnauthorized)
	}
	from := depositor.Authority()
	if err := e.bank.Transfer(from, esc.Vault, esc.Mint, amount, depositor); err != nil {
		return nil, err
	}
	esc.Deposits++
	esc.Status = StatusFunded
	if err := e.storeEscrow(esc); err != nil {
		return nil, err
	}
	e.emit(NewDepositedEvent(esc, from, amount))
	return esc.Clone(), nil
}

// Close distributes the vault to winners by percentage and marks the escrow
// settled. Every check runs before the first transfer; a failing transfer
// leaves the caller to discard the partial work.
func (e *Engine) Close(addr [20]byte, winners [][20]byte, shares []uint32, caller types.Authorizer) (*Settlement, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	esc, err := e.loadEscrow(addr)
	if err != nil {
		return nil, err
	}
	if caller == nil || caller.Authority() != esc.Authority {
		return nil, ErrUnauthorized
	}
	switch esc.Status {
	case StatusSettled:
		return nil, ErrEscrowSettled
	case StatusCreated:
		return nil, ErrEscrowNotFunded
	}
	if err := ValidateShares(winners, shares, e.maxWinners); err != nil {
		return nil, err
	}
	for i, winner := range winners {
		if winner == esc.Vault {
			return nil, fmt.Errorf("%w: winner %d is the escrow vault", ErrInvalidShares, i)
		}
		ok, err := e.bank.HoldingExists(winner, esc.Mint)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("winner %d: %w", i, coreerrors.ErrHoldingNotFound)
		}
	}

	balance, err := e.bank.Balance(esc.Vault, esc.Mint)
	if err != nil {
		return nil, err
	}
	amounts, residual := ComputePayouts(balance, shares)
	settlement := &Settlement{
		Balance:  balance,
		Payouts:  make([]Payout, len(winners)),
		Residual: residual,
	}
	auth := newVaultAuthority(esc)
	for i, winner := range winners {
		settlement.Payouts[i] = Payout{Winner: winner, Share: shares[i], Amount: amounts[i]}
		if amounts[i] == 0 {
			continue
		}
		if err := e.bank.Transfer(esc.Vault, winner, esc.Mint, amounts[i], auth); err != nil {
			return nil, fmt.Errorf("payout %d: %w", i, err)
		}
	}

	esc.Status = StatusSettled
	esc.SettledAt = e.now()
	if err := e.storeEscrow(esc); err != nil {
		return nil, err
	}
	settlement.Escrow = esc.Clone()
	e.emit(NewSettledEvent(settlement))
	for i, p := range settlement.Payouts {
		e.emit(NewPayoutEvent(esc, i, p))
	}
	return settlement, nil
}

// Get returns a copy of the escrow stored at addr.
func (e *Engine) Get(addr [20]byte) (*Escrow, error) {
	esc, err := e.loadEscrow(addr)
	if err != nil {
		return nil, err
	}
	return esc.Clone(), nil
}

// VaultBalance reports the vault holding of the escrow at addr.
func (e *Engine) VaultBalance(addr [20]byte) (uint64, error) {
	if err := e.ready(); err != nil {
		return 0, err
	}
	esc, err := e.loadEscrow(addr)
	if err != nil {
		return 0, err
	}
	return e.bank.Balance(esc.Vault, esc.Mint)
}
