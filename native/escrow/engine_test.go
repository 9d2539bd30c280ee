package escrow

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"testing"

	coreerrors "buyinescrow/core/errors"
	"buyinescrow/core/events"
	"buyinescrow/core/types"
	"buyinescrow/crypto"
)

type mockState struct {
	escrows map[[20]byte]*Escrow
	mints   map[[20]byte]bool
}

func newMockState() *mockState {
	return &mockState{
		escrows: make(map[[20]byte]*Escrow),
		mints:   make(map[[20]byte]bool),
	}
}

func (m *mockState) EscrowCreate(e *Escrow) error {
	if _, ok := m.escrows[e.Address]; ok {
		return coreerrors.ErrAlreadyExists
	}
	m.escrows[e.Address] = e.Clone()
	return nil
}

func (m *mockState) EscrowGet(addr [20]byte) (*Escrow, bool, error) {
	esc, ok := m.escrows[addr]
	if !ok {
		return nil, false, nil
	}
	return esc.Clone(), true, nil
}

func (m *mockState) EscrowPut(e *Escrow) error {
	m.escrows[e.Address] = e.Clone()
	return nil
}

func (m *mockState) MintExists(mint [20]byte) (bool, error) {
	return m.mints[mint], nil
}

type holdingKey struct {
	owner [20]byte
	mint  [20]byte
}

type mockHolding struct {
	amount  uint64
	program bool
}

type mockBank struct {
	holdings  map[holdingKey]*mockHolding
	transfers int
}

func newMockBank() *mockBank {
	return &mockBank{holdings: make(map[holdingKey]*mockHolding)}
}

func (b *mockBank) open(owner, mint [20]byte, amount uint64) {
	b.holdings[holdingKey{owner, mint}] = &mockHolding{amount: amount}
}

func (b *mockBank) OpenProgramHolding(program string, seeds [][]byte, mint [20]byte) ([20]byte, error) {
	owner := crypto.DeriveProgramAddress(program, seeds...)
	key := holdingKey{owner, mint}
	if _, ok := b.holdings[key]; !ok {
		b.holdings[key] = &mockHolding{program: true}
	}
	return owner, nil
}

func (b *mockBank) HoldingExists(owner, mint [20]byte) (bool, error) {
	_, ok := b.holdings[holdingKey{owner, mint}]
	return ok, nil
}

func (b *mockBank) Balance(owner, mint [20]byte) (uint64, error) {
	h, ok := b.holdings[holdingKey{owner, mint}]
	if !ok {
		return 0, coreerrors.ErrHoldingNotFound
	}
	return h.amount, nil
}

func (b *mockBank) Transfer(from, to, mint [20]byte, amount uint64, auth types.Authorizer) error {
	src, ok := b.holdings[holdingKey{from, mint}]
	if !ok {
		return coreerrors.ErrHoldingNotFound
	}
	dst, ok := b.holdings[holdingKey{to, mint}]
	if !ok {
		return coreerrors.ErrHoldingNotFound
	}
	if auth.Authority() != from {
		return fmt.Errorf("mock bank: authority mismatch")
	}
	if src.program {
		pa, ok := auth.(types.ProgramAuthority)
		if !ok {
			return fmt.Errorf("mock bank: program holding needs program authority")
		}
		program, seeds := pa.ProgramSeeds()
		if crypto.DeriveProgramAddress(program, seeds...) != from {
			return fmt.Errorf("mock bank: seeds do not derive owner")
		}
	}
	if src.amount < amount {
		return coreerrors.ErrInsufficientBalance
	}
	src.amount -= amount
	dst.amount += amount
	b.transfers++
	return nil
}

type recordingEmitter struct {
	events []events.Event
}

func (r *recordingEmitter) Emit(evt events.Event) { r.events = append(r.events, evt) }

func (r *recordingEmitter) eventTypes() []string {
	out := make([]string, len(r.events))
	for i, evt := range r.events {
		out[i] = evt.EventType()
	}
	return out
}

func newTestAddress(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

type fixture struct {
	engine  *Engine
	state   *mockState
	bank    *mockBank
	emitter *recordingEmitter
	mint    [20]byte
	auth    [20]byte
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		engine:  NewEngine(),
		state:   newMockState(),
		bank:    newMockBank(),
		emitter: &recordingEmitter{},
		mint:    newTestAddress(0x4D),
		auth:    newTestAddress(0xA1),
	}
	f.state.mints[f.mint] = true
	f.engine.SetState(f.state)
	f.engine.SetBank(f.bank)
	f.engine.SetEmitter(f.emitter)
	f.engine.SetNowFunc(func() int64 { return 1_700_000_000 })
	return f
}

func (f *fixture) initialize(t *testing.T, namespace string, buyIn uint64) *Escrow {
	t.Helper()
	esc, err := f.engine.Initialize(types.Signer{Address: f.auth}, namespace, buyIn, f.auth, f.mint)
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return esc
}

// fund opens n depositor holdings and deposits one buy-in from each.
func (f *fixture) fund(t *testing.T, esc *Escrow, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		depositor := newTestAddress(byte(0x10 + i))
		f.bank.open(depositor, f.mint, esc.BuyIn)
		if _, err := f.engine.Deposit(esc.Address, esc.BuyIn, types.Signer{Address: depositor}); err != nil {
			t.Fatalf("deposit %d: %v", i, err)
		}
	}
}

// setVault overwrites the vault balance so payout math can be tested against
// arbitrary balances.
func (f *fixture) setVault(esc *Escrow, amount uint64) {
	f.bank.holdings[holdingKey{esc.Vault, esc.Mint}].amount = amount
}

func (f *fixture) openWinners(n int) [][20]byte {
	winners := make([][20]byte, n)
	for i := range winners {
		winners[i] = newTestAddress(byte(0xE0 + i))
		f.bank.open(winners[i], f.mint, 0)
	}
	return winners
}

func (f *fixture) balance(t *testing.T, owner [20]byte) uint64 {
	t.Helper()
	bal, err := f.bank.Balance(owner, f.mint)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return bal
}

func TestInitializeCreatesRecordAndVault(t *testing.T) {
	f := newFixture(t)
	esc := f.initialize(t, "", 100)

	if esc.Namespace != DefaultNamespace {
		t.Fatalf("expected default namespace, got %q", esc.Namespace)
	}
	want, _ := DeriveAddress(DefaultNamespace)
	if esc.Address != want {
		t.Fatalf("unexpected address %x", esc.Address)
	}
	if esc.Status != StatusCreated || esc.Deposits != 0 {
		t.Fatalf("unexpected initial state: %+v", esc)
	}
	if esc.CreatedAt != 1_700_000_000 {
		t.Fatalf("unexpected created at: %d", esc.CreatedAt)
	}
	h, ok := f.bank.holdings[holdingKey{esc.Vault, f.mint}]
	if !ok || !h.program {
		t.Fatalf("vault holding not opened as program holding")
	}
	if f.bank.transfers != 0 {
		t.Fatalf("initialize must not move value")
	}
	if got := f.emitter.eventTypes(); len(got) != 1 || got[0] != EventTypeEscrowInitialized {
		t.Fatalf("unexpected events: %v", got)
	}
}

func TestInitializeRejections(t *testing.T) {
	f := newFixture(t)
	signer := types.Signer{Address: f.auth}

	if _, err := f.engine.Initialize(signer, "t1", 0, f.auth, f.mint); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	impostor := types.Signer{Address: newTestAddress(0x99)}
	if _, err := f.engine.Initialize(impostor, "t1", 100, f.auth, f.mint); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := f.engine.Initialize(signer, "t1", 100, f.auth, newTestAddress(0x77)); !errors.Is(err, ErrUnknownMint) {
		t.Fatalf("expected ErrUnknownMint, got %v", err)
	}
	long := string(bytes.Repeat([]byte{'x'}, MaxNamespaceLength+1))
	if _, err := f.engine.Initialize(signer, long, 100, f.auth, f.mint); !errors.Is(err, ErrInvalidNamespace) {
		t.Fatalf("expected ErrInvalidNamespace, got %v", err)
	}
	if len(f.state.escrows) != 0 {
		t.Fatalf("rejected initializations must not persist records")
	}
}

func TestInitializeTwiceFails(t *testing.T) {
	f := newFixture(t)
	f.initialize(t, "table-7", 100)
	_, err := f.engine.Initialize(types.Signer{Address: f.auth}, " table-7 ", 500, f.auth, f.mint)
	if !errors.Is(err, ErrAlreadyInitialized) {
		t.Fatalf("expected ErrAlreadyInitialized, got %v", err)
	}
	other := f.initialize(t, "table-8", 100)
	first, _ := DeriveAddress("table-7")
	if other.Address == first {
		t.Fatalf("namespaces must derive distinct addresses")
	}
}

func TestDepositRequiresExactBuyIn(t *testing.T) {
	f := newFixture(t)
	esc := f.initialize(t, "", 100)
	depositor := newTestAddress(0x10)
	f.bank.open(depositor, f.mint, 1_000)

	for _, amount := range []uint64{0, 1, 99, 101, 200, math.MaxUint64} {
		_, err := f.engine.Deposit(esc.Address, amount, types.Signer{Address: depositor})
		if !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("amount %d: expected ErrInvalidAmount, got %v", amount, err)
		}
	}
	if bal := f.balance(t, esc.Vault); bal != 0 {
		t.Fatalf("vault changed after rejected deposits: %d", bal)
	}
	if f.bank.transfers != 0 {
		t.Fatalf("rejected deposits must not transfer")
	}
}

func TestDepositMovesBuyInAndAllowsRepeats(t *testing.T) {
	f := newFixture(t)
	esc := f.initialize(t, "", 100)
	depositor := newTestAddress(0x10)
	f.bank.open(depositor, f.mint, 250)
	signer := types.Signer{Address: depositor}

	for i := 0; i < 2; i++ {
		updated, err := f.engine.Deposit(esc.Address, 100, signer)
		if err != nil {
			t.Fatalf("deposit %d: %v", i, err)
		}
		if updated.Status != StatusFunded || updated.Deposits != uint64(i+1) {
			t.Fatalf("unexpected record after deposit %d: %+v", i, updated)
		}
	}
	if bal := f.balance(t, esc.Vault); bal != 200 {
		t.Fatalf("vault = %d, want 200", bal)
	}
	if bal := f.balance(t, depositor); bal != 50 {
		t.Fatalf("depositor = %d, want 50", bal)
	}
	_, err := f.engine.Deposit(esc.Address, 100, signer)
	if !errors.Is(err, coreerrors.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	stored, _ := f.engine.Get(esc.Address)
	if stored.Deposits != 2 {
		t.Fatalf("failed deposit must not count: %d", stored.Deposits)
	}
}

func TestDepositErrors(t *testing.T) {
	f := newFixture(t)
	if _, err := f.engine.Deposit(newTestAddress(0x01), 100, types.Signer{}); !errors.Is(err, ErrEscrowNotFound) {
		t.Fatalf("expected ErrEscrowNotFound, got %v", err)
	}
	esc := f.initialize(t, "", 100)
	_, err := f.engine.Deposit(esc.Address, 100, types.Signer{Address: newTestAddress(0x33)})
	if !errors.Is(err, coreerrors.ErrHoldingNotFound) {
		t.Fatalf("expected ErrHoldingNotFound, got %v", err)
	}
}

func TestCloseRejectsBadShares(t *testing.T) {
	f := newFixture(t)
	esc := f.initialize(t, "", 100)
	f.fund(t, esc, 3)
	winners := f.openWinners(3)
	caller := types.Signer{Address: f.auth}
	before := f.bank.transfers

	cases := []struct {
		name    string
		winners [][20]byte
		shares  []uint32
	}{
		{"sum below", winners[:2], []uint32{50, 49}},
		{"sum above", winners[:2], []uint32{60, 41}},
		{"zero sum", winners[:2], []uint32{0, 0}},
		{"share above hundred", winners[:2], []uint32{101, 0}},
		{"wrapping sum", winners[:3], []uint32{math.MaxUint32, 100, 1}},
		{"length mismatch", winners[:3], []uint32{50, 50}},
		{"no winners", nil, nil},
	}
	for _, tc := range cases {
		_, err := f.engine.Close(esc.Address, tc.winners, tc.shares, caller)
		if !errors.Is(err, ErrInvalidShares) {
			t.Fatalf("%s: expected ErrInvalidShares, got %v", tc.name, err)
		}
	}
	if f.bank.transfers != before {
		t.Fatalf("rejected closes must not transfer")
	}
	if bal := f.balance(t, esc.Vault); bal != 300 {
		t.Fatalf("vault changed: %d", bal)
	}
}

func TestCloseRequiresAuthority(t *testing.T) {
	f := newFixture(t)
	esc := f.initialize(t, "", 100)
	f.fund(t, esc, 2)
	winners := f.openWinners(1)

	for _, caller := range []types.Authorizer{
		types.Signer{Address: newTestAddress(0x10)},
		types.Signer{Address: winners[0]},
		newVaultAuthority(esc),
		nil,
	} {
		_, err := f.engine.Close(esc.Address, winners, []uint32{100}, caller)
		if !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("caller %v: expected ErrUnauthorized, got %v", caller, err)
		}
	}
	if bal := f.balance(t, esc.Vault); bal != 200 {
		t.Fatalf("vault changed: %d", bal)
	}
}

// Payouts floor and the remainder stays in the vault.
func TestClosePayoutRounding(t *testing.T) {
	cases := []struct {
		name     string
		balance  uint64
		shares   []uint32
		want     []uint64
		residual uint64
	}{
		{"even split", 1000, []uint32{60, 40}, []uint64{600, 400}, 0},
		{"thirds exact", 100, []uint32{33, 33, 34}, []uint64{33, 33, 34}, 0},
		{"thirds residual", 10, []uint32{33, 33, 34}, []uint64{3, 3, 3}, 1},
		{"zero share", 50, []uint32{0, 100}, []uint64{0, 50}, 0},
		{"wide product", math.MaxUint64, []uint32{50, 50}, []uint64{math.MaxUint64 / 2, math.MaxUint64 / 2}, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			esc := f.initialize(t, "", 1)
			f.fund(t, esc, 1)
			f.setVault(esc, tc.balance)
			winners := f.openWinners(len(tc.shares))

			settlement, err := f.engine.Close(esc.Address, winners, tc.shares, types.Signer{Address: f.auth})
			if err != nil {
				t.Fatalf("close: %v", err)
			}
			for i, w := range winners {
				if got := f.balance(t, w); got != tc.want[i] {
					t.Fatalf("winner %d got %d, want %d", i, got, tc.want[i])
				}
				if settlement.Payouts[i].Amount != tc.want[i] {
					t.Fatalf("settlement payout %d = %d, want %d", i, settlement.Payouts[i].Amount, tc.want[i])
				}
			}
			if settlement.Residual != tc.residual {
				t.Fatalf("residual = %d, want %d", settlement.Residual, tc.residual)
			}
			if got := f.balance(t, esc.Vault); got != tc.residual {
				t.Fatalf("vault = %d, want residual %d", got, tc.residual)
			}
			if settlement.Balance != tc.balance {
				t.Fatalf("settlement balance = %d", settlement.Balance)
			}
		})
	}
}

func TestCloseMissingWinnerHoldingTransfersNothing(t *testing.T) {
	f := newFixture(t)
	esc := f.initialize(t, "", 100)
	f.fund(t, esc, 3)
	winners := f.openWinners(2)
	winners = append(winners, newTestAddress(0xEE))
	before := f.bank.transfers

	_, err := f.engine.Close(esc.Address, winners, []uint32{50, 25, 25}, types.Signer{Address: f.auth})
	if !errors.Is(err, coreerrors.ErrHoldingNotFound) {
		t.Fatalf("expected ErrHoldingNotFound, got %v", err)
	}
	if f.bank.transfers != before {
		t.Fatalf("no transfer may run when a winner holding is missing")
	}
	if bal := f.balance(t, esc.Vault); bal != 300 {
		t.Fatalf("vault changed: %d", bal)
	}
	stored, _ := f.engine.Get(esc.Address)
	if stored.Status != StatusFunded {
		t.Fatalf("status changed: %s", stored.Status)
	}
}

func TestCloseRejectsVaultAsWinner(t *testing.T) {
	f := newFixture(t)
	esc := f.initialize(t, "", 100)
	f.fund(t, esc, 2)
	winners := f.openWinners(1)
	before := f.bank.transfers

	for _, plan := range [][][20]byte{
		{esc.Vault},
		{winners[0], esc.Vault},
	} {
		shares := make([]uint32, len(plan))
		shares[0] = 100
		_, err := f.engine.Close(esc.Address, plan, shares, types.Signer{Address: f.auth})
		if !errors.Is(err, ErrInvalidShares) {
			t.Fatalf("winners %x: expected ErrInvalidShares, got %v", plan, err)
		}
	}
	if f.bank.transfers != before {
		t.Fatalf("no transfer may run when the vault is listed as a winner")
	}
	if bal := f.balance(t, esc.Vault); bal != 200 {
		t.Fatalf("vault changed: %d", bal)
	}
	stored, _ := f.engine.Get(esc.Address)
	if stored.Status != StatusFunded {
		t.Fatalf("status changed: %s", stored.Status)
	}
}

func TestCloseDuplicateWinnerReceivesEveryShare(t *testing.T) {
	f := newFixture(t)
	esc := f.initialize(t, "", 100)
	f.fund(t, esc, 3)
	winners := f.openWinners(2)

	plan := [][20]byte{winners[0], winners[1], winners[0]}
	settlement, err := f.engine.Close(esc.Address, plan, []uint32{50, 20, 30}, types.Signer{Address: f.auth})
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := f.balance(t, winners[0]); got != 240 {
		t.Fatalf("repeated winner got %d, want 240", got)
	}
	if got := f.balance(t, winners[1]); got != 60 {
		t.Fatalf("winner got %d, want 60", got)
	}
	if len(settlement.Payouts) != 3 || settlement.Paid() != 300 {
		t.Fatalf("unexpected settlement %+v", settlement)
	}
	if bal := f.balance(t, esc.Vault); bal != 0 {
		t.Fatalf("vault = %d, want 0", bal)
	}
}

func TestAuthorityAndMintImmutable(t *testing.T) {
	f := newFixture(t)
	esc := f.initialize(t, "", 100)
	check := func(stage string) {
		t.Helper()
		stored, err := f.engine.Get(esc.Address)
		if err != nil {
			t.Fatalf("%s: get: %v", stage, err)
		}
		if stored.Authority != f.auth || stored.Mint != f.mint || stored.BuyIn != 100 {
			t.Fatalf("%s: immutable fields changed: %+v", stage, stored)
		}
	}
	check("initialize")
	f.fund(t, esc, 2)
	check("deposit")
	winners := f.openWinners(1)
	if _, err := f.engine.Close(esc.Address, winners, []uint32{100}, types.Signer{Address: f.auth}); err != nil {
		t.Fatalf("close: %v", err)
	}
	check("close")
}

func TestCloseLifecycleGuards(t *testing.T) {
	f := newFixture(t)
	esc := f.initialize(t, "", 100)
	winners := f.openWinners(1)
	caller := types.Signer{Address: f.auth}

	if _, err := f.engine.Close(esc.Address, winners, []uint32{100}, caller); !errors.Is(err, ErrEscrowNotFunded) {
		t.Fatalf("expected ErrEscrowNotFunded, got %v", err)
	}
	f.fund(t, esc, 1)
	if _, err := f.engine.Close(esc.Address, winners, []uint32{100}, caller); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := f.engine.Close(esc.Address, winners, []uint32{100}, caller); !errors.Is(err, ErrEscrowSettled) {
		t.Fatalf("expected ErrEscrowSettled on second close, got %v", err)
	}
	depositor := newTestAddress(0x40)
	f.bank.open(depositor, f.mint, 100)
	if _, err := f.engine.Deposit(esc.Address, 100, types.Signer{Address: depositor}); !errors.Is(err, ErrEscrowSettled) {
		t.Fatalf("expected ErrEscrowSettled on deposit after close, got %v", err)
	}
	if _, err := f.engine.Close(newTestAddress(0x01), winners, []uint32{100}, caller); !errors.Is(err, ErrEscrowNotFound) {
		t.Fatalf("expected ErrEscrowNotFound, got %v", err)
	}
}

func TestCloseWinnerCap(t *testing.T) {
	f := newFixture(t)
	f.engine.SetMaxWinners(2)
	esc := f.initialize(t, "", 100)
	f.fund(t, esc, 1)
	winners := f.openWinners(3)
	_, err := f.engine.Close(esc.Address, winners, []uint32{34, 33, 33}, types.Signer{Address: f.auth})
	if !errors.Is(err, ErrTooManyWinners) {
		t.Fatalf("expected ErrTooManyWinners, got %v", err)
	}
}

func TestHumanSignerCannotDrainVault(t *testing.T) {
	f := newFixture(t)
	esc := f.initialize(t, "", 100)
	f.fund(t, esc, 1)
	thief := newTestAddress(0x66)
	f.bank.open(thief, f.mint, 0)

	err := f.bank.Transfer(esc.Vault, thief, f.mint, 100, types.Signer{Address: esc.Vault})
	if err == nil {
		t.Fatalf("vault must not accept a human signer")
	}
	if bal := f.balance(t, esc.Vault); bal != 100 {
		t.Fatalf("vault drained: %d", bal)
	}
}

func TestEndToEndScenario(t *testing.T) {
	f := newFixture(t)
	esc := f.initialize(t, "", 100)
	f.fund(t, esc, 3)
	if bal := f.balance(t, esc.Vault); bal != 300 {
		t.Fatalf("vault = %d, want 300", bal)
	}
	winners := f.openWinners(2)
	f.emitter.events = nil

	settlement, err := f.engine.Close(esc.Address, winners, []uint32{70, 30}, types.Signer{Address: f.auth})
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := f.balance(t, winners[0]); got != 210 {
		t.Fatalf("W1 = %d, want 210", got)
	}
	if got := f.balance(t, winners[1]); got != 90 {
		t.Fatalf("W2 = %d, want 90", got)
	}
	if got := f.balance(t, esc.Vault); got != 0 || settlement.Residual != 0 {
		t.Fatalf("residual = %d / %d, want 0", got, settlement.Residual)
	}
	if settlement.Escrow.Status != StatusSettled || settlement.Escrow.SettledAt == 0 {
		t.Fatalf("escrow not settled: %+v", settlement.Escrow)
	}
	want := []string{EventTypeEscrowSettled, EventTypeEscrowPayout, EventTypeEscrowPayout}
	got := f.emitter.eventTypes()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	payload := f.emitter.events[1].(events.Payload).Event()
	if payload.Attributes["amount"] != "210" || payload.Attributes["share"] != "70" {
		t.Fatalf("unexpected payout event: %+v", payload.Attributes)
	}
}
