package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"buyinescrow/core/events"
	"buyinescrow/core/genesis"
	"buyinescrow/core/state"
	"buyinescrow/core/types"
	"buyinescrow/crypto"
	"buyinescrow/native/bank"
	"buyinescrow/native/escrow"
	"buyinescrow/observability/logging"
	"buyinescrow/observability/metrics"
	escrowotel "buyinescrow/observability/otel"
	"buyinescrow/storage"
	"buyinescrow/storage/trie"
)

var (
	ErrWrongNetwork           = errors.New("ledger: instruction signed for a different network")
	ErrInvalidNonce           = errors.New("ledger: invalid nonce")
	ErrUnsupportedInstruction = errors.New("ledger: unsupported instruction type")
	ErrGenesisApplied         = errors.New("ledger: genesis already applied")
	ErrMintNotFound           = errors.New("ledger: mint not found")
	ErrSettlementNotFound     = errors.New("ledger: settlement not found")
)

var headKey = []byte("ledger/head")

type head struct {
	Root   common.Hash
	Height uint64
}

// Config holds the ledger knobs that come from the node configuration.
type Config struct {
	Network          string
	MaxWinners       int
	DefaultNamespace string
}

// Ledger hosts the escrow program. It serializes every operation and runs each
// one as a single atomic unit over the state trie: the trie is committed when
// the operation succeeds and reset to the previous root when it fails, so a
// failed call leaves no trace.
type Ledger struct {
	mu sync.Mutex
	// flushMu orders event delivery. It is taken before mu is released so
	// hooks see commits in order without holding up the next operation.
	flushMu sync.Mutex
	db      storage.Database
	trie    *trie.Trie
	height  uint64
	cfg     Config

	bus     *events.Bus
	logger  *slog.Logger
	metrics *metrics.EscrowMetrics
	otelm   *escrowotel.LedgerInstruments
	tracer  trace.Tracer
	nowFn   func() int64
}

// Option customises a Ledger at construction time.
type Option func(*Ledger)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithClock overrides the time source handed to the escrow engine.
func WithClock(now func() int64) Option {
	return func(l *Ledger) {
		if now != nil {
			l.nowFn = now
		}
	}
}

// WithEventBus shares an existing bus instead of creating one.
func WithEventBus(bus *events.Bus) Option {
	return func(l *Ledger) {
		if bus != nil {
			l.bus = bus
		}
	}
}

// NewLedger opens the ledger at the last committed head stored in db.
func NewLedger(db storage.Database, cfg Config, opts ...Option) (*Ledger, error) {
	if db == nil {
		return nil, fmt.Errorf("ledger: database required")
	}
	if strings.TrimSpace(cfg.Network) == "" {
		cfg.Network = "local"
	}
	if cfg.MaxWinners <= 0 {
		cfg.MaxWinners = escrow.DefaultMaxWinners
	}
	ns, err := escrow.NormalizeNamespace(cfg.DefaultNamespace)
	if err != nil {
		return nil, err
	}
	cfg.DefaultNamespace = ns

	var h head
	raw, err := db.Get(headKey)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("ledger: load head: %w", err)
	default:
		if err := rlp.DecodeBytes(raw, &h); err != nil {
			return nil, fmt.Errorf("ledger: decode head: %w", err)
		}
	}
	var root []byte
	if h.Height > 0 {
		root = h.Root.Bytes()
	}
	tr, err := trie.NewTrie(db, root)
	if err != nil {
		return nil, fmt.Errorf("ledger: open state: %w", err)
	}

	instruments, err := escrowotel.NewLedgerInstruments()
	if err != nil {
		return nil, fmt.Errorf("ledger: otel instruments: %w", err)
	}

	l := &Ledger{
		db:      db,
		trie:    tr,
		height:  h.Height,
		cfg:     cfg,
		bus:     events.NewBus(),
		logger:  slog.Default(),
		metrics: metrics.Escrow(),
		otelm:   instruments,
		tracer:  escrowotel.Tracer(),
		nowFn:   func() int64 { return time.Now().Unix() },
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With(slog.String("component", "ledger"))
	return l, nil
}

// Events exposes the bus that receives every committed event.
func (l *Ledger) Events() *events.Bus { return l.bus }

// Network returns the network name instructions must be signed for.
func (l *Ledger) Network() string { return l.cfg.Network }

// Height returns the number of committed operations.
func (l *Ledger) Height() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.height
}

// Root returns the committed state root.
func (l *Ledger) Root() common.Hash {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.trie.Root()
}

// opContext is the view of the ledger handed to an operation. Every write goes
// through the same trie so a rollback discards all of it.
type opContext struct {
	state  *state.Manager
	bank   *bank.Service
	engine *escrow.Engine
	buffer *events.Buffer

	// height and root are set once the operation commits.
	height    uint64
	root      common.Hash
	committed []func()
}

// onCommit defers fn until the operation has been committed. Nothing runs for
// a rolled back operation.
func (o *opContext) onCommit(fn func()) {
	o.committed = append(o.committed, fn)
}

func (l *Ledger) newOpContext() *opContext {
	manager := state.NewManager(l.trie)
	buffer := &events.Buffer{}
	svc := bank.NewService(manager)
	svc.SetEmitter(buffer)
	engine := escrow.NewEngine()
	engine.SetState(manager)
	engine.SetBank(svc)
	engine.SetEmitter(buffer)
	engine.SetMaxWinners(l.cfg.MaxWinners)
	engine.SetNowFunc(l.nowFn)
	return &opContext{state: manager, bank: svc, engine: engine, buffer: buffer}
}

// execute runs fn as one atomic unit and returns the committed events. Events
// reach the bus after the state lock is released, in commit order.
func (l *Ledger) execute(ctx context.Context, op string, fn func(*opContext) error) ([]events.Event, error) {
	ctx, span := l.tracer.Start(ctx, "ledger."+op, trace.WithAttributes(attribute.String("ledger.op", op)))
	defer span.End()
	start := time.Now()

	opc, height, err := l.run(fn)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		l.metrics.ObserveOperation(op, time.Since(start), err)
		l.otelm.RecordOperation(ctx, op, time.Since(start), err)
		l.logger.Debug("operation rejected", slog.String("method", op), slog.String("error", err.Error()))
		return nil, err
	}

	committed := opc.buffer.Events()
	func() {
		defer l.flushMu.Unlock()
		opc.buffer.Flush(l.bus)
	}()
	for _, after := range opc.committed {
		after()
	}

	payouts := 0
	for _, evt := range committed {
		l.metrics.RecordEvent(evt.EventType())
		if evt.EventType() == escrow.EventTypeEscrowPayout {
			payouts++
		}
	}
	l.otelm.RecordPayouts(ctx, payouts)
	span.SetAttributes(attribute.Int64("ledger.height", int64(height)))
	l.metrics.ObserveOperation(op, time.Since(start), nil)
	l.otelm.RecordOperation(ctx, op, time.Since(start), nil)
	return committed, nil
}

// run applies fn under the state lock, committing on success and resetting to
// the parent root on failure. On success it returns holding flushMu.
func (l *Ledger) run(fn func(*opContext) error) (*opContext, uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	parent := l.trie.Root()
	opc := l.newOpContext()
	err := fn(opc)
	if err == nil {
		err = l.commit()
	}
	if err != nil {
		if rbErr := l.trie.Reset(parent); rbErr != nil {
			err = fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return nil, 0, err
	}
	opc.height, opc.root = l.height, l.trie.Root()
	l.flushMu.Lock()
	return opc, l.height, nil
}

func (l *Ledger) commit() error {
	next := l.height + 1
	root, err := l.trie.Commit(next)
	if err != nil {
		return fmt.Errorf("commit state: %w", err)
	}
	encoded, err := rlp.EncodeToBytes(head{Root: root, Height: next})
	if err != nil {
		return err
	}
	if err := l.db.Put(headKey, encoded); err != nil {
		return fmt.Errorf("persist head: %w", err)
	}
	l.height = next
	return nil
}

// read runs fn against committed state under the ledger lock. Reads must not
// write; anything they do leave behind is discarded.
func (l *Ledger) read(fn func(*opContext) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	err := fn(l.newOpContext())
	if l.trie.Dirty() {
		if rbErr := l.trie.Rollback(); rbErr != nil {
			return fmt.Errorf("ledger: discard read writes: %w", rbErr)
		}
		l.logger.Warn("read left uncommitted writes")
	}
	return err
}

// --- Genesis & mints ---

// InitGenesis applies a genesis document to an empty ledger.
func (l *Ledger) InitGenesis(ctx context.Context, spec *genesis.Spec) error {
	if spec == nil {
		return fmt.Errorf("ledger: genesis spec required")
	}
	if net := strings.TrimSpace(spec.Network); net != "" && net != l.cfg.Network {
		return fmt.Errorf("%w: genesis for %q, ledger is %q", ErrWrongNetwork, net, l.cfg.Network)
	}
	_, err := l.execute(ctx, "genesis", func(opc *opContext) error {
		if l.height > 0 {
			return ErrGenesisApplied
		}
		return genesis.Apply(spec, opc.state, opc.bank)
	})
	if err == nil {
		l.logger.Info("genesis applied", slog.Int("mints", len(spec.Mints)), slog.Int("allocations", len(spec.Allocations)))
	}
	return err
}

// RegisterMint adds an asset kind issued by issuer.
func (l *Ledger) RegisterMint(ctx context.Context, symbol string, decimals uint8, issuer [20]byte) (*types.Mint, error) {
	mint := &types.Mint{
		ID:       bank.DeriveMintID(strings.ToUpper(strings.TrimSpace(symbol))),
		Symbol:   symbol,
		Decimals: decimals,
		Issuer:   issuer,
	}
	_, err := l.execute(ctx, "register_mint", func(opc *opContext) error {
		return opc.state.RegisterMint(mint)
	})
	if err != nil {
		return nil, err
	}
	return l.Mint(mint.ID)
}

// MintTo credits new supply; only the mint's issuer may call it.
func (l *Ledger) MintTo(ctx context.Context, issuer types.Authorizer, mint, recipient [20]byte, amount uint64) error {
	_, err := l.execute(ctx, "mint", func(opc *opContext) error {
		return opc.bank.MintTo(issuer, mint, recipient, amount)
	})
	return err
}

// OpenHolding opens owner's holding of mint.
func (l *Ledger) OpenHolding(ctx context.Context, owner, mint [20]byte) (*types.Holding, error) {
	var holding *types.Holding
	_, err := l.execute(ctx, "open_holding", func(opc *opContext) error {
		var err error
		holding, err = opc.bank.OpenHolding(owner, mint)
		return err
	})
	return holding, err
}

// --- Escrow operations ---

// Initialize creates the escrow for namespace on behalf of caller.
func (l *Ledger) Initialize(ctx context.Context, caller types.Authorizer, namespace string, buyIn uint64, authority, mint [20]byte) (*escrow.Escrow, error) {
	var esc *escrow.Escrow
	_, err := l.execute(ctx, "initialize", func(opc *opContext) error {
		var err error
		esc, err = l.initialize(opc, caller, namespace, buyIn, authority, mint)
		return err
	})
	return esc, err
}

func (l *Ledger) initialize(opc *opContext, caller types.Authorizer, namespace string, buyIn uint64, authority, mint [20]byte) (*escrow.Escrow, error) {
	if strings.TrimSpace(namespace) == "" {
		namespace = l.cfg.DefaultNamespace
	}
	esc, err := opc.engine.Initialize(caller, namespace, buyIn, authority, mint)
	if err != nil {
		return nil, err
	}
	opc.onCommit(func() {
		l.logger.Info("escrow initialized",
			slog.String("escrow", crypto.FromArray(crypto.ProgramPrefix, esc.Address).String()),
			slog.String("namespace", esc.Namespace),
			logging.ShortAddress("authority", crypto.FromArray(crypto.AccountPrefix, esc.Authority).String()),
			slog.Uint64("buyIn", esc.BuyIn))
	})
	return esc, nil
}

// Deposit pays one buy-in into the escrow at addr.
func (l *Ledger) Deposit(ctx context.Context, addr [20]byte, amount uint64, depositor types.Authorizer) (*escrow.Escrow, error) {
	var esc *escrow.Escrow
	_, err := l.execute(ctx, "deposit", func(opc *opContext) error {
		var err error
		esc, err = l.deposit(opc, addr, amount, depositor)
		return err
	})
	return esc, err
}

func (l *Ledger) deposit(opc *opContext, addr [20]byte, amount uint64, depositor types.Authorizer) (*escrow.Escrow, error) {
	esc, err := opc.engine.Deposit(addr, amount, depositor)
	if err != nil {
		return nil, err
	}
	opc.onCommit(func() { l.metrics.RecordDeposit(amount) })
	return esc, nil
}

// Close settles the escrow at addr and records the settlement in state.
func (l *Ledger) Close(ctx context.Context, addr [20]byte, winners [][20]byte, shares []uint32, caller types.Authorizer) (*escrow.Settlement, error) {
	var settlement *escrow.Settlement
	_, err := l.execute(ctx, "close", func(opc *opContext) error {
		var err error
		settlement, err = l.close(opc, addr, winners, shares, caller)
		return err
	})
	return settlement, err
}

func (l *Ledger) close(opc *opContext, addr [20]byte, winners [][20]byte, shares []uint32, caller types.Authorizer) (*escrow.Settlement, error) {
	settlement, err := opc.engine.Close(addr, winners, shares, caller)
	if err != nil {
		return nil, err
	}
	if err := opc.state.KVPut(settlementKey(addr), settlement); err != nil {
		return nil, err
	}
	opc.onCommit(func() {
		l.metrics.RecordSettlement(settlement.Paid(), settlement.Residual)
		l.logger.Info("escrow settled",
			slog.String("escrow", crypto.FromArray(crypto.ProgramPrefix, addr).String()),
			slog.Uint64("balance", settlement.Balance),
			slog.Uint64("residual", settlement.Residual),
			slog.Int("winners", len(settlement.Payouts)))
	})
	return settlement, nil
}

func settlementKey(addr [20]byte) []byte {
	return append([]byte("settlement/"), addr[:]...)
}

// --- Reads ---

// Escrow returns the record stored at addr.
func (l *Ledger) Escrow(addr [20]byte) (*escrow.Escrow, error) {
	var esc *escrow.Escrow
	err := l.read(func(opc *opContext) error {
		var err error
		esc, err = opc.engine.Get(addr)
		return err
	})
	return esc, err
}

// EscrowByNamespace resolves a namespace to its record.
func (l *Ledger) EscrowByNamespace(namespace string) (*escrow.Escrow, error) {
	if strings.TrimSpace(namespace) == "" {
		namespace = l.cfg.DefaultNamespace
	}
	addr, err := escrow.DeriveAddress(namespace)
	if err != nil {
		return nil, err
	}
	return l.Escrow(addr)
}

// Escrows lists every escrow in creation order.
func (l *Ledger) Escrows() ([]*escrow.Escrow, error) {
	var out []*escrow.Escrow
	err := l.read(func(opc *opContext) error {
		addrs, err := opc.state.EscrowList()
		if err != nil {
			return err
		}
		out = make([]*escrow.Escrow, 0, len(addrs))
		for _, addr := range addrs {
			esc, err := opc.engine.Get(addr)
			if err != nil {
				return err
			}
			out = append(out, esc)
		}
		return nil
	})
	return out, err
}

// VaultBalance reports how much the escrow at addr currently holds.
func (l *Ledger) VaultBalance(addr [20]byte) (uint64, error) {
	var bal uint64
	err := l.read(func(opc *opContext) error {
		var err error
		bal, err = opc.engine.VaultBalance(addr)
		return err
	})
	return bal, err
}

// Settlement returns the recorded outcome of a closed escrow.
func (l *Ledger) Settlement(addr [20]byte) (*escrow.Settlement, error) {
	settlement := new(escrow.Settlement)
	err := l.read(func(opc *opContext) error {
		ok, err := opc.state.KVGet(settlementKey(addr), settlement)
		if err != nil {
			return err
		}
		if !ok {
			return ErrSettlementNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return settlement, nil
}

// Balance returns owner's holding of mint.
func (l *Ledger) Balance(owner, mint [20]byte) (uint64, error) {
	var bal uint64
	err := l.read(func(opc *opContext) error {
		var err error
		bal, err = opc.bank.Balance(owner, mint)
		return err
	})
	return bal, err
}

// Mint returns the asset kind registered under id.
func (l *Ledger) Mint(id [20]byte) (*types.Mint, error) {
	var mint *types.Mint
	err := l.read(func(opc *opContext) error {
		m, ok, err := opc.state.Mint(id)
		if err != nil {
			return err
		}
		if !ok {
			return ErrMintNotFound
		}
		mint = m
		return nil
	})
	return mint, err
}

// MintBySymbol resolves a ticker such as "CHIP".
func (l *Ledger) MintBySymbol(symbol string) (*types.Mint, error) {
	var mint *types.Mint
	err := l.read(func(opc *opContext) error {
		m, ok, err := opc.state.MintBySymbol(symbol)
		if err != nil {
			return err
		}
		if !ok {
			return ErrMintNotFound
		}
		mint = m
		return nil
	})
	return mint, err
}

// Nonce returns the next instruction nonce expected from addr.
func (l *Ledger) Nonce(addr [20]byte) (uint64, error) {
	var nonce uint64
	err := l.read(func(opc *opContext) error {
		var err error
		nonce, err = opc.state.Nonce(addr)
		return err
	})
	return nonce, err
}
