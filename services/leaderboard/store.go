package leaderboard

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when no settlement is recorded for an escrow.
var ErrNotFound = errors.New("leaderboard: settlement not found")

// Store persists settled escrows, their payouts and the buy-ins that funded
// them so the node can answer history and ranking queries.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// SettlementRecord is one settled escrow.
type SettlementRecord struct {
	ID         string         `json:"id"`
	Escrow     string         `json:"escrow"`
	Namespace  string         `json:"namespace"`
	Mint       string         `json:"mint"`
	Balance    uint64         `json:"balance"`
	Paid       uint64         `json:"paid"`
	Residual   uint64         `json:"residual"`
	SettledAt  int64          `json:"settledAt"`
	RecordedAt time.Time      `json:"recordedAt"`
	Payouts    []PayoutRecord `json:"payouts"`
}

// PayoutRecord is one winner's share of a settlement.
type PayoutRecord struct {
	Escrow string `json:"escrow"`
	Index  int    `json:"index"`
	Winner string `json:"winner"`
	Share  uint32 `json:"share"`
	Amount uint64 `json:"amount"`
}

// DepositRecord is one buy-in paid into an escrow.
type DepositRecord struct {
	Escrow    string `json:"escrow"`
	Depositor string `json:"depositor"`
	Mint      string `json:"mint"`
	Amount    uint64 `json:"amount"`
}

// Entry ranks a player across settled escrows.
type Entry struct {
	Player        string `json:"player"`
	GamesPlayed   uint64 `json:"gamesPlayed"`
	Wins          uint64 `json:"wins"`
	TotalBuyIn    uint64 `json:"totalBuyIn"`
	TotalWinnings uint64 `json:"totalWinnings"`
	TotalProfit   int64  `json:"totalProfit"`
}

// Open opens (or creates) the SQLite database at path. ":memory:" is
// accepted for tests.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("leaderboard: database path required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	store := &Store{db: db, now: time.Now}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS settlements (
            id TEXT PRIMARY KEY,
            escrow TEXT NOT NULL UNIQUE,
            namespace TEXT NOT NULL,
            mint TEXT NOT NULL,
            balance INTEGER NOT NULL,
            paid INTEGER NOT NULL,
            residual INTEGER NOT NULL,
            settled_at INTEGER NOT NULL,
            recorded_at TIMESTAMP NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS payouts (
            escrow TEXT NOT NULL,
            idx INTEGER NOT NULL,
            winner TEXT NOT NULL,
            share INTEGER NOT NULL,
            amount INTEGER NOT NULL,
            PRIMARY KEY(escrow, idx)
        );`,
		`CREATE TABLE IF NOT EXISTS deposits (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            escrow TEXT NOT NULL,
            depositor TEXT NOT NULL,
            mint TEXT NOT NULL,
            amount INTEGER NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS deposits_escrow ON deposits(escrow);`,
		`CREATE INDEX IF NOT EXISTS payouts_winner ON payouts(winner);`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// toInt64 guards the conversion into SQLite's signed integer column type.
func toInt64(v uint64) (int64, error) {
	if v > math.MaxInt64 {
		return 0, fmt.Errorf("leaderboard: amount %d exceeds storable range", v)
	}
	return int64(v), nil
}

// RecordDeposit stores one buy-in.
func (s *Store) RecordDeposit(ctx context.Context, d DepositRecord) error {
	amount, err := toInt64(d.Amount)
	if err != nil {
		return err
	}
	const stmt = `INSERT INTO deposits(escrow, depositor, mint, amount) VALUES (?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, stmt, d.Escrow, d.Depositor, d.Mint, amount)
	return err
}

// RecordSettlement stores a settled escrow and returns its record id. A
// settlement already recorded for the same escrow keeps its original id.
func (s *Store) RecordSettlement(ctx context.Context, rec SettlementRecord) (string, error) {
	balance, err := toInt64(rec.Balance)
	if err != nil {
		return "", err
	}
	paid, err := toInt64(rec.Paid)
	if err != nil {
		return "", err
	}
	residual, err := toInt64(rec.Residual)
	if err != nil {
		return "", err
	}
	id := rec.ID
	if id == "" {
		id = uuid.NewString()
	}
	const stmt = `INSERT OR IGNORE INTO settlements(id, escrow, namespace, mint, balance, paid, residual, settled_at, recorded_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, stmt, id, rec.Escrow, rec.Namespace, rec.Mint, balance, paid, residual, rec.SettledAt, s.now().UTC()); err != nil {
		return "", err
	}
	var stored string
	if err := s.db.QueryRowContext(ctx, `SELECT id FROM settlements WHERE escrow = ?`, rec.Escrow).Scan(&stored); err != nil {
		return "", err
	}
	for _, p := range rec.Payouts {
		p.Escrow = rec.Escrow
		if err := s.RecordPayout(ctx, p); err != nil {
			return "", err
		}
	}
	return stored, nil
}

// RecordPayout stores one winner's payout. Replays of the same index are
// ignored.
func (s *Store) RecordPayout(ctx context.Context, p PayoutRecord) error {
	amount, err := toInt64(p.Amount)
	if err != nil {
		return err
	}
	const stmt = `INSERT OR IGNORE INTO payouts(escrow, idx, winner, share, amount) VALUES (?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, stmt, p.Escrow, p.Index, p.Winner, p.Share, amount)
	return err
}

// Settlement returns the record for one escrow.
func (s *Store) Settlement(ctx context.Context, escrow string) (*SettlementRecord, error) {
	const query = `SELECT id, escrow, namespace, mint, balance, paid, residual, settled_at, recorded_at FROM settlements WHERE escrow = ?`
	rec, err := scanSettlement(s.db.QueryRowContext(ctx, query, escrow))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if rec.Payouts, err = s.payouts(ctx, rec.Escrow); err != nil {
		return nil, err
	}
	return rec, nil
}

// Settlements lists the most recent settlements first.
func (s *Store) Settlements(ctx context.Context, limit int) ([]SettlementRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `SELECT id, escrow, namespace, mint, balance, paid, residual, settled_at, recorded_at FROM settlements ORDER BY settled_at DESC, recorded_at DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	var out []SettlementRecord
	for rows.Next() {
		rec, err := scanSettlement(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, *rec)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		if out[i].Payouts, err = s.payouts(ctx, out[i].Escrow); err != nil {
			return nil, err
		}
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSettlement(row rowScanner) (*SettlementRecord, error) {
	var rec SettlementRecord
	var balance, paid, residual int64
	if err := row.Scan(&rec.ID, &rec.Escrow, &rec.Namespace, &rec.Mint, &balance, &paid, &residual, &rec.SettledAt, &rec.RecordedAt); err != nil {
		return nil, err
	}
	rec.Balance, rec.Paid, rec.Residual = uint64(balance), uint64(paid), uint64(residual)
	return &rec, nil
}

func (s *Store) payouts(ctx context.Context, escrow string) ([]PayoutRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT escrow, idx, winner, share, amount FROM payouts WHERE escrow = ? ORDER BY idx`, escrow)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []PayoutRecord{}
	for rows.Next() {
		var (
			p      PayoutRecord
			amount int64
		)
		if err := rows.Scan(&p.Escrow, &p.Index, &p.Winner, &p.Share, &amount); err != nil {
			return nil, err
		}
		p.Amount = uint64(amount)
		out = append(out, p)
	}
	return out, rows.Err()
}

// Leaderboard ranks players by profit over settled escrows: winnings minus
// buy-ins. An empty mint ranks across every mint.
func (s *Store) Leaderboard(ctx context.Context, mint string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 10
	}
	const query = `
WITH buyins AS (
    SELECT d.depositor AS player, COUNT(DISTINCT d.escrow) AS games, SUM(d.amount) AS spent
    FROM deposits d JOIN settlements s ON s.escrow = d.escrow
    WHERE ?1 = '' OR s.mint = ?1
    GROUP BY d.depositor
),
wins AS (
    SELECT p.winner AS player, COUNT(*) AS wins, SUM(p.amount) AS won
    FROM payouts p JOIN settlements s ON s.escrow = p.escrow
    WHERE p.amount > 0 AND (?1 = '' OR s.mint = ?1)
    GROUP BY p.winner
),
players AS (
    SELECT player FROM buyins UNION SELECT player FROM wins
)
SELECT pl.player,
       COALESCE(b.games, 0),
       COALESCE(w.wins, 0),
       COALESCE(b.spent, 0),
       COALESCE(w.won, 0),
       COALESCE(w.won, 0) - COALESCE(b.spent, 0) AS profit
FROM players pl
LEFT JOIN buyins b ON b.player = pl.player
LEFT JOIN wins w ON w.player = pl.player
ORDER BY profit DESC, pl.player ASC
LIMIT ?2`
	rows, err := s.db.QueryContext(ctx, query, strings.TrimSpace(mint), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Entry{}
	for rows.Next() {
		var e Entry
		var games, wins, spent, won int64
		if err := rows.Scan(&e.Player, &games, &wins, &spent, &won, &e.TotalProfit); err != nil {
			return nil, err
		}
		e.GamesPlayed, e.Wins, e.TotalBuyIn, e.TotalWinnings = uint64(games), uint64(wins), uint64(spent), uint64(won)
		out = append(out, e)
	}
	return out, rows.Err()
}
