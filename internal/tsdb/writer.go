package tsdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"funding-arb-bot/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

// OpportunitySnapshot is one evaluated candidate at scan time, written
// for offline strategy analysis.
type OpportunitySnapshot struct {
	Time             time.Time
	Symbol           string
	SpotPrice        float64
	FuturesPrice     float64
	FundingRate      float64
	Basis            float64
	NetProfitPercent float64
	AnnualizedReturn float64
	IsProfitable     bool
	Reason           string
}

// PositionSnapshot records a position state transition.
type PositionSnapshot struct {
	Time              time.Time
	TradeID           string
	Symbol            string
	Status            string
	Size              float64
	EntrySpotPrice    float64
	EntryFuturesPrice float64
	FundingRate       float64
	CloseReason       string
}

// Writer streams snapshots into TimescaleDB from a background goroutine.
// All methods are nil-safe so the caller never branches on whether the
// sink is configured.
type Writer struct {
	db            *sql.DB
	log           *zap.Logger
	schema        string
	opportunities chan OpportunitySnapshot
	positions     chan PositionSnapshot
	started       atomic.Bool
	dropOpp       atomic.Uint64
	dropPos       atomic.Uint64
}

func New(cfg config.TimescaleConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("timescale dsn is required")
	}
	schema := strings.TrimSpace(cfg.Schema)
	if schema == "" {
		schema = "public"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	writer := &Writer{
		db:            db,
		log:           log,
		schema:        schema,
		opportunities: make(chan OpportunitySnapshot, queueSize),
		positions:     make(chan PositionSnapshot, queueSize),
	}
	if err := writer.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return writer, nil
}

func (w *Writer) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

func (w *Writer) EnqueueOpportunity(snapshot OpportunitySnapshot) {
	if w == nil {
		return
	}
	select {
	case w.opportunities <- snapshot:
		return
	default:
		if w.dropOpp.Add(1) == 1 && w.log != nil {
			w.log.Warn("tsdb opportunity queue full")
		}
	}
}

func (w *Writer) EnqueuePosition(snapshot PositionSnapshot) {
	if w == nil {
		return
	}
	select {
	case w.positions <- snapshot:
		return
	default:
		if w.dropPos.Add(1) == 1 && w.log != nil {
			w.log.Warn("tsdb position queue full")
		}
	}
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-w.opportunities:
			w.writeOpportunity(ctx, snap)
		case snap := <-w.positions:
			w.writePosition(ctx, snap)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("tsdb db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		symbol TEXT NOT NULL,
		spot_price DOUBLE PRECISION NOT NULL,
		futures_price DOUBLE PRECISION NOT NULL,
		funding_rate DOUBLE PRECISION NOT NULL,
		basis DOUBLE PRECISION NOT NULL,
		net_profit_percent DOUBLE PRECISION NOT NULL,
		annualized_return DOUBLE PRECISION NOT NULL,
		is_profitable BOOLEAN NOT NULL,
		reason TEXT NOT NULL DEFAULT ''
	)`, w.table("opportunity_snapshots"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		trade_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		status TEXT NOT NULL,
		size DOUBLE PRECISION NOT NULL,
		entry_spot_price DOUBLE PRECISION NOT NULL,
		entry_futures_price DOUBLE PRECISION NOT NULL,
		funding_rate DOUBLE PRECISION NOT NULL,
		close_reason TEXT NOT NULL DEFAULT ''
	)`, w.table("position_snapshots"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		if w.log != nil {
			w.log.Warn("timescale extension ensure failed", zap.Error(err))
		}
		return nil
	}
	if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table("opportunity_snapshots"))); err != nil && w.log != nil {
		w.log.Warn("tsdb opportunity_snapshots hypertable create failed", zap.Error(err))
	}
	if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table("position_snapshots"))); err != nil && w.log != nil {
		w.log.Warn("tsdb position_snapshots hypertable create failed", zap.Error(err))
	}
	return nil
}

func (w *Writer) writeOpportunity(ctx context.Context, snap OpportunitySnapshot) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, symbol, spot_price, futures_price, funding_rate, basis,
		net_profit_percent, annualized_return, is_profitable, reason
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10
	)`, w.table("opportunity_snapshots"))
	if _, err := w.db.ExecContext(ctx, query,
		snap.Time,
		snap.Symbol,
		snap.SpotPrice,
		snap.FuturesPrice,
		snap.FundingRate,
		snap.Basis,
		snap.NetProfitPercent,
		snap.AnnualizedReturn,
		snap.IsProfitable,
		snap.Reason,
	); err != nil && w.log != nil {
		w.log.Warn("tsdb opportunity insert failed", zap.Error(err))
	}
}

func (w *Writer) writePosition(ctx context.Context, snap PositionSnapshot) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, trade_id, symbol, status, size, entry_spot_price,
		entry_futures_price, funding_rate, close_reason
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9
	)`, w.table("position_snapshots"))
	if _, err := w.db.ExecContext(ctx, query,
		snap.Time,
		snap.TradeID,
		snap.Symbol,
		snap.Status,
		snap.Size,
		snap.EntrySpotPrice,
		snap.EntryFuturesPrice,
		snap.FundingRate,
		snap.CloseReason,
	); err != nil && w.log != nil {
		w.log.Warn("tsdb position insert failed", zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string, args ...any) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query, args...)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}
