package timescale

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"kimp-arb-bot/internal/config"
)

const writeTimeout = 3 * time.Second

type Observation struct {
	Time     time.Time
	Symbol   string
	Domestic float64
	Offshore float64
	FX       float64
	Premium  float64
	ZScore   float64
}

type Trade struct {
	ID             string
	Symbol         string
	Side           string
	Tier           string
	EntryTime      time.Time
	ExitTime       time.Time
	EntryPremium   float64
	ExitPremium    float64
	NotionalKRW    float64
	GrossProfitKRW float64
	CostKRW        float64
	NetProfitKRW   float64
	DryRun         bool
}

type Writer struct {
	db           *sql.DB
	log          *zap.Logger
	schema       string
	observations chan Observation
	trades       chan Trade
	started      atomic.Bool
	dropObs      atomic.Uint64
	dropTrade    atomic.Uint64
}

// New returns a nil writer when timescale is disabled; every method is safe
// on a nil writer.
func New(cfg config.TimescaleConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("timescale dsn is required")
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
	writer := newWriter(db, cfg.Schema, cfg.QueueSize, log)
	if err := writer.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return writer, nil
}

func newWriter(db *sql.DB, schema string, queueSize int, log *zap.Logger) *Writer {
	schema = strings.TrimSpace(schema)
	if schema == "" {
		schema = "public"
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Writer{
		db:           db,
		log:          log,
		schema:       schema,
		observations: make(chan Observation, queueSize),
		trades:       make(chan Trade, queueSize),
	}
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

func (w *Writer) EnqueueObservation(obs Observation) {
	if w == nil {
		return
	}
	select {
	case w.observations <- obs:
	default:
		if w.dropObs.Add(1) == 1 {
			w.log.Warn("timescale observation queue full")
		}
	}
}

func (w *Writer) EnqueueTrade(trade Trade) {
	if w == nil {
		return
	}
	select {
	case w.trades <- trade:
	default:
		if w.dropTrade.Add(1) == 1 {
			w.log.Warn("timescale trade queue full")
		}
	}
}

// Dropped returns how many observations and trades were discarded.
func (w *Writer) Dropped() (uint64, uint64) {
	if w == nil {
		return 0, 0
	}
	return w.dropObs.Load(), w.dropTrade.Load()
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case obs := <-w.observations:
			w.writeObservation(ctx, obs)
		case trade := <-w.trades:
			w.writeTrade(ctx, trade)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("timescale db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		symbol TEXT NOT NULL,
		domestic_krw DOUBLE PRECISION NOT NULL,
		offshore_usdt DOUBLE PRECISION NOT NULL,
		fx_rate DOUBLE PRECISION NOT NULL,
		premium DOUBLE PRECISION NOT NULL,
		zscore DOUBLE PRECISION NOT NULL,
		PRIMARY KEY (ts, symbol)
	)`, w.table("kimp_observations"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		exit_ts TIMESTAMPTZ NOT NULL,
		id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		tier TEXT NOT NULL,
		entry_ts TIMESTAMPTZ NOT NULL,
		entry_premium DOUBLE PRECISION NOT NULL,
		exit_premium DOUBLE PRECISION NOT NULL,
		notional_krw DOUBLE PRECISION NOT NULL,
		gross_profit_krw DOUBLE PRECISION NOT NULL,
		cost_krw DOUBLE PRECISION NOT NULL,
		net_profit_krw DOUBLE PRECISION NOT NULL,
		dry_run BOOLEAN NOT NULL,
		PRIMARY KEY (exit_ts, id)
	)`, w.table("kimp_trades"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		w.log.Warn("timescale extension ensure failed", zap.Error(err))
		return nil
	}
	if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table("kimp_observations"))); err != nil {
		w.log.Warn("timescale kimp_observations hypertable create failed", zap.Error(err))
	}
	if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'exit_ts', if_not_exists => TRUE)", w.table("kimp_trades"))); err != nil {
		w.log.Warn("timescale kimp_trades hypertable create failed", zap.Error(err))
	}
	return nil
}

func (w *Writer) writeObservation(ctx context.Context, obs Observation) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, symbol, domestic_krw, offshore_usdt, fx_rate, premium, zscore
	) VALUES ($1,$2,$3,$4,$5,$6,$7)
	ON CONFLICT (ts, symbol) DO NOTHING`, w.table("kimp_observations"))
	if _, err := w.db.ExecContext(ctx, query,
		obs.Time,
		obs.Symbol,
		obs.Domestic,
		obs.Offshore,
		obs.FX,
		obs.Premium,
		obs.ZScore,
	); err != nil {
		w.log.Warn("timescale observation insert failed", zap.Error(err))
	}
}

func (w *Writer) writeTrade(ctx context.Context, trade Trade) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		exit_ts, id, symbol, side, tier, entry_ts, entry_premium, exit_premium,
		notional_krw, gross_profit_krw, cost_krw, net_profit_krw, dry_run
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	ON CONFLICT (exit_ts, id) DO NOTHING`, w.table("kimp_trades"))
	if _, err := w.db.ExecContext(ctx, query,
		trade.ExitTime,
		trade.ID,
		trade.Symbol,
		trade.Side,
		trade.Tier,
		trade.EntryTime,
		trade.EntryPremium,
		trade.ExitPremium,
		trade.NotionalKRW,
		trade.GrossProfitKRW,
		trade.CostKRW,
		trade.NetProfitKRW,
		trade.DryRun,
	); err != nil {
		w.log.Warn("timescale trade insert failed", zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}
