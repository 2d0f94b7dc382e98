package stats

import (
	"time"

	"kimp-arb-bot/internal/ledger"
	"kimp-arb-bot/internal/strategy"
)

// Trade is the closed record of a position. It is never mutated once built.
type Trade struct {
	ID              string        `json:"id"`
	PositionID      string        `json:"position_id"`
	Symbol          string        `json:"symbol"`
	Side            strategy.Side `json:"side"`
	Tier            strategy.Tier `json:"tier"`
	EntryPremium    float64       `json:"entry_premium"`
	ExitPremium     float64       `json:"exit_premium"`
	EntryZ          float64       `json:"entry_z"`
	ExitZ           float64       `json:"exit_z"`
	Fraction        float64       `json:"fraction"`
	Quantity        float64       `json:"quantity"`
	NotionalKRW     float64       `json:"notional_krw"`
	GrossProfitPct  float64       `json:"gross_profit_pct"`
	GrossProfitKRW  float64       `json:"gross_profit_krw"`
	CostKRW         float64       `json:"cost_krw"`
	NetProfitKRW    float64       `json:"net_profit_krw"`
	EntryTime       time.Time     `json:"entry_time"`
	ExitTime        time.Time     `json:"exit_time"`
	HoldingDuration time.Duration `json:"holding_duration"`
	ExecutionID     string        `json:"execution_id"`
	DryRun          bool          `json:"dry_run"`
}

type Exit struct {
	TradeID     string
	Premium     float64
	ZScore      float64
	Time        time.Time
	ExecutionID string
	DryRun      bool
}

type CostModel struct {
	FeeRate      float64
	SlippageRate float64
}

func NewTrade(pos ledger.Position, exit Exit, costs CostModel) Trade {
	profitPct := strategy.Profit(pos.Side, pos.EntryPremium, exit.Premium)
	net, cost := strategy.NetProfitKRW(pos.NotionalKRW, profitPct, costs.FeeRate, costs.SlippageRate)
	holding := exit.Time.Sub(pos.EntryTime)
	if holding < 0 {
		holding = 0
	}
	return Trade{
		ID:              exit.TradeID,
		PositionID:      pos.ID,
		Symbol:          pos.Symbol,
		Side:            pos.Side,
		Tier:            pos.Tier,
		EntryPremium:    pos.EntryPremium,
		ExitPremium:     exit.Premium,
		EntryZ:          pos.EntryZ,
		ExitZ:           exit.ZScore,
		Fraction:        pos.Fraction,
		Quantity:        pos.Quantity,
		NotionalKRW:     pos.NotionalKRW,
		GrossProfitPct:  profitPct,
		GrossProfitKRW:  strategy.GrossProfitKRW(pos.NotionalKRW, profitPct),
		CostKRW:         cost,
		NetProfitKRW:    net,
		EntryTime:       pos.EntryTime,
		ExitTime:        exit.Time,
		HoldingDuration: holding,
		ExecutionID:     exit.ExecutionID,
		DryRun:          exit.DryRun,
	}
}
