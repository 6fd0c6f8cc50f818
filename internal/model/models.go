package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Instrument identifies a tradable asset, e.g. "BTC".
type Instrument string

// PriceQuote is one source's observed price for an instrument.
// A failed fetch is recorded with Err set and a zero Price.
type PriceQuote struct {
	Source     string
	Instrument Instrument
	Price      decimal.Decimal
	ObservedAt time.Time
	Err        error
}

// Live reports whether the quote carries a usable price.
func (q PriceQuote) Live() bool {
	return q.Err == nil && q.Price.IsPositive()
}

// QuoteSet holds exactly one quote per requested source, failed ones included.
type QuoteSet map[string]PriceQuote

// Live returns only the quotes with a usable price.
func (s QuoteSet) Live() map[string]PriceQuote {
	live := make(map[string]PriceQuote, len(s))
	for name, q := range s {
		if q.Live() {
			live[name] = q
		}
	}
	return live
}

// Failed counts quotes without a usable price.
func (s QuoteSet) Failed() int {
	n := 0
	for _, q := range s {
		if !q.Live() {
			n++
		}
	}
	return n
}

// ArbitrageOpportunity is a directed buy/sell pair for one instrument.
// Percent fields are in percent units (2.0 means 2%).
type ArbitrageOpportunity struct {
	Instrument       Instrument
	BuySource        string
	SellSource       string
	BuyPrice         decimal.Decimal
	SellPrice        decimal.Decimal
	PriceDifference  decimal.Decimal
	GrossSpreadPct   decimal.Decimal
	BuyFeePct        decimal.Decimal
	SellFeePct       decimal.Decimal
	WithdrawalFeePct decimal.Decimal
	NetProfitPct     decimal.Decimal
	ComputedAt       time.Time
}

// Outcome tags what a scan of one instrument concluded.
type Outcome int

const (
	// OutcomeInsufficientData means fewer than two sources returned a live price.
	OutcomeInsufficientData Outcome = iota
	// OutcomeNoOpportunity means enough data existed but no pair cleared the threshold.
	OutcomeNoOpportunity
	// OutcomeOpportunity means at least one pair cleared the threshold.
	OutcomeOpportunity
)

func (o Outcome) String() string {
	switch o {
	case OutcomeInsufficientData:
		return "insufficient_data"
	case OutcomeNoOpportunity:
		return "no_opportunity"
	case OutcomeOpportunity:
		return "opportunity"
	default:
		return "unknown"
	}
}

// ScanResult is the outcome of scanning one instrument.
type ScanResult struct {
	Instrument      Instrument
	Outcome         Outcome
	QuotesUsed      QuoteSet
	Opportunities   []ArbitrageOpportunity
	BestOpportunity *ArbitrageOpportunity
	FeeProfile      string
	ScannedAt       time.Time
}

// Direction is the side of a virtual position.
type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
)

// PositionStatus is the lifecycle state of a virtual position.
type PositionStatus string

const (
	StatusActive    PositionStatus = "ACTIVE"
	StatusTargetHit PositionStatus = "TARGET_HIT"
	StatusStopHit   PositionStatus = "STOP_HIT"
)

// Terminal reports whether no further transition is possible.
func (s PositionStatus) Terminal() bool {
	return s == StatusTargetHit || s == StatusStopHit
}

// VirtualPosition is a simulated position watched against target and stop prices.
type VirtualPosition struct {
	ID           string
	Instrument   Instrument
	Direction    Direction
	EntryPrice   decimal.Decimal
	TargetPrice  decimal.Decimal
	StopPrice    decimal.Decimal
	CurrentPrice decimal.Decimal
	Notional     decimal.Decimal
	Status       PositionStatus
	PnLPct       decimal.Decimal
	PnLAmount    decimal.Decimal
	BuySource    string
	SellSource   string
	OpenedAt     time.Time
	ClosedAt     *time.Time
}
