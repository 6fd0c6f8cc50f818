package arbitrage

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"spreadwatch/internal/fee"
	"spreadwatch/internal/model"
)

var hundred = decimal.NewFromInt(100)

// RankOptions controls which opportunities are kept and how fees apply.
type RankOptions struct {
	MinNetProfitPct decimal.Decimal
	Policy          fee.Policy
}

// Ranking is the ranked result for one instrument.
type Ranking struct {
	Outcome       model.Outcome
	Opportunities []model.ArbitrageOpportunity
	LiveSources   int
}

// Rank turns a quote set into opportunities ordered by net profit, best
// first. Sources are visited in lexical order and the sort is stable, so the
// same input always yields the same order. Rank does not modify its inputs.
func Rank(instrument model.Instrument, quotes model.QuoteSet, profile *fee.Profile, opts RankOptions, at time.Time) Ranking {
	live := quotes.Live()
	if len(live) < 2 {
		return Ranking{Outcome: model.OutcomeInsufficientData, LiveSources: len(live)}
	}

	names := make([]string, 0, len(live))
	for name := range live {
		names = append(names, name)
	}
	sort.Strings(names)

	policy := opts.Policy
	if policy.BuyRole == "" {
		policy.BuyRole = fee.Taker
	}
	if policy.SellRole == "" {
		policy.SellRole = fee.Taker
	}

	var opps []model.ArbitrageOpportunity
	for _, buy := range names {
		for _, sell := range names {
			if buy == sell {
				continue
			}
			buyQ, sellQ := live[buy], live[sell]
			buyQ.Source, sellQ.Source = buy, sell
			opp := evaluate(instrument, buyQ, sellQ, profile, policy, at)
			if opp.NetProfitPct.GreaterThan(opts.MinNetProfitPct) {
				opps = append(opps, opp)
			}
		}
	}

	sort.SliceStable(opps, func(i, j int) bool {
		return opps[i].NetProfitPct.GreaterThan(opps[j].NetProfitPct)
	})

	outcome := model.OutcomeNoOpportunity
	if len(opps) > 0 {
		outcome = model.OutcomeOpportunity
	}
	return Ranking{Outcome: outcome, Opportunities: opps, LiveSources: len(live)}
}

// evaluate prices buying at buyQ and selling at sellQ:
// net = gross - buyFee% - sellFee% - withdrawal%.
func evaluate(instrument model.Instrument, buyQ, sellQ model.PriceQuote, profile *fee.Profile, policy fee.Policy, at time.Time) model.ArbitrageOpportunity {
	diff := sellQ.Price.Sub(buyQ.Price)
	gross := diff.Div(buyQ.Price).Mul(hundred)
	buyFee := profile.FeeFor(buyQ.Source, policy.BuyRole).Mul(hundred)
	sellFee := profile.FeeFor(sellQ.Source, policy.SellRole).Mul(hundred)

	withdrawal := decimal.Zero
	if policy.WithdrawalNotional.IsPositive() {
		// Coins lost in transfer, valued at the buy price, as a share of the notional.
		coins := profile.WithdrawalFeeFor(instrument, buyQ.Source)
		withdrawal = coins.Mul(buyQ.Price).Div(policy.WithdrawalNotional).Mul(hundred)
	}

	return model.ArbitrageOpportunity{
		Instrument:       instrument,
		BuySource:        buyQ.Source,
		SellSource:       sellQ.Source,
		BuyPrice:         buyQ.Price,
		SellPrice:        sellQ.Price,
		PriceDifference:  diff,
		GrossSpreadPct:   gross,
		BuyFeePct:        buyFee,
		SellFeePct:       sellFee,
		WithdrawalFeePct: withdrawal,
		NetProfitPct:     gross.Sub(buyFee).Sub(sellFee).Sub(withdrawal),
		ComputedAt:       at,
	}
}
