package tracker

import (
	"github.com/shopspring/decimal"

	"spreadwatch/internal/model"
)

// Statistics summarizes the tracked positions. PnL figures cover closed
// positions only and are in percent units.
type Statistics struct {
	Total       int
	Active      int
	Closed      int
	Winning     int
	Losing      int
	WinRatePct  decimal.Decimal
	TotalPnLPct decimal.Decimal
	AvgPnLPct   decimal.Decimal
	BestPnLPct  decimal.Decimal
	WorstPnLPct decimal.Decimal
}

// Stats computes Statistics over every position.
func (t *Tracker) Stats() Statistics {
	return computeStats(t.List(Filter{}))
}

func computeStats(positions []model.VirtualPosition) Statistics {
	s := Statistics{Total: len(positions)}
	first := true
	for _, p := range positions {
		switch p.Status {
		case model.StatusActive:
			s.Active++
			continue
		case model.StatusTargetHit:
			s.Winning++
		case model.StatusStopHit:
			s.Losing++
		}
		s.Closed++
		s.TotalPnLPct = s.TotalPnLPct.Add(p.PnLPct)
		if first || p.PnLPct.GreaterThan(s.BestPnLPct) {
			s.BestPnLPct = p.PnLPct
		}
		if first || p.PnLPct.LessThan(s.WorstPnLPct) {
			s.WorstPnLPct = p.PnLPct
		}
		first = false
	}
	if s.Closed > 0 {
		closed := decimal.NewFromInt(int64(s.Closed))
		s.WinRatePct = decimal.NewFromInt(int64(s.Winning)).Div(closed).Mul(hundred)
		s.AvgPnLPct = s.TotalPnLPct.Div(closed)
	}
	return s
}
