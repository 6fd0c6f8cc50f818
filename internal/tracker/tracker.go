// Package tracker simulates positions opened from opportunities or external
// signals and resolves them against target and stop prices as prices move.
//
// A position moves from ACTIVE to TARGET_HIT or STOP_HIT at most once. Each
// position has its own lock, so concurrent ticks on the same position
// serialize while unrelated positions update in parallel.
package tracker

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"spreadwatch/internal/model"
)

var (
	ErrInvalidPositionParameters = errors.New("invalid position parameters")
	ErrNotFound                  = errors.New("position not found")
)

var hundred = decimal.NewFromInt(100)

// Signal describes a position to open. Notional is optional and only used
// to express PnL as an amount.
type Signal struct {
	Instrument  model.Instrument
	Direction   model.Direction
	EntryPrice  decimal.Decimal
	TargetPrice decimal.Decimal
	StopPrice   decimal.Decimal
	Notional    decimal.Decimal
}

// Validate rejects signals that would resolve without new information.
func (s Signal) Validate() error {
	if s.Instrument == "" {
		return fmt.Errorf("%w: instrument is empty", ErrInvalidPositionParameters)
	}
	if !s.EntryPrice.IsPositive() || !s.TargetPrice.IsPositive() || !s.StopPrice.IsPositive() {
		return fmt.Errorf("%w: prices must be positive", ErrInvalidPositionParameters)
	}
	if s.Notional.IsNegative() {
		return fmt.Errorf("%w: notional is negative", ErrInvalidPositionParameters)
	}
	if s.TargetPrice.Equal(s.EntryPrice) {
		return fmt.Errorf("%w: target equals entry %s", ErrInvalidPositionParameters, s.EntryPrice)
	}
	if s.StopPrice.Equal(s.EntryPrice) {
		return fmt.Errorf("%w: stop equals entry %s", ErrInvalidPositionParameters, s.EntryPrice)
	}
	switch s.Direction {
	case model.Long:
		if !s.StopPrice.LessThan(s.EntryPrice) || !s.TargetPrice.GreaterThan(s.EntryPrice) {
			return fmt.Errorf("%w: long needs stop < entry < target", ErrInvalidPositionParameters)
		}
	case model.Short:
		if !s.TargetPrice.LessThan(s.EntryPrice) || !s.StopPrice.GreaterThan(s.EntryPrice) {
			return fmt.Errorf("%w: short needs target < entry < stop", ErrInvalidPositionParameters)
		}
	default:
		return fmt.Errorf("%w: unknown direction %q", ErrInvalidPositionParameters, s.Direction)
	}
	return nil
}

type entry struct {
	instrument model.Instrument

	mu  sync.Mutex
	pos model.VirtualPosition
}

// Tracker owns the virtual positions.
type Tracker struct {
	logger *slog.Logger
	now    func() time.Time
	newID  func() string

	mu        sync.RWMutex
	positions map[string]*entry
}

// New creates an empty Tracker.
func New(logger *slog.Logger) *Tracker {
	return &Tracker{
		logger:    logger.With("component", "tracker"),
		now:       time.Now,
		newID:     func() string { return uuid.New().String() },
		positions: make(map[string]*entry),
	}
}

// Open creates an ACTIVE position from a signal.
func (t *Tracker) Open(sig Signal) (model.VirtualPosition, error) {
	return t.open(sig, "", "")
}

// OpenFromOpportunity opens a long position at the opportunity's buy price.
func (t *Tracker) OpenFromOpportunity(opp model.ArbitrageOpportunity, target, stop, notional decimal.Decimal) (model.VirtualPosition, error) {
	sig := Signal{
		Instrument:  opp.Instrument,
		Direction:   model.Long,
		EntryPrice:  opp.BuyPrice,
		TargetPrice: target,
		StopPrice:   stop,
		Notional:    notional,
	}
	return t.open(sig, opp.BuySource, opp.SellSource)
}

func (t *Tracker) open(sig Signal, buySource, sellSource string) (model.VirtualPosition, error) {
	if err := sig.Validate(); err != nil {
		return model.VirtualPosition{}, err
	}
	pos := model.VirtualPosition{
		ID:           t.newID(),
		Instrument:   sig.Instrument,
		Direction:    sig.Direction,
		EntryPrice:   sig.EntryPrice,
		TargetPrice:  sig.TargetPrice,
		StopPrice:    sig.StopPrice,
		CurrentPrice: sig.EntryPrice,
		Notional:     sig.Notional,
		Status:       model.StatusActive,
		PnLPct:       decimal.Zero,
		PnLAmount:    decimal.Zero,
		BuySource:    buySource,
		SellSource:   sellSource,
		OpenedAt:     t.now(),
	}

	t.mu.Lock()
	t.positions[pos.ID] = &entry{instrument: pos.Instrument, pos: pos}
	t.mu.Unlock()

	t.logger.Info("virtual position opened",
		"id", pos.ID,
		"instrument", pos.Instrument,
		"direction", pos.Direction,
		"entry", pos.EntryPrice,
		"target", pos.TargetPrice,
		"stop", pos.StopPrice,
	)
	return pos, nil
}

// Get returns a copy of the position.
func (t *Tracker) Get(id string) (model.VirtualPosition, bool) {
	t.mu.RLock()
	e, ok := t.positions[id]
	t.mu.RUnlock()
	if !ok {
		return model.VirtualPosition{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pos, true
}

// Tick evaluates one position against price. It reports whether the
// position was evaluated while ACTIVE; a terminal position is returned
// unchanged.
func (t *Tracker) Tick(id string, price decimal.Decimal) (model.VirtualPosition, bool, error) {
	t.mu.RLock()
	e, ok := t.positions[id]
	t.mu.RUnlock()
	if !ok {
		return model.VirtualPosition{}, false, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	pos, evaluated := t.tick(e, price)
	return pos, evaluated, nil
}

// TickAll applies the snapshot price to every ACTIVE position of a listed
// instrument and returns the positions it evaluated. Positions whose
// instrument is missing from the snapshot are left untouched.
func (t *Tracker) TickAll(snapshot map[model.Instrument]decimal.Decimal) []model.VirtualPosition {
	t.mu.RLock()
	entries := make([]*entry, 0, len(t.positions))
	for _, e := range t.positions {
		entries = append(entries, e)
	}
	t.mu.RUnlock()

	var updated []model.VirtualPosition
	for _, e := range entries {
		price, ok := snapshot[e.instrument]
		if !ok {
			continue
		}
		if pos, evaluated := t.tick(e, price); evaluated {
			updated = append(updated, pos)
		}
	}
	sortPositions(updated)
	return updated
}

func (t *Tracker) tick(e *entry, price decimal.Decimal) (model.VirtualPosition, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pos.Status.Terminal() {
		return e.pos, false
	}
	if !price.IsPositive() {
		t.logger.Warn("ignoring non-positive price", "id", e.pos.ID, "instrument", e.pos.Instrument, "price", price)
		return e.pos, false
	}

	p := &e.pos
	p.CurrentPrice = price
	p.PnLPct = pnlPct(p.Direction, p.EntryPrice, price)
	if p.Notional.IsPositive() {
		p.PnLAmount = p.Notional.Mul(p.PnLPct).Div(hundred)
	}

	if next := nextStatus(*p, price); next != model.StatusActive {
		closedAt := t.now()
		p.Status = next
		p.ClosedAt = &closedAt
		t.logger.Info("virtual position closed",
			"id", p.ID,
			"instrument", p.Instrument,
			"status", p.Status,
			"price", price,
			"pnlPct", p.PnLPct.StringFixed(4),
		)
	}
	return *p, true
}

func pnlPct(dir model.Direction, entryPrice, current decimal.Decimal) decimal.Decimal {
	pct := current.Sub(entryPrice).Div(entryPrice).Mul(hundred)
	if dir == model.Short {
		return pct.Neg()
	}
	return pct
}

// nextStatus checks the target before the stop.
func nextStatus(p model.VirtualPosition, price decimal.Decimal) model.PositionStatus {
	if p.Direction == model.Short {
		switch {
		case price.LessThanOrEqual(p.TargetPrice):
			return model.StatusTargetHit
		case price.GreaterThanOrEqual(p.StopPrice):
			return model.StatusStopHit
		}
		return model.StatusActive
	}
	switch {
	case price.GreaterThanOrEqual(p.TargetPrice):
		return model.StatusTargetHit
	case price.LessThanOrEqual(p.StopPrice):
		return model.StatusStopHit
	}
	return model.StatusActive
}

// Filter selects positions for List. A zero Filter matches everything.
type Filter struct {
	Status     model.PositionStatus
	Instrument model.Instrument
}

func (f Filter) match(p model.VirtualPosition) bool {
	if f.Status != "" && p.Status != f.Status {
		return false
	}
	if f.Instrument != "" && p.Instrument != f.Instrument {
		return false
	}
	return true
}

// List returns copies of the matching positions ordered by open time.
func (t *Tracker) List(f Filter) []model.VirtualPosition {
	t.mu.RLock()
	entries := make([]*entry, 0, len(t.positions))
	for _, e := range t.positions {
		entries = append(entries, e)
	}
	t.mu.RUnlock()

	out := make([]model.VirtualPosition, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		pos := e.pos
		e.mu.Unlock()
		if f.match(pos) {
			out = append(out, pos)
		}
	}
	sortPositions(out)
	return out
}

func sortPositions(ps []model.VirtualPosition) {
	sort.Slice(ps, func(i, j int) bool {
		if !ps[i].OpenedAt.Equal(ps[j].OpenedAt) {
			return ps[i].OpenedAt.Before(ps[j].OpenedAt)
		}
		return ps[i].ID < ps[j].ID
	})
}
