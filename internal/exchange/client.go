package exchange

import (
	"context"
	"errors"
	"strings"

	"spreadwatch/internal/model"
)

var (
	ErrUnsupportedInstrument = errors.New("instrument not listed on exchange")
	ErrInvalidPrice          = errors.New("invalid price")
	ErrStale                 = errors.New("price is stale")
	ErrUnknownExchange       = errors.New("unknown exchange")
)

// PriceSource defines the standard interface for all exchange price sources.
type PriceSource interface {
	Name() string
	FetchPrice(ctx context.Context, instrument model.Instrument) (model.PriceQuote, error)
}

// symbolMap converts config symbols, keyed by instrument in any case, into
// instrument -> venue symbol.
func symbolMap(symbols map[string]string) map[model.Instrument]string {
	m := make(map[model.Instrument]string, len(symbols))
	for inst, sym := range symbols {
		m[model.Instrument(strings.ToUpper(inst))] = sym
	}
	return m
}
