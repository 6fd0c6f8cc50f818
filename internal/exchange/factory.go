package exchange

import (
	"fmt"
	"log/slog"
	"net/http"

	"spreadwatch/internal/config"
)

// NewSource creates a price source based on the given name and configuration.
func NewSource(name string, cfg config.ExchangeConfig, client *http.Client, logger *slog.Logger) (PriceSource, error) {
	switch cfg.Kind {
	case "", "rest":
		return NewRESTSource(name, cfg.BaseURL, cfg.Symbols, client, logger)
	case "stream":
		return NewStreamSource(name, cfg.WSURL, cfg.Symbols, cfg.MaxAge, logger)
	default:
		return nil, fmt.Errorf("%w: %s has kind %q", ErrUnknownExchange, name, cfg.Kind)
	}
}
