// Package market picks the marketplace adapter named in the config.
package market

import (
	"strings"

	"framefarm/internal/adapters/market/httpmarket"
	"framefarm/internal/adapters/market/localexec"
	"framefarm/internal/config"
	"framefarm/internal/pkg/errors"
	"framefarm/internal/pkg/logger"
	"framefarm/internal/ports"
)

// New builds the gateway client (kind http) or the local process pool
// (kind local).
func New(cfg config.MarketConfig, log *logger.Logger) (ports.Marketplace, error) {
	switch strings.ToLower(cfg.Kind) {
	case "", "http":
		if cfg.BaseURL == "" {
			return nil, errors.ValidationField("market.base_url", "MARKET_BASEURL is required for the http marketplace")
		}
		return httpmarket.New(httpmarket.OptionsFromConfig(cfg), log), nil
	case "local":
		return localexec.New(localexec.OptionsFromConfig(cfg), log), nil
	default:
		return nil, errors.ValidationField("market.kind", "unknown marketplace kind: "+cfg.Kind)
	}
}
