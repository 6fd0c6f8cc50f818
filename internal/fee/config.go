package fee

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"spreadwatch/internal/config"
	"spreadwatch/internal/model"
)

// NewRegistryFromConfig builds every configured profile and activates
// cfg.ActiveProfile. Withdrawal fees are shared by all profiles and scaled
// by each venue's multiplier. Profile names are matched case-insensitively.
func NewRegistryFromConfig(cfg config.FeesConfig) (*Registry, error) {
	withdrawal := make(map[model.Instrument]map[string]decimal.Decimal, len(cfg.Withdrawal))
	for inst, venues := range cfg.Withdrawal {
		m := make(map[string]decimal.Decimal, len(venues))
		for venue, amount := range venues {
			m[venue] = decimal.NewFromFloat(amount)
		}
		// Viper lower-cases map keys.
		withdrawal[model.Instrument(strings.ToUpper(inst))] = m
	}

	defaultMaker, err := rate("default_maker", cfg.DefaultMaker)
	if err != nil {
		return nil, err
	}
	defaultTaker, err := rate("default_taker", cfg.DefaultTaker)
	if err != nil {
		return nil, err
	}

	profiles := make([]*Profile, 0, len(cfg.Profiles))
	for name, pc := range cfg.Profiles {
		venues := make(map[string]VenueFees, len(pc.Venues))
		for venue, vc := range pc.Venues {
			if vc.Maker < 0 || vc.Taker < 0 || vc.WithdrawalMultiplier < 0 {
				return nil, fmt.Errorf("fee: profile %s venue %s has a negative rate", name, venue)
			}
			venues[venue] = VenueFees{
				Maker:                decimal.NewFromFloat(vc.Maker),
				Taker:                decimal.NewFromFloat(vc.Taker),
				WithdrawalMultiplier: decimal.NewFromFloat(vc.WithdrawalMultiplier),
			}
		}
		p := NewProfile(strings.ToLower(name), venues, withdrawal, decimal.Zero, decimal.Zero)
		if defaultMaker != nil {
			p.DefaultMaker = *defaultMaker
		}
		if defaultTaker != nil {
			p.DefaultTaker = *defaultTaker
		}
		profiles = append(profiles, p)
	}
	return NewRegistry(strings.ToLower(cfg.ActiveProfile), profiles...)
}

// rate converts an optional configured rate; nil means unset.
func rate(key string, v *float64) (*decimal.Decimal, error) {
	if v == nil {
		return nil, nil
	}
	if *v < 0 {
		return nil, fmt.Errorf("fee: %s is negative", key)
	}
	d := decimal.NewFromFloat(*v)
	return &d, nil
}
