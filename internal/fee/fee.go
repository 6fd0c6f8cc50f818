// Package fee holds named trading-fee profiles and the registry that
// selects the active one between scans.
package fee

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/shopspring/decimal"

	"spreadwatch/internal/model"
)

var ErrUnknownProfile = errors.New("unknown fee profile")

// Role is the liquidity role of an order leg.
type Role string

const (
	Maker Role = "maker"
	Taker Role = "taker"
)

// ParseRole accepts "maker" or "taker" in any case.
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case Maker:
		return Maker, nil
	case Taker:
		return Taker, nil
	default:
		return "", fmt.Errorf("fee: unknown role %q", s)
	}
}

// Fallback rates for venues a profile does not list.
var (
	DefaultMakerRate = decimal.RequireFromString("0.0015")
	DefaultTakerRate = decimal.RequireFromString("0.0025")
)

// VenueFees are the fee rates of one venue, as fractions (0.001 = 0.1%).
type VenueFees struct {
	Maker                decimal.Decimal
	Taker                decimal.Decimal
	WithdrawalMultiplier decimal.Decimal
}

// Profile is an immutable, named fee configuration.
type Profile struct {
	Name         string
	Venues       map[string]VenueFees
	Withdrawal   map[model.Instrument]map[string]decimal.Decimal
	DefaultMaker decimal.Decimal
	DefaultTaker decimal.Decimal
}

// NewProfile copies venues and withdrawal fees so later changes by the
// caller cannot leak into a profile that is already in use. Venue names are
// normalized to lower case. Zero defaults fall back to the conservative
// rates; set DefaultMaker or DefaultTaker on the result to charge zero.
func NewProfile(name string, venues map[string]VenueFees, withdrawal map[model.Instrument]map[string]decimal.Decimal, defaultMaker, defaultTaker decimal.Decimal) *Profile {
	p := &Profile{
		Name:         name,
		Venues:       make(map[string]VenueFees, len(venues)),
		Withdrawal:   make(map[model.Instrument]map[string]decimal.Decimal, len(withdrawal)),
		DefaultMaker: defaultMaker,
		DefaultTaker: defaultTaker,
	}
	if p.DefaultMaker.IsZero() {
		p.DefaultMaker = DefaultMakerRate
	}
	if p.DefaultTaker.IsZero() {
		p.DefaultTaker = DefaultTakerRate
	}
	for venue, f := range venues {
		p.Venues[normalize(venue)] = f
	}
	for inst, byVenue := range withdrawal {
		m := make(map[string]decimal.Decimal, len(byVenue))
		for venue, amount := range byVenue {
			m[normalize(venue)] = amount
		}
		p.Withdrawal[inst] = m
	}
	return p
}

// clone returns a deep copy that shares no maps with p.
func (p *Profile) clone() *Profile {
	c := &Profile{
		Name:         p.Name,
		Venues:       make(map[string]VenueFees, len(p.Venues)),
		Withdrawal:   make(map[model.Instrument]map[string]decimal.Decimal, len(p.Withdrawal)),
		DefaultMaker: p.DefaultMaker,
		DefaultTaker: p.DefaultTaker,
	}
	for venue, f := range p.Venues {
		c.Venues[normalize(venue)] = f
	}
	for inst, byVenue := range p.Withdrawal {
		m := make(map[string]decimal.Decimal, len(byVenue))
		for venue, amount := range byVenue {
			m[normalize(venue)] = amount
		}
		c.Withdrawal[inst] = m
	}
	return c
}

func normalize(venue string) string {
	return strings.ToLower(strings.TrimSpace(venue))
}

// FeeFor returns the rate for the venue and role, falling back to the
// profile defaults for unknown venues.
func (p *Profile) FeeFor(venue string, role Role) decimal.Decimal {
	f, ok := p.Venues[normalize(venue)]
	if role == Maker {
		if ok {
			return f.Maker
		}
		return p.DefaultMaker
	}
	if ok {
		return f.Taker
	}
	return p.DefaultTaker
}

// WithdrawalFeeFor returns the withdrawal fee in instrument units, scaled by
// the venue multiplier. Unknown pairs cost nothing.
func (p *Profile) WithdrawalFeeFor(instrument model.Instrument, venue string) decimal.Decimal {
	base, ok := p.Withdrawal[instrument][normalize(venue)]
	if !ok {
		return decimal.Zero
	}
	if f, ok := p.Venues[normalize(venue)]; ok && !f.WithdrawalMultiplier.IsZero() {
		return base.Mul(f.WithdrawalMultiplier)
	}
	return base
}

// Policy selects which roles are charged on each leg and whether a
// withdrawal term is subtracted.
type Policy struct {
	BuyRole  Role
	SellRole Role
	// WithdrawalNotional is the trade size in quote currency used to express
	// the withdrawal fee as a percentage. Zero disables the term.
	WithdrawalNotional decimal.Decimal
}

// DefaultPolicy charges taker fees on both legs without a withdrawal term.
func DefaultPolicy() Policy {
	return Policy{BuyRole: Taker, SellRole: Taker}
}

// Registry holds named profiles and the active one. The active profile is
// swapped atomically so a reader always sees one consistent profile.
type Registry struct {
	mu       sync.RWMutex
	profiles map[string]*Profile
	active   atomic.Pointer[Profile]
}

// NewRegistry registers copies of profiles and activates the named one.
func NewRegistry(active string, profiles ...*Profile) (*Registry, error) {
	r := &Registry{profiles: make(map[string]*Profile, len(profiles))}
	for _, p := range profiles {
		r.profiles[p.Name] = p.clone()
	}
	if err := r.Use(active); err != nil {
		return nil, err
	}
	return r, nil
}

// Put registers or replaces a profile with a copy of p. Replacing the
// active profile makes the new one active for subsequent scans.
func (r *Registry) Put(p *Profile) {
	p = p.clone()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.profiles[p.Name] = p
	if cur := r.active.Load(); cur != nil && cur.Name == p.Name {
		r.active.Store(p)
	}
}

// Use makes the named profile active.
func (r *Registry) Use(name string) error {
	r.mu.RLock()
	p, ok := r.profiles[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProfile, name)
	}
	r.active.Store(p)
	return nil
}

// Active returns the profile currently in effect.
func (r *Registry) Active() *Profile {
	return r.active.Load()
}

// Get returns the named profile.
func (r *Registry) Get(name string) (*Profile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProfile, name)
	}
	return p, nil
}

// FeeFor looks up a rate in the named profile.
func (r *Registry) FeeFor(profile, venue string, role Role) (decimal.Decimal, error) {
	p, err := r.Get(profile)
	if err != nil {
		return decimal.Zero, err
	}
	return p.FeeFor(venue, role), nil
}

// WithdrawalFeeFor looks up a withdrawal fee in the named profile.
func (r *Registry) WithdrawalFeeFor(profile string, instrument model.Instrument, venue string) (decimal.Decimal, error) {
	p, err := r.Get(profile)
	if err != nil {
		return decimal.Zero, err
	}
	return p.WithdrawalFeeFor(instrument, venue), nil
}

// Names lists registered profiles in lexical order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.profiles))
	for name := range r.profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
