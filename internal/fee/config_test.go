package fee

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spreadwatch/internal/config"
)

func ptr(f float64) *float64 {
	return &f
}

func TestNewRegistryFromConfig(t *testing.T) {
	cfg := config.FeesConfig{
		ActiveProfile: "conservative",
		DefaultMaker:  ptr(0.002),
		DefaultTaker:  ptr(0.003),
		Profiles: map[string]config.FeeProfileConfig{
			"conservative": {Venues: map[string]config.VenueFeeConfig{
				"binance": {Maker: 0.001, Taker: 0.001, WithdrawalMultiplier: 1},
			}},
			"optimistic": {Venues: map[string]config.VenueFeeConfig{
				"binance": {Maker: 0.0008, Taker: 0.0008, WithdrawalMultiplier: 0.8},
			}},
		},
		Withdrawal: map[string]map[string]float64{
			"btc": {"binance": 0.0005},
		},
	}

	reg, err := NewRegistryFromConfig(cfg)
	require.NoError(t, err)

	assert.Equal(t, []string{"conservative", "optimistic"}, reg.Names())
	assert.Equal(t, "conservative", reg.Active().Name)
	assert.True(t, reg.Active().FeeFor("binance", Taker).Equal(d("0.001")))
	assert.True(t, reg.Active().FeeFor("okx", Taker).Equal(d("0.003")), "configured default applies to unlisted venues")
	assert.True(t, reg.Active().FeeFor("okx", Maker).Equal(d("0.002")))
	assert.True(t, reg.Active().WithdrawalFeeFor("BTC", "binance").Equal(d("0.0005")), "instrument keys are upper-cased")

	opt, err := reg.Get("optimistic")
	require.NoError(t, err)
	assert.True(t, opt.WithdrawalFeeFor("BTC", "binance").Equal(d("0.0004")))
}

func TestNewRegistryFromConfig_DefaultRates(t *testing.T) {
	profiles := map[string]config.FeeProfileConfig{"conservative": {}}

	t.Run("unset falls back to conservative rates", func(t *testing.T) {
		reg, err := NewRegistryFromConfig(config.FeesConfig{ActiveProfile: "conservative", Profiles: profiles})
		require.NoError(t, err)
		assert.True(t, reg.Active().FeeFor("okx", Taker).Equal(DefaultTakerRate))
		assert.True(t, reg.Active().FeeFor("okx", Maker).Equal(DefaultMakerRate))
	})

	t.Run("explicit zero is honored", func(t *testing.T) {
		reg, err := NewRegistryFromConfig(config.FeesConfig{
			ActiveProfile: "conservative",
			DefaultMaker:  ptr(0),
			DefaultTaker:  ptr(0),
			Profiles:      profiles,
		})
		require.NoError(t, err)
		assert.True(t, reg.Active().FeeFor("okx", Taker).IsZero())
		assert.True(t, reg.Active().FeeFor("okx", Maker).IsZero())
	})

	t.Run("negative default is rejected", func(t *testing.T) {
		_, err := NewRegistryFromConfig(config.FeesConfig{ActiveProfile: "conservative", DefaultTaker: ptr(-0.001), Profiles: profiles})
		assert.Error(t, err)
	})
}

func TestNewRegistryFromConfig_ActiveProfileCase(t *testing.T) {
	reg, err := NewRegistryFromConfig(config.FeesConfig{
		ActiveProfile: "Conservative",
		Profiles:      map[string]config.FeeProfileConfig{"conservative": {}},
	})
	require.NoError(t, err)
	assert.Equal(t, "conservative", reg.Active().Name)
}

func TestNewRegistryFromConfig_Errors(t *testing.T) {
	_, err := NewRegistryFromConfig(config.FeesConfig{
		ActiveProfile: "missing",
		Profiles:      map[string]config.FeeProfileConfig{"conservative": {}},
	})
	assert.ErrorIs(t, err, ErrUnknownProfile)

	_, err = NewRegistryFromConfig(config.FeesConfig{
		ActiveProfile: "bad",
		Profiles: map[string]config.FeeProfileConfig{
			"bad": {Venues: map[string]config.VenueFeeConfig{"kraken": {Taker: -0.1}}},
		},
	})
	assert.Error(t, err)
}
