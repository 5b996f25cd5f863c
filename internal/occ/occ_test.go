package occ

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeString(t *testing.T) {
	c, err := Encode("NVDA", time.Date(2025, 1, 17, 0, 0, 0, 0, time.UTC), decimal.RequireFromString("150"), Call)
	require.NoError(t, err)
	assert.Equal(t, "O:NVDA250117C00150000", c.String())

	c, err = Encode("SPY", time.Date(2024, 12, 20, 15, 30, 0, 0, time.UTC), decimal.RequireFromString("412.5"), Put)
	require.NoError(t, err)
	assert.Equal(t, "O:SPY241220P00412500", c.String())
	assert.Equal(t, time.Date(2024, 12, 20, 0, 0, 0, 0, time.UTC), c.Expiry, "expiry is truncated to the date")
}

func TestEncodeRejectsUnrepresentable(t *testing.T) {
	expiry := time.Date(2025, 6, 20, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name       string
		underlying string
		expiry     time.Time
		strike     string
		side       Side
	}{
		{"strike too wide", "SPY", expiry, "100000", Call},
		{"sub-thousandth strike", "SPY", expiry, "1.0005", Call},
		{"negative strike", "SPY", expiry, "-1", Put},
		{"lowercase ticker", "spy", expiry, "10", Call},
		{"empty ticker", "", expiry, "10", Call},
		{"bad side", "SPY", expiry, "10", Side("X")},
		{"expiry before 2000", "SPY", time.Date(1999, 1, 1, 0, 0, 0, 0, time.UTC), "10", Call},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Encode(tt.underlying, tt.expiry, decimal.RequireFromString(tt.strike), tt.side)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidSymbol))
		})
	}

	c, err := Encode("SPY", expiry, decimal.RequireFromString("99999.999"), Call)
	require.NoError(t, err, "largest strike fits")
	assert.Equal(t, "O:SPY250620C99999999", c.String())
}

func TestDecode(t *testing.T) {
	c, err := Decode("O:TSLA260320P00245500")
	require.NoError(t, err)
	assert.Equal(t, "TSLA", c.Underlying)
	assert.Equal(t, time.Date(2026, 3, 20, 0, 0, 0, 0, time.UTC), c.Expiry)
	assert.Equal(t, Strike(245500), c.Strike)
	assert.Equal(t, Put, c.Side)
	assert.Equal(t, "245.50", c.Strike.String())

	c, err = Decode("O:SPXW991231C05000000")
	require.NoError(t, err)
	assert.Equal(t, 2099, c.Expiry.Year(), "two digit years are always 20YY")
}

func TestDecodeMalformedIsRecoverable(t *testing.T) {
	for _, raw := range []string{
		"",
		"NVDA",
		"I:SPX",
		"O:NVDA250117X00150000",
		"O:NVDA250117C0015000",
		"O:NVDA251317C00150000",
		"O:NVDA250230C00150000",
		"O:nvda250117C00150000",
	} {
		_, err := Decode(raw)
		var pe *ParseError
		require.ErrorAs(t, err, &pe, raw)
		assert.Equal(t, raw, pe.Raw)
		assert.Empty(t, Underlying(raw))
	}
}

func TestRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	letters := "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	base := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 2000; i++ {
		n := 1 + rng.Intn(5)
		b := make([]byte, n)
		for j := range b {
			b[j] = letters[rng.Intn(len(letters))]
		}
		underlying := string(b)
		expiry := base.AddDate(0, 0, rng.Intn(365*100-1))
		// whole cents up to $99,999.99
		strike := decimal.New(rng.Int63n(10_000_000), -2)
		side := Call
		if rng.Intn(2) == 1 {
			side = Put
		}

		c, err := Encode(underlying, expiry, strike, side)
		require.NoError(t, err)
		back, err := Decode(c.String())
		require.NoError(t, err, c.String())

		assert.Equal(t, underlying, back.Underlying)
		assert.True(t, expiry.Equal(back.Expiry), "%s: %v != %v", c, expiry, back.Expiry)
		assert.True(t, strike.Equal(back.Strike.Decimal()), "%s: %s != %s", c, strike, back.Strike.Decimal())
		assert.Equal(t, side, back.Side)
		assert.Equal(t, c, back)
	}
}

func TestParseSide(t *testing.T) {
	s, ok := ParseSide("call")
	assert.True(t, ok)
	assert.Equal(t, Call, s)
	s, ok = ParseSide(" P ")
	assert.True(t, ok)
	assert.Equal(t, Put, s)
	_, ok = ParseSide("straddle")
	assert.False(t, ok)
}
