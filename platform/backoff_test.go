package platform

import (
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffScheduleDeterministic(t *testing.T) {
	opts := Options{
		BaseDelay:  500 * time.Millisecond,
		MaxBackoff: 30 * time.Second,
		Multiplier: 2.0,
	}
	opts.applyDefaults()

	bo := newBackoff(opts)

	want := []time.Duration{
		500 * time.Millisecond,
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for i, w := range want {
		got := bo.NextBackOff()
		require.NotEqual(t, backoff.Stop, got, "schedule stopped at attempt %d", i)
		assert.Equal(t, w, got, "attempt %d", i)
	}
}

func TestBackoffScheduleNonDecreasingAndCapped(t *testing.T) {
	opts := Options{
		BaseDelay:  100 * time.Millisecond,
		MaxBackoff: 2 * time.Second,
		Multiplier: 3.0,
	}
	opts.applyDefaults()

	bo := newBackoff(opts)

	prev := time.Duration(0)
	for i := 0; i < 20; i++ {
		d := bo.NextBackOff()
		require.NotEqual(t, backoff.Stop, d)
		assert.GreaterOrEqual(t, d, prev, "attempt %d", i)
		assert.LessOrEqual(t, d, opts.MaxBackoff, "attempt %d", i)
		prev = d
	}
	assert.Equal(t, opts.MaxBackoff, prev)
}

func TestBackoffRetryBudget(t *testing.T) {
	opts := Options{
		BaseDelay:        time.Millisecond,
		MaxBackoff:       time.Millisecond,
		Multiplier:       2.0,
		TotalRetryBudget: 20 * time.Millisecond,
	}
	opts.applyDefaults()

	bo := newBackoff(opts)

	deadline := time.Now().Add(time.Second)
	for {
		require.True(t, time.Now().Before(deadline), "budget never elapsed")
		d := bo.NextBackOff()
		if d == backoff.Stop {
			return
		}
		time.Sleep(d)
	}
}
