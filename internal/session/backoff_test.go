package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoff(t *testing.T) {
	b := NewBackoff(time.Second, 5*time.Second)

	var got []time.Duration
	for i := 0; i < 5; i++ {
		got = append(got, b.Next())
	}
	require.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second,
	}, got)

	b.Reset()
	require.Equal(t, time.Second, b.Next())
}

func TestNewBackoffDefaults(t *testing.T) {
	b := NewBackoff(0, 0)
	require.Equal(t, time.Second, b.Initial)
	require.Equal(t, time.Second, b.Max)
}

func TestSleepStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, sleep(ctx, time.Hour), context.Canceled)
	require.NoError(t, sleep(context.Background(), time.Millisecond))
}
