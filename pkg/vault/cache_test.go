package vault

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ymcrcat/stellar-dark-pool/pkg/core"
	"github.com/ymcrcat/stellar-dark-pool/pkg/util"
)

type fakeReader struct {
	balances map[string]int64
	calls    int
	err      error
}

func (f *fakeReader) GetVaultBalance(_ context.Context, account, token string) (int64, error) {
	f.calls++
	if f.err != nil {
		return 0, f.err
	}
	return f.balances[account+"|"+token], nil
}

func newTestCache(reader *fakeReader) (*Cache, *util.FakeClock) {
	clock := util.NewFakeClock(time.Unix(1_700_000_000, 0))
	return NewCache(reader, clock, 30*time.Second, zap.NewNop()), clock
}

func TestAvailableFetchesAndCaches(t *testing.T) {
	reader := &fakeReader{balances: map[string]int64{"GA|TOK": 1_000_000_000}}
	c, _ := newTestCache(reader)

	got, err := c.Available(context.Background(), "GA", "TOK")
	require.NoError(t, err)
	assert.Equal(t, int64(1_000_000_000), got)
	assert.Equal(t, 1, reader.calls)

	// Second read within TTL hits the cache.
	_, err = c.Available(context.Background(), "GA", "TOK")
	require.NoError(t, err)
	assert.Equal(t, 1, reader.calls)
}

func TestTTLExpiryRefetches(t *testing.T) {
	reader := &fakeReader{balances: map[string]int64{"GA|TOK": 100}}
	c, clock := newTestCache(reader)

	_, err := c.Available(context.Background(), "GA", "TOK")
	require.NoError(t, err)

	reader.balances["GA|TOK"] = 200
	clock.Advance(31 * time.Second)

	got, err := c.Available(context.Background(), "GA", "TOK")
	require.NoError(t, err)
	assert.Equal(t, int64(200), got)
	assert.Equal(t, 2, reader.calls)
}

func TestReserveReducesAvailable(t *testing.T) {
	reader := &fakeReader{balances: map[string]int64{"GA|TOK": 1_000}}
	c, _ := newTestCache(reader)

	_, err := c.Available(context.Background(), "GA", "TOK")
	require.NoError(t, err)

	c.Reserve("GA", "TOK", 600)
	got, err := c.Available(context.Background(), "GA", "TOK")
	require.NoError(t, err)
	assert.Equal(t, int64(400), got)
	assert.Equal(t, int64(600), c.Reserved("GA", "TOK"))
}

func TestReservationSurvivesRefresh(t *testing.T) {
	reader := &fakeReader{balances: map[string]int64{"GA|TOK": 1_000}}
	c, clock := newTestCache(reader)

	_, _ = c.Available(context.Background(), "GA", "TOK")
	c.Reserve("GA", "TOK", 300)
	clock.Advance(time.Minute)

	got, err := c.Available(context.Background(), "GA", "TOK")
	require.NoError(t, err)
	assert.Equal(t, int64(700), got)
}

func TestReleaseClampsAtZero(t *testing.T) {
	reader := &fakeReader{balances: map[string]int64{"GA|TOK": 1_000}}
	c, _ := newTestCache(reader)

	_, _ = c.Available(context.Background(), "GA", "TOK")
	c.Reserve("GA", "TOK", 100)
	c.Release("GA", "TOK", 250)
	assert.Equal(t, int64(0), c.Reserved("GA", "TOK"))
}

func TestInvalidateForcesRefetch(t *testing.T) {
	reader := &fakeReader{balances: map[string]int64{"GA|TOK": 100}}
	c, _ := newTestCache(reader)

	_, _ = c.Available(context.Background(), "GA", "TOK")
	reader.balances["GA|TOK"] = 500

	c.Invalidate("GA", "TOK")
	c.Invalidate("GA", "TOK") // idempotent
	got, err := c.Available(context.Background(), "GA", "TOK")
	require.NoError(t, err)
	assert.Equal(t, int64(500), got)
}

func TestApplyDeltaOnlyTouchesKnownEntries(t *testing.T) {
	reader := &fakeReader{balances: map[string]int64{"GA|TOK": 100}}
	c, _ := newTestCache(reader)

	// Unknown entry: no-op, and the later fetch returns on-chain truth.
	c.ApplyDelta("GA", "TOK", -40)
	got, err := c.Committed(context.Background(), "GA", "TOK")
	require.NoError(t, err)
	assert.Equal(t, int64(100), got)

	c.ApplyDelta("GA", "TOK", -40)
	got, err = c.Committed(context.Background(), "GA", "TOK")
	require.NoError(t, err)
	assert.Equal(t, int64(60), got)
}

func TestClearEvictsEverything(t *testing.T) {
	reader := &fakeReader{balances: map[string]int64{"GA|TOK": 100}}
	c, _ := newTestCache(reader)

	_, _ = c.Available(context.Background(), "GA", "TOK")
	c.Reserve("GA", "TOK", 50)
	c.Clear()

	assert.Equal(t, int64(0), c.Reserved("GA", "TOK"))
	_, err := c.Available(context.Background(), "GA", "TOK")
	require.NoError(t, err)
	assert.Equal(t, 2, reader.calls)
}

func TestFetchFailureIsUpstreamUnavailable(t *testing.T) {
	reader := &fakeReader{err: errors.New("connection refused")}
	c, _ := newTestCache(reader)

	_, err := c.Available(context.Background(), "GA", "TOK")
	require.Error(t, err)
	assert.Equal(t, core.KindUpstreamUnavailable, core.KindOf(err))
}

func TestOversubscribedAccountGoesNegative(t *testing.T) {
	// A withdrawal raced the engine: committed dropped below reserved. The
	// available value goes negative so every new admission fails.
	reader := &fakeReader{balances: map[string]int64{"GA|TOK": 1_000}}
	c, clock := newTestCache(reader)

	_, _ = c.Available(context.Background(), "GA", "TOK")
	c.Reserve("GA", "TOK", 800)
	reader.balances["GA|TOK"] = 500
	clock.Advance(time.Minute)

	got, err := c.Available(context.Background(), "GA", "TOK")
	require.NoError(t, err)
	assert.Equal(t, int64(-300), got)
	assert.Equal(t, int64(800), c.Reserved("GA", "TOK"))
}
