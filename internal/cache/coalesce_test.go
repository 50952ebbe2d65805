package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDo_CachesAndServesHits(t *testing.T) {
	c := NewCoalescer(NewMemoryStore(time.Minute), time.Minute)
	ctx := context.Background()

	var calls atomic.Int32
	fn := func(ctx context.Context) ([]byte, error) {
		calls.Add(1)
		return []byte("result"), nil
	}

	v, hit, err := c.Do(ctx, "k", fn)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, []byte("result"), v)

	v, hit, err = c.Do(ctx, "k", fn)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, []byte("result"), v)
	assert.Equal(t, int32(1), calls.Load())
	assert.InDelta(t, 0.5, c.HitRate(), 0.001)
}

func TestDo_TTLExpiryTriggersFreshDispatch(t *testing.T) {
	ttl := 50 * time.Millisecond
	c := NewCoalescer(NewMemoryStore(ttl), ttl)
	ctx := context.Background()

	var calls atomic.Int32
	fn := func(ctx context.Context) ([]byte, error) {
		calls.Add(1)
		return []byte("v"), nil
	}

	_, _, err := c.Do(ctx, "k", fn)
	require.NoError(t, err)

	_, hit, err := c.Do(ctx, "k", fn)
	require.NoError(t, err)
	assert.True(t, hit, "entry should be served before TTL")

	time.Sleep(ttl + 30*time.Millisecond)

	_, hit, err = c.Do(ctx, "k", fn)
	require.NoError(t, err)
	assert.False(t, hit, "entry should be gone at TTL")
	assert.Equal(t, int32(2), calls.Load())
}

func TestDo_CoalescesConcurrentCallers(t *testing.T) {
	c := NewCoalescer(NewMemoryStore(time.Minute), time.Minute)
	ctx := context.Background()

	const n = 8
	var calls atomic.Int32
	started := make(chan struct{})
	fn := func(ctx context.Context) ([]byte, error) {
		calls.Add(1)
		<-started // hold every caller in flight until all have joined
		time.Sleep(20 * time.Millisecond)
		return []byte("shared"), nil
	}

	var wg sync.WaitGroup
	results := make([][]byte, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _, errs[i] = c.Do(ctx, "storm", fn)
		}(i)
	}
	// Give every goroutine time to reach the cache before the owner runs.
	time.Sleep(50 * time.Millisecond)
	close(started)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load(), "exactly one upstream dispatch")
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, []byte("shared"), results[i])
	}
}

func TestDo_OwnerFailureReleasesWaiters(t *testing.T) {
	c := NewCoalescer(NewMemoryStore(time.Minute), time.Minute)
	ctx := context.Background()

	var calls atomic.Int32
	block := make(chan struct{})
	fn := func(ctx context.Context) ([]byte, error) {
		n := calls.Add(1)
		if n == 1 {
			<-block
			return nil, errors.New("upstream exploded")
		}
		return []byte("recovered"), nil
	}

	ownerErr := make(chan error, 1)
	go func() {
		_, _, err := c.Do(ctx, "k", fn)
		ownerErr <- err
	}()
	time.Sleep(20 * time.Millisecond) // let the owner claim the reservation

	waiterDone := make(chan error, 1)
	var waiterVal []byte
	go func() {
		v, _, err := c.Do(ctx, "k", fn)
		waiterVal = v
		waiterDone <- err
	}()
	time.Sleep(20 * time.Millisecond)
	close(block)

	require.Error(t, <-ownerErr, "owner sees its own failure")
	require.NoError(t, <-waiterDone, "waiter retries and succeeds")
	assert.Equal(t, []byte("recovered"), waiterVal)
	assert.Equal(t, int32(2), calls.Load())

	// The failure was not cached; the retry's success was.
	v, hit, err := c.Do(ctx, "k", fn)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, []byte("recovered"), v)
}

func TestDo_OwnerCancellationHandsOwnershipToWaiter(t *testing.T) {
	c := NewCoalescer(NewMemoryStore(time.Minute), time.Minute)

	var calls atomic.Int32
	fn := func(ctx context.Context) ([]byte, error) {
		if calls.Add(1) == 1 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return []byte("from-waiter"), nil
	}

	ownerCtx, cancelOwner := context.WithCancel(context.Background())
	ownerDone := make(chan error, 1)
	go func() {
		_, _, err := c.Do(ownerCtx, "k", fn)
		ownerDone <- err
	}()
	time.Sleep(20 * time.Millisecond)

	waiterDone := make(chan error, 1)
	var waiterVal []byte
	go func() {
		v, _, err := c.Do(context.Background(), "k", fn)
		waiterVal = v
		waiterDone <- err
	}()
	time.Sleep(20 * time.Millisecond)

	cancelOwner()

	require.Error(t, <-ownerDone)
	require.NoError(t, <-waiterDone, "waiter takes over after the owner disconnects")
	assert.Equal(t, []byte("from-waiter"), waiterVal)
	assert.Equal(t, int32(2), calls.Load())
}

func TestDo_WaiterCancellation(t *testing.T) {
	c := NewCoalescer(NewMemoryStore(time.Minute), time.Minute)

	block := make(chan struct{})
	defer close(block)
	fn := func(ctx context.Context) ([]byte, error) {
		<-block
		return []byte("v"), nil
	}

	go func() { _, _, _ = c.Do(context.Background(), "k", fn) }()
	time.Sleep(20 * time.Millisecond)

	waiterCtx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := c.Do(waiterCtx, "k", fn)
	assert.ErrorIs(t, err, context.Canceled)
}
