package kvclient

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchbaselabs/gocbclient/memd"
)

func newTestPool(t *testing.T, min, max int, factory connectionFactory) *connectionPool {
	pool := newConnectionPool(connectionPoolOptions{
		Endpoint: "test:11210",
		MinSize:  min,
		MaxSize:  max,
		Factory:  factory,
	})
	require.NoError(t, pool.Initialize(context.Background()))
	t.Cleanup(pool.Dispose)
	return pool
}

func TestPoolInitializeOpensMinConnections(t *testing.T) {
	factory := &mockFactory{}
	pool := newTestPool(t, 3, 3, factory.factory)

	assert.Equal(t, 3, pool.Size())
	assert.Equal(t, 3, factory.dialCount())
}

func TestPoolInitializeKeepsPartialSuccess(t *testing.T) {
	var dials int
	var lock sync.Mutex
	factory := func(ctx context.Context) (poolConnection, error) {
		lock.Lock()
		defer lock.Unlock()
		dials++
		if dials == 1 {
			return nil, assert.AnError
		}
		return &mockConnection{id: "ok"}, nil
	}

	pool := newConnectionPool(connectionPoolOptions{
		MinSize: 3,
		MaxSize: 3,
		Factory: factory,
	})
	require.NoError(t, pool.Initialize(context.Background()))
	defer pool.Dispose()

	assert.Equal(t, 2, pool.Size())
}

func TestPoolInitializeFailsOnZeroConnections(t *testing.T) {
	factory := func(ctx context.Context) (poolConnection, error) {
		return nil, assert.AnError
	}

	pool := newConnectionPool(connectionPoolOptions{
		MinSize: 2,
		MaxSize: 2,
		Factory: factory,
	})
	assert.ErrorIs(t, pool.Initialize(context.Background()), assert.AnError)
}

func TestPoolSingleConnectionSerializesOps(t *testing.T) {
	conn := &mockConnection{id: "only", delay: 100 * time.Millisecond}
	factory := &mockFactory{scripts: []*mockConnection{conn}}
	pool := newTestPool(t, 1, 1, factory.factory)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := pool.QueueSend(context.Background(), &kvRequest{Command: memd.CmdGet})
			assert.NoError(t, err)
			assert.Equal(t, memd.StatusSuccess, res.Status)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(10), conn.executed.Load())
	assert.Equal(t, int64(1), conn.maxInFlight.Load())
}

func TestPoolMultipleConnectionsRunInParallel(t *testing.T) {
	conns := []*mockConnection{
		{id: "c1", delay: 100 * time.Millisecond},
		{id: "c2", delay: 100 * time.Millisecond},
		{id: "c3", delay: 100 * time.Millisecond},
		{id: "c4", delay: 100 * time.Millisecond},
	}
	factory := &mockFactory{scripts: conns}
	pool := newTestPool(t, 4, 4, factory.factory)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := pool.QueueSend(context.Background(), &kvRequest{Command: memd.CmdGet})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	var total, maxObserved int64
	for _, conn := range conns {
		total += conn.executed.Load()
		maxObserved += conn.maxInFlight.Load()
	}
	assert.Equal(t, int64(10), total)
	// each connection dispatches at most one op at a time, and with 10 ops
	// across 4 connections each must have been used
	assert.Equal(t, int64(4), maxObserved)
	for _, conn := range conns {
		assert.LessOrEqual(t, conn.maxInFlight.Load(), int64(1))
	}
}

func TestPoolReplacesDeadConnection(t *testing.T) {
	deadConn := &mockConnection{id: "conn-dead"}
	deadConn.dead.Store(true)
	factory := &mockFactory{scripts: []*mockConnection{deadConn}}

	pool := newTestPool(t, 1, 1, factory.factory)

	res, err := pool.QueueSend(context.Background(), &kvRequest{Command: memd.CmdGet})
	require.NoError(t, err)
	assert.Equal(t, memd.StatusSuccess, res.Status)

	// the op must have been dispatched over the replacement connection
	assert.GreaterOrEqual(t, factory.dialCount(), 2)
	assert.Equal(t, int64(0), deadConn.executed.Load())
	assert.Eventually(t, func() bool { return pool.Size() == 1 }, time.Second, 5*time.Millisecond)
}

func TestPoolScaleDownPicksLongestIdle(t *testing.T) {
	conns := []*mockConnection{
		{id: "idle-1m"},
		{id: "idle-2m"},
		{id: "idle-3m"},
	}
	conns[0].setIdle(1 * time.Minute)
	conns[1].setIdle(2 * time.Minute)
	conns[2].setIdle(3 * time.Minute)

	factory := &mockFactory{scripts: conns}
	pool := newTestPool(t, 2, 5, factory.factory)
	pool.Scale(context.Background(), 1)
	require.Equal(t, 3, pool.Size())

	pool.Scale(context.Background(), -1)

	assert.Equal(t, 2, pool.Size())
	assert.Eventually(t, func() bool { return conns[2].closed.Load() }, time.Second, 5*time.Millisecond)
	assert.False(t, conns[0].closed.Load())
	assert.False(t, conns[1].closed.Load())
}

func TestPoolScaleUpCappedAtMax(t *testing.T) {
	factory := &mockFactory{}
	pool := newTestPool(t, 2, 3, factory.factory)

	pool.Scale(context.Background(), 5)
	assert.Equal(t, 3, pool.Size())

	// and never below min on the way down
	pool.Scale(context.Background(), -10)
	assert.Equal(t, 2, pool.Size())
}

func TestPoolFreezeBlocksStructuralChange(t *testing.T) {
	factory := &mockFactory{}
	pool := newTestPool(t, 2, 4, factory.factory)

	guard := pool.Freeze()

	scaled := make(chan struct{})
	go func() {
		pool.Scale(context.Background(), -1)
		close(scaled)
	}()

	select {
	case <-scaled:
		t.Fatalf("scale proceeded under freeze")
	case <-time.After(50 * time.Millisecond):
	}

	guard.Release()
	select {
	case <-scaled:
	case <-time.After(time.Second):
		t.Fatalf("scale never proceeded after release")
	}
}

func TestPoolQueueSendCancelledBeforeDispatch(t *testing.T) {
	conn := &mockConnection{id: "slow", delay: 200 * time.Millisecond}
	factory := &mockFactory{scripts: []*mockConnection{conn}}
	pool := newTestPool(t, 1, 1, factory.factory)

	// occupy the single connection
	go func() {
		_, _ = pool.QueueSend(context.Background(), &kvRequest{Command: memd.CmdGet})
	}()
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := pool.QueueSend(ctx, &kvRequest{Command: memd.CmdGet})
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrCancelled)
	case <-time.After(time.Second):
		t.Fatalf("cancelled op did not complete in bounded time")
	}
}

func TestPoolSelectBucketBroadcasts(t *testing.T) {
	conns := []*mockConnection{{id: "a"}, {id: "b"}}
	factory := &mockFactory{scripts: conns}
	pool := newTestPool(t, 2, 2, factory.factory)

	require.NoError(t, pool.SelectBucket(context.Background(), "travel-sample"))
	for _, conn := range conns {
		require.NotNil(t, conn.selected.Load())
		assert.Equal(t, "travel-sample", *conn.selected.Load())
	}
}

func TestPoolDisposeFailsQueuedOps(t *testing.T) {
	factory := &mockFactory{}
	pool := newTestPool(t, 1, 1, factory.factory)

	pool.Dispose()

	_, err := pool.QueueSend(context.Background(), &kvRequest{Command: memd.CmdGet})
	assert.ErrorIs(t, err, ErrPoolDisposed)
}

func TestPoolSizeInvariant(t *testing.T) {
	factory := &mockFactory{}
	pool := newTestPool(t, 2, 5, factory.factory)

	assert.GreaterOrEqual(t, pool.Size(), 2)
	assert.LessOrEqual(t, pool.Size(), 5)

	pool.Scale(context.Background(), 2)
	assert.LessOrEqual(t, pool.Size(), 5)

	pool.Scale(context.Background(), -10)
	assert.GreaterOrEqual(t, pool.Size(), 2)
}
