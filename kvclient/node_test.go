package kvclient

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchbaselabs/gocbclient/cbconfig"
	"github.com/couchbaselabs/gocbclient/memd"
)

func newTestNode(t *testing.T, conn *mockConnection, publish func(*cbconfig.TerseConfigJson, string)) *clusterNode {
	factory := &mockFactory{scripts: []*mockConnection{conn}}
	node := newClusterNode(clusterNodeOptions{
		Endpoint:      "10.0.0.1:11210",
		BootstrapHost: "10.0.0.1",
		PoolOptions: connectionPoolOptions{
			MinSize: 1,
			MaxSize: 1,
			Factory: factory.factory,
		},
		PublishConfig: publish,
	})
	require.NoError(t, node.Initialize(context.Background()))
	t.Cleanup(node.Dispose)
	return node
}

func TestNodeSendSuccessEchoesCas(t *testing.T) {
	conn := &mockConnection{
		id: "c1",
		handler: func(req *kvRequest) (*kvResponse, error) {
			return &kvResponse{Status: memd.StatusSuccess, Cas: 777}, nil
		},
	}
	node := newTestNode(t, conn, nil)

	res, err := node.Send(context.Background(), &kvRequest{Command: memd.CmdGet, Key: []byte("k")})
	require.NoError(t, err)
	assert.Equal(t, uint64(777), res.Cas)
}

func TestNodeSendTranslatesStatus(t *testing.T) {
	conn := &mockConnection{
		handler: func(req *kvRequest) (*kvResponse, error) {
			return &kvResponse{Status: memd.StatusKeyNotFound}, nil
		},
	}
	node := newTestNode(t, conn, nil)

	_, err := node.Send(context.Background(), &kvRequest{Command: memd.CmdGet, Key: []byte("k")})
	assert.ErrorIs(t, err, ErrNotFound)

	var kvErr *KvError
	require.ErrorAs(t, err, &kvErr)
	assert.Equal(t, memd.StatusKeyNotFound, kvErr.Status)
}

func TestNodeSendCasMismatch(t *testing.T) {
	conn := &mockConnection{
		handler: func(req *kvRequest) (*kvResponse, error) {
			return &kvResponse{Status: memd.StatusKeyExists}, nil
		},
	}
	node := newTestNode(t, conn, nil)

	_, err := node.Send(context.Background(), &kvRequest{
		Command: memd.CmdReplace, Key: []byte("k"), Cas: 1234,
	})
	assert.ErrorIs(t, err, ErrCasMismatch)

	_, err = node.Send(context.Background(), &kvRequest{
		Command: memd.CmdAdd, Key: []byte("k"),
	})
	assert.ErrorIs(t, err, ErrExists)
}

func TestNodeSendNotMyVbucketPublishesConfig(t *testing.T) {
	var published atomic.Pointer[cbconfig.TerseConfigJson]
	conn := &mockConnection{
		handler: func(req *kvRequest) (*kvResponse, error) {
			return &kvResponse{
				Status: memd.StatusNotMyVBucket,
				Value:  []byte(`{"rev": 10, "name": "default"}`),
			}, nil
		},
	}
	node := newTestNode(t, conn, func(config *cbconfig.TerseConfigJson, sourceHost string) {
		published.Store(config)
	})

	_, err := node.Send(context.Background(), &kvRequest{Command: memd.CmdGet, Key: []byte("k")})
	assert.ErrorIs(t, err, ErrNotMyVBucket)

	var kvErr *KvError
	require.ErrorAs(t, err, &kvErr)
	assert.True(t, kvErr.Retriable)

	require.NotNil(t, published.Load())
	assert.Equal(t, 10, published.Load().Rev)
}

func TestNodeSendTimeoutAmbiguity(t *testing.T) {
	conn := &mockConnection{delay: time.Second}
	node := newTestNode(t, conn, nil)

	_, err := node.Send(context.Background(), &kvRequest{
		Command: memd.CmdGet, Key: []byte("k"),
		Timeout: 30 * time.Millisecond,
	})
	assert.ErrorIs(t, err, ErrUnambiguousTimeout)

	_, err = node.Send(context.Background(), &kvRequest{
		Command: memd.CmdSet, Key: []byte("k"), Mutation: true,
		Timeout: 30 * time.Millisecond,
	})
	assert.ErrorIs(t, err, ErrAmbiguousTimeout)
}

func TestNodeSendCancelledDistinctFromTimeout(t *testing.T) {
	conn := &mockConnection{delay: time.Second}
	node := newTestNode(t, conn, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := node.Send(ctx, &kvRequest{Command: memd.CmdGet, Key: []byte("k")})
	assert.ErrorIs(t, err, ErrCancelled)
	assert.NotErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 500*time.Millisecond,
		"cancellation must complete in bounded time")
}

func TestNodeSendCircuitOpenFailsFast(t *testing.T) {
	conn := &mockConnection{}
	node := newTestNode(t, conn, nil)

	node.breaker.config.VolumeThreshold = 1
	node.breaker.MarkFailure()
	require.Equal(t, breakerStateOpen, node.breaker.State())

	_, err := node.Send(context.Background(), &kvRequest{Command: memd.CmdGet, Key: []byte("k")})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, int64(0), conn.executed.Load())
}

func TestNodeSendHalfOpenCanaryRecovers(t *testing.T) {
	conn := &mockConnection{}
	node := newTestNode(t, conn, nil)

	node.breaker.config.VolumeThreshold = 1
	node.breaker.config.SleepWindow = 20 * time.Millisecond
	node.breaker.MarkFailure()
	time.Sleep(30 * time.Millisecond)

	// half-open: the outer request still fails, but a canary goes out
	_, err := node.Send(context.Background(), &kvRequest{Command: memd.CmdGet, Key: []byte("k")})
	assert.ErrorIs(t, err, ErrCircuitOpen)

	assert.Eventually(t, func() bool {
		return node.breaker.State() == breakerStateClosed
	}, time.Second, 5*time.Millisecond)

	res, err := node.Send(context.Background(), &kvRequest{Command: memd.CmdGet, Key: []byte("k")})
	require.NoError(t, err)
	assert.Equal(t, memd.StatusSuccess, res.Status)
}

func TestNodeSubdocMultiPathFailureIsSuccess(t *testing.T) {
	conn := &mockConnection{
		handler: func(req *kvRequest) (*kvResponse, error) {
			return &kvResponse{Status: memd.StatusSubDocBadMulti}, nil
		},
	}
	node := newTestNode(t, conn, nil)

	res, err := node.Send(context.Background(), &kvRequest{
		Command: memd.CmdSubDocMultiLookup, Key: []byte("k"),
	})
	require.NoError(t, err)
	assert.Equal(t, memd.StatusSubDocBadMulti, res.Status)
}

func TestNodeSelectBucketRecordsOwner(t *testing.T) {
	conn := &mockConnection{}
	node := newTestNode(t, conn, nil)

	assert.Equal(t, "", node.BucketName())
	require.NoError(t, node.SelectBucket(context.Background(), "default"))
	assert.Equal(t, "default", node.BucketName())
	require.NotNil(t, conn.selected.Load())
	assert.Equal(t, "default", *conn.selected.Load())
}

func TestNodeServiceURIs(t *testing.T) {
	node := newTestNode(t, &mockConnection{}, nil)

	node.SetServiceURI(ServiceQuery, "http://10.0.0.1:8093")
	uri, ok := node.ServiceURI(ServiceQuery)
	require.True(t, ok)
	assert.Equal(t, "http://10.0.0.1:8093", uri)
	assert.True(t, node.HasService(ServiceQuery))
	assert.False(t, node.HasService(ServiceAnalytics))

	node.SetServiceURI(ServiceQuery, "")
	assert.False(t, node.HasService(ServiceQuery))
}
