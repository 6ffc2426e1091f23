package kvclient

import (
	"context"
	"sync"
	"testing"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/couchbaselabs/gocbclient/cbconfig"
)

// testHandlers scripts per-endpoint responses for mock connections.
type testHandlers struct {
	lock     sync.Mutex
	handlers map[string]func(req *kvRequest) (*kvResponse, error)
}

func (h *testHandlers) forEndpoint(endpoint string) func(req *kvRequest) (*kvResponse, error) {
	h.lock.Lock()
	defer h.lock.Unlock()
	return h.handlers[endpoint]
}

// newTestClusterContext builds a context whose nodes are backed by mock
// connections, with the serialized config handler running.
func newTestClusterContext(t *testing.T, handlers *testHandlers) *ClusterContext {
	closeCtx, closeFunc := context.WithCancel(context.Background())
	c := &ClusterContext{
		logger:    zap.NewNop(),
		opts:      ClusterOptions{}.withDefaults(),
		registry:  xsync.NewMapOf[string, *clusterNode](),
		buckets:   make(map[string]*Bucket),
		configCh:  make(chan configUpdate, 16),
		closeCtx:  closeCtx,
		closeFunc: closeFunc,
	}

	c.newNode = func(ctx context.Context, ep routeEndpoint, bucketName string) (*clusterNode, error) {
		handler := handlers.forEndpoint(ep.Address)
		factory := func(ctx context.Context) (poolConnection, error) {
			return &mockConnection{id: "mock-" + ep.Address, handler: handler}, nil
		}

		node := newClusterNode(clusterNodeOptions{
			Logger:        zap.NewNop(),
			Endpoint:      ep.Address,
			BootstrapHost: ep.BootstrapHost,
			PoolOptions: connectionPoolOptions{
				MinSize: 1,
				MaxSize: 1,
				Factory: factory,
			},
			PublishConfig: c.PublishConfig,
		})
		if err := node.Initialize(ctx); err != nil {
			return nil, err
		}
		if bucketName != "" {
			node.lock.Lock()
			node.bucketName = bucketName
			node.lock.Unlock()
		}
		return node, nil
	}

	c.handlerWg.Add(1)
	go c.configHandler()

	t.Cleanup(c.Close)
	return c
}

// makeTestConfig builds a terse config for the given hosts, with one
// vbucket per host by default.
func makeTestConfig(rev int, bucketName string, hosts []string, vbMap [][]int) *cbconfig.TerseConfigJson {
	config := &cbconfig.TerseConfigJson{
		Rev:         rev,
		Name:        bucketName,
		NodeLocator: "vbucket",
	}

	var serverList []string
	for _, host := range hosts {
		config.NodesExt = append(config.NodesExt, cbconfig.TerseExtNodeJson{
			Hostname: host,
			Services: &cbconfig.TerseExtNodePortsJson{
				Kv:   11210,
				Mgmt: 8091,
				N1ql: 8093,
			},
		})
		serverList = append(serverList, host+":11210")
	}

	if vbMap == nil {
		vbMap = make([][]int, len(hosts))
		for i := range vbMap {
			vbMap[i] = []int{i}
		}
	}
	config.VBucketServerMap = &cbconfig.VBucketServerMapJson{
		HashAlgorithm: "CRC",
		NumReplicas:   0,
		ServerList:    serverList,
		VBucketMap:    vbMap,
	}

	return config
}

func openTestBucket(t *testing.T, c *ClusterContext, config *cbconfig.TerseConfigJson) *Bucket {
	bucket := newBucket(config.Name, bucketTypeCouchbase, c)
	bucket.ConfigUpdated(context.Background(), config)
	require.NotEqual(t, -1, bucket.ConfigRev())

	c.bucketsLock.Lock()
	c.buckets[config.Name] = bucket
	c.bucketsLock.Unlock()
	return bucket
}

func TestClusterServiceURISelection(t *testing.T) {
	handlers := &testHandlers{handlers: map[string]func(req *kvRequest) (*kvResponse, error){}}
	c := newTestClusterContext(t, handlers)

	config := makeTestConfig(3, "default", []string{"a", "b"}, nil)
	bucket := openTestBucket(t, c, config)
	require.Len(t, bucket.Nodes(), 2)

	for i, node := range bucket.Nodes() {
		c.populateServiceURIs(node, config, i)
	}

	uri, err := c.ServiceURI(ServiceQuery, "")
	require.NoError(t, err)
	assert.Contains(t, []string{"http://a:8093", "http://b:8093"}, uri)

	_, err = c.ServiceURI(ServiceAnalytics, "")
	assert.ErrorIs(t, err, ErrServiceMissing)
}

func TestClusterBucketScopedServiceURI(t *testing.T) {
	handlers := &testHandlers{handlers: map[string]func(req *kvRequest) (*kvResponse, error){}}
	c := newTestClusterContext(t, handlers)

	config := makeTestConfig(3, "beers", []string{"a"}, nil)
	bucket := openTestBucket(t, c, config)

	node := bucket.Nodes()[0]
	node.SetServiceURI(ServiceViews, "http://a:8092")
	node.lock.Lock()
	node.bucketName = "beers"
	node.lock.Unlock()

	uri, err := c.ServiceURI(ServiceViews, "beers")
	require.NoError(t, err)
	assert.Equal(t, "http://a:8092", uri)

	_, err = c.ServiceURI(ServiceViews, "wines")
	assert.ErrorIs(t, err, ErrServiceMissing)
}

func TestClusterPruneRemovesDepartedNodes(t *testing.T) {
	handlers := &testHandlers{handlers: map[string]func(req *kvRequest) (*kvResponse, error){}}
	c := newTestClusterContext(t, handlers)

	config := makeTestConfig(3, "default", []string{"a", "b"}, nil)
	bucket := openTestBucket(t, c, config)
	require.Len(t, c.Nodes(), 2)

	// node b leaves the cluster in rev 4
	shrunk := makeTestConfig(4, "default", []string{"a"}, nil)
	bucket.ConfigUpdated(context.Background(), shrunk)

	require.Len(t, bucket.Nodes(), 1)
	assert.Equal(t, "a:11210", bucket.Nodes()[0].Endpoint())

	nodes := c.Nodes()
	require.Len(t, nodes, 1)
	assert.Equal(t, "a:11210", nodes[0].Endpoint())
}
