package kvclient

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"sync"
	"time"

	connstr "github.com/couchbaselabs/gocbconnstr"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/couchbaselabs/gocbclient/cbconfig"
	"github.com/couchbaselabs/gocbclient/memd"
)

// configUpdate pairs a config with the host it was observed from; both
// streaming and in-band sources produce these.
type configUpdate struct {
	config     *cbconfig.TerseConfigJson
	sourceHost string
}

// ClusterContext is the live view of the cluster: the node registry, the
// bucket registry, and the serialized config-update pipeline. It is an
// explicit value owned by the application; there is no ambient singleton.
type ClusterContext struct {
	logger *zap.Logger
	opts   ClusterOptions

	memdHosts []string
	httpHosts []string

	// registry holds every known node keyed by KV endpoint. Reads are
	// lock-free; create/remove is serialized by registryLock (bootstrap
	// and the config handler are the only writers).
	registry     *xsync.MapOf[string, *clusterNode]
	registryLock sync.Mutex

	bucketsLock sync.Mutex
	buckets     map[string]*Bucket

	configCh  chan configUpdate
	closeCtx  context.Context
	closeFunc context.CancelFunc
	handlerWg sync.WaitGroup

	// newNode builds and initializes a node; swapped out by tests.
	newNode func(ctx context.Context, ep routeEndpoint, bucketName string) (*clusterNode, error)

	globalConfigSupported bool
}

// NewClusterContext resolves the connection string (including DNS SRV
// expansion) and bootstraps against the cluster.
func NewClusterContext(ctx context.Context, connectionString string, opts ClusterOptions) (*ClusterContext, error) {
	opts = opts.withDefaults()

	spec, err := connstr.Parse(connectionString)
	if err != nil {
		return nil, fmt.Errorf("invalid connection string: %w", err)
	}
	resolved, err := connstr.Resolve(spec)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve connection string: %w", err)
	}

	if resolved.UseSsl {
		opts.TlsEnabled = true
	}
	if opts.TlsEnabled && opts.TlsConfig == nil {
		opts.TlsConfig = &tls.Config{}
	}

	var memdHosts, httpHosts []string
	for _, addr := range resolved.MemdHosts {
		port := addr.Port
		if port <= 0 {
			port = opts.KvPort
		}
		memdHosts = append(memdHosts, net.JoinHostPort(addr.Host, strconv.Itoa(port)))
	}
	for _, addr := range resolved.HttpHosts {
		port := addr.Port
		if port <= 0 {
			port = opts.BootstrapHttpPort
		}
		scheme := "http"
		if opts.TlsEnabled {
			scheme = "https"
		}
		httpHosts = append(httpHosts, fmt.Sprintf("%s://%s", scheme,
			net.JoinHostPort(addr.Host, strconv.Itoa(port))))
	}
	if len(memdHosts) == 0 {
		return nil, fmt.Errorf("connection string yields no endpoints")
	}

	closeCtx, closeFunc := context.WithCancel(context.Background())
	c := &ClusterContext{
		logger:    opts.Logger.Named("cluster"),
		opts:      opts,
		memdHosts: memdHosts,
		httpHosts: httpHosts,
		registry:  xsync.NewMapOf[string, *clusterNode](),
		buckets:   make(map[string]*Bucket),
		configCh:  make(chan configUpdate, 16),
		closeCtx:  closeCtx,
		closeFunc: closeFunc,
	}
	c.newNode = c.dialNode

	if err := c.bootstrap(ctx); err != nil {
		closeFunc()
		c.registry.Range(func(address string, node *clusterNode) bool {
			node.Dispose()
			return true
		})
		return nil, err
	}

	c.handlerWg.Add(1)
	go c.configHandler()

	return c, nil
}

// bootstrap walks the resolved endpoints trying to load a global cluster
// map. Servers predating global configs answer with no-bucket; those fall
// back to per-bucket bootstrap on first bucket open.
func (c *ClusterContext) bootstrap(ctx context.Context) error {
	var lastErr error
	for _, endpoint := range c.memdHosts {
		node, err := c.ensureNode(ctx, routeEndpoint{
			Address:       endpoint,
			BootstrapHost: hostOf(endpoint),
		}, "")
		if err != nil {
			lastErr = err
			c.logger.Warn("bootstrap endpoint unreachable",
				zap.String("endpoint", endpoint), zap.Error(err))
			continue
		}

		config, err := c.fetchClusterConfig(ctx, node)
		if err != nil {
			var kvErr *KvError
			if errors.As(err, &kvErr) && kvErr.Status == memd.StatusNoBucket {
				// older server; defer to per-bucket bootstrap
				c.globalConfigSupported = false
				c.logger.Debug("global configs unsupported, using bucket bootstrap")
				return nil
			}
			lastErr = err
			continue
		}

		c.globalConfigSupported = true
		c.applyGlobalConfig(config)
		return nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no bootstrap endpoints")
	}
	return fmt.Errorf("cluster bootstrap failed: %w", lastErr)
}

// applyGlobalConfig walks a cluster map's node list creating nodes and
// populating service URIs. The bootstrap node is updated in place rather
// than duplicated.
func (c *ClusterContext) applyGlobalConfig(config *cbconfig.TerseConfigJson) {
	endpoints := kvEndpointsFromConfig(config, c.opts.NetworkResolution, c.opts.TlsEnabled)
	for i, ep := range endpoints {
		ctx, cancel := context.WithTimeout(c.closeCtx, c.opts.ConnectTimeout)
		node, err := c.ensureNode(ctx, ep, "")
		cancel()
		if err != nil {
			c.logger.Warn("failed to add cluster node",
				zap.String("endpoint", ep.Address), zap.Error(err))
			continue
		}
		c.populateServiceURIs(node, config, i)
	}
}

// populateServiceURIs copies the non-KV service addresses for nodesExt
// entry idx onto the node.
func (c *ClusterContext) populateServiceURIs(node *clusterNode, config *cbconfig.TerseConfigJson, idx int) {
	if idx >= len(config.NodesExt) {
		return
	}
	ext := config.NodesExt[idx]
	hostname := ext.Hostname
	ports := ext.Services

	if c.opts.NetworkResolution == NetworkResolutionExternal {
		if alt, ok := ext.AltAddresses["external"]; ok {
			if alt.Hostname != "" {
				hostname = alt.Hostname
			}
			if alt.Ports != nil {
				ports = alt.Ports
			}
		}
	}
	if hostname == "" {
		hostname = node.bootstrapHost
	}
	if ports == nil {
		return
	}

	scheme := "http"
	type portPick struct {
		service ServiceType
		plain   uint16
		tls     uint16
	}
	picks := []portPick{
		{ServiceMgmt, ports.Mgmt, ports.MgmtSsl},
		{ServiceViews, ports.Capi, ports.CapiSsl},
		{ServiceQuery, ports.N1ql, ports.N1qlSsl},
		{ServiceSearch, ports.Fts, ports.FtsSsl},
		{ServiceAnalytics, ports.Cbas, ports.CbasSsl},
	}
	if c.opts.TlsEnabled {
		scheme = "https"
	}

	for _, pick := range picks {
		port := pick.plain
		if c.opts.TlsEnabled {
			port = pick.tls
		}
		if port == 0 {
			node.SetServiceURI(pick.service, "")
			continue
		}
		node.SetServiceURI(pick.service, fmt.Sprintf("%s://%s", scheme,
			net.JoinHostPort(hostname, strconv.Itoa(int(port)))))
	}
}

// fetchClusterConfig asks a node for its current cluster map over KV.
func (c *ClusterContext) fetchClusterConfig(ctx context.Context, node *clusterNode) (*cbconfig.TerseConfigJson, error) {
	res, err := node.Send(ctx, &kvRequest{Command: memd.CmdGetClusterConfig})
	if err != nil {
		return nil, err
	}

	return cbconfig.ParseTerseConfig(res.Value, hostOf(node.Endpoint()))
}

// ensureNode returns the registry node for an endpoint, creating and
// initializing one when absent. bucketName, when non-empty, is selected on
// the node's connections at bootstrap.
func (c *ClusterContext) ensureNode(ctx context.Context, ep routeEndpoint, bucketName string) (*clusterNode, error) {
	if node, ok := c.registry.Load(ep.Address); ok {
		return node, nil
	}

	c.registryLock.Lock()
	defer c.registryLock.Unlock()

	if node, ok := c.registry.Load(ep.Address); ok {
		return node, nil
	}

	node, err := c.newNode(ctx, ep, bucketName)
	if err != nil {
		return nil, err
	}

	c.registry.Store(ep.Address, node)
	return node, nil
}

// dialNode is the production node factory.
func (c *ClusterContext) dialNode(ctx context.Context, ep routeEndpoint, bucketName string) (*clusterNode, error) {
	node := newClusterNode(clusterNodeOptions{
		Logger:           c.opts.Logger,
		Endpoint:         ep.Address,
		BootstrapHost:    ep.BootstrapHost,
		KvTimeout:        c.opts.KvTimeout,
		KvDurableTimeout: c.opts.KvDurableTimeout,
		PoolOptions: connectionPoolOptions{
			Logger:  c.opts.Logger,
			MinSize: c.opts.PoolMinSize,
			MaxSize: c.opts.PoolMaxSize,
			Factory: c.connectionFactory(ep.Address, bucketName),
		},
		Breaker:       defaultBreakerConfig(),
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

// ensureKvNode is ensureNode plus the unassigned-to-assigned transition:
// a node already in the registry without a bucket gets SELECT_BUCKET
// broadcast across its pool.
func (c *ClusterContext) ensureKvNode(ctx context.Context, ep routeEndpoint, bucketName string) (*clusterNode, error) {
	existing, ok := c.registry.Load(ep.Address)
	if ok {
		if existing.BucketName() == "" && bucketName != "" {
			if err := existing.SelectBucket(ctx, bucketName); err != nil {
				return nil, err
			}
		}
		return existing, nil
	}

	return c.ensureNode(ctx, ep, bucketName)
}

func (c *ClusterContext) connectionFactory(address, bucketName string) connectionFactory {
	return func(ctx context.Context) (poolConnection, error) {
		return dialMemdConnection(ctx, memdConnectionOptions{
			Logger:                c.opts.Logger,
			Address:               address,
			TlsConfig:             c.opts.TlsConfig,
			Username:              c.opts.Username,
			Password:              c.opts.Password,
			BucketName:            bucketName,
			EnableMutationTokens:  c.opts.EnableMutationTokens,
			EnableServerDurations: c.opts.EnableServerDurations,
			EnableCollections:     c.opts.EnableCollections,
			EnableCompression:     c.opts.EnableCompression,
		})
	}
}

// pruneNodes disposes registry nodes that no longer appear in the latest
// node list and are not referenced by any bucket.
func (c *ClusterContext) pruneNodes(keep []routeEndpoint) {
	c.registryLock.Lock()
	defer c.registryLock.Unlock()

	keepSet := make(map[string]bool, len(keep))
	for _, ep := range keep {
		keepSet[ep.Address] = true
	}

	c.bucketsLock.Lock()
	for _, bucket := range c.buckets {
		for _, node := range bucket.Nodes() {
			keepSet[node.Endpoint()] = true
		}
	}
	c.bucketsLock.Unlock()

	c.registry.Range(func(address string, node *clusterNode) bool {
		if !keepSet[address] {
			c.logger.Info("pruning departed node", zap.String("endpoint", address))
			c.registry.Delete(address)
			node.Dispose()
		}
		return true
	})
}

// PublishConfig feeds one config into the serialized handler. Both the
// HTTP streams and in-band not-my-vbucket responses land here.
func (c *ClusterContext) PublishConfig(config *cbconfig.TerseConfigJson, sourceHost string) {
	select {
	case c.configCh <- configUpdate{config: config, sourceHost: sourceHost}:
	case <-c.closeCtx.Done():
	}
}

// configHandler is the single writer for topology state: every config,
// whatever its source, applies from this goroutine.
func (c *ClusterContext) configHandler() {
	defer c.handlerWg.Done()

	for {
		select {
		case <-c.closeCtx.Done():
			return
		case update := <-c.configCh:
			c.applyConfig(update)
		}
	}
}

func (c *ClusterContext) applyConfig(update configUpdate) {
	c.bucketsLock.Lock()
	bucket := c.buckets[update.config.Name]
	c.bucketsLock.Unlock()

	if bucket == nil {
		c.logger.Debug("config for unknown bucket",
			zap.String("bucket", update.config.Name))
		return
	}

	ctx, cancel := context.WithTimeout(c.closeCtx, c.opts.ConnectTimeout)
	bucket.ConfigUpdated(ctx, update.config)
	cancel()
}

// GetOrCreateBucket returns the open bucket or bootstraps it: for each
// bootstrap endpoint, select the bucket on a node, load its cluster map,
// build the key mapper and start its config subscription.
func (c *ClusterContext) GetOrCreateBucket(ctx context.Context, bucketName string) (*Bucket, error) {
	c.bucketsLock.Lock()
	if bucket, ok := c.buckets[bucketName]; ok {
		c.bucketsLock.Unlock()
		return bucket, nil
	}
	c.bucketsLock.Unlock()

	var lastErr error
	for _, endpoint := range c.memdHosts {
		bucket, err := c.bootstrapBucket(ctx, endpoint, bucketName)
		if err != nil {
			lastErr = err
			c.logger.Warn("bucket bootstrap attempt failed",
				zap.String("endpoint", endpoint),
				zap.String("bucket", bucketName),
				zap.Error(err))
			continue
		}
		return bucket, nil
	}

	return nil, fmt.Errorf("%w: %s: %w", ErrBucketNotFound, bucketName, lastErr)
}

func (c *ClusterContext) bootstrapBucket(ctx context.Context, endpoint, bucketName string) (*Bucket, error) {
	ep := routeEndpoint{Address: endpoint, BootstrapHost: hostOf(endpoint)}
	node, err := c.ensureKvNode(ctx, ep, bucketName)
	if err != nil {
		return nil, err
	}
	if node.BucketName() == "" {
		if err := node.SelectBucket(ctx, bucketName); err != nil {
			return nil, err
		}
	}

	config, err := c.fetchClusterConfig(ctx, node)
	if err != nil {
		return nil, err
	}
	if config.Name == "" {
		config.Name = bucketName
	}
	if config.Name != bucketName {
		return nil, fmt.Errorf("%w: endpoint served config for %q", ErrBucketNotFound, config.Name)
	}

	btype := bucketTypeCouchbase
	if config.NodeLocator == "ketama" {
		btype = bucketTypeMemcached
	}

	bucket := newBucket(bucketName, btype, c)
	bucket.ConfigUpdated(ctx, config)
	if bucket.ConfigRev() == -1 && bucket.config.Load() == nil {
		return nil, fmt.Errorf("%w: initial config rejected", ErrBucketNotFound)
	}

	if bucket.CollectionsSupported() && c.opts.EnableCollections {
		if _, err := bucket.FetchCollectionManifest(ctx); err != nil {
			c.logger.Debug("collection manifest unavailable", zap.Error(err))
		}
	}

	c.bucketsLock.Lock()
	if existing, ok := c.buckets[bucketName]; ok {
		c.bucketsLock.Unlock()
		return existing, nil
	}
	c.buckets[bucketName] = bucket
	c.bucketsLock.Unlock()

	c.startBucketWatchers(bucketName)
	return bucket, nil
}

// startBucketWatchers subscribes the bucket to the streaming config feed,
// plus the polling fallback when enabled.
func (c *ClusterContext) startBucketWatchers(bucketName string) {
	streamer := cbconfig.NewStreamer(cbconfig.StreamerOptions{
		Hosts:      c.httpHosts,
		BucketName: bucketName,
		Username:   c.opts.Username,
		Password:   c.opts.Password,
		Logger:     c.opts.Logger,
	})

	c.handlerWg.Add(1)
	go func() {
		defer c.handlerWg.Done()
		for config := range streamer.Watch(c.closeCtx) {
			c.PublishConfig(config, "")
		}
	}()

	if c.opts.EnableConfigPolling && len(c.httpHosts) > 0 {
		c.handlerWg.Add(1)
		go func() {
			defer c.handlerWg.Done()
			c.pollBucketConfig(bucketName)
		}()
	}
}

func (c *ClusterContext) pollBucketConfig(bucketName string) {
	ticker := time.NewTicker(c.opts.ConfigPollPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.closeCtx.Done():
			return
		case <-ticker.C:
		}

		host := c.httpHosts[rand.Intn(len(c.httpHosts))]
		fetcher := cbconfig.NewFetcher(cbconfig.FetcherOptions{
			Host:     host,
			Username: c.opts.Username,
			Password: c.opts.Password,
			Logger:   c.opts.Logger,
		})

		ctx, cancel := context.WithTimeout(c.closeCtx, c.opts.ConnectTimeout)
		config, err := fetcher.FetchTerseBucket(ctx, bucketName)
		cancel()
		if err != nil {
			c.logger.Debug("config poll failed", zap.Error(err))
			continue
		}

		c.PublishConfig(config, "")
	}
}

// ServiceURI picks a node hosting the service uniformly at random. When
// bucketName is set (views), only nodes owned by that bucket qualify.
func (c *ClusterContext) ServiceURI(service ServiceType, bucketName string) (string, error) {
	var candidates []string

	collect := func(node *clusterNode) {
		if bucketName != "" && node.BucketName() != bucketName {
			return
		}
		if uri, ok := node.ServiceURI(service); ok {
			candidates = append(candidates, uri)
		}
	}

	if bucketName != "" {
		c.bucketsLock.Lock()
		bucket := c.buckets[bucketName]
		c.bucketsLock.Unlock()
		if bucket != nil {
			for _, node := range bucket.Nodes() {
				collect(node)
			}
		}
	} else {
		c.registry.Range(func(_ string, node *clusterNode) bool {
			collect(node)
			return true
		})
	}

	if len(candidates) == 0 {
		return "", fmt.Errorf("%w: %s", ErrServiceMissing, service)
	}

	return candidates[rand.Intn(len(candidates))], nil
}

// ClusterVersion probes the pools endpoint; the cluster's compatibility
// version is the minimum across its nodes.
func (c *ClusterContext) ClusterVersion(ctx context.Context) (string, error) {
	var lastErr error
	for _, host := range c.httpHosts {
		fetcher := cbconfig.NewFetcher(cbconfig.FetcherOptions{
			Host:     host,
			Username: c.opts.Username,
			Password: c.opts.Password,
			Logger:   c.opts.Logger,
		})
		version, err := fetcher.ClusterVersion(ctx)
		if err != nil {
			lastErr = err
			continue
		}
		return version, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("%w: %s", ErrServiceMissing, ServiceMgmt)
	}
	return "", fmt.Errorf("version probe failed: %w", lastErr)
}

// Nodes returns a snapshot of every node in the registry.
func (c *ClusterContext) Nodes() []*clusterNode {
	var nodes []*clusterNode
	c.registry.Range(func(_ string, node *clusterNode) bool {
		nodes = append(nodes, node)
		return true
	})
	slices.SortFunc(nodes, func(a, b *clusterNode) int {
		if a.Endpoint() < b.Endpoint() {
			return -1
		} else if a.Endpoint() > b.Endpoint() {
			return 1
		}
		return 0
	})
	return nodes
}

// Close tears the context down: config handling stops, then every node's
// pool is disposed.
func (c *ClusterContext) Close() {
	c.closeFunc()
	c.handlerWg.Wait()

	c.registry.Range(func(address string, node *clusterNode) bool {
		c.registry.Delete(address)
		node.Dispose()
		return true
	})
}

func hostOf(endpoint string) string {
	host, _, err := net.SplitHostPort(endpoint)
	if err != nil {
		return endpoint
	}
	return host
}
