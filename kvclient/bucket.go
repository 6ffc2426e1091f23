package kvclient

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/couchbaselabs/gocbclient/cbconfig"
	"github.com/couchbaselabs/gocbclient/memd"
	"github.com/couchbaselabs/gocbclient/pkg/metrics"
)

// Bucket is one bucket's routing state: the node set serving it, the key
// mapper for its locator type, and the latest applied config revision.
type Bucket struct {
	name    string
	btype   bucketType
	logger  *zap.Logger
	context *ClusterContext

	config atomic.Pointer[cbconfig.TerseConfigJson]
	vbMap  atomic.Pointer[vbucketMap]
	ketama atomic.Pointer[ketamaMap]
	nodes  atomic.Pointer[[]*clusterNode]

	collections          *xsync.MapOf[string, uint32]
	collectionsSupported atomic.Bool

	retryBudget int
}

func newBucket(name string, btype bucketType, context *ClusterContext) *Bucket {
	b := &Bucket{
		name:        name,
		btype:       btype,
		logger:      context.logger.Named("bucket").With(zap.String("bucket", name)),
		context:     context,
		collections: xsync.NewMapOf[string, uint32](),
		retryBudget: defaultRetryBudget,
	}
	empty := []*clusterNode{}
	b.nodes.Store(&empty)
	return b
}

func (b *Bucket) Name() string {
	return b.name
}

// Nodes returns the current node list snapshot.
func (b *Bucket) Nodes() []*clusterNode {
	return *b.nodes.Load()
}

// ConfigRev returns the revision of the applied config, or -1 before the
// first apply.
func (b *Bucket) ConfigRev() int {
	config := b.config.Load()
	if config == nil {
		return -1
	}
	return config.Rev
}

// routeEndpoint is a node address derived from a config, carrying the
// hostname the config was observed through for placeholder handling.
type routeEndpoint struct {
	Address       string
	BootstrapHost string
}

// kvEndpointsFromConfig extracts the KV endpoints in server-list order.
// NodesExt ordering matches the vbucket map's server indices.
func kvEndpointsFromConfig(config *cbconfig.TerseConfigJson, resolution NetworkResolution, useTls bool) []routeEndpoint {
	var endpoints []routeEndpoint
	for _, node := range config.NodesExt {
		hostname := node.Hostname
		if hostname == "" {
			// the answering node leaves its own hostname out
			hostname = config.SourceHostname
		}
		defaultHostname := hostname
		ports := node.Services

		if resolution == NetworkResolutionExternal {
			alt, ok := node.AltAddresses["external"]
			if !ok {
				continue
			}
			if alt.Hostname != "" {
				hostname = alt.Hostname
			}
			if alt.Ports != nil {
				ports = alt.Ports
			}
		}

		if ports == nil {
			continue
		}
		port := ports.Kv
		if useTls {
			port = ports.KvSsl
		}
		if port == 0 {
			continue
		}

		endpoints = append(endpoints, routeEndpoint{
			Address:       fmt.Sprintf("%s:%d", hostname, port),
			BootstrapHost: defaultHostname,
		})
	}
	return endpoints
}

// ConfigUpdated applies one config to the bucket. Apart from the initial
// apply in bootstrapBucket, which runs before the bucket is registered, it
// is only invoked from the context's serialized config handler, so it never
// races itself.
func (b *Bucket) ConfigUpdated(ctx context.Context, config *cbconfig.TerseConfigJson) {
	if config.Name != "" && config.Name != b.name {
		metrics.ConfigUpdates.WithLabelValues(b.name, "wrong_bucket").Inc()
		return
	}

	current := b.config.Load()
	if current != nil && !config.IsNewerThan(current) {
		metrics.ConfigUpdates.WithLabelValues(b.name, "stale").Inc()
		b.logger.Debug("dropping stale config",
			zap.Int("rev", config.Rev),
			zap.Int("currentRev", current.Rev))
		return
	}

	if b.btype == bucketTypeMemcached {
		// ketama has no vbucket map; the ring follows the node list
		if b.ketama.Load() == nil || b.clusterNodesChanged(config) {
			_ = b.rebuildKeyMapper(config)
		}
	} else if b.vbucketMapChanged(config) {
		if err := b.rebuildKeyMapper(config); err != nil {
			b.logger.Warn("failed to rebuild key mapper", zap.Error(err))
			metrics.ConfigUpdates.WithLabelValues(b.name, "bad_map").Inc()
			return
		}
	}

	if b.clusterNodesChanged(config) {
		if err := b.rebuildNodeList(ctx, config); err != nil {
			b.logger.Warn("failed to rebuild node list", zap.Error(err))
			metrics.ConfigUpdates.WithLabelValues(b.name, "node_failure").Inc()
			return
		}
	}

	for _, capability := range config.BucketCapabilities {
		if capability == "collections" {
			b.collectionsSupported.Store(true)
		}
	}

	b.config.Store(config)
	metrics.ConfigUpdates.WithLabelValues(b.name, "applied").Inc()
	metrics.ConfigRevisions.WithLabelValues(b.name).Set(float64(config.Rev))
	b.logger.Debug("applied config", zap.Int("rev", config.Rev))
}

func (b *Bucket) vbucketMapChanged(config *cbconfig.TerseConfigJson) bool {
	if config.VBucketServerMap == nil {
		return false
	}
	current := b.vbMap.Load()
	if current == nil {
		return true
	}

	fresh := config.VBucketServerMap.VBucketMap
	if len(fresh) != len(current.entries) {
		return true
	}
	for i := range fresh {
		if !slices.Equal(fresh[i], current.entries[i]) {
			return true
		}
	}
	return false
}

func (b *Bucket) rebuildKeyMapper(config *cbconfig.TerseConfigJson) error {
	if b.btype == bucketTypeMemcached || config.NodeLocator == "ketama" {
		endpoints := kvEndpointsFromConfig(config, b.context.opts.NetworkResolution, b.context.opts.TlsEnabled)
		addresses := make([]string, len(endpoints))
		for i, ep := range endpoints {
			addresses[i] = ep.Address
		}
		b.ketama.Store(newKetamaMap(addresses))
		return nil
	}

	vbMap, err := newVbucketMap(config.VBucketServerMap.VBucketMap, config.VBucketServerMap.NumReplicas)
	if err != nil {
		return err
	}
	b.vbMap.Store(vbMap)
	return nil
}

func (b *Bucket) clusterNodesChanged(config *cbconfig.TerseConfigJson) bool {
	endpoints := kvEndpointsFromConfig(config, b.context.opts.NetworkResolution, b.context.opts.TlsEnabled)
	nodes := b.Nodes()
	if len(endpoints) != len(nodes) {
		return true
	}
	for i, ep := range endpoints {
		if nodes[i].Endpoint() != ep.Address {
			return true
		}
	}
	return false
}

// rebuildNodeList diffs the config's node list against the registry,
// creating and bootstrapping nodes that are new, swapping the bucket's
// node list atomically, and pruning registry nodes that disappeared.
func (b *Bucket) rebuildNodeList(ctx context.Context, config *cbconfig.TerseConfigJson) error {
	endpoints := kvEndpointsFromConfig(config, b.context.opts.NetworkResolution, b.context.opts.TlsEnabled)

	nodes := make([]*clusterNode, 0, len(endpoints))
	for _, ep := range endpoints {
		node, err := b.context.ensureKvNode(ctx, ep, b.name)
		if err != nil {
			return fmt.Errorf("failed to add node %s: %w", ep.Address, err)
		}
		nodes = append(nodes, node)
	}

	b.nodes.Store(&nodes)
	b.context.pruneNodes(endpoints)
	return nil
}

// route resolves the request's key to the node it must be dispatched to,
// stamping the vbucket id the server will verify.
func (b *Bucket) route(req *kvRequest) (*clusterNode, error) {
	nodes := b.Nodes()
	if len(nodes) == 0 {
		return nil, fmt.Errorf("%w: bucket has no nodes", ErrServiceMissing)
	}

	if b.btype == bucketTypeMemcached {
		idx := b.ketamaForRouting().NodeForKey(req.Key)
		if idx < 0 || idx >= len(nodes) {
			return nil, fmt.Errorf("%w: no node for key", ErrServiceMissing)
		}
		return nodes[idx], nil
	}

	vbMap := b.vbMap.Load()
	if vbMap == nil {
		return nil, fmt.Errorf("%w: no vbucket map yet", ErrServiceMissing)
	}

	idx, vbID := vbMap.NodeForKey(req.Key, req.ReplicaIdx)
	req.Vbucket = vbID
	if idx < 0 || idx >= len(nodes) {
		if req.ReplicaIdx > 0 {
			return nil, fmt.Errorf("%w: no replica %d for vbucket %d",
				ErrServiceMissing, req.ReplicaIdx, vbID)
		}
		return nil, fmt.Errorf("%w: no primary for vbucket %d", ErrServiceMissing, vbID)
	}

	return nodes[idx], nil
}

func (b *Bucket) ketamaForRouting() *ketamaMap {
	if km := b.ketama.Load(); km != nil {
		return km
	}
	return &ketamaMap{}
}

// Send routes and dispatches one operation, orchestrating retries for
// not-my-vbucket, outdated collection ids, and statuses the server error
// map marks retriable. The caller's context bounds the whole exchange.
func (b *Bucket) Send(ctx context.Context, req *kvRequest) (*kvResponse, error) {
	cidRetried := false

	for attempt := 1; ; attempt++ {
		node, err := b.route(req)
		if err != nil {
			return nil, err
		}

		if req.CollectionRef != "" && b.CollectionsSupported() {
			cid, ok := b.collections.Load(req.CollectionRef)
			if !ok {
				cid, err = b.resolveCollectionID(ctx, node, req.CollectionRef)
				if err != nil {
					return nil, err
				}
			}
			req.CollectionID = cid
		}

		res, err := node.Send(ctx, req)
		if err == nil {
			return res, nil
		}

		var kvErr *KvError
		if !errors.As(err, &kvErr) {
			return nil, err
		}

		switch {
		case errors.Is(kvErr.InnerError, ErrNotMyVBucket):
			// the node already published the embedded config; give the
			// serialized handler a beat to apply it, then re-route
			if attempt > b.retryBudget {
				return nil, err
			}
			if err := b.retryWait(ctx, node, kvErr.Status, attempt); err != nil {
				return nil, err
			}

		case errors.Is(kvErr.InnerError, ErrCollectionOutdated):
			if cidRetried || req.CollectionRef == "" {
				return nil, err
			}
			cidRetried = true
			b.collections.Delete(req.CollectionRef)
			cid, cidErr := b.resolveCollectionID(ctx, node, req.CollectionRef)
			if cidErr != nil {
				return nil, err
			}
			req.CollectionID = cid
			// retried once, on the same node
			res, err = node.Send(ctx, req)
			if err == nil {
				return res, nil
			}
			return nil, err

		case kvErr.Retriable:
			if attempt > b.retryBudget {
				return nil, err
			}
			if err := b.retryWait(ctx, node, kvErr.Status, attempt); err != nil {
				return nil, err
			}

		default:
			return nil, err
		}
	}
}

// retryWait sleeps per the server's published retry strategy, falling back
// to a short constant pause, and never outlives the caller's context.
func (b *Bucket) retryWait(ctx context.Context, node *clusterNode, status memd.StatusCode, attempt int) error {
	wait := 5 * time.Millisecond
	if emap := node.ErrorMap(); emap != nil {
		if mapped, ok := emap.RetryWait(status, attempt); ok {
			wait = mapped
		}
	}

	select {
	case <-time.After(wait):
		return nil
	case <-ctx.Done():
		return classifyCtxErr(ctx.Err())
	}
}

func (b *Bucket) CollectionsSupported() bool {
	return b.collectionsSupported.Load()
}

// resolveCollectionID fetches the collection id for a "scope.collection"
// path via GET_CID on the given node and caches it.
func (b *Bucket) resolveCollectionID(ctx context.Context, node *clusterNode, ref string) (uint32, error) {
	res, err := node.Send(ctx, &kvRequest{
		Command: memd.CmdCollectionsGetID,
		Value:   []byte(ref),
	})
	if err != nil {
		return 0, err
	}
	if len(res.Extras) < 12 {
		return 0, fmt.Errorf("short get-cid response for %q", ref)
	}

	cid := binary.BigEndian.Uint32(res.Extras[8:])
	b.collections.Store(ref, cid)
	return cid, nil
}

// FetchCollectionManifest pulls the full manifest, priming the cid cache.
func (b *Bucket) FetchCollectionManifest(ctx context.Context) (*cbconfig.CollectionManifestJson, error) {
	nodes := b.Nodes()
	if len(nodes) == 0 {
		return nil, fmt.Errorf("%w: bucket has no nodes", ErrServiceMissing)
	}

	res, err := nodes[0].Send(ctx, &kvRequest{
		Command: memd.CmdCollectionsGetManifest,
	})
	if err != nil {
		return nil, err
	}

	var manifest cbconfig.CollectionManifestJson
	if err := json.Unmarshal(res.Value, &manifest); err != nil {
		return nil, err
	}
	for _, scope := range manifest.Scopes {
		for _, collection := range scope.Collections {
			cid, err := strconv.ParseUint(collection.UID, 16, 32)
			if err != nil {
				continue
			}
			b.collections.Store(scope.Name+"."+collection.Name, uint32(cid))
		}
	}
	return &manifest, nil
}
