package kvclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/couchbaselabs/gocbclient/cbconfig"
	"github.com/couchbaselabs/gocbclient/memd"
	"github.com/couchbaselabs/gocbclient/pkg/metrics"
)

// ServiceType identifies one of the cluster's services.
type ServiceType string

const (
	ServiceKv        = ServiceType("kv")
	ServiceMgmt      = ServiceType("mgmt")
	ServiceViews     = ServiceType("views")
	ServiceQuery     = ServiceType("query")
	ServiceSearch    = ServiceType("search")
	ServiceAnalytics = ServiceType("analytics")
)

// bucketType discriminates how keys route to nodes.
type bucketType int

const (
	bucketTypeCouchbase bucketType = iota
	bucketTypeMemcached
)

type clusterNodeOptions struct {
	Logger *zap.Logger

	// Endpoint is the KV address ("host:port") this node is reached at.
	Endpoint string

	// BootstrapHost is the hostname the node was originally discovered
	// through, used for placeholder substitution in configs it publishes.
	BootstrapHost string

	KvTimeout        time.Duration
	KvDurableTimeout time.Duration

	PoolOptions connectionPoolOptions

	Breaker circuitBreakerConfig

	// PublishConfig receives configs the node extracts from in-band
	// not-my-vbucket responses.
	PublishConfig func(config *cbconfig.TerseConfigJson, sourceHost string)
}

// clusterNode is one server's identity and send pipeline: service URIs,
// negotiated state, circuit breaker and a connection pool.
type clusterNode struct {
	id     string
	logger *zap.Logger

	endpoint      string
	bootstrapHost string

	kvTimeout        time.Duration
	kvDurableTimeout time.Duration

	pool    *connectionPool
	breaker *circuitBreaker

	publishConfig func(config *cbconfig.TerseConfigJson, sourceHost string)

	lock         sync.RWMutex
	serviceURIs  map[ServiceType]string
	lastActivity map[ServiceType]time.Time

	// bucketName is a weak handle to the owning bucket; lookups resolve
	// through the context's bucket registry.
	bucketName string
}

func newClusterNode(opts clusterNodeOptions) *clusterNode {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	kvTimeout := opts.KvTimeout
	if kvTimeout == 0 {
		kvTimeout = defaultKvTimeout
	}
	kvDurableTimeout := opts.KvDurableTimeout
	if kvDurableTimeout == 0 {
		kvDurableTimeout = defaultKvDurableTimeout
	}

	breakerConfig := opts.Breaker
	if breakerConfig.CompletionCallback == nil {
		breakerConfig = defaultBreakerConfig()
	}

	poolOpts := opts.PoolOptions
	poolOpts.Endpoint = opts.Endpoint
	if poolOpts.Logger == nil {
		poolOpts.Logger = logger
	}

	return &clusterNode{
		id:               uuid.NewString(),
		logger:           logger.Named("node").With(zap.String("endpoint", opts.Endpoint)),
		endpoint:         opts.Endpoint,
		bootstrapHost:    opts.BootstrapHost,
		kvTimeout:        kvTimeout,
		kvDurableTimeout: kvDurableTimeout,
		pool:             newConnectionPool(poolOpts),
		breaker:          newCircuitBreaker(breakerConfig),
		publishConfig:    opts.PublishConfig,
		serviceURIs:      make(map[ServiceType]string),
		lastActivity:     make(map[ServiceType]time.Time),
	}
}

func (n *clusterNode) ID() string {
	return n.id
}

func (n *clusterNode) Endpoint() string {
	return n.endpoint
}

func (n *clusterNode) Initialize(ctx context.Context) error {
	return n.pool.Initialize(ctx)
}

// SetServiceURI records where this node serves a non-KV service; an empty
// uri removes the service.
func (n *clusterNode) SetServiceURI(service ServiceType, uri string) {
	n.lock.Lock()
	defer n.lock.Unlock()
	if uri == "" {
		delete(n.serviceURIs, service)
		return
	}
	n.serviceURIs[service] = uri
}

func (n *clusterNode) ServiceURI(service ServiceType) (string, bool) {
	n.lock.RLock()
	defer n.lock.RUnlock()
	uri, ok := n.serviceURIs[service]
	return uri, ok
}

func (n *clusterNode) HasService(service ServiceType) bool {
	if service == ServiceKv {
		return true
	}
	_, ok := n.ServiceURI(service)
	return ok
}

func (n *clusterNode) markActivity(service ServiceType) {
	n.lock.Lock()
	n.lastActivity[service] = time.Now()
	n.lock.Unlock()
}

func (n *clusterNode) LastActivity(service ServiceType) (time.Time, bool) {
	n.lock.RLock()
	defer n.lock.RUnlock()
	at, ok := n.lastActivity[service]
	return at, ok
}

// BucketName returns the owning bucket's name, or empty when unassigned.
func (n *clusterNode) BucketName() string {
	n.lock.RLock()
	defer n.lock.RUnlock()
	return n.bucketName
}

// SelectBucket assigns the node to a bucket by broadcasting SELECT_BUCKET
// across its pool under a freeze and recording the owner.
func (n *clusterNode) SelectBucket(ctx context.Context, bucketName string) error {
	if err := n.pool.SelectBucket(ctx, bucketName); err != nil {
		return err
	}

	n.lock.Lock()
	n.bucketName = bucketName
	n.lock.Unlock()
	return nil
}

// Send runs one operation through the breaker, deadline computation, pool
// dispatch and response status handling.
func (n *clusterNode) Send(ctx context.Context, req *kvRequest) (*kvResponse, error) {
	switch n.breaker.State() {
	case breakerStateOpen:
		return nil, fmt.Errorf("%w: %s", ErrCircuitOpen, n.endpoint)
	case breakerStateHalfOpen:
		if n.breaker.ShouldSendCanary() {
			n.sendCanary()
		}
		return nil, fmt.Errorf("%w: %s (probing)", ErrCircuitOpen, n.endpoint)
	}

	timeout := req.Timeout
	if timeout == 0 {
		if req.hasDurability() {
			timeout = n.kvDurableTimeout
		} else {
			timeout = n.kvTimeout
		}
	}
	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := n.pool.QueueSend(opCtx, req)
	n.markActivity(ServiceKv)

	if n.breaker.CompletionCallback(err) {
		n.breaker.MarkSuccessful()
	} else {
		n.breaker.MarkFailure()
	}

	if err != nil {
		if errors.Is(err, ErrTimeout) {
			// the linked token fired because of the deadline, not the
			// caller's token; classify by ambiguity
			if ctx.Err() == nil {
				err = n.timeoutKind(req)
			} else {
				err = classifyCtxErr(ctx.Err())
			}
		}
		metrics.KvOperations.WithLabelValues(n.endpoint, "error").Inc()
		return nil, err
	}

	return n.handleStatus(req, res)
}

func (n *clusterNode) timeoutKind(req *kvRequest) error {
	if req.Mutation {
		return ErrAmbiguousTimeout
	}
	return ErrUnambiguousTimeout
}

func (n *clusterNode) handleStatus(req *kvRequest, res *kvResponse) (*kvResponse, error) {
	switch res.Status {
	case memd.StatusSuccess, memd.StatusSubDocSuccessDeleted:
		metrics.KvOperations.WithLabelValues(n.endpoint, "success").Inc()
		return res, nil

	case memd.StatusSubDocBadMulti, memd.StatusSubDocMultiPathFailureDel:
		// per-path failures surface when the caller reads the specs
		metrics.KvOperations.WithLabelValues(n.endpoint, "success").Inc()
		return res, nil

	case memd.StatusNotMyVBucket:
		n.handleNotMyVbucket(res)
		metrics.KvOperations.WithLabelValues(n.endpoint, "nmv").Inc()
		return nil, &KvError{
			InnerError: ErrNotMyVBucket,
			Status:     res.Status,
			Opcode:     req.Command,
			Retriable:  true,
		}

	default:
		metrics.KvOperations.WithLabelValues(n.endpoint, "error").Inc()
		return nil, n.translateStatus(req, res)
	}
}

// handleNotMyVbucket publishes the config embedded in a not-my-vbucket
// response so routing converges before the retry.
func (n *clusterNode) handleNotMyVbucket(res *kvResponse) {
	if len(res.Value) == 0 || n.publishConfig == nil {
		return
	}

	host, _, err := net.SplitHostPort(n.endpoint)
	if err != nil {
		host = n.bootstrapHost
	}

	config, err := cbconfig.ParseTerseConfig(res.Value, host)
	if err != nil {
		n.logger.Warn("failed to parse not-my-vbucket config", zap.Error(err))
		return
	}

	n.publishConfig(config, host)
}

func (n *clusterNode) translateStatus(req *kvRequest, res *kvResponse) error {
	kvErr := &KvError{
		InnerError: statusToError(res.Status, req.Cas != 0),
		Status:     res.Status,
		Opcode:     req.Command,
		Retriable:  isRetriableStatus(res.Status),
	}
	if emap := n.pool.errorMap(); emap != nil {
		if entry, ok := emap.Errors[res.Status]; ok {
			kvErr.ErrorName = entry.Name
			kvErr.ErrorDescription = entry.Description
			kvErr.Retriable = kvErr.Retriable || emap.ShouldRetry(res.Status)
		}
	}
	return kvErr
}

// sendCanary probes the node with a NOOP under a short timeout, flipping
// the breaker according to the outcome.
func (n *clusterNode) sendCanary() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), n.breaker.CanaryTimeout())
		defer cancel()

		res, err := n.pool.QueueSend(ctx, &kvRequest{Command: memd.CmdNoop})
		if err == nil && res.Status == memd.StatusSuccess {
			n.breaker.MarkSuccessful()
			n.logger.Debug("circuit breaker canary succeeded")
			return
		}
		n.breaker.MarkFailure()
		n.logger.Debug("circuit breaker canary failed", zap.Error(err))
	}()
}

// ErrorMap exposes the server error map negotiated by the pool's
// connections.
func (n *clusterNode) ErrorMap() *memd.ErrorMap {
	return n.pool.errorMap()
}

// Dispose closes the pool and every connection in it.
func (n *clusterNode) Dispose() {
	n.pool.Dispose()
}
