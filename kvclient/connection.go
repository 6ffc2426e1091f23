package kvclient

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/couchbaselabs/gocbclient/memd"
	"github.com/couchbaselabs/gocbclient/scramclient"
)

// poolConnection is the surface the connection pool needs from a
// connection; memdConnection is the real implementation and tests supply
// mocks.
type poolConnection interface {
	ID() string
	IsDead() bool
	IdleTime() time.Duration
	Execute(ctx context.Context, req *kvRequest) (*kvResponse, error)
	SelectBucket(ctx context.Context, bucketName string) error
	ErrorMap() *memd.ErrorMap
	Close(grace time.Duration) error
}

type memdConnectionOptions struct {
	Logger     *zap.Logger
	Address    string
	TlsConfig  *tls.Config
	Username   string
	Password   string
	BucketName string
	ClientName string

	EnableMutationTokens  bool
	EnableServerDurations bool
	EnableCollections     bool
	EnableCompression     bool
}

type pendingResult struct {
	pak *memd.Packet
	err error
}

type pendingOp struct {
	resCh chan pendingResult
}

// memdConnection is one authenticated TCP session to a KV node. Sends are
// serialized by the codec's write lock; responses demux by opaque from a
// single read loop.
type memdConnection struct {
	id     string
	logger *zap.Logger
	addr   string

	netConn  net.Conn
	memdConn *memd.LockedConn

	pending *xsync.MapOf[uint32, *pendingOp]

	dead    atomic.Bool
	closed  atomic.Bool
	closeCh chan struct{}

	inFlight atomic.Int64
	lastUsed atomic.Int64

	features     map[memd.HelloFeature]bool
	featuresLock sync.RWMutex
	errMap       atomic.Pointer[memd.ErrorMap]
	bucketName   atomic.Pointer[string]
}

var _ poolConnection = (*memdConnection)(nil)

// dialMemdConnection opens, bootstraps and starts the read loop for one
// connection. Bootstrap runs exactly once: HELLO, GET_ERROR_MAP, SASL,
// and SELECT_BUCKET when a bucket is already bound.
func dialMemdConnection(ctx context.Context, opts memdConnectionOptions) (*memdConnection, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	dialer := &net.Dialer{}
	var netConn net.Conn
	var err error
	if opts.TlsConfig != nil {
		tlsDialer := &tls.Dialer{NetDialer: dialer, Config: opts.TlsConfig}
		netConn, err = tlsDialer.DialContext(ctx, "tcp", opts.Address)
	} else {
		netConn, err = dialer.DialContext(ctx, "tcp", opts.Address)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", opts.Address, err)
	}

	conn := &memdConnection{
		id:       uuid.NewString(),
		logger:   logger.Named("memdconn"),
		addr:     opts.Address,
		netConn:  netConn,
		memdConn: memd.NewLockedConn(netConn),
		pending:  xsync.NewMapOf[uint32, *pendingOp](),
		closeCh:  make(chan struct{}),
		features: make(map[memd.HelloFeature]bool),
	}
	conn.touch()

	go conn.readLoop()

	if err := conn.bootstrap(ctx, opts); err != nil {
		conn.markDead(err)
		_ = netConn.Close()
		return nil, err
	}

	return conn, nil
}

func (c *memdConnection) ID() string {
	return c.id
}

func (c *memdConnection) IsDead() bool {
	return c.dead.Load()
}

func (c *memdConnection) touch() {
	c.lastUsed.Store(time.Now().UnixNano())
}

// IdleTime reports how long the connection has gone without traffic. A
// connection with in-flight work is never idle.
func (c *memdConnection) IdleTime() time.Duration {
	if c.inFlight.Load() > 0 {
		return 0
	}
	return time.Since(time.Unix(0, c.lastUsed.Load()))
}

func (c *memdConnection) HasFeature(feature memd.HelloFeature) bool {
	c.featuresLock.RLock()
	defer c.featuresLock.RUnlock()
	return c.features[feature]
}

func (c *memdConnection) ErrorMap() *memd.ErrorMap {
	return c.errMap.Load()
}

func (c *memdConnection) readLoop() {
	for {
		pak, err := c.memdConn.ReadPacket()
		if err != nil {
			if !c.closed.Load() && !isClosedErr(err) {
				c.logger.Warn("connection read failed", zap.Error(err))
			}
			c.markDead(err)
			break
		}

		op, ok := c.pending.LoadAndDelete(pak.Opaque)
		if !ok {
			// the request was cancelled after its bytes went out
			c.logger.Debug("discarding response with no pending request",
				zap.Uint32("opaque", pak.Opaque))
			continue
		}

		op.resCh <- pendingResult{pak: pak}
	}

	close(c.closeCh)
}

func (c *memdConnection) markDead(cause error) {
	if !c.dead.CompareAndSwap(false, true) {
		return
	}

	failure := pendingResult{err: fmt.Errorf("%w: %w", ErrConnectionClosed, normalizeErr(cause))}
	c.pending.Range(func(opaque uint32, op *pendingOp) bool {
		if _, loaded := c.pending.LoadAndDelete(opaque); loaded {
			op.resCh <- failure
		}
		return true
	})
}

func normalizeErr(err error) error {
	if err == nil {
		return io.EOF
	}
	return err
}

func isClosedErr(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

// roundTrip is Execute for raw packets, used by bootstrap and canaries.
func (c *memdConnection) roundTrip(ctx context.Context, pak *memd.Packet) (*memd.Packet, error) {
	if c.dead.Load() || c.closed.Load() {
		return nil, ErrConnectionClosed
	}

	pak.Opaque = memd.NextOpaque()
	op := &pendingOp{resCh: make(chan pendingResult, 1)}
	c.pending.Store(pak.Opaque, op)

	c.inFlight.Add(1)
	defer func() {
		c.inFlight.Add(-1)
		c.touch()
	}()

	if err := c.memdConn.WritePacket(pak); err != nil {
		c.pending.Delete(pak.Opaque)
		c.markDead(err)
		return nil, fmt.Errorf("%w: %w", ErrConnectionClosed, err)
	}

	select {
	case res := <-op.resCh:
		return res.pak, res.err
	case <-ctx.Done():
		// remove the pending entry; a late response will be discarded
		c.pending.Delete(pak.Opaque)
		return nil, classifyCtxErr(ctx.Err())
	}
}

func classifyCtxErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return ErrCancelled
}

// Execute sends one kv request and waits for its response. Cancelling the
// context removes the opaque from the pending table and completes the call
// in bounded time regardless of whether the response ever arrives.
func (c *memdConnection) Execute(ctx context.Context, req *kvRequest) (*kvResponse, error) {
	key := req.Key
	if req.RoutingKeyOnly {
		key = nil
	} else if c.HasFeature(memd.FeatureCollections) && len(key) > 0 {
		key = memd.AppendCollectionID(make([]byte, 0, len(key)+5), req.CollectionID, key)
	}

	datatype := req.Datatype
	value := req.Value
	if req.Mutation {
		datatype, value = memd.EncodeValue(datatype, value, c.HasFeature(memd.FeatureSnappy))
	}

	pak := &memd.Packet{
		Magic:    memd.MagicReq,
		Command:  req.Command,
		Datatype: datatype,
		Vbucket:  req.Vbucket,
		Cas:      req.Cas,
		Extras:   req.Extras,
		Key:      key,
		Value:    value,
	}
	if req.hasDurability() && c.HasFeature(memd.FeatureSyncReplication) {
		pak.DurabilityLevel = req.DurabilityLevel
		pak.DurabilityLevelTimeout = req.DurabilityTimeout
	}

	res, err := c.roundTrip(ctx, pak)
	if err != nil {
		return nil, err
	}

	resDatatype, resValue, err := memd.DecodeValue(res.Datatype, res.Value)
	if err != nil {
		return nil, err
	}

	return &kvResponse{
		Status:         res.Status,
		Datatype:       resDatatype,
		Cas:            res.Cas,
		Extras:         res.Extras,
		Key:            res.Key,
		Value:          resValue,
		ServerDuration: res.ServerDuration,
	}, nil
}

func (c *memdConnection) bootstrap(ctx context.Context, opts memdConnectionOptions) error {
	if err := c.hello(ctx, opts); err != nil {
		return fmt.Errorf("hello failed: %w", err)
	}

	if err := c.fetchErrorMap(ctx); err != nil {
		// pre-xerror servers have no error map
		c.logger.Debug("error map unavailable", zap.Error(err))
	}

	if opts.Username != "" {
		if err := c.saslAuth(ctx, opts); err != nil {
			return err
		}
	}

	if opts.BucketName != "" {
		if err := c.SelectBucket(ctx, opts.BucketName); err != nil {
			return err
		}
	}

	return nil
}

func (c *memdConnection) hello(ctx context.Context, opts memdConnectionOptions) error {
	features := []memd.HelloFeature{
		memd.FeatureDatatype,
		memd.FeatureXattr,
		memd.FeatureXerror,
		memd.FeatureSelectBucket,
		memd.FeatureJSON,
		memd.FeatureAltRequests,
		memd.FeatureSyncReplication,
	}
	if opts.EnableMutationTokens {
		features = append(features, memd.FeatureSeqNo)
	}
	if opts.EnableServerDurations {
		features = append(features, memd.FeatureDurations)
	}
	if opts.EnableCollections {
		features = append(features, memd.FeatureCollections)
	}
	if opts.EnableCompression {
		features = append(features, memd.FeatureSnappy)
	}

	body := make([]byte, 0, len(features)*2)
	for _, feature := range features {
		body = binary.BigEndian.AppendUint16(body, uint16(feature))
	}

	clientName := opts.ClientName
	if clientName == "" {
		clientName = fmt.Sprintf("gocbclient/%s", c.id)
	}

	res, err := c.roundTrip(ctx, &memd.Packet{
		Magic:   memd.MagicReq,
		Command: memd.CmdHello,
		Key:     []byte(clientName),
		Value:   body,
	})
	if err != nil {
		return err
	}
	if res.Status != memd.StatusSuccess {
		return c.statusErr(res, false)
	}

	c.featuresLock.Lock()
	for i := 0; i+1 < len(res.Value); i += 2 {
		feature := memd.HelloFeature(binary.BigEndian.Uint16(res.Value[i:]))
		c.features[feature] = true
	}
	c.featuresLock.Unlock()

	return nil
}

func (c *memdConnection) fetchErrorMap(ctx context.Context) error {
	version := make([]byte, 2)
	binary.BigEndian.PutUint16(version, 2)

	res, err := c.roundTrip(ctx, &memd.Packet{
		Magic:   memd.MagicReq,
		Command: memd.CmdGetErrorMap,
		Value:   version,
	})
	if err != nil {
		return err
	}
	if res.Status != memd.StatusSuccess {
		return c.statusErr(res, false)
	}

	emap, err := memd.ParseErrorMap(res.Value)
	if err != nil {
		return err
	}
	c.errMap.Store(emap)

	return nil
}

func (c *memdConnection) saslAuth(ctx context.Context, opts memdConnectionOptions) error {
	// PLAIN is acceptable only under TLS; otherwise negotiate SCRAM
	if opts.TlsConfig != nil {
		value := make([]byte, 0, len(opts.Username)+len(opts.Password)+2)
		value = append(value, 0)
		value = append(value, opts.Username...)
		value = append(value, 0)
		value = append(value, opts.Password...)

		res, err := c.roundTrip(ctx, &memd.Packet{
			Magic:   memd.MagicReq,
			Command: memd.CmdSASLAuth,
			Key:     []byte("PLAIN"),
			Value:   value,
		})
		if err != nil {
			return err
		}
		if res.Status != memd.StatusSuccess {
			return fmt.Errorf("%w: PLAIN rejected", ErrAuthenticationFailure)
		}
		return nil
	}

	mech, err := c.pickScramMech(ctx)
	if err != nil {
		return err
	}

	scram, err := scramclient.NewScramClient(mech, opts.Username, opts.Password)
	if err != nil {
		return err
	}

	res, err := c.roundTrip(ctx, &memd.Packet{
		Magic:   memd.MagicReq,
		Command: memd.CmdSASLAuth,
		Key:     []byte(mech),
		Value:   scram.ClientFirst(),
	})
	if err != nil {
		return err
	}
	if res.Status != memd.StatusAuthContinue {
		if res.Status == memd.StatusSuccess {
			return nil
		}
		return fmt.Errorf("%w: %s rejected", ErrAuthenticationFailure, mech)
	}

	clientFinal, err := scram.ClientFinal(res.Value)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAuthenticationFailure, err)
	}

	res, err = c.roundTrip(ctx, &memd.Packet{
		Magic:   memd.MagicReq,
		Command: memd.CmdSASLStep,
		Key:     []byte(mech),
		Value:   clientFinal,
	})
	if err != nil {
		return err
	}
	if res.Status != memd.StatusSuccess {
		return fmt.Errorf("%w: bad credentials", ErrAuthenticationFailure)
	}

	if err := scram.VerifyServerFinal(res.Value); err != nil {
		return fmt.Errorf("%w: %w", ErrAuthenticationFailure, err)
	}

	return nil
}

func (c *memdConnection) pickScramMech(ctx context.Context) (string, error) {
	res, err := c.roundTrip(ctx, &memd.Packet{
		Magic:   memd.MagicReq,
		Command: memd.CmdSASLListMechs,
	})
	if err != nil {
		return "", err
	}
	if res.Status != memd.StatusSuccess {
		return "", fmt.Errorf("%w: cannot list sasl mechanisms", ErrAuthenticationFailure)
	}

	serverMechs := strings.Fields(string(res.Value))
	for _, mech := range scramclient.SupportedMechs {
		if slices.Contains(serverMechs, mech) {
			return mech, nil
		}
	}

	return "", fmt.Errorf("%w: no mutually supported sasl mechanism in %q",
		ErrAuthenticationFailure, serverMechs)
}

// SelectBucket binds this session to a bucket's namespace.
func (c *memdConnection) SelectBucket(ctx context.Context, bucketName string) error {
	res, err := c.roundTrip(ctx, &memd.Packet{
		Magic:   memd.MagicReq,
		Command: memd.CmdSelectBucket,
		Key:     []byte(bucketName),
	})
	if err != nil {
		return err
	}
	if res.Status != memd.StatusSuccess {
		return c.statusErr(res, false)
	}

	c.bucketName.Store(&bucketName)
	return nil
}

// Noop runs the canary command used by the circuit breaker's half-open
// probe.
func (c *memdConnection) Noop(ctx context.Context) error {
	res, err := c.roundTrip(ctx, &memd.Packet{
		Magic:   memd.MagicReq,
		Command: memd.CmdNoop,
	})
	if err != nil {
		return err
	}
	if res.Status != memd.StatusSuccess {
		return c.statusErr(res, false)
	}
	return nil
}

func (c *memdConnection) statusErr(res *memd.Packet, wasCasOp bool) error {
	kvErr := &KvError{
		InnerError: statusToError(res.Status, wasCasOp),
		Status:     res.Status,
		Opcode:     res.Command,
		Opaque:     res.Opaque,
		Retriable:  isRetriableStatus(res.Status),
	}
	if emap := c.errMap.Load(); emap != nil {
		if entry, ok := emap.Errors[res.Status]; ok {
			kvErr.ErrorName = entry.Name
			kvErr.ErrorDescription = entry.Description
			kvErr.Retriable = kvErr.Retriable || emap.ShouldRetry(res.Status)
		}
	}
	return kvErr
}

// Close stops accepting sends, waits up to grace for in-flight work, then
// tears the socket down.
func (c *memdConnection) Close(grace time.Duration) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	if grace > 0 {
		deadline := time.Now().Add(grace)
		for c.inFlight.Load() > 0 && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
	}

	err := c.netConn.Close()
	c.markDead(net.ErrClosed)
	<-c.closeCh

	if err != nil && !isClosedErr(err) {
		return err
	}
	return nil
}
