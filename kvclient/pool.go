package kvclient

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/couchbaselabs/gocbclient/memd"
	"github.com/couchbaselabs/gocbclient/pkg/metrics"
)

const (
	defaultIntakeQueueSize = 1024
	poolScaleInterval      = 1 * time.Second
	poolScaleDownIdle      = 30 * time.Second
)

type connectionFactory func(ctx context.Context) (poolConnection, error)

type connectionPoolOptions struct {
	Logger    *zap.Logger
	Endpoint  string
	MinSize   int
	MaxSize   int
	QueueSize int
	Factory   connectionFactory
}

// queuedOp is one operation waiting in the intake queue. Completion and
// cancellation race; the flag makes whichever happens first final.
type queuedOp struct {
	ctx       context.Context
	req       *kvRequest
	resCh     chan opResult
	completed atomic.Bool
}

type opResult struct {
	res *kvResponse
	err error
}

func (o *queuedOp) complete(res *kvResponse, err error) bool {
	if !o.completed.CompareAndSwap(false, true) {
		return false
	}
	o.resCh <- opResult{res: res, err: err}
	return true
}

func (o *queuedOp) cancelled() bool {
	return o.completed.Load()
}

// pooledConnection wraps a connection with its consumer's stop signal.
type pooledConnection struct {
	conn   poolConnection
	stopCh chan struct{}
}

// connectionPool maintains a bounded, elastic set of connections to one
// node. Operations enter a shared intake queue; each live connection runs
// a consumer that dispatches one operation at a time.
type connectionPool struct {
	logger   *zap.Logger
	endpoint string
	minSize  int
	maxSize  int
	factory  connectionFactory

	intake chan *queuedOp

	// lock is the pool-exclusive freeze lock; all structural mutation of
	// conns happens under it.
	lock     sync.Mutex
	conns    []*pooledConnection
	disposed bool

	controllerCancel context.CancelFunc
	controllerDone   chan struct{}

	pendingSends atomic.Int64
}

func newConnectionPool(opts connectionPoolOptions) *connectionPool {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	minSize := opts.MinSize
	if minSize <= 0 {
		minSize = defaultPoolMinSize
	}
	maxSize := opts.MaxSize
	if maxSize < minSize {
		maxSize = minSize
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = defaultIntakeQueueSize
	}

	return &connectionPool{
		logger:   logger.Named("pool"),
		endpoint: opts.Endpoint,
		minSize:  minSize,
		maxSize:  maxSize,
		factory:  opts.Factory,
		intake:   make(chan *queuedOp, queueSize),
	}
}

// Initialize opens min-size connections in parallel. Partial success is
// retained; only a complete failure fails the call. It also starts the
// scale controller that replaces lost connections and adapts pool size.
func (p *connectionPool) Initialize(ctx context.Context) error {
	type dialResult struct {
		conn poolConnection
		err  error
	}

	resCh := make(chan dialResult, p.minSize)
	for i := 0; i < p.minSize; i++ {
		go func() {
			conn, err := p.factory(ctx)
			resCh <- dialResult{conn: conn, err: err}
		}()
	}

	var conns []poolConnection
	var lastErr error
	for i := 0; i < p.minSize; i++ {
		res := <-resCh
		if res.err != nil {
			lastErr = res.err
			continue
		}
		conns = append(conns, res.conn)
	}

	if len(conns) == 0 {
		return lastErr
	}
	if len(conns) < p.minSize {
		p.logger.Warn("pool initialized below min size",
			zap.String("endpoint", p.endpoint),
			zap.Int("size", len(conns)),
			zap.Int("min", p.minSize),
			zap.Error(lastErr))
	}

	p.lock.Lock()
	if p.disposed {
		p.lock.Unlock()
		for _, conn := range conns {
			_ = conn.Close(0)
		}
		return ErrPoolDisposed
	}
	for _, conn := range conns {
		p.startConnLocked(conn)
	}
	p.lock.Unlock()

	controllerCtx, cancel := context.WithCancel(context.Background())
	p.controllerCancel = cancel
	p.controllerDone = make(chan struct{})
	go p.scaleController(controllerCtx)

	return nil
}

// startConnLocked registers a connection and launches its consumer.
// Callers hold p.lock.
func (p *connectionPool) startConnLocked(conn poolConnection) {
	pc := &pooledConnection{
		conn:   conn,
		stopCh: make(chan struct{}),
	}
	p.conns = append(p.conns, pc)
	metrics.PoolConnections.WithLabelValues(p.endpoint).Inc()
	go p.connConsumer(pc)
}

// connConsumer moves one operation at a time from the intake queue to its
// connection. A consumer that observes its connection dead unlinks itself,
// requeues the operation, and schedules dead-connection cleanup.
func (p *connectionPool) connConsumer(pc *pooledConnection) {
	for {
		select {
		case <-pc.stopCh:
			return
		case op := <-p.intake:
			if op.cancelled() {
				p.pendingSends.Add(-1)
				continue
			}

			if pc.conn.IsDead() {
				p.requeue(op)
				go p.CleanupDeadConnections()
				return
			}

			res, err := pc.conn.Execute(op.ctx, op.req)
			p.pendingSends.Add(-1)
			op.complete(res, err)

			if pc.conn.IsDead() {
				go p.CleanupDeadConnections()
				return
			}
		}
	}
}

// requeue puts an op back on the intake queue without losing it: the
// fast path is a non-blocking send, falling back to a goroutine when the
// queue is momentarily full.
func (p *connectionPool) requeue(op *queuedOp) {
	select {
	case p.intake <- op:
	default:
		go func() {
			select {
			case p.intake <- op:
			case <-op.ctx.Done():
				p.pendingSends.Add(-1)
				op.complete(nil, classifyCtxErr(op.ctx.Err()))
			}
		}()
	}
}

// QueueSend submits one operation and waits for its result. The context
// cancels the op whether it is still queued or already dispatched.
func (p *connectionPool) QueueSend(ctx context.Context, req *kvRequest) (*kvResponse, error) {
	p.lock.Lock()
	if p.disposed {
		p.lock.Unlock()
		return nil, ErrPoolDisposed
	}
	size := len(p.conns)
	p.lock.Unlock()

	if size == 0 {
		// a pool with no connections is recovering; kick a cleanup pass
		// to rebuild toward min before queueing
		p.CleanupDeadConnections()
	}

	op := &queuedOp{
		ctx:   ctx,
		req:   req,
		resCh: make(chan opResult, 1),
	}

	select {
	case p.intake <- op:
		p.pendingSends.Add(1)
		metrics.PoolQueueDepth.WithLabelValues(p.endpoint).Set(float64(len(p.intake)))
	case <-ctx.Done():
		return nil, classifyCtxErr(ctx.Err())
	}

	// the pool may have been disposed between the check above and the
	// enqueue; fail the op ourselves rather than leaving it stranded
	p.lock.Lock()
	disposed := p.disposed
	p.lock.Unlock()
	if disposed && op.complete(nil, ErrPoolDisposed) {
		p.pendingSends.Add(-1)
		return nil, ErrPoolDisposed
	}

	select {
	case res := <-op.resCh:
		return res.res, res.err
	case <-ctx.Done():
		if op.complete(nil, nil) {
			// cancelled before a result arrived; a consumer that has not
			// dispatched it yet skips it, one already executing it has its
			// result dropped
			return nil, classifyCtxErr(ctx.Err())
		}
		// dispatch won the race; take its result
		res := <-op.resCh
		return res.res, res.err
	}
}

// errorMap returns the first server error map any live connection
// negotiated.
func (p *connectionPool) errorMap() *memd.ErrorMap {
	p.lock.Lock()
	defer p.lock.Unlock()
	for _, pc := range p.conns {
		if emap := pc.conn.ErrorMap(); emap != nil {
			return emap
		}
	}
	return nil
}

// PendingSends reports the number of queued-but-unfinished operations,
// the signal the scale controller keys off.
func (p *connectionPool) PendingSends() int64 {
	return p.pendingSends.Load()
}

// Size reports the current connection count.
func (p *connectionPool) Size() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return len(p.conns)
}

// Freeze acquires the pool-exclusive lock, blocking structural mutation
// until the guard is released.
func (p *connectionPool) Freeze() *poolFreezeGuard {
	p.lock.Lock()
	return &poolFreezeGuard{pool: p}
}

type poolFreezeGuard struct {
	pool *connectionPool
	once sync.Once
}

func (g *poolFreezeGuard) Release() {
	g.once.Do(func() {
		g.pool.lock.Unlock()
	})
}

// Scale grows or shrinks the pool by delta connections. Growth is capped
// at max size; shrink stops the longest-idle connections, never below min,
// and does not wait for their sockets to close.
func (p *connectionPool) Scale(ctx context.Context, delta int) {
	if delta > 0 {
		p.scaleUp(ctx, delta)
	} else if delta < 0 {
		p.scaleDown(-delta)
	}
}

func (p *connectionPool) scaleUp(ctx context.Context, count int) {
	p.lock.Lock()
	if p.disposed {
		p.lock.Unlock()
		return
	}
	room := p.maxSize - len(p.conns)
	p.lock.Unlock()

	if count > room {
		count = room
	}

	for i := 0; i < count; i++ {
		conn, err := p.factory(ctx)
		if err != nil {
			p.logger.Warn("failed to open connection while scaling up",
				zap.String("endpoint", p.endpoint),
				zap.Error(err))
			return
		}

		p.lock.Lock()
		if p.disposed || len(p.conns) >= p.maxSize {
			p.lock.Unlock()
			_ = conn.Close(0)
			return
		}
		p.startConnLocked(conn)
		p.lock.Unlock()
	}
}

func (p *connectionPool) scaleDown(count int) {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.disposed {
		return
	}

	excess := len(p.conns) - p.minSize
	if count > excess {
		count = excess
	}
	if count <= 0 {
		return
	}

	// longest idle first; in-flight connections report zero idle and are
	// only picked when nothing idle remains
	victims := slices.Clone(p.conns)
	slices.SortStableFunc(victims, func(a, b *pooledConnection) int {
		ai, bi := a.conn.IdleTime(), b.conn.IdleTime()
		if ai > bi {
			return -1
		} else if ai < bi {
			return 1
		}
		return 0
	})

	for _, victim := range victims[:count] {
		p.removeConnLocked(victim)
	}
}

// removeConnLocked unlinks a connection and closes it in the background.
// Callers hold p.lock.
func (p *connectionPool) removeConnLocked(pc *pooledConnection) {
	idx := slices.Index(p.conns, pc)
	if idx < 0 {
		return
	}
	p.conns = slices.Delete(p.conns, idx, idx+1)
	metrics.PoolConnections.WithLabelValues(p.endpoint).Dec()

	close(pc.stopCh)
	go func() {
		if err := pc.conn.Close(defaultGracePeriod); err != nil {
			p.logger.Debug("error closing pooled connection", zap.Error(err))
		}
	}()
}

// CleanupDeadConnections removes every dead connection under the pool
// lock and attempts to restore the pool to min size. Replacement failures
// are logged; the scale controller retries them.
func (p *connectionPool) CleanupDeadConnections() {
	p.lock.Lock()
	if p.disposed {
		p.lock.Unlock()
		return
	}

	for _, pc := range slices.Clone(p.conns) {
		if pc.conn.IsDead() {
			p.removeConnLocked(pc)
		}
	}
	missing := p.minSize - len(p.conns)
	p.lock.Unlock()

	for i := 0; i < missing; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), defaultConnectTimeout)
		conn, err := p.factory(ctx)
		cancel()
		if err != nil {
			p.logger.Warn("failed to replace dead connection",
				zap.String("endpoint", p.endpoint),
				zap.Error(err))
			return
		}

		p.lock.Lock()
		if p.disposed || len(p.conns) >= p.maxSize {
			p.lock.Unlock()
			_ = conn.Close(0)
			return
		}
		p.startConnLocked(conn)
		p.lock.Unlock()
	}
}

// scaleController periodically nudges the pool toward the demanded size:
// it refills toward min after failures (with backoff between attempts),
// grows on queue pressure, and shrinks when connections sit idle.
func (p *connectionPool) scaleController(ctx context.Context) {
	defer close(p.controllerDone)

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0
	b.Reset()
	var retryAt time.Time

	ticker := time.NewTicker(poolScaleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		p.lock.Lock()
		disposed := p.disposed
		size := len(p.conns)
		var anyDead bool
		var idleCount int
		for _, pc := range p.conns {
			if pc.conn.IsDead() {
				anyDead = true
			}
			if pc.conn.IdleTime() > poolScaleDownIdle {
				idleCount++
			}
		}
		p.lock.Unlock()

		if disposed {
			return
		}

		if anyDead || size < p.minSize {
			if time.Now().Before(retryAt) {
				continue
			}
			before := p.Size()
			p.CleanupDeadConnections()
			if p.Size() < p.minSize && p.Size() <= before {
				retryAt = time.Now().Add(b.NextBackOff())
			} else {
				b.Reset()
			}
			continue
		}

		pending := p.PendingSends()
		switch {
		case pending > int64(size) && size < p.maxSize:
			p.Scale(ctx, 1)
		case pending == 0 && idleCount > 0 && size > p.minSize:
			p.Scale(ctx, -1)
		}
	}
}

// SelectBucket broadcasts SELECT_BUCKET across every connection under a
// freeze, so no structural change interleaves with the transition.
func (p *connectionPool) SelectBucket(ctx context.Context, bucketName string) error {
	guard := p.Freeze()
	defer guard.Release()

	if p.disposed {
		return ErrPoolDisposed
	}

	for _, pc := range p.conns {
		if err := pc.conn.SelectBucket(ctx, bucketName); err != nil {
			return err
		}
	}
	return nil
}

// Dispose permanently shuts the pool down: the scale controller stops,
// queued operations fail, and every connection closes.
func (p *connectionPool) Dispose() {
	p.lock.Lock()
	if p.disposed {
		p.lock.Unlock()
		return
	}
	p.disposed = true

	conns := p.conns
	p.conns = nil
	for _, pc := range conns {
		close(pc.stopCh)
	}
	p.lock.Unlock()

	if p.controllerCancel != nil {
		p.controllerCancel()
		<-p.controllerDone
	}

	// drain anything still queued
	for {
		select {
		case op := <-p.intake:
			p.pendingSends.Add(-1)
			op.complete(nil, ErrPoolDisposed)
		default:
			metrics.PoolConnections.WithLabelValues(p.endpoint).Set(0)
			for _, pc := range conns {
				_ = pc.conn.Close(0)
			}
			return
		}
	}
}
