package kvclient

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/couchbaselabs/gocbclient/memd"
)

// mockConnection scripts a poolConnection for pool/node tests and records
// the concurrency it observed.
type mockConnection struct {
	id   string
	dead atomic.Bool

	idleLock sync.Mutex
	idle     time.Duration

	delay time.Duration

	// handler produces responses; nil means echo success.
	handler func(req *kvRequest) (*kvResponse, error)

	executed    atomic.Int64
	inFlight    atomic.Int64
	maxInFlight atomic.Int64
	closed      atomic.Bool
	selected    atomic.Pointer[string]
}

func (m *mockConnection) ID() string {
	return m.id
}

func (m *mockConnection) IsDead() bool {
	return m.dead.Load()
}

func (m *mockConnection) IdleTime() time.Duration {
	m.idleLock.Lock()
	defer m.idleLock.Unlock()
	return m.idle
}

func (m *mockConnection) setIdle(d time.Duration) {
	m.idleLock.Lock()
	m.idle = d
	m.idleLock.Unlock()
}

func (m *mockConnection) Execute(ctx context.Context, req *kvRequest) (*kvResponse, error) {
	cur := m.inFlight.Add(1)
	for {
		max := m.maxInFlight.Load()
		if cur <= max || m.maxInFlight.CompareAndSwap(max, cur) {
			break
		}
	}
	defer m.inFlight.Add(-1)

	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return nil, classifyCtxErr(ctx.Err())
		}
	}

	m.executed.Add(1)

	if m.handler != nil {
		return m.handler(req)
	}
	return &kvResponse{Status: memd.StatusSuccess}, nil
}

func (m *mockConnection) SelectBucket(ctx context.Context, bucketName string) error {
	m.selected.Store(&bucketName)
	return nil
}

func (m *mockConnection) ErrorMap() *memd.ErrorMap {
	return nil
}

func (m *mockConnection) Close(grace time.Duration) error {
	m.closed.Store(true)
	m.dead.Store(true)
	return nil
}

// mockFactory hands out a scripted sequence of connections, then keeps
// producing fresh healthy ones.
type mockFactory struct {
	lock    sync.Mutex
	scripts []*mockConnection
	dialed  int
}

func (f *mockFactory) factory(ctx context.Context) (poolConnection, error) {
	f.lock.Lock()
	defer f.lock.Unlock()

	f.dialed++
	if len(f.scripts) > 0 {
		conn := f.scripts[0]
		f.scripts = f.scripts[1:]
		return conn, nil
	}
	return &mockConnection{id: fmt.Sprintf("conn-%d", f.dialed)}, nil
}

func (f *mockFactory) dialCount() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.dialed
}
