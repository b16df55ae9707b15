package billing

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// TenantLocker serialises work on a single tenant's ledger.
// Lock blocks until the tenant is free or ctx is done; the returned
// function releases the lock and must be called exactly once.
type TenantLocker interface {
	Lock(ctx context.Context, tenantID uuid.UUID) (unlock func(), err error)
}

// LocalTenantLocker is an in-process TenantLocker. Each tenant gets its own
// lock, created on first use and dropped when nobody holds or waits for it,
// so different tenants never contend.
type LocalTenantLocker struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*tenantLock
}

type tenantLock struct {
	sem  chan struct{}
	refs int
}

// NewLocalTenantLocker creates an in-process tenant locker
func NewLocalTenantLocker() *LocalTenantLocker {
	return &LocalTenantLocker{
		locks: make(map[uuid.UUID]*tenantLock),
	}
}

// Lock acquires the tenant's lock
func (l *LocalTenantLocker) Lock(ctx context.Context, tenantID uuid.UUID) (func(), error) {
	tl := l.acquireRef(tenantID)

	select {
	case tl.sem <- struct{}{}:
	case <-ctx.Done():
		l.releaseRef(tenantID, tl)
		return nil, fmt.Errorf("waiting for tenant %s lock: %w", tenantID, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-tl.sem
			l.releaseRef(tenantID, tl)
		})
	}, nil
}

// Active returns the number of tenants currently holding or waiting for a lock
func (l *LocalTenantLocker) Active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

func (l *LocalTenantLocker) acquireRef(tenantID uuid.UUID) *tenantLock {
	l.mu.Lock()
	defer l.mu.Unlock()

	tl, ok := l.locks[tenantID]
	if !ok {
		tl = &tenantLock{sem: make(chan struct{}, 1)}
		l.locks[tenantID] = tl
	}
	tl.refs++
	return tl
}

func (l *LocalTenantLocker) releaseRef(tenantID uuid.UUID, tl *tenantLock) {
	l.mu.Lock()
	defer l.mu.Unlock()

	tl.refs--
	if tl.refs == 0 {
		delete(l.locks, tenantID)
	}
}

var _ TenantLocker = (*LocalTenantLocker)(nil)
