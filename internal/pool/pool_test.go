package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"browserd/internal/errs"

	"github.com/go-rod/rod"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeFactory struct {
	mu       sync.Mutex
	seq      int
	live     int
	maxLive  int
	failNext int
	delay    time.Duration
	created  []*fakeInstance
}

func (f *fakeFactory) Create(ctx context.Context) (Instance, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext > 0 {
		f.failNext--
		return nil, errors.New("chrome failed to start")
	}
	f.seq++
	f.live++
	if f.live > f.maxLive {
		f.maxLive = f.live
	}
	inst := &fakeInstance{id: fmt.Sprintf("inst-%d", f.seq), factory: f, gone: make(chan struct{})}
	f.created = append(f.created, inst)
	return inst, nil
}

func (f *fakeFactory) stats() (live, maxLive int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.live, f.maxLive
}

type fakeInstance struct {
	id       string
	factory  *fakeFactory
	gone     chan struct{}
	goneOnce sync.Once
	closed   atomic.Bool
	contexts atomic.Int32
}

func (i *fakeInstance) ID() string { return i.id }

func (i *fakeInstance) NewContext(_ context.Context, opts ContextOptions) (Context, error) {
	n := i.contexts.Add(1)
	return &fakeContext{id: fmt.Sprintf("%s/ctx-%d", i.id, n), opts: opts}, nil
}

func (i *fakeInstance) Disconnected() <-chan struct{} { return i.gone }

func (i *fakeInstance) Close() error {
	if i.closed.CompareAndSwap(false, true) {
		i.factory.mu.Lock()
		i.factory.live--
		i.factory.mu.Unlock()
	}
	return nil
}

func (i *fakeInstance) disconnect() {
	i.goneOnce.Do(func() { close(i.gone) })
}

type fakeContext struct {
	id     string
	opts   ContextOptions
	closes atomic.Int32
}

func (c *fakeContext) ID() string                                            { return c.id }
func (c *fakeContext) Options() ContextOptions                               { return c.opts }
func (c *fakeContext) Browser() *rod.Browser                                 { return nil }
func (c *fakeContext) NewPage(context.Context, PageSetup) (*rod.Page, error) { return new(rod.Page), nil }
func (c *fakeContext) Adopt(*rod.Page, PageSetup) error                      { return nil }
func (c *fakeContext) ClosePage(*rod.Page) error                             { return nil }
func (c *fakeContext) Close() error {
	c.closes.Add(1)
	return nil
}

func newTestPool(t *testing.T, cfg Config, f *fakeFactory) *Pool {
	t.Helper()
	p := New(cfg, f)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}

func TestAcquireRelease(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, Config{MaxInstances: 1, MaxPagesPerInstance: 2, AcquireTimeout: time.Second}, f)
	ctx := context.Background()

	a, err := p.Acquire(ctx, ContextOptions{Locale: "de-DE"})
	require.NoError(t, err)
	b, err := p.Acquire(ctx, ContextOptions{})
	require.NoError(t, err)

	require.Equal(t, a.InstanceID(), b.InstanceID())
	require.NotEqual(t, a.ID(), b.ID())
	require.Equal(t, "de-DE", a.Context().Options().Locale)

	st := p.Status()
	require.Equal(t, 1, st.Total)
	require.Equal(t, 1, st.Healthy)
	require.Equal(t, 2, st.TotalPages)

	a.Release()
	a.Release()
	require.Equal(t, int32(1), a.Context().(*fakeContext).closes.Load())
	require.Equal(t, 1, p.Status().TotalPages)

	p.Release(b)
	require.Equal(t, 0, p.Status().TotalPages)
}

func TestAcquirePicksLeastLoaded(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, Config{MaxInstances: 2, MaxPagesPerInstance: 3, WarmupCount: 2, AcquireTimeout: time.Second}, f)
	require.Equal(t, 2, p.Warmup(context.Background()))

	seen := map[string]int{}
	for i := 0; i < 4; i++ {
		l, err := p.Acquire(context.Background(), ContextOptions{})
		require.NoError(t, err)
		seen[l.InstanceID()]++
	}
	require.Len(t, seen, 2)
	for _, n := range seen {
		require.Equal(t, 2, n)
	}
}

func TestCapacityNeverExceeded(t *testing.T) {
	f := &fakeFactory{delay: 5 * time.Millisecond}
	p := newTestPool(t, Config{MaxInstances: 3, MaxPagesPerInstance: 1, AcquireTimeout: 2 * time.Second}, f)

	var wg sync.WaitGroup
	var failures atomic.Int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, err := p.Acquire(context.Background(), ContextOptions{})
			if err != nil {
				failures.Add(1)
				return
			}
			assert.LessOrEqual(t, p.Status().Total, 3)
			time.Sleep(2 * time.Millisecond)
			l.Release()
		}()
	}
	wg.Wait()

	_, maxLive := f.stats()
	assert.LessOrEqual(t, maxLive, 3)
	assert.Zero(t, failures.Load())
	assert.Zero(t, p.Status().TotalPages)
}

func TestAcquireTimesOutWithCapacityError(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, Config{MaxInstances: 1, MaxPagesPerInstance: 1, AcquireTimeout: 50 * time.Millisecond}, f)

	held, err := p.Acquire(context.Background(), ContextOptions{})
	require.NoError(t, err)
	defer held.Release()

	start := time.Now()
	_, err = p.Acquire(context.Background(), ContextOptions{})
	require.Error(t, err)
	require.ErrorIs(t, err, errs.ErrCapacityUnavailable)
	require.True(t, errs.IsRetryable(err))
	require.Less(t, time.Since(start), time.Second)
	require.Zero(t, p.Status().Waiting)
}

func TestWaitersServedFIFO(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, Config{MaxInstances: 1, MaxPagesPerInstance: 1, AcquireTimeout: 2 * time.Second}, f)

	held, err := p.Acquire(context.Background(), ContextOptions{})
	require.NoError(t, err)

	order := make(chan string, 2)
	leases := make(chan *Lease, 2)
	enqueue := func(name string, queued int) {
		go func() {
			l, err := p.Acquire(context.Background(), ContextOptions{})
			if err == nil {
				order <- name
				leases <- l
			}
		}()
		waitFor(t, func() bool { return p.Status().Waiting == queued })
	}
	enqueue("first", 1)
	enqueue("second", 2)

	held.Release()
	require.Equal(t, "first", <-order)
	(<-leases).Release()
	require.Equal(t, "second", <-order)
	(<-leases).Release()
}

func TestWaiterCanceledByContext(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, Config{MaxInstances: 1, MaxPagesPerInstance: 1, AcquireTimeout: 5 * time.Second}, f)

	held, err := p.Acquire(context.Background(), ContextOptions{})
	require.NoError(t, err)
	defer held.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx, ContextOptions{})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Zero(t, p.Status().Waiting)
}

func TestWarmupBestEffort(t *testing.T) {
	f := &fakeFactory{failNext: 1}
	p := newTestPool(t, Config{MaxInstances: 4, MaxPagesPerInstance: 1, WarmupCount: 3, AcquireTimeout: time.Second}, f)

	created := p.Warmup(context.Background())
	require.Equal(t, 2, created)
	require.Equal(t, 2, p.Status().Total)

	// A second warmup tops up to the target.
	require.Equal(t, 1, p.Warmup(context.Background()))
	require.Equal(t, 3, p.Status().Total)
}

func TestWarmupBoundedByCapacity(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, Config{MaxInstances: 2, MaxPagesPerInstance: 1, WarmupCount: 5, AcquireTimeout: time.Second}, f)
	p.Warmup(context.Background())
	require.Equal(t, 2, p.Status().Total)
}

func TestEvictIdleKeepsMinWarm(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, Config{
		MaxInstances:        3,
		MaxPagesPerInstance: 1,
		MinWarm:             1,
		WarmupCount:         3,
		AcquireTimeout:      time.Second,
		IdleTimeout:         time.Minute,
	}, f)
	p.Warmup(context.Background())

	busy, err := p.Acquire(context.Background(), ContextOptions{})
	require.NoError(t, err)

	now := time.Now()
	p.now = func() time.Time { return now.Add(2 * time.Minute) }

	require.Equal(t, 2, p.EvictIdle())
	st := p.Status()
	require.Equal(t, 1, st.Total)
	require.Equal(t, busy.InstanceID(), st.Instances[0].ID)
	live, _ := f.stats()
	require.Equal(t, 1, live)

	busy.Release()
	require.Zero(t, p.EvictIdle(), "min warm floor")
}

func TestDisconnectReplacesForWaiters(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, Config{MaxInstances: 1, MaxPagesPerInstance: 1, AcquireTimeout: 2 * time.Second}, f)

	held, err := p.Acquire(context.Background(), ContextOptions{})
	require.NoError(t, err)

	got := make(chan *Lease, 1)
	go func() {
		l, err := p.Acquire(context.Background(), ContextOptions{})
		if err == nil {
			got <- l
		}
	}()
	waitFor(t, func() bool { return p.Status().Waiting == 1 })

	f.mu.Lock()
	first := f.created[0]
	f.mu.Unlock()
	first.disconnect()

	select {
	case l := <-got:
		require.NotEqual(t, held.InstanceID(), l.InstanceID())
		l.Release()
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not served by the replacement instance")
	}
	held.Release()
	require.Equal(t, 1, p.Status().Total)
}

func TestCloseRejectsWaiters(t *testing.T) {
	f := &fakeFactory{}
	p := New(Config{MaxInstances: 1, MaxPagesPerInstance: 1, AcquireTimeout: 5 * time.Second}, f)

	held, err := p.Acquire(context.Background(), ContextOptions{})
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background(), ContextOptions{})
		errCh <- err
	}()
	waitFor(t, func() bool { return p.Status().Waiting == 1 })

	require.NoError(t, p.Close())
	require.ErrorIs(t, <-errCh, ErrClosed)
	held.Release()

	live, _ := f.stats()
	require.Zero(t, live)
	_, err = p.Acquire(context.Background(), ContextOptions{})
	require.ErrorIs(t, err, ErrClosed)
}

func TestStartRunsEvictor(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, Config{
		MaxInstances:        2,
		MaxPagesPerInstance: 1,
		WarmupCount:         2,
		AcquireTimeout:      time.Second,
		IdleTimeout:         time.Millisecond,
		EvictInterval:       5 * time.Millisecond,
	}, f)
	p.Start(context.Background())
	waitFor(t, func() bool { return p.Status().Total == 0 })
}
