// Package pool owns the browser processes and leases isolated contexts from
// them. Capacity is bounded by MaxInstances x MaxPagesPerInstance; callers
// beyond that queue FIFO until a lease is released or their wait times out.
package pool

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"browserd/internal/config"
	"browserd/internal/errs"
	"browserd/internal/logging"

	"golang.org/x/sync/errgroup"
)

// ErrClosed is returned by Acquire after Close.
var ErrClosed = errors.New("pool closed")

// Config sizes the pool.
type Config struct {
	MaxInstances        int
	MaxPagesPerInstance int
	MinWarm             int
	WarmupCount         int
	AcquireTimeout      time.Duration
	IdleTimeout         time.Duration
	EvictInterval       time.Duration
}

// ConfigFrom extracts pool settings from the service config.
func ConfigFrom(c *config.Config) Config {
	return Config{
		MaxInstances:        c.Pool.MaxInstances,
		MaxPagesPerInstance: c.Pool.MaxPagesPerInstance,
		MinWarm:             c.Pool.MinWarm,
		WarmupCount:         c.Pool.WarmupCount,
		AcquireTimeout:      c.GetAcquireTimeout(),
		IdleTimeout:         c.GetIdleTimeout(),
		EvictInterval:       c.GetEvictInterval(),
	}
}

type instance struct {
	Instance
	leases    int
	healthy   bool
	lastUsed  time.Time
	createdAt time.Time
}

type waiter struct {
	ready chan *instance
	elem  *list.Element
}

// Lease is one context handed out by Acquire. Release is idempotent.
type Lease struct {
	bctx       Context
	pool       *Pool
	inst       *instance
	acquiredAt time.Time
	released   atomic.Bool
}

// Context returns the leased browsing context.
func (l *Lease) Context() Context {
	return l.bctx
}

// ID returns the context id.
func (l *Lease) ID() string {
	return l.bctx.ID()
}

// InstanceID returns the id of the instance backing the lease.
func (l *Lease) InstanceID() string {
	return l.inst.ID()
}

// Release returns the context to the pool.
func (l *Lease) Release() {
	l.pool.Release(l)
}

// Pool is the Instance Pool.
type Pool struct {
	cfg     Config
	factory Factory

	mu        sync.Mutex
	instances []*instance
	pending   int
	waiters   *list.List
	closed    bool

	// createMu serializes acquire-driven creation so concurrent acquirers
	// cannot jointly pass the capacity check.
	createMu sync.Mutex

	stopCh chan struct{}
	wg     sync.WaitGroup
	now    func() time.Time
}

// New creates a pool. Call Start to warm it and begin idle eviction.
func New(cfg Config, factory Factory) *Pool {
	if cfg.MaxInstances <= 0 {
		cfg.MaxInstances = 1
	}
	if cfg.MaxPagesPerInstance <= 0 {
		cfg.MaxPagesPerInstance = 1
	}
	if cfg.MinWarm > cfg.MaxInstances {
		cfg.MinWarm = cfg.MaxInstances
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 30 * time.Second
	}
	return &Pool{
		cfg:     cfg,
		factory: factory,
		waiters: list.New(),
		stopCh:  make(chan struct{}),
		now:     time.Now,
	}
}

// Start runs warmup and launches the idle evictor.
func (p *Pool) Start(ctx context.Context) {
	p.Warmup(ctx)
	if p.cfg.EvictInterval > 0 && p.cfg.IdleTimeout > 0 {
		p.wg.Add(1)
		go p.evictLoop()
	}
}

// Warmup creates instances in parallel up to max(WarmupCount, MinWarm),
// bounded by MaxInstances. Failures are logged and do not stop siblings.
func (p *Pool) Warmup(ctx context.Context) int {
	target := p.cfg.WarmupCount
	if p.cfg.MinWarm > target {
		target = p.cfg.MinWarm
	}
	if target > p.cfg.MaxInstances {
		target = p.cfg.MaxInstances
	}

	p.mu.Lock()
	n := target - len(p.instances) - p.pending
	if n <= 0 || p.closed {
		p.mu.Unlock()
		return 0
	}
	p.pending += n
	p.mu.Unlock()

	timer := logging.StartTimer(logging.CategoryPool, "warmup")
	defer timer.Stop()

	var created atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			if _, err := p.launch(gctx, false); err != nil {
				logging.PoolWarn("warmup instance failed: %v", err)
				return nil
			}
			p.mu.Lock()
			p.dispatchLocked()
			p.mu.Unlock()
			created.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	logging.Pool("warmup complete: %d/%d instances", created.Load(), n)
	return int(created.Load())
}

// launch creates one instance for a slot already counted in p.pending.
// With lease set, the caller's lease is taken before the instance becomes
// visible to other acquirers.
func (p *Pool) launch(ctx context.Context, lease bool) (*instance, error) {
	raw, err := p.factory.Create(ctx)

	p.mu.Lock()
	p.pending--
	if err != nil {
		p.mu.Unlock()
		metricInstanceEvents.WithLabelValues("create_failed").Inc()
		return nil, err
	}
	if p.closed {
		p.mu.Unlock()
		_ = raw.Close()
		return nil, ErrClosed
	}
	now := p.now()
	inst := &instance{Instance: raw, healthy: true, lastUsed: now, createdAt: now}
	if lease {
		inst.leases = 1
	}
	p.instances = append(p.instances, inst)
	metricInstances.Set(float64(len(p.instances)))
	p.wg.Add(1)
	p.mu.Unlock()

	metricInstanceEvents.WithLabelValues("created").Inc()
	logging.Pool("instance %s started", raw.ID())

	go p.watch(inst)
	return inst, nil
}

// Acquire leases a new context, waiting up to AcquireTimeout for capacity.
func (p *Pool) Acquire(ctx context.Context, opts ContextOptions) (*Lease, error) {
	start := p.now()
	inst, err := p.reserve(ctx)
	if err != nil {
		metricAcquire.WithLabelValues(resultLabel(err)).Inc()
		return nil, err
	}

	c, err := inst.NewContext(ctx, opts)
	if err != nil {
		p.unreserve(inst)
		metricAcquire.WithLabelValues("context_failed").Inc()
		return nil, fmt.Errorf("create context on %s: %w", inst.ID(), err)
	}

	metricAcquire.WithLabelValues("ok").Inc()
	metricAcquireWait.Observe(time.Since(start).Seconds())
	metricLeases.Inc()
	logging.PoolDebug("leased context %s on instance %s", c.ID(), inst.ID())
	return &Lease{bctx: c, pool: p, inst: inst, acquiredAt: start}, nil
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, errs.ErrCapacityUnavailable):
		return "timeout"
	case errors.Is(err, ErrClosed):
		return "closed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	}
	return "error"
}

// reserve returns an instance with one lease slot taken.
func (p *Pool) reserve(ctx context.Context) (*instance, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	if p.waiters.Len() == 0 {
		if inst := p.pickLocked(); inst != nil {
			p.takeLocked(inst)
			p.mu.Unlock()
			return inst, nil
		}
	}
	p.mu.Unlock()

	inst, err := p.createForAcquire(ctx)
	if err != nil {
		return nil, err
	}
	if inst != nil {
		return inst, nil
	}
	return p.wait(ctx)
}

// createForAcquire starts a new instance if capacity remains. It returns
// (nil, nil) when the pool is saturated.
func (p *Pool) createForAcquire(ctx context.Context) (*instance, error) {
	p.createMu.Lock()
	defer p.createMu.Unlock()

	p.mu.Lock()
	if p.waiters.Len() == 0 {
		if inst := p.pickLocked(); inst != nil {
			p.takeLocked(inst)
			p.mu.Unlock()
			return inst, nil
		}
	}
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	if len(p.instances)+p.pending >= p.cfg.MaxInstances {
		p.mu.Unlock()
		return nil, nil
	}
	if p.waiters.Len() > 0 {
		// Capacity freed up while others queue; the new instance goes to
		// the head of the queue and this caller waits its turn.
		p.mu.Unlock()
		p.replenish()
		return nil, nil
	}
	p.pending++
	p.mu.Unlock()

	inst, err := p.launch(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("start browser instance: %w", err)
	}
	return inst, nil
}

func (p *Pool) wait(ctx context.Context) (*instance, error) {
	w := &waiter{ready: make(chan *instance, 1)}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	w.elem = p.waiters.PushBack(w)
	metricWaiting.Set(float64(p.waiters.Len()))
	// A slot may have freed between reserve and here.
	p.dispatchLocked()
	p.mu.Unlock()

	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()

	var cause error
	select {
	case inst := <-w.ready:
		return inst, nil
	case <-timer.C:
		cause = errs.Capacity("pool.acquire", "no browser capacity within %s", p.cfg.AcquireTimeout)
	case <-ctx.Done():
		cause = ctx.Err()
	case <-p.stopCh:
		cause = ErrClosed
	}

	p.mu.Lock()
	handed := w.elem == nil
	if !handed {
		p.waiters.Remove(w.elem)
		w.elem = nil
		metricWaiting.Set(float64(p.waiters.Len()))
	}
	p.mu.Unlock()

	if handed {
		// The slot was handed over as we gave up.
		inst := <-w.ready
		if errors.Is(cause, errs.ErrCapacityUnavailable) {
			return inst, nil
		}
		p.unreserve(inst)
	}
	return nil, cause
}

// pickLocked returns the healthy instance with the fewest leases under the
// per-instance cap.
func (p *Pool) pickLocked() *instance {
	var best *instance
	for _, inst := range p.instances {
		if !inst.healthy || inst.leases >= p.cfg.MaxPagesPerInstance {
			continue
		}
		if best == nil || inst.leases < best.leases {
			best = inst
		}
	}
	return best
}

func (p *Pool) takeLocked(inst *instance) {
	inst.leases++
	inst.lastUsed = p.now()
}

// dispatchLocked hands free slots to queued waiters in FIFO order.
func (p *Pool) dispatchLocked() {
	for p.waiters.Len() > 0 {
		inst := p.pickLocked()
		if inst == nil {
			return
		}
		front := p.waiters.Front()
		w := front.Value.(*waiter)
		p.waiters.Remove(front)
		w.elem = nil
		p.takeLocked(inst)
		w.ready <- inst
	}
	metricWaiting.Set(float64(p.waiters.Len()))
}

func (p *Pool) unreserve(inst *instance) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if inst.leases > 0 {
		inst.leases--
	}
	inst.lastUsed = p.now()
	p.dispatchLocked()
}

// Release closes the lease's context and frees its slot. Calling it more
// than once is a no-op.
func (p *Pool) Release(l *Lease) {
	if l == nil || !l.released.CompareAndSwap(false, true) {
		return
	}
	if err := l.bctx.Close(); err != nil {
		logging.PoolDebug("close context %s: %v", l.bctx.ID(), err)
	}
	metricLeases.Dec()
	p.unreserve(l.inst)
	logging.PoolDebug("released context %s after %s", l.bctx.ID(), p.now().Sub(l.acquiredAt).Round(time.Millisecond))
}

// Status reports counts for monitoring.
func (p *Pool) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := Status{
		Total:     len(p.instances),
		Waiting:   p.waiters.Len(),
		Pending:   p.pending,
		Instances: make([]InstanceStatus, 0, len(p.instances)),
	}
	for _, inst := range p.instances {
		if inst.healthy {
			st.Healthy++
		}
		st.TotalPages += inst.leases
		st.Instances = append(st.Instances, InstanceStatus{
			ID:       inst.ID(),
			Leases:   inst.leases,
			Healthy:  inst.healthy,
			LastUsed: inst.lastUsed,
		})
	}
	return st
}

func (p *Pool) watch(inst *instance) {
	defer p.wg.Done()
	select {
	case <-inst.Disconnected():
		p.handleDisconnect(inst)
	case <-p.stopCh:
	}
}

func (p *Pool) handleDisconnect(inst *instance) {
	p.mu.Lock()
	inst.healthy = false
	removed := p.removeLocked(inst)
	waiting := p.waiters.Len() > 0
	closed := p.closed
	leases := inst.leases
	p.mu.Unlock()

	if !removed || closed {
		return
	}
	metricInstanceEvents.WithLabelValues("disconnected").Inc()
	logging.PoolWarn("instance %s disconnected with %d leases", inst.ID(), leases)
	_ = inst.Close()

	if waiting {
		p.replenish()
	}
}

// replenish starts one replacement instance in the background.
func (p *Pool) replenish() {
	p.mu.Lock()
	if p.closed || len(p.instances)+p.pending >= p.cfg.MaxInstances {
		p.mu.Unlock()
		return
	}
	p.pending++
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.AcquireTimeout)
		defer cancel()
		go func() {
			select {
			case <-p.stopCh:
				cancel()
			case <-ctx.Done():
			}
		}()
		if _, err := p.launch(ctx, false); err != nil {
			logging.PoolWarn("replacement instance failed: %v", err)
			return
		}
		p.mu.Lock()
		p.dispatchLocked()
		p.mu.Unlock()
	}()
}

func (p *Pool) removeLocked(inst *instance) bool {
	for i, cur := range p.instances {
		if cur == inst {
			p.instances = append(p.instances[:i], p.instances[i+1:]...)
			metricInstances.Set(float64(len(p.instances)))
			return true
		}
	}
	return false
}

func (p *Pool) evictLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.EvictInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.EvictIdle()
		}
	}
}

// EvictIdle closes instances that have had no leases for IdleTimeout,
// keeping at least MinWarm alive. It returns the number evicted.
func (p *Pool) EvictIdle() int {
	now := p.now()

	p.mu.Lock()
	var victims []*instance
	for _, inst := range p.instances {
		if len(p.instances)-len(victims) <= p.cfg.MinWarm {
			break
		}
		if inst.leases == 0 && now.Sub(inst.lastUsed) >= p.cfg.IdleTimeout {
			victims = append(victims, inst)
		}
	}
	for _, v := range victims {
		p.removeLocked(v)
	}
	p.mu.Unlock()

	for _, v := range victims {
		metricInstanceEvents.WithLabelValues("evicted").Inc()
		logging.Pool("evicting idle instance %s", v.ID())
		if err := v.Close(); err != nil {
			logging.PoolWarn("close idle instance %s: %v", v.ID(), err)
		}
	}
	return len(victims)
}

// Close rejects all waiters and closes every instance.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()

	p.mu.Lock()
	instances := p.instances
	p.instances = nil
	metricInstances.Set(0)
	p.mu.Unlock()

	var g errgroup.Group
	for _, inst := range instances {
		g.Go(func() error {
			if err := inst.Close(); err != nil {
				return fmt.Errorf("close instance %s: %w", inst.ID(), err)
			}
			return nil
		})
	}
	err := g.Wait()
	logging.Pool("pool closed (%d instances)", len(instances))
	return err
}
