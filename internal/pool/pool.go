// Package pool keeps a bounded set of pre-warmed browser sessions spread across a fixed
// set of browser hosts.
//
// A session is either idle (owned by the pool), leased (owned by exactly one redemption
// attempt), or destroyed. Leased plus idle never exceeds the configured capacity as long
// as callers hold at most capacity leases at a time; a session returned while the idle
// queue is full is destroyed rather than queued.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/hypeauto/api/schemas"
	"github.com/xkilldash9x/hypeauto/internal/browser"
	"github.com/xkilldash9x/hypeauto/internal/config"
)

var (
	ErrNoHosts        = errors.New("pool: no browser host could be launched")
	ErrNotInitialized = errors.New("pool: not initialized")
	ErrShutdown       = errors.New("pool: shut down")
)

// Pool lends warm sessions and takes them back.
type Pool struct {
	launcher browser.Launcher
	logger   *zap.Logger

	hostCount      int
	capacity       int
	baseURL        string
	warmupTimeout  time.Duration
	recycleTimeout time.Duration

	initMu sync.Mutex
	ready  atomic.Bool
	closed atomic.Bool

	hostsMu sync.RWMutex
	hosts   []browser.Host

	idle   chan browser.Session
	leased atomic.Int64
}

// New creates an uninitialized pool. Capacity is hosts × sessions per host.
func New(launcher browser.Launcher, cfg config.Interface, logger *zap.Logger) *Pool {
	bc := cfg.Browser()
	rc := cfg.Redeem()
	capacity := bc.Capacity()
	if capacity < 1 {
		capacity = 1
	}
	return &Pool{
		launcher:       launcher,
		logger:         logger.Named("pool"),
		hostCount:      bc.Hosts,
		capacity:       capacity,
		baseURL:        rc.BaseURL,
		warmupTimeout:  rc.WarmupTimeout,
		recycleTimeout: rc.RecycleTimeout,
		idle:           make(chan browser.Session, capacity),
	}
}

// Capacity is the maximum number of sessions the pool holds.
func (p *Pool) Capacity() int { return p.capacity }

// Initialize launches every host in parallel, then creates capacity warm sessions
// distributed round-robin across the hosts that started. Hosts that fail to launch are
// excluded; it is an error only if none start. Calling it again is a no-op.
func (p *Pool) Initialize(ctx context.Context) error {
	p.initMu.Lock()
	defer p.initMu.Unlock()

	if p.ready.Load() {
		return nil
	}
	if p.closed.Load() {
		return ErrShutdown
	}

	launched := make([]browser.Host, p.hostCount)
	var hg errgroup.Group
	for i := 0; i < p.hostCount; i++ {
		hg.Go(func() error {
			host, err := p.launcher.Launch(ctx, i)
			if err != nil {
				p.logger.Error("Failed to launch browser host.", zap.Int("index", i), zap.Error(err))
				return nil
			}
			launched[i] = host
			return nil
		})
	}
	_ = hg.Wait()

	hosts := make([]browser.Host, 0, len(launched))
	for _, h := range launched {
		if h != nil {
			hosts = append(hosts, h)
		}
	}
	if len(hosts) == 0 {
		return ErrNoHosts
	}

	p.hostsMu.Lock()
	p.hosts = hosts
	p.hostsMu.Unlock()

	var sg errgroup.Group
	for i := 0; i < p.capacity; i++ {
		host := hosts[i%len(hosts)]
		sg.Go(func() error {
			sess, err := p.newSession(ctx, host)
			if err != nil {
				p.logger.Warn("Failed to pre-warm session.", zap.String("host", host.ID()), zap.Error(err))
				return nil
			}
			select {
			case p.idle <- sess:
			default:
				p.destroy(sess)
			}
			return nil
		})
	}
	_ = sg.Wait()

	p.ready.Store(true)
	p.logger.Info("Session pool initialized.",
		zap.Int("hosts", len(hosts)),
		zap.Int("idle", len(p.idle)),
		zap.Int("capacity", p.capacity),
	)
	return nil
}

// newSession opens a session on host and warms it on the base surface. A failed warm-up
// is tolerated; the session is still usable.
func (p *Pool) newSession(ctx context.Context, host browser.Host) (browser.Session, error) {
	sess, err := host.NewSession(ctx)
	if err != nil {
		return nil, err
	}
	if err := sess.Navigate(ctx, p.baseURL, browser.WaitDOMContentLoaded, p.warmupTimeout); err != nil {
		p.logger.Debug("Warm-up navigation failed.", zap.String("session", sess.ID()), zap.Error(err))
	}
	return sess, nil
}

// Acquire returns an idle session immediately or, when none is idle, a freshly created one
// from the first host that can produce it. It never waits for a session to be released.
func (p *Pool) Acquire(ctx context.Context) (browser.Session, error) {
	if p.closed.Load() {
		return nil, ErrShutdown
	}
	if !p.ready.Load() {
		return nil, ErrNotInitialized
	}

	select {
	case sess := <-p.idle:
		p.leased.Add(1)
		return sess, nil
	default:
	}

	var errs []error
	for _, host := range p.snapshotHosts() {
		sess, err := p.newSession(ctx, host)
		if err == nil {
			p.leased.Add(1)
			return sess, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", host.ID(), err))
		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("pool: no host could create a session: %w", errors.Join(errs...))
}

// Release takes back a leased session. The session is recycled (re-navigated to the base
// surface, cookies cleared) and queued when there is room; otherwise, or if recycling
// fails, it is destroyed.
func (p *Pool) Release(ctx context.Context, sess browser.Session) {
	if sess == nil {
		return
	}
	// The lease ends before the session can reappear in the idle queue.
	p.leased.Add(-1)

	if p.closed.Load() || len(p.idle) >= p.capacity {
		p.destroy(sess)
		return
	}

	if err := sess.Navigate(ctx, p.baseURL, browser.WaitDOMContentLoaded, p.recycleTimeout); err != nil {
		p.logger.Debug("Recycle navigation failed; discarding session.", zap.String("session", sess.ID()), zap.Error(err))
		p.destroy(sess)
		return
	}
	if err := sess.ClearCookies(ctx); err != nil {
		p.logger.Debug("Cookie reset failed; discarding session.", zap.String("session", sess.ID()), zap.Error(err))
		p.destroy(sess)
		return
	}

	if p.closed.Load() {
		p.destroy(sess)
		return
	}
	select {
	case p.idle <- sess:
	default:
		p.destroy(sess)
		return
	}
	// Shutdown may have drained the queue while this session was recycling.
	if p.closed.Load() {
		p.drainIdle()
	}
}

// Shutdown destroys idle sessions and closes every host. Errors are logged, not returned.
func (p *Pool) Shutdown(ctx context.Context) {
	if p.closed.Swap(true) {
		return
	}

	p.drainIdle()

	p.hostsMu.Lock()
	hosts := p.hosts
	p.hosts = nil
	p.hostsMu.Unlock()

	var g errgroup.Group
	for _, host := range hosts {
		g.Go(func() error {
			if err := host.Close(); err != nil {
				p.logger.Warn("Failed to close browser host.", zap.String("host", host.ID()), zap.Error(err))
			}
			return nil
		})
	}
	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.logger.Info("Session pool shut down.")
	case <-ctx.Done():
		p.logger.Warn("Session pool shutdown interrupted.", zap.Error(ctx.Err()))
	}
}

// Stats reports the current pool occupancy.
func (p *Pool) Stats() schemas.PoolStats {
	return schemas.PoolStats{
		Idle:     len(p.idle),
		Leased:   int(p.leased.Load()),
		Capacity: p.capacity,
		Hosts:    len(p.snapshotHosts()),
	}
}

func (p *Pool) snapshotHosts() []browser.Host {
	p.hostsMu.RLock()
	defer p.hostsMu.RUnlock()
	return append([]browser.Host(nil), p.hosts...)
}

// drainIdle destroys every queued session.
func (p *Pool) drainIdle() {
	for {
		select {
		case sess := <-p.idle:
			p.destroy(sess)
		default:
			return
		}
	}
}

func (p *Pool) destroy(sess browser.Session) {
	if err := sess.Close(); err != nil {
		p.logger.Debug("Failed to close session.", zap.String("session", sess.ID()), zap.Error(err))
	}
}
