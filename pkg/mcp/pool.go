package mcp

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/toolgate/toolgate/pkg/config"
	"github.com/toolgate/toolgate/pkg/errkind"
	"github.com/toolgate/toolgate/pkg/metrics"
	"github.com/toolgate/toolgate/pkg/proc"
)

// dialer is the process-side surface the pool drives. *proc.Manager
// satisfies it through managerDialer; pool tests substitute a scripted
// fake.
type dialer interface {
	EnsureRunning(ctx context.Context, name string, connectOnly bool) (proc.EnsureResult, error)
	Attach(name string) (stdio, error)
	SpawnEphemeral(ctx context.Context, name string) (stdio, error)
	ForceRestart(ctx context.Context, name string) (proc.StartResult, error)
	ResetFailures(name string) error
	RunZombieSweep(ctx context.Context)
}

// managerDialer adapts *proc.Manager to the dialer interface. The
// indirection exists because the manager returns its concrete handle
// type while the pool only needs the stdio surface.
type managerDialer struct {
	m *proc.Manager
}

func (d managerDialer) EnsureRunning(ctx context.Context, name string, connectOnly bool) (proc.EnsureResult, error) {
	return d.m.EnsureRunning(ctx, name, connectOnly)
}

func (d managerDialer) Attach(name string) (stdio, error) {
	h, err := d.m.Attach(name)
	if err != nil {
		return nil, err
	}
	return h, nil
}

func (d managerDialer) SpawnEphemeral(ctx context.Context, name string) (stdio, error) {
	h, err := d.m.SpawnEphemeral(ctx, name)
	if err != nil {
		return nil, err
	}
	return h, nil
}

func (d managerDialer) ForceRestart(ctx context.Context, name string) (proc.StartResult, error) {
	return d.m.ForceRestart(ctx, name)
}

func (d managerDialer) ResetFailures(name string) error { return d.m.ResetFailures(name) }

func (d managerDialer) RunZombieSweep(ctx context.Context) { d.m.RunZombieSweep(ctx) }

// ConnStat is a point-in-time view of one pooled connection.
type ConnStat struct {
	Server    string        `json:"server"`
	PID       int32         `json:"pid"`
	SessionID string        `json:"session_id"`
	Age       time.Duration `json:"-"`
	AgeSec    float64       `json:"age_seconds"`
}

// Pool holds one protocol connection per persistent server and builds
// throwaway connections for stdio-mode servers. Acquisition retries with
// exponential backoff and escalates its recovery strategy per attempt:
// plain reconnect, zombie sweep, failure reset, force restart.
type Pool struct {
	dialer  dialer
	servers *config.Registry
	cfg     config.PoolConfig
	metrics *metrics.Recorder
	logger  *slog.Logger

	mu       sync.Mutex
	conns    map[string]*Conn
	building map[string]*sync.Mutex
}

// NewPool wires the pool to the process manager and the server registry.
func NewPool(mgr *proc.Manager, servers *config.Registry, cfg config.PoolConfig, rec *metrics.Recorder, logger *slog.Logger) *Pool {
	return newPool(managerDialer{m: mgr}, servers, cfg, rec, logger)
}

func newPool(d dialer, servers *config.Registry, cfg config.PoolConfig, rec *metrics.Recorder, logger *slog.Logger) *Pool {
	return &Pool{
		dialer:   d,
		servers:  servers,
		cfg:      cfg,
		metrics:  rec,
		logger:   logger.With("component", "pool"),
		conns:    make(map[string]*Conn),
		building: make(map[string]*sync.Mutex),
	}
}

// Acquire returns a validated connection to the named server, building
// one if needed. Stdio-mode servers get a fresh ephemeral connection per
// call; the caller must close those (Conn.Ephemeral reports it).
func (p *Pool) Acquire(ctx context.Context, name string) (*Conn, error) {
	done := p.metrics.Observe(metrics.OpPoolAcquire)
	conn, err := p.acquire(ctx, name)
	done(err == nil)
	return conn, err
}

func (p *Pool) acquire(ctx context.Context, name string) (*Conn, error) {
	sc, err := p.servers.Get(name)
	if err != nil {
		return nil, errkind.Wrap(errkind.ServerNotFound, err)
	}

	// Serialize per server so concurrent callers cannot race a half-built
	// handshake. Different servers proceed in parallel.
	mu := p.serverMu(name)
	mu.Lock()
	defer mu.Unlock()

	if conn := p.cached(name); conn != nil {
		if p.healthy(ctx, conn, sc) {
			return conn, nil
		}
		p.Evict(name)
	}

	maxAttempts := p.cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, p.backoff(attempt)); err != nil {
				return nil, errkind.Wrap(errkind.ConnectionTimeout, err)
			}
		}

		conn, err := p.attemptConnect(ctx, name, sc, attempt)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		kind := errkind.KindOf(err)
		if !errkind.Retryable(kind) {
			p.logger.Warn("Connection attempt failed with non-retryable error",
				"server", name, "attempt", attempt, "kind", kind, "error", err)
			return nil, err
		}
		p.logger.Info("Connection attempt failed, will retry",
			"server", name, "attempt", attempt, "kind", kind, "error", err)
	}
	return nil, lastErr
}

// attemptConnect runs one rung of the recovery ladder.
//
//	attempt 0: connect to whatever already runs; start it if nothing does
//	attempt 1: sweep zombies first, then as attempt 0
//	attempt 2: clear marked_failed, ask for a start
//	attempt 3+: force restart
func (p *Pool) attemptConnect(ctx context.Context, name string, sc *config.ServerConfig, attempt int) (*Conn, error) {
	switch {
	case attempt <= 1:
		if attempt == 1 {
			p.dialer.RunZombieSweep(ctx)
		}
		res, err := p.dialer.EnsureRunning(ctx, name, true)
		if err == nil {
			return p.establish(ctx, name, sc, res)
		}
		if !errors.Is(err, proc.ErrServerNotRunning) {
			return nil, dialError(err)
		}
		res, err = p.dialer.EnsureRunning(ctx, name, false)
		if err != nil {
			return nil, dialError(err)
		}
		return p.establish(ctx, name, sc, res)

	case attempt == 2:
		if err := p.dialer.ResetFailures(name); err != nil {
			return nil, dialError(err)
		}
		res, err := p.dialer.EnsureRunning(ctx, name, false)
		if err != nil {
			return nil, dialError(err)
		}
		return p.establish(ctx, name, sc, res)

	default:
		start, err := p.dialer.ForceRestart(ctx, name)
		if err != nil {
			return nil, dialError(err)
		}
		return p.establish(ctx, name, sc, proc.EnsureResult{
			Running:    true,
			PID:        start.PID,
			StdioMode:  start.StdioMode,
			Attachable: !start.StdioMode && !start.Adopted,
		})
	}
}

// establish turns a running server into a validated connection and, for
// persistent servers, installs it into the pool.
func (p *Pool) establish(ctx context.Context, name string, sc *config.ServerConfig, res proc.EnsureResult) (*Conn, error) {
	if res.StdioMode {
		h, err := p.dialer.SpawnEphemeral(ctx, name)
		if err != nil {
			return nil, dialError(err)
		}
		conn := newConn(name, h, true, p.logger)
		if err := p.validate(ctx, conn, sc); err != nil {
			conn.Close()
			return nil, err
		}
		// Never pooled and never warmed: the child lives for one call.
		return conn, nil
	}

	if !res.Attachable {
		// An adopted external process has no pipes we own. Escalating
		// attempts force-restart it into a child we can talk to.
		return nil, errkind.Newf(errkind.ConnectionFailed,
			"server %q is running (pid %d) without an attachable stdio", name, res.PID)
	}

	h, err := p.dialer.Attach(name)
	if err != nil {
		return nil, dialError(err)
	}
	conn := newConn(name, h, false, p.logger)
	if err := p.validate(ctx, conn, sc); err != nil {
		conn.Close()
		return nil, err
	}
	p.warmup(ctx, conn, sc)
	p.install(name, conn)
	p.logger.Info("Established pooled connection", "server", name, "pid", conn.PID())
	return conn, nil
}

// validate runs the initialisation handshake: hello, then one tool
// listing bounded by the per-server validation timeout. A listing that
// fails only by timing out is tolerated on slow servers as long as the
// base connection stayed alive.
func (p *Pool) validate(ctx context.Context, conn *Conn, sc *config.ServerConfig) error {
	vctx, cancel := context.WithTimeout(ctx, sc.Timeouts.Validation)
	defer cancel()

	if err := conn.Hello(vctx); err != nil {
		return err
	}
	if _, err := conn.ListTools(vctx); err != nil {
		if errkind.Is(err, errkind.ConnectionTimeout) && sc.Slow() && conn.Open() {
			p.logger.Warn("Validation listing timed out on slow server, keeping connection",
				"server", conn.Server())
			return nil
		}
		return err
	}
	return nil
}

// warmup primes the fresh connection with one more listing. Failures are
// logged and ignored; the connection already validated.
func (p *Pool) warmup(ctx context.Context, conn *Conn, sc *config.ServerConfig) {
	wctx, cancel := context.WithTimeout(ctx, sc.Timeouts.Warmup)
	defer cancel()
	if _, err := conn.ListTools(wctx); err != nil {
		p.logger.Debug("Warmup listing failed", "server", conn.Server(), "error", err)
	}
}

// healthy checks a pooled connection before reuse: actor alive, a
// protocol ping inside the per-server ping timeout, age under the cap.
// Ping timeouts on slow servers do not invalidate the connection.
func (p *Pool) healthy(ctx context.Context, conn *Conn, sc *config.ServerConfig) bool {
	if !conn.Open() {
		return false
	}
	if maxAge := p.cfg.MaxConnAge(); maxAge > 0 && conn.Age() > maxAge {
		p.logger.Info("Pooled connection exceeded max age, recycling",
			"server", conn.Server(), "age", conn.Age().Round(time.Second))
		return false
	}

	pctx, cancel := context.WithTimeout(ctx, sc.Timeouts.Ping)
	defer cancel()
	if _, err := conn.ListTools(pctx); err != nil {
		if errkind.Is(err, errkind.ConnectionTimeout) && sc.Slow() {
			return conn.Open()
		}
		p.logger.Info("Pooled connection failed ping", "server", conn.Server(), "error", err)
		return false
	}
	return true
}

func (p *Pool) cached(name string) *Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conns[name]
}

func (p *Pool) install(name string, conn *Conn) {
	p.mu.Lock()
	old := p.conns[name]
	p.conns[name] = conn
	p.mu.Unlock()
	if old != nil && old != conn {
		old.Close()
	}
}

// serverMu returns the per-server build lock, creating it on first use.
func (p *Pool) serverMu(name string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	mu := p.building[name]
	if mu == nil {
		mu = &sync.Mutex{}
		p.building[name] = mu
	}
	return mu
}

// Evict closes and removes the pooled connection for name, if any. Safe
// to call from the process manager's teardown path.
func (p *Pool) Evict(name string) {
	p.mu.Lock()
	conn := p.conns[name]
	delete(p.conns, name)
	p.mu.Unlock()
	if conn != nil {
		conn.Close()
		p.logger.Info("Evicted pooled connection", "server", name)
	}
}

// CloseAll says goodbye to every pooled server and closes the
// connections. Runs during shutdown, before the processes themselves are
// stopped.
func (p *Pool) CloseAll(ctx context.Context) {
	p.mu.Lock()
	conns := make([]*Conn, 0, len(p.conns))
	for _, conn := range p.conns {
		conns = append(conns, conn)
	}
	p.conns = make(map[string]*Conn)
	p.mu.Unlock()

	for _, conn := range conns {
		if err := ctx.Err(); err != nil {
			conn.Close()
			continue
		}
		if err := conn.Goodbye(); err != nil {
			p.logger.Debug("Goodbye failed", "server", conn.Server(), "error", err)
		}
		conn.Close()
	}
}

// Stats snapshots the pooled connections for the admin surface.
func (p *Pool) Stats() []ConnStat {
	p.mu.Lock()
	defer p.mu.Unlock()
	stats := make([]ConnStat, 0, len(p.conns))
	for name, conn := range p.conns {
		age := conn.Age()
		stats = append(stats, ConnStat{
			Server:    name,
			PID:       conn.PID(),
			SessionID: conn.SessionID(),
			Age:       age,
			AgeSec:    age.Seconds(),
		})
	}
	return stats
}

// Connected reports whether a live pooled connection exists for name.
func (p *Pool) Connected(name string) bool {
	p.mu.Lock()
	conn := p.conns[name]
	p.mu.Unlock()
	return conn != nil && conn.Open()
}

// backoff computes the pre-retry delay for attempt n: base·2^(n-1) with
// ±10% jitter, capped. Attempt 0 never sleeps.
func (p *Pool) backoff(attempt int) time.Duration {
	base := p.cfg.BackoffBase()
	if base <= 0 {
		base = time.Second
	}
	d := base << (attempt - 1)
	if limit := p.cfg.BackoffCap(); limit > 0 && d > limit {
		d = limit
	}
	jitter := 0.9 + rand.Float64()*0.2
	return time.Duration(float64(d) * jitter)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// dialError translates manager sentinels into taxonomy errors; anything
// else goes through the classifier.
func dialError(err error) error {
	switch {
	case errors.Is(err, proc.ErrServerNotRunning),
		errors.Is(err, proc.ErrMarkedFailed),
		errors.Is(err, proc.ErrCooldownActive):
		return errkind.Wrap(errkind.ServerUnavailable, err)
	case errors.Is(err, config.ErrServerNotFound):
		return errkind.Wrap(errkind.ServerNotFound, err)
	}
	return errkind.Wrap(errkind.Classify(err), err)
}
