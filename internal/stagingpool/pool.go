// Package stagingpool manages per-database bounded pools of embedded
// analytical-SQL (staging) connections. It shares the graph pool's locking
// and eviction contract (§4.3 restates §4.2) but disables TTL-based
// deletion: staging files persist for the life of the graph and are only
// removed via ForceDatabaseCleanup, driven by the graph-database manager.
package stagingpool

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/robosystems/graphcore/infrastructure/errors"
	"github.com/robosystems/graphcore/infrastructure/logging"
	"github.com/robosystems/graphcore/infrastructure/metrics"
)

// Engine is the minimal contract a pooled staging connection must satisfy.
// The production implementation wraps database/sql with go-duckdb.
type Engine interface {
	Probe(ctx context.Context) error
	Close() error
}

// ObjectStoreCredentials carries the optional object-storage access
// parameters applied to every newly created connection (spec §4.3 step 2-3).
type ObjectStoreCredentials struct {
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	Endpoint        string // custom endpoint (e.g. local emulator); implies path-style addressing
}

// OpenFunc constructs and fully configures a new staging Engine: installs
// the object-storage and parquet extensions, applies credentials, sets the
// endpoint/path-style override, and bounds threads and memory.
type OpenFunc func(ctx context.Context, graphID string, creds ObjectStoreCredentials) (Engine, error)

// Conn is one pooled staging connection.
type Conn struct {
	GraphID   string
	ID        string
	Engine    Engine
	CreatedAt time.Time
	LastUsed  time.Time
	UseCount  int64
	IsHealthy bool
}

// Config controls pool-wide policy. There is no TTL field: staging
// connections do not age out by design (§4.3).
type Config struct {
	MaxConnectionsPerDB int
	HealthCheckInterval time.Duration
	CleanupInterval     time.Duration
	Credentials         ObjectStoreCredentials
}

func (c Config) withDefaults() Config {
	if c.MaxConnectionsPerDB <= 0 {
		c.MaxConnectionsPerDB = 3
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 5 * time.Minute
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 10 * time.Minute
	}
	return c
}

// Pool is a thread-safe, per-graph_id pool of staging engine connections.
type Pool struct {
	cfg    Config
	open   OpenFunc
	logger *logging.Logger
	metric *metrics.Metrics

	globalMu sync.Mutex
	locks    map[string]*sync.Mutex
	conns    map[string][]*Conn

	lastHealthCheck time.Time
}

// New constructs a staging connection pool.
func New(cfg Config, open OpenFunc, logger *logging.Logger, metric *metrics.Metrics) *Pool {
	return &Pool{
		cfg:             cfg.withDefaults(),
		open:            open,
		logger:          logger,
		metric:          metric,
		locks:           make(map[string]*sync.Mutex),
		conns:           make(map[string][]*Conn),
		lastHealthCheck: time.Now(),
	}
}

func (p *Pool) lockFor(graphID string) *sync.Mutex {
	p.globalMu.Lock()
	defer p.globalMu.Unlock()

	l, ok := p.locks[graphID]
	if !ok {
		l = &sync.Mutex{}
		p.locks[graphID] = l
	}
	return l
}

// Acquired wraps a Conn with a Release method, mirroring graphpool.Acquired.
type Acquired struct {
	Conn    *Conn
	release func()
}

// Release returns the connection to the pool. Safe to call once; closing
// the underlying engine is never done here.
func (a *Acquired) Release() {
	if a == nil || a.release == nil {
		return
	}
	a.release()
}

// Acquire returns a scoped Conn for graphID, creating and configuring one if
// none is free.
func (p *Pool) Acquire(ctx context.Context, graphID string) (*Acquired, error) {
	start := time.Now()
	p.maybeRunHealthCheck(ctx)

	lock := p.lockFor(graphID)
	lock.Lock()
	defer lock.Unlock()

	conn := p.pickHealthy(graphID)
	if conn == nil {
		var err error
		conn, err = p.createLocked(ctx, graphID)
		if err != nil {
			p.recordAcquire(graphID, "error", start)
			return nil, errors.ConnectionFailure("acquire", err)
		}
	} else {
		conn.LastUsed = time.Now()
		conn.UseCount++
	}

	p.recordAcquire(graphID, "success", start)
	return &Acquired{Conn: conn, release: func() {}}, nil
}

func (p *Pool) recordAcquire(graphID, status string, start time.Time) {
	if p.metric == nil {
		return
	}
	p.metric.RecordPoolAcquire("stagingpool", "staging", status, time.Since(start))
	p.metric.SetPoolConnections("stagingpool", "staging:"+graphID, p.Len(graphID))
}

func (p *Pool) pickHealthy(graphID string) *Conn {
	p.globalMu.Lock()
	defer p.globalMu.Unlock()

	var best *Conn
	for _, c := range p.conns[graphID] {
		if !c.IsHealthy {
			continue
		}
		if best == nil || c.LastUsed.Before(best.LastUsed) {
			best = c
		}
	}
	return best
}

func (p *Pool) createLocked(ctx context.Context, graphID string) (*Conn, error) {
	p.globalMu.Lock()
	existing := p.conns[graphID]
	if len(existing) >= p.cfg.MaxConnectionsPerDB {
		p.evictOldestLocked(graphID)
	}
	p.globalMu.Unlock()

	engine, err := p.open(ctx, graphID, p.cfg.Credentials)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	conn := &Conn{
		GraphID:   graphID,
		ID:        uuid.NewString(),
		Engine:    engine,
		CreatedAt: now,
		LastUsed:  now,
		UseCount:  1,
		IsHealthy: true,
	}

	p.globalMu.Lock()
	p.conns[graphID] = append(p.conns[graphID], conn)
	p.globalMu.Unlock()

	if p.logger != nil {
		p.logger.LogPoolEvent(ctx, "staging_connection_created", graphID, map[string]interface{}{
			"total": len(p.conns[graphID]),
		})
	}
	return conn, nil
}

func (p *Pool) evictOldestLocked(graphID string) {
	conns := p.conns[graphID]
	if len(conns) == 0 {
		return
	}
	oldestIdx := 0
	for i, c := range conns {
		if c.CreatedAt.Before(conns[oldestIdx].CreatedAt) {
			oldestIdx = i
		}
	}
	victim := conns[oldestIdx]
	if victim.Engine != nil {
		_ = victim.Engine.Close()
	}
	p.conns[graphID] = append(conns[:oldestIdx], conns[oldestIdx+1:]...)
	if p.metric != nil {
		p.metric.RecordPoolEviction("stagingpool", "staging", "lru")
	}
}

// CloseDatabaseConnections closes and drops every Conn for graphID.
func (p *Pool) CloseDatabaseConnections(ctx context.Context, graphID string) error {
	lock := p.lockFor(graphID)
	lock.Lock()
	defer lock.Unlock()

	p.globalMu.Lock()
	conns := p.conns[graphID]
	delete(p.conns, graphID)
	p.globalMu.Unlock()

	var firstErr error
	for _, c := range conns {
		if c.Engine == nil {
			continue
		}
		if err := c.Engine.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ForceDatabaseCleanup closes all connections then unlinks the staging file
// and its WAL sibling (triggered only by the graph-database manager on
// graph delete — staging never auto-deletes by age, see package docs).
func (p *Pool) ForceDatabaseCleanup(ctx context.Context, graphID, dbPath string, removeFile func(path string) error) error {
	if err := p.CloseDatabaseConnections(ctx, graphID); err != nil && p.logger != nil {
		p.logger.LogPoolEvent(ctx, "force_cleanup_close_error", graphID, map[string]interface{}{"error": err.Error()})
	}
	if err := removeFile(dbPath); err != nil {
		return err
	}
	if err := removeFile(dbPath + ".wal"); err != nil && p.logger != nil {
		p.logger.LogPoolEvent(ctx, "force_cleanup_wal_error", graphID, map[string]interface{}{"error": err.Error()})
	}
	return nil
}

// Len reports the current connection count for graphID.
func (p *Pool) Len(graphID string) int {
	p.globalMu.Lock()
	defer p.globalMu.Unlock()
	return len(p.conns[graphID])
}

func (p *Pool) maybeRunHealthCheck(ctx context.Context) {
	p.globalMu.Lock()
	now := time.Now()
	run := now.After(p.lastHealthCheck.Add(p.cfg.HealthCheckInterval))
	if run {
		p.lastHealthCheck = now
	}
	p.globalMu.Unlock()

	if !run {
		return
	}

	p.globalMu.Lock()
	snapshot := make(map[string][]*Conn, len(p.conns))
	for k, v := range p.conns {
		snapshot[k] = append([]*Conn(nil), v...)
	}
	p.globalMu.Unlock()

	for graphID, conns := range snapshot {
		for _, c := range conns {
			if c.Engine == nil {
				continue
			}
			probeErr := c.Engine.Probe(ctx)
			p.globalMu.Lock()
			c.IsHealthy = probeErr == nil
			p.globalMu.Unlock()
			if probeErr != nil && p.logger != nil {
				p.logger.LogPoolEvent(ctx, "staging_health_check_failed", graphID, map[string]interface{}{"error": probeErr.Error()})
			}
		}
	}
}
