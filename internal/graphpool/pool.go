// Package graphpool manages per-database bounded pools of embedded graph
// engine connections: TTL expiry, health probing, per-key locking, and
// eviction of the oldest connection (by creation time) when a database's
// connection cap is reached.
package graphpool

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/robosystems/graphcore/infrastructure/errors"
	"github.com/robosystems/graphcore/infrastructure/logging"
	"github.com/robosystems/graphcore/infrastructure/metrics"
)

// Engine is the minimal contract the pool needs from an embedded graph
// database handle. The production implementation wraps github.com/kuzudb/go-kuzu;
// tests substitute a fake.
type Engine interface {
	// Probe runs a cheap liveness check ("RETURN 1") and drains its result.
	Probe(ctx context.Context) error
	// Close releases all engine-held resources for this connection.
	Close() error
}

// OpenFunc constructs a new Engine for graphID, configured with the given
// buffer-pool size and checkpoint threshold.
type OpenFunc func(ctx context.Context, graphID string, bufferPoolBytes int64, checkpointThresholdBytes int64) (Engine, error)

// Conn is one pooled connection. CreatedAt governs TTL expiry; UseCount and
// LastUsed are bookkeeping for LRU selection.
type Conn struct {
	GraphID    string
	ID         string
	Engine     Engine
	CreatedAt  time.Time
	LastUsed   time.Time
	UseCount   int64
	IsHealthy  bool
}

// Config controls pool-wide policy. Zero values fall back to the spec's
// stated defaults (§5: TTL 30 min, health 5 min, cleanup 10 min).
type Config struct {
	MaxConnectionsPerDB int
	TTL                 time.Duration
	HealthCheckInterval time.Duration
	CleanupInterval     time.Duration

	// LargeSharedDatabaseCheckpointBytes overrides the checkpoint threshold
	// for database IDs configured via LargeSharedDatabaseIDs (spec §4.2,
	// §9 open question: the set of overrides is configurable, not hardcoded
	// to a single name).
	LargeSharedDatabaseIDs              map[string]bool
	LargeSharedDatabaseCheckpointBytes  int64
	DefaultCheckpointThresholdBytes     int64
	BufferPoolBytes                     int64
}

func (c Config) withDefaults() Config {
	out := c
	if out.MaxConnectionsPerDB <= 0 {
		out.MaxConnectionsPerDB = 3
	}
	if out.TTL <= 0 {
		out.TTL = 30 * time.Minute
	}
	if out.HealthCheckInterval <= 0 {
		out.HealthCheckInterval = 5 * time.Minute
	}
	if out.CleanupInterval <= 0 {
		out.CleanupInterval = 10 * time.Minute
	}
	if out.DefaultCheckpointThresholdBytes <= 0 {
		out.DefaultCheckpointThresholdBytes = 512 * 1024 * 1024
	}
	if out.LargeSharedDatabaseCheckpointBytes <= 0 {
		out.LargeSharedDatabaseCheckpointBytes = 128 * 1024 * 1024
	}
	return out
}

// CheckpointThreshold returns the configured checkpoint threshold for
// graphID, honoring the large-shared-database override set.
func (c Config) CheckpointThreshold(graphID string) int64 {
	if c.LargeSharedDatabaseIDs[graphID] {
		return c.LargeSharedDatabaseCheckpointBytes
	}
	return c.DefaultCheckpointThresholdBytes
}

// Pool is a thread-safe, per-graph_id pool of engine connections.
//
// Acquisition takes the per-key lock; the lock map itself, and the set of
// per-graph pools, are protected by a single global mutex, matching the
// teacher's coarse-but-short-held locking idiom.
type Pool struct {
	cfg    Config
	open   OpenFunc
	logger *logging.Logger
	metric *metrics.Metrics

	globalMu sync.Mutex
	locks    map[string]*sync.Mutex
	conns    map[string][]*Conn

	lastCleanup     time.Time
	lastHealthCheck time.Time
}

// New constructs a graph connection pool. open is called whenever a fresh
// Engine connection must be created.
func New(cfg Config, open OpenFunc, logger *logging.Logger, metric *metrics.Metrics) *Pool {
	now := time.Now()
	return &Pool{
		cfg:             cfg.withDefaults(),
		open:            open,
		logger:          logger,
		metric:          metric,
		locks:           make(map[string]*sync.Mutex),
		conns:           make(map[string][]*Conn),
		lastCleanup:     now,
		lastHealthCheck: now,
	}
}

// CheckpointThreshold returns this pool's configured checkpoint threshold
// for graphID, honoring the large-shared-database override set. Exposed so
// callers that open a bootstrap connection outside the pool (graphdb's
// CreateDatabase) stay consistent with what the pool itself will use once
// the database is later reopened through Acquire.
func (p *Pool) CheckpointThreshold(graphID string) int64 {
	return p.cfg.CheckpointThreshold(graphID)
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

// Acquired wraps a Conn with a Release method that returns it to the pool
// rather than closing it, even when the caller's operation failed.
type Acquired struct {
	Conn    *Conn
	release func()
}

// Release returns the connection to the pool for reuse. Safe to call exactly
// once; safe to defer immediately after a successful Acquire.
func (a *Acquired) Release() {
	if a == nil || a.release == nil {
		return
	}
	a.release()
}

// Acquire returns a scoped Conn for graphID, creating one if none is free.
// readOnly is accepted for interface symmetry with the staging pool; the
// embedded graph engine enforces single-writer semantics itself.
func (p *Pool) Acquire(ctx context.Context, graphID string, readOnly bool) (*Acquired, error) {
	start := time.Now()
	p.maybeRunMaintenance(ctx)

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
	return &Acquired{
		Conn: conn,
		release: func() {
			// Returning to the pool is a no-op beyond bookkeeping already
			// applied above: the connection stays open and reusable.
		},
	}, nil
}

func (p *Pool) recordAcquire(graphID, status string, start time.Time) {
	if p.metric == nil {
		return
	}
	p.metric.RecordPoolAcquire("graphpool", "graph", status, time.Since(start))
	p.metric.SetPoolConnections("graphpool", "graph:"+graphID, p.countLocked(graphID))
}

func (p *Pool) countLocked(graphID string) int {
	p.globalMu.Lock()
	defer p.globalMu.Unlock()
	return len(p.conns[graphID])
}

// pickHealthy returns the least-recently-used healthy, non-expired Conn for
// graphID, or nil if none qualifies.
func (p *Pool) pickHealthy(graphID string) *Conn {
	p.globalMu.Lock()
	defer p.globalMu.Unlock()

	var best *Conn
	for _, c := range p.conns[graphID] {
		if !c.IsHealthy || p.expired(c) {
			continue
		}
		if best == nil || c.LastUsed.Before(best.LastUsed) {
			best = c
		}
	}
	return best
}

func (p *Pool) expired(c *Conn) bool {
	return time.Now().After(c.CreatedAt.Add(p.cfg.TTL))
}

func (p *Pool) createLocked(ctx context.Context, graphID string) (*Conn, error) {
	p.globalMu.Lock()
	existing := p.conns[graphID]
	if len(existing) >= p.cfg.MaxConnectionsPerDB {
		p.evictOldestLocked(graphID)
	}
	p.globalMu.Unlock()

	engine, err := p.open(ctx, graphID, p.cfg.BufferPoolBytes, p.cfg.CheckpointThreshold(graphID))
	if err != nil {
		conn := &Conn{
			GraphID:   graphID,
			ID:        uuid.NewString(),
			CreatedAt: time.Now(),
			LastUsed:  time.Now(),
			IsHealthy: false,
		}
		p.globalMu.Lock()
		p.conns[graphID] = append(p.conns[graphID], conn)
		p.globalMu.Unlock()
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
		p.logger.LogPoolEvent(ctx, "connection_created", graphID, map[string]interface{}{
			"total": len(p.conns[graphID]),
		})
	}
	return conn, nil
}

// evictOldestLocked removes the oldest (by CreatedAt) Conn for graphID.
// Callers must hold globalMu.
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
		p.metric.RecordPoolEviction("graphpool", "graph", "lru")
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
	if p.logger != nil {
		p.logger.LogPoolEvent(ctx, "connections_closed", graphID, map[string]interface{}{"count": len(conns)})
	}
	return firstErr
}

// InvalidateConnection closes all connections for graphID without deleting
// the underlying file; the next Acquire opens a fresh connection.
func (p *Pool) InvalidateConnection(ctx context.Context, graphID string) error {
	return p.CloseDatabaseConnections(ctx, graphID)
}

// ForceDatabaseCleanup closes all connections for graphID then unlinks the
// database file and its WAL sibling. Filesystem errors unlinking the WAL are
// logged but not returned, matching spec §4.2's failure semantics.
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

// Len reports the current connection count for graphID. Exposed for tests
// asserting the pool-invariant properties.
func (p *Pool) Len(graphID string) int {
	return p.countLocked(graphID)
}

// maybeRunMaintenance opportunistically runs cleanup/health-check sweeps on
// the calling goroutine when their interval has elapsed, matching the
// teacher-grounded "maintenance on acquire" idiom rather than a dedicated
// background worker (see spec §9, both are acceptable).
func (p *Pool) maybeRunMaintenance(ctx context.Context) {
	p.globalMu.Lock()
	now := time.Now()
	runCleanup := now.After(p.lastCleanup.Add(p.cfg.CleanupInterval))
	runHealth := now.After(p.lastHealthCheck.Add(p.cfg.HealthCheckInterval))
	if runCleanup {
		p.lastCleanup = now
	}
	if runHealth {
		p.lastHealthCheck = now
	}
	p.globalMu.Unlock()

	if runCleanup {
		p.sweepExpired(ctx)
	}
	if runHealth {
		p.sweepUnhealthy(ctx)
	}
}

func (p *Pool) sweepExpired(ctx context.Context) {
	p.globalMu.Lock()
	defer p.globalMu.Unlock()

	for graphID, conns := range p.conns {
		kept := conns[:0]
		for _, c := range conns {
			if p.expired(c) {
				if c.Engine != nil {
					_ = c.Engine.Close()
				}
				if p.metric != nil {
					p.metric.RecordPoolEviction("graphpool", "graph", "ttl")
				}
				continue
			}
			kept = append(kept, c)
		}
		p.conns[graphID] = kept
	}
}

func (p *Pool) sweepUnhealthy(ctx context.Context) {
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
				p.logger.LogPoolEvent(ctx, "health_check_failed", graphID, map[string]interface{}{"error": probeErr.Error()})
			}
		}
	}
}
