// Package graphdb owns the lifecycle of the embedded graph databases living
// on one node: creation with schema materialization, deletion, inspection,
// and aggregate capacity accounting. It drives a graphpool.Pool for
// connection reuse but opens its own bootstrap connection for schema work,
// since that connection is discarded the moment creation finishes (§4.4).
package graphdb

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/robosystems/graphcore/infrastructure/errors"
	"github.com/robosystems/graphcore/infrastructure/logging"
	"github.com/robosystems/graphcore/infrastructure/metrics"
	"github.com/robosystems/graphcore/internal/graphpool"
	"github.com/robosystems/graphcore/internal/pathvalidate"
)

// Engine is the full capability the manager needs from an open graph
// engine connection: schema DDL plus the pool's liveness/close contract.
type Engine interface {
	Execute(ctx context.Context, statement string) error
	// ExecuteCapturing runs statement and returns the engine's textual
	// result message, used where the response itself carries information
	// (e.g. a COPY statement's row count) rather than just success/failure.
	ExecuteCapturing(ctx context.Context, statement string) (string, error)
	Probe(ctx context.Context) error
	Close() error
}

// OpenFunc constructs a new Engine rooted at an absolute database path.
type OpenFunc func(ctx context.Context, path string, bufferPoolBytes, checkpointThresholdBytes int64) (Engine, error)

// QueryEngine is the capability a pooled Engine exposes when it can also run
// read (and parametrized write) Cypher statements and return rows, rather
// than only the schema-DDL surface of Engine. Not every Engine
// implementation in this package's own tests needs it, so it is checked via
// a type assertion at the call site rather than folded into Engine itself.
type QueryEngine interface {
	Engine
	Query(ctx context.Context, cypher string, params map[string]any) (columns []string, rows [][]any, err error)
}

// SchemaType selects how CreateDatabase materializes the new database's
// schema (§4.4 step 3).
type SchemaType string

const (
	SchemaEntity SchemaType = "entity"
	SchemaShared SchemaType = "shared"
	SchemaCustom SchemaType = "custom"
)

// CreateRequest parametrizes CreateDatabase.
type CreateRequest struct {
	GraphID          string
	SchemaType       SchemaType
	RepositoryName   string
	CustomSchemaDDL  string
	IsSubgraph       bool
	ReadOnly         bool
}

// CreateResult is returned on successful creation.
type CreateResult struct {
	GraphID       string
	Path          string
	SchemaApplied bool
	ElapsedMS     float64
}

// Info describes one database's on-disk and health state (§3.2).
type Info struct {
	GraphID      string
	Path         string
	SizeBytes    int64
	CreatedAt    time.Time
	IsHealthy    bool
	ReadOnly     bool
	HasActiveUse bool
}

// AggregateInfo is the fleet-wide capacity summary (§4.4).
type AggregateInfo struct {
	Databases          []Info
	MaxDatabases       int
	CurrentDatabases   int
	CapacityRemaining  int
	UtilizationPercent float64
}

// Config controls a Manager's paths and capacity policy.
type Config struct {
	BasePath        string
	StagingBasePath string
	MaxDatabases    int
	BufferPoolBytes int64
	Pool            graphpool.Config
}

// Manager owns database lifecycle operations for one node.
type Manager struct {
	cfg    Config
	open   OpenFunc
	pool   *graphpool.Pool
	logger *logging.Logger
	metric *metrics.Metrics

	createMu sync.Mutex
}

// New constructs a Manager. open is used both for the schema-bootstrap
// connection in CreateDatabase and, wrapped, as the pool's connection
// factory for every later Acquire.
func New(cfg Config, open OpenFunc, logger *logging.Logger, metric *metrics.Metrics) *Manager {
	m := &Manager{cfg: cfg, open: open, logger: logger, metric: metric}
	poolOpen := func(ctx context.Context, graphID string, bufferPoolBytes, checkpointThresholdBytes int64) (graphpool.Engine, error) {
		path, err := pathvalidate.GraphPath(cfg.BasePath, graphID)
		if err != nil {
			return nil, err
		}
		return open(ctx, path, bufferPoolBytes, checkpointThresholdBytes)
	}
	m.pool = graphpool.New(cfg.Pool, poolOpen, logger, metric)
	return m
}

// Pool exposes the underlying connection pool for query execution.
func (m *Manager) Pool() *graphpool.Pool { return m.pool }

// CreateDatabase materializes a new graph database on disk, applies its
// schema, and creates its sibling staging directory. The per-graph_id lock
// in the connection pool bounds concurrent create/delete only after the
// pool has a conn for this id; creation itself is additionally serialized
// node-wide by createMu to keep capacity accounting race-free (§3.2).
func (m *Manager) CreateDatabase(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	start := time.Now()

	graphID, err := pathvalidate.ValidateGraphID(req.GraphID)
	if err != nil {
		return nil, err
	}

	m.createMu.Lock()
	defer m.createMu.Unlock()

	if !req.IsSubgraph {
		current, err := m.listDatabasesLocked()
		if err != nil {
			return nil, err
		}
		if len(current) >= m.cfg.MaxDatabases {
			return nil, errors.CapacityExceeded(len(current), m.cfg.MaxDatabases)
		}
	}

	dbPath, err := pathvalidate.GraphPath(m.cfg.BasePath, graphID)
	if err != nil {
		return nil, err
	}
	if _, statErr := os.Stat(dbPath); statErr == nil {
		return nil, errors.Conflict(fmt.Sprintf("graph database %s already exists", graphID))
	} else if !os.IsNotExist(statErr) {
		return nil, errors.QueryFailure("stat database path", http.StatusInternalServerError, statErr)
	}

	checkpointBytes := m.pool.CheckpointThreshold(graphID)
	engine, err := m.open(ctx, dbPath, m.cfg.BufferPoolBytes, checkpointBytes)
	if err != nil {
		return nil, errors.ConnectionFailure("create_database", err)
	}

	schemaApplied, schemaErr := m.applySchema(ctx, engine, req)
	closeErr := engine.Close()
	if closeErr != nil && m.logger != nil {
		m.logger.Warn(ctx, "bootstrap connection close failed", map[string]interface{}{"graph_id": graphID, "error": closeErr.Error()})
	}

	if schemaErr != nil {
		m.cleanupFailedCreate(ctx, dbPath)
		return nil, schemaErr
	}

	stagingDir := filepath.Join(m.cfg.StagingBasePath, graphID)
	if err := os.MkdirAll(stagingDir, 0o755); err != nil && m.logger != nil {
		m.logger.Warn(ctx, "failed to create staging directory", map[string]interface{}{"graph_id": graphID, "error": err.Error()})
	}

	elapsed := time.Since(start)
	if m.logger != nil {
		m.logger.Info(ctx, "graph database created", map[string]interface{}{
			"graph_id":       graphID,
			"schema_type":    string(req.SchemaType),
			"schema_applied": schemaApplied,
			"elapsed_ms":     elapsed.Milliseconds(),
		})
	}

	return &CreateResult{
		GraphID:       graphID,
		Path:          dbPath,
		SchemaApplied: schemaApplied,
		ElapsedMS:     float64(elapsed.Microseconds()) / 1000.0,
	}, nil
}

func (m *Manager) applySchema(ctx context.Context, engine Engine, req CreateRequest) (bool, error) {
	switch req.SchemaType {
	case SchemaEntity:
		return m.applyCatalogOrFallback(ctx, engine, BaseCatalog(), req.GraphID), nil
	case SchemaShared:
		return m.applyCatalogOrFallback(ctx, engine, CatalogForRepository(req.RepositoryName), req.GraphID), nil
	case SchemaCustom:
		if req.CustomSchemaDDL == "" {
			return false, errors.InvalidArgument("custom_schema_ddl", "required for schema_type=custom")
		}
		if err := applyCustomDDL(ctx, engine, req.CustomSchemaDDL); err != nil {
			return false, errors.QueryFailure("apply custom schema", http.StatusBadRequest, err)
		}
		return true, nil
	default:
		return false, errors.InvalidArgument("schema_type", "unknown schema type")
	}
}

// applyCatalogOrFallback applies cat and, if that leaves the database with
// no usable node tables at all, falls back to the minimal three-statement
// schema so the graph stays queryable rather than schema-less (§4.4 step 3).
func (m *Manager) applyCatalogOrFallback(ctx context.Context, engine Engine, cat Catalog, graphID string) bool {
	if applyCatalog(ctx, engine, cat, m.logger) {
		return true
	}
	if m.logger != nil {
		m.logger.Warn(ctx, "catalog application produced no usable tables, applying fallback schema", map[string]interface{}{"graph_id": graphID})
	}
	if err := applyFallback(ctx, engine); err != nil {
		if m.logger != nil {
			m.logger.Error(ctx, "fallback schema application failed", err, map[string]interface{}{"graph_id": graphID})
		}
		return false
	}
	return true
}

func (m *Manager) cleanupFailedCreate(ctx context.Context, dbPath string) {
	if err := os.Remove(dbPath); err != nil && !os.IsNotExist(err) && m.logger != nil {
		m.logger.Error(ctx, "failed to remove partially created graph database", err, map[string]interface{}{"path": dbPath})
	}
}

// DeleteDatabase closes all pooled connections for graphID and unlinks its
// file. A missing database is a NotFound, checked before anything is
// touched (§4.4).
func (m *Manager) DeleteDatabase(ctx context.Context, graphID string) error {
	graphID, err := pathvalidate.ValidateGraphID(graphID)
	if err != nil {
		return err
	}
	dbPath, err := pathvalidate.GraphPath(m.cfg.BasePath, graphID)
	if err != nil {
		return err
	}
	if _, statErr := os.Stat(dbPath); statErr != nil {
		if os.IsNotExist(statErr) {
			return errors.NotFound("graph_database", graphID)
		}
		return errors.QueryFailure("stat database path", http.StatusInternalServerError, statErr)
	}

	if err := m.pool.CloseDatabaseConnections(ctx, graphID); err != nil && m.logger != nil {
		m.logger.Warn(ctx, "error closing pool connections before delete", map[string]interface{}{"graph_id": graphID, "error": err.Error()})
	}
	if err := os.Remove(dbPath); err != nil {
		return errors.QueryFailure("delete database file", http.StatusInternalServerError, err)
	}
	if m.logger != nil {
		m.logger.Info(ctx, "graph database deleted", map[string]interface{}{"graph_id": graphID})
	}
	return nil
}

// GetDatabaseInfo reports on-disk size and health for one database.
func (m *Manager) GetDatabaseInfo(ctx context.Context, graphID string) (*Info, error) {
	graphID, err := pathvalidate.ValidateGraphID(graphID)
	if err != nil {
		return nil, err
	}
	dbPath, err := pathvalidate.GraphPath(m.cfg.BasePath, graphID)
	if err != nil {
		return nil, err
	}
	stat, statErr := os.Stat(dbPath)
	if statErr != nil {
		if os.IsNotExist(statErr) {
			return nil, errors.NotFound("graph_database", graphID)
		}
		return nil, errors.QueryFailure("stat database path", http.StatusInternalServerError, statErr)
	}

	return &Info{
		GraphID:      graphID,
		Path:         dbPath,
		SizeBytes:    stat.Size(),
		CreatedAt:    stat.ModTime(),
		IsHealthy:    m.checkHealth(ctx, graphID) == nil,
		HasActiveUse: m.pool.Len(graphID) > 0,
	}, nil
}

// ListDatabases returns every graph_id with a .graph file under basePath.
func (m *Manager) ListDatabases() ([]string, error) {
	m.createMu.Lock()
	defer m.createMu.Unlock()
	return m.listDatabasesLocked()
}

func (m *Manager) listDatabasesLocked() ([]string, error) {
	entries, err := os.ReadDir(m.cfg.BasePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.QueryFailure("list databases", http.StatusInternalServerError, err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		const ext = pathvalidate.GraphExt
		if len(name) > len(ext) && name[len(name)-len(ext):] == ext {
			out = append(out, name[:len(name)-len(ext)])
		}
	}
	sort.Strings(out)
	return out, nil
}

// GetAllDatabasesInfo returns Info for every database plus the capacity
// summary (§4.4).
func (m *Manager) GetAllDatabasesInfo(ctx context.Context) (*AggregateInfo, error) {
	ids, err := m.ListDatabases()
	if err != nil {
		return nil, err
	}
	infos := make([]Info, 0, len(ids))
	for _, id := range ids {
		info, err := m.GetDatabaseInfo(ctx, id)
		if err != nil {
			continue
		}
		infos = append(infos, *info)
	}
	current := len(infos)
	remaining := m.cfg.MaxDatabases - current
	if remaining < 0 {
		remaining = 0
	}
	utilization := 0.0
	if m.cfg.MaxDatabases > 0 {
		utilization = float64(current) / float64(m.cfg.MaxDatabases) * 100.0
	}
	return &AggregateInfo{
		Databases:          infos,
		MaxDatabases:       m.cfg.MaxDatabases,
		CurrentDatabases:   current,
		CapacityRemaining:  remaining,
		UtilizationPercent: utilization,
	}, nil
}

// HealthCheckAll probes every known database and reports which ones are
// unhealthy, draining every probe result so the pool never leaks a
// connection mid-check.
func (m *Manager) HealthCheckAll(ctx context.Context) (map[string]bool, error) {
	ids, err := m.ListDatabases()
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = m.checkHealth(ctx, id) == nil
	}
	return out, nil
}

func (m *Manager) checkHealth(ctx context.Context, graphID string) error {
	acquired, err := m.pool.Acquire(ctx, graphID, true)
	if err != nil {
		return err
	}
	defer acquired.Release()
	return acquired.Conn.Engine.Probe(ctx)
}

// Query runs a Cypher statement against graphID's pooled connection and
// returns its result set. readOnly selects a read-only pool acquisition,
// matching the graph engine's single-writer semantics (§5).
func (m *Manager) Query(ctx context.Context, graphID, cypher string, params map[string]any, readOnly bool) (columns []string, rows [][]any, err error) {
	acquired, err := m.pool.Acquire(ctx, graphID, readOnly)
	if err != nil {
		return nil, nil, err
	}
	defer acquired.Release()

	engine, ok := acquired.Conn.Engine.(QueryEngine)
	if !ok {
		return nil, nil, errors.ConnectionFailure("query", fmt.Errorf("pooled engine does not implement the query capability"))
	}
	return engine.Query(ctx, cypher, params)
}
