// Package ingest drives the attach-and-copy pipeline that moves rows from a
// graph's staging database into its graph database: checkpoint staging so
// its WAL is visible to a fresh session, attach it into an open graph
// connection, and issue a COPY. It also owns the full-rebuild protocol,
// which discards and recreates a graph database from its persisted schema
// and staging-table registry (§4.6).
package ingest

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robosystems/graphcore/infrastructure/errors"
	"github.com/robosystems/graphcore/infrastructure/logging"
	"github.com/robosystems/graphcore/infrastructure/metrics"
	"github.com/robosystems/graphcore/infrastructure/resilience"
	"github.com/robosystems/graphcore/internal/graphdb"
	"github.com/robosystems/graphcore/internal/graphpool"
	"github.com/robosystems/graphcore/internal/pathvalidate"
	"github.com/robosystems/graphcore/internal/stagingdb"
)

// RegisteredTable is one staging table the external file registry knows
// about for a graph, used to reconstruct object-storage globs during a
// rebuild.
type RegisteredTable struct {
	TableName string
	UserID    string
}

// FileRegistry is the external, out-of-core collaborator that tracks which
// staging tables exist for a graph and which tenant's files back them.
type FileRegistry interface {
	RegisteredTables(ctx context.Context, graphID string) ([]RegisteredTable, error)
}

// SchemaRegistry is the external collaborator holding the persisted DDL
// applied to a graph, replayed verbatim on rebuild.
type SchemaRegistry interface {
	PersistedDDL(ctx context.Context, graphID string) (string, error)
}

// StatusReporter is the external collaborator tracking a graph's lifecycle
// state (§3.2's state machine lives outside this package; ingest only
// reports transitions through it).
type StatusReporter interface {
	SetStatus(ctx context.Context, graphID, status string, details map[string]interface{}) error
}

// Config names where the staging files for attach live on disk, mirroring
// graphdb.Config's BasePath/StagingBasePath split.
type Config struct {
	StagingBasePath     string
	StagingEngineDBType string // e.g. "duckdb", passed verbatim into ATTACH ... (DBTYPE ...)
}

func (c Config) withDefaults() Config {
	if c.StagingEngineDBType == "" {
		c.StagingEngineDBType = "duckdb"
	}
	return c
}

// IngestRequest parametrizes IngestTable.
type IngestRequest struct {
	GraphID      string
	TableName    string
	IgnoreErrors bool
	Rebuild      bool
}

// MaterializeRequest parametrizes MaterializeTable: a selective variant of
// ingest that copies only a subset of files, keyed by file_id, through a
// temporary physical staging copy.
type MaterializeRequest struct {
	GraphID      string
	TableName    string
	IgnoreErrors bool
	FileIDs      []string
}

// Result is returned by both IngestTable and MaterializeTable.
type Result struct {
	GraphID      string
	TableName    string
	RowsIngested int64
	Skipped      bool
	ElapsedMS    float64
}

var tuplesPattern = regexp.MustCompile(`(\d+)\s+tuples?`)

// parseRowsIngested extracts the integer row count from the engine's COPY
// result message (§4.6 step 6). An unrecognized message yields zero rather
// than an error — the copy itself already succeeded.
func parseRowsIngested(resultMessage string) int64 {
	m := tuplesPattern.FindStringSubmatch(resultMessage)
	if m == nil {
		return 0
	}
	n, _ := strconv.ParseInt(m[1], 10, 64)
	return n
}

// Manager drives ingestion and rebuild for one node's graphs.
type Manager struct {
	cfg     Config
	graphs  *graphdb.Manager
	staging *stagingdb.Manager
	schemas SchemaRegistry
	files   FileRegistry
	status  StatusReporter
	logger  *logging.Logger
	metric  *metrics.Metrics
	retry   resilience.RetryConfig
}

// New constructs a Manager. schemas, files, and status may be nil; a nil
// status reporter simply skips the external state-machine transitions a
// rebuild would otherwise emit.
func New(cfg Config, graphs *graphdb.Manager, staging *stagingdb.Manager, schemas SchemaRegistry, files FileRegistry, status StatusReporter, logger *logging.Logger, metric *metrics.Metrics) *Manager {
	retry := resilience.DefaultRetryConfig() // 3 attempts
	retry.InitialDelay = time.Second
	retry.MaxDelay = time.Second
	return &Manager{
		cfg:     cfg.withDefaults(),
		graphs:  graphs,
		staging: staging,
		schemas: schemas,
		files:   files,
		status:  status,
		logger:  logger,
		metric:  metric,
		retry:   retry,
	}
}

// IngestTable runs the checkpoint-attach-copy protocol for one staging
// table, optionally preceded by a full graph rebuild (§4.6).
func (m *Manager) IngestTable(ctx context.Context, req IngestRequest) (*Result, error) {
	start := time.Now()

	graphID, err := pathvalidate.ValidateGraphID(req.GraphID)
	if err != nil {
		return nil, err
	}
	tableName, err := pathvalidate.ValidateTableName(req.TableName)
	if err != nil {
		return nil, err
	}

	if req.Rebuild {
		if err := m.rebuildGraph(ctx, graphID); err != nil {
			m.reportRebuildFailure(ctx, graphID, err)
			return nil, err
		}
	}

	if err := m.checkpointStaging(ctx, graphID); err != nil {
		if req.Rebuild {
			m.reportRebuildFailure(ctx, graphID, err)
		}
		return nil, err
	}

	rows, err := m.copyIntoGraph(ctx, graphID, tableName, req.IgnoreErrors)
	elapsed := time.Since(start)
	if err != nil {
		if req.Rebuild {
			m.reportRebuildFailure(ctx, graphID, err)
			return nil, errors.RebuildFailed(graphID, "", err)
		}
		if m.metric != nil {
			m.metric.RecordIngest("ingest", graphID, tableName, "ingest_table", 0, elapsed, err)
		}
		return nil, err
	}

	if req.Rebuild && m.status != nil {
		if serr := m.status.SetStatus(ctx, graphID, "available", map[string]interface{}{
			"last_rebuild_duration_seconds": elapsed.Seconds(),
		}); serr != nil && m.logger != nil {
			m.logger.Warn(ctx, "failed to mark graph available after rebuild", map[string]interface{}{"graph_id": graphID, "error": serr.Error()})
		}
	}

	if m.logger != nil {
		m.logger.LogIngestion(ctx, graphID, tableName, "ingest_table", elapsed, nil)
	}
	if m.metric != nil {
		m.metric.RecordIngest("ingest", graphID, tableName, "ingest_table", int(rows), elapsed, nil)
	}

	return &Result{
		GraphID:      graphID,
		TableName:    tableName,
		RowsIngested: rows,
		ElapsedMS:    float64(elapsed.Microseconds()) / 1000.0,
	}, nil
}

// MaterializeTable copies a selective file_id subset of a staging table
// into the graph via a temporary physical copy, excluding the file_id
// bookkeeping column. If T does not yet exist in staging this is a no-op
// "skipped" result, not an error (§4.6: the user has simply not uploaded
// data yet).
func (m *Manager) MaterializeTable(ctx context.Context, req MaterializeRequest) (*Result, error) {
	start := time.Now()

	graphID, err := pathvalidate.ValidateGraphID(req.GraphID)
	if err != nil {
		return nil, err
	}
	tableName, err := pathvalidate.ValidateTableName(req.TableName)
	if err != nil {
		return nil, err
	}

	exists, err := m.tableExists(ctx, graphID, tableName)
	if err != nil {
		return nil, err
	}
	if !exists {
		return &Result{GraphID: graphID, TableName: tableName, Skipped: true}, nil
	}

	tempName := tableName + "_temp_materialization"
	if err := m.createTempMaterialization(ctx, graphID, tableName, tempName, req.FileIDs); err != nil {
		return nil, err
	}
	defer m.dropTempMaterialization(ctx, graphID, tempName)

	if err := m.checkpointStaging(ctx, graphID); err != nil {
		return nil, err
	}

	rows, err := m.copyIntoGraph(ctx, graphID, tempName, req.IgnoreErrors)
	elapsed := time.Since(start)
	if err != nil {
		if m.metric != nil {
			m.metric.RecordIngest("ingest", graphID, tableName, "materialize_table", 0, elapsed, err)
		}
		return nil, err
	}

	if m.logger != nil {
		m.logger.LogIngestion(ctx, graphID, tableName, "materialize_table", elapsed, nil)
	}
	if m.metric != nil {
		m.metric.RecordIngest("ingest", graphID, tableName, "materialize_table", int(rows), elapsed, nil)
	}

	return &Result{
		GraphID:      graphID,
		TableName:    tableName,
		RowsIngested: rows,
		ElapsedMS:    float64(elapsed.Microseconds()) / 1000.0,
	}, nil
}

func (m *Manager) reportRebuildFailure(ctx context.Context, graphID string, cause error) {
	if m.status == nil {
		return
	}
	if err := m.status.SetStatus(ctx, graphID, "rebuild_failed", map[string]interface{}{"error": cause.Error()}); err != nil && m.logger != nil {
		m.logger.Warn(ctx, "failed to mark graph rebuild_failed", map[string]interface{}{"graph_id": graphID, "error": err.Error()})
	}
}

// rebuildGraph implements §4.6 step 1: close pool connections, force-delete
// and recreate the graph file, replay persisted DDL, then re-register every
// table the file registry still knows about.
func (m *Manager) rebuildGraph(ctx context.Context, graphID string) error {
	if m.status != nil {
		if err := m.status.SetStatus(ctx, graphID, "rebuilding", nil); err != nil && m.logger != nil {
			m.logger.Warn(ctx, "failed to mark graph rebuilding", map[string]interface{}{"graph_id": graphID, "error": err.Error()})
		}
	}

	if err := m.graphs.Pool().CloseDatabaseConnections(ctx, graphID); err != nil && m.logger != nil {
		m.logger.Warn(ctx, "error closing pool connections before rebuild", map[string]interface{}{"graph_id": graphID, "error": err.Error()})
	}

	if err := m.graphs.DeleteDatabase(ctx, graphID); err != nil && !errors.Is(err, errors.ErrCodeNotFound) {
		return err
	}

	ddl := ""
	if m.schemas != nil {
		var err error
		ddl, err = m.schemas.PersistedDDL(ctx, graphID)
		if err != nil {
			return err
		}
	}

	createReq := graphdb.CreateRequest{GraphID: graphID}
	if ddl != "" {
		createReq.SchemaType = graphdb.SchemaCustom
		createReq.CustomSchemaDDL = ddl
	} else {
		createReq.SchemaType = graphdb.SchemaEntity
	}
	if _, err := m.graphs.CreateDatabase(ctx, createReq); err != nil {
		return err
	}

	if m.files == nil {
		return nil
	}
	tables, err := m.files.RegisteredTables(ctx, graphID)
	if err != nil {
		return err
	}
	for _, t := range tables {
		pattern := fmt.Sprintf("%s/%s/%s/**/*.parquet", t.UserID, graphID, t.TableName)
		if _, err := m.staging.CreateTable(ctx, stagingdb.CreateTableRequest{
			GraphID:   graphID,
			TableName: t.TableName,
			Source:    stagingdb.Source{Pattern: pattern},
		}); err != nil && m.logger != nil {
			m.logger.Warn(ctx, "failed to re-register staging table during rebuild", map[string]interface{}{
				"graph_id": graphID, "table_name": t.TableName, "error": err.Error(),
			})
		}
	}
	return nil
}

// checkpointStaging retries the staging checkpoint up to 3 attempts about
// 1 second apart and returns CheckpointFailed once they are used up: the
// graph engine's attach extension opens a fresh session that cannot see
// uncommitted staging WAL (§4.6 step 2).
func (m *Manager) checkpointStaging(ctx context.Context, graphID string) error {
	err := resilience.Retry(ctx, m.retry, func() error {
		return m.staging.Checkpoint(ctx, graphID)
	})
	if err != nil {
		return errors.CheckpointFailed(graphID, m.retry.MaxAttempts, err)
	}
	return nil
}

func (m *Manager) tableExists(ctx context.Context, graphID, tableName string) (bool, error) {
	tables, err := m.staging.ListTables(ctx, graphID)
	if err != nil {
		return false, err
	}
	for _, t := range tables {
		if t.TableName == tableName {
			return true, nil
		}
	}
	return false, nil
}

// createTempMaterialization builds a physical copy of tableName under
// tempName in staging, dropping the file_id bookkeeping column and
// optionally filtering to fileIDs (§4.6 step 3).
func (m *Manager) createTempMaterialization(ctx context.Context, graphID, tableName, tempName string, fileIDs []string) error {
	query := fmt.Sprintf(`CREATE OR REPLACE TABLE %s AS SELECT * EXCLUDE (file_id) FROM %s`, quoteStagingIdent(tempName), quoteStagingIdent(tableName))
	var args []any
	if len(fileIDs) > 0 {
		placeholders := make([]string, len(fileIDs))
		for i, id := range fileIDs {
			placeholders[i] = "?"
			args = append(args, id)
		}
		query = fmt.Sprintf(`CREATE OR REPLACE TABLE %s AS SELECT * EXCLUDE (file_id) FROM %s WHERE file_id IN (%s)`,
			quoteStagingIdent(tempName), quoteStagingIdent(tableName), joinPlaceholders(placeholders))
	}
	return m.staging.ExecStaging(ctx, graphID, query, args...)
}

func (m *Manager) dropTempMaterialization(ctx context.Context, graphID, tempName string) {
	if err := m.staging.ExecStaging(ctx, graphID, fmt.Sprintf("DROP TABLE IF EXISTS %s", quoteStagingIdent(tempName))); err != nil && m.logger != nil {
		m.logger.Warn(ctx, "failed to drop temporary materialization table", map[string]interface{}{"graph_id": graphID, "table_name": tempName, "error": err.Error()})
	}
}

func quoteStagingIdent(s string) string { return `"` + s + `"` }

func joinPlaceholders(p []string) string {
	out := p[0]
	for _, s := range p[1:] {
		out += ", " + s
	}
	return out
}

// copyIntoGraph loads the staging-attach extension, detaches any prior
// attach, attaches the staging database, and issues the COPY — table names
// are unquoted in this dialect, so the validator at the call site is the
// only guard against injection (§4.6 step 5).
func (m *Manager) copyIntoGraph(ctx context.Context, graphID, tableName string, ignoreErrors bool) (int64, error) {
	stagingPath, err := pathvalidate.StagingPath(m.cfg.StagingBasePath, graphID)
	if err != nil {
		return 0, err
	}

	acquired, engine, err := m.acquireGraphEngine(ctx, graphID)
	if err != nil {
		return 0, err
	}
	defer acquired.Release()

	if err := engine.Execute(ctx, "LOAD staging_attach"); err != nil && !alreadyLoaded(err) {
		return 0, errors.QueryFailure("load staging extension", http.StatusInternalServerError, err)
	}
	_ = engine.Execute(ctx, "DETACH duck") // idempotent: no-op when nothing is attached

	attachStmt := fmt.Sprintf("ATTACH '%s' AS duck (DBTYPE %s)", stagingPath, m.cfg.StagingEngineDBType)
	if err := engine.Execute(ctx, attachStmt); err != nil {
		return 0, errors.QueryFailure("attach staging database", http.StatusInternalServerError, err)
	}

	copyStmt := fmt.Sprintf("COPY %s FROM duck.%s", tableName, tableName)
	if ignoreErrors {
		copyStmt += " (ignore_errors=true)"
	}
	resultMessage, err := engine.ExecuteCapturing(ctx, copyStmt)
	if err != nil {
		return 0, errors.QueryFailure("copy staging table into graph", http.StatusBadRequest, err)
	}
	return parseRowsIngested(resultMessage), nil
}

func alreadyLoaded(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "already loaded")
}

func (m *Manager) acquireGraphEngine(ctx context.Context, graphID string) (*graphpool.Acquired, graphdb.Engine, error) {
	acquired, err := m.graphs.Pool().Acquire(ctx, graphID, false)
	if err != nil {
		return nil, nil, err
	}
	engine, ok := acquired.Conn.Engine.(graphdb.Engine)
	if !ok {
		acquired.Release()
		return nil, nil, errors.ConnectionFailure("acquire", fmt.Errorf("pooled engine does not implement the ingest capability"))
	}
	return acquired, engine, nil
}
