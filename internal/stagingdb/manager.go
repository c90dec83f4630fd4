// Package stagingdb owns staging-table lifecycle within one graph's staging
// database: materializing object-storage files into deduplicated node/edge
// tables, batch and streaming query execution, listing, deletion, and
// registry-driven refresh. It drives a stagingpool.Pool for connection
// reuse; every operation acquires its connection through the pool's
// per-graph_id lock, which is held only while a connection is picked or
// created, so concurrent operations on one database may run on the same
// connection (§4.5 restates §4.3).
package stagingdb

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/robosystems/graphcore/infrastructure/errors"
	"github.com/robosystems/graphcore/infrastructure/logging"
	"github.com/robosystems/graphcore/infrastructure/metrics"
	"github.com/robosystems/graphcore/internal/pathvalidate"
	"github.com/robosystems/graphcore/internal/stagingpool"
)

// RowCursor is an open, forward-only, non-restartable result cursor used by
// query_table_streaming. FetchMany never returns more than n rows; done is
// true once the underlying result set is exhausted.
type RowCursor interface {
	Columns() []string
	FetchMany(ctx context.Context, n int) (rows [][]any, done bool, err error)
	Close() error
}

// Engine is the full capability the manager needs from an open staging
// engine connection: parameterized SQL execution (batch and streaming) plus
// the pool's liveness/close contract.
type Engine interface {
	Exec(ctx context.Context, query string, args ...any) error
	Query(ctx context.Context, query string, args ...any) (columns []string, rows [][]any, err error)
	QueryStreaming(ctx context.Context, query string, args ...any) (RowCursor, error)
	Probe(ctx context.Context) error
	Close() error
}

// OpenFunc constructs a new Engine for graphID, installing object-storage
// credentials and extensions per stagingpool's contract.
type OpenFunc func(ctx context.Context, graphID string, creds stagingpool.ObjectStoreCredentials) (Engine, error)

// Source names the object-storage input for CreateTable/RefreshTable: either
// an explicit list of file paths the manager controls (inlined as a quoted
// array) or a single glob pattern, parameter-bound (§4.5 step 5).
type Source struct {
	Files   []string
	Pattern string
}

func (s Source) readParquetExpr() (string, []any) {
	if len(s.Files) > 0 {
		quoted := make([]string, len(s.Files))
		for i, f := range s.Files {
			quoted[i] = "'" + strings.ReplaceAll(f, "'", "''") + "'"
		}
		return fmt.Sprintf("read_parquet([%s], hive_partitioning=false)", strings.Join(quoted, ", ")), nil
	}
	return "read_parquet(?, hive_partitioning=false)", []any{s.Pattern}
}

// CreateTableRequest parametrizes CreateTable.
type CreateTableRequest struct {
	GraphID   string
	TableName string
	Source    Source
}

// CreateTableResult reports how the source was classified and materialized.
type CreateTableResult struct {
	TableName string
	Kind      TableKind
	ElapsedMS float64
}

// QueryRequest parametrizes QueryTable and QueryTableStreaming.
type QueryRequest struct {
	GraphID    string
	SQL        string
	Parameters []any
}

// QueryResult is the fully materialized result of QueryTable.
type QueryResult struct {
	Columns     []string
	Rows        [][]any
	RowCount    int
	ExecutionMS float64
}

// Chunk is one slice of a streaming query result. Columns is only populated
// on the first chunk. A chunk carrying Error is always terminal and the
// last one sent (§4.5).
type Chunk struct {
	Columns       []string
	Rows          [][]any
	ChunkIndex    int
	IsLastChunk   bool
	RowCount      int
	TotalRowsSent int
	ExecutionMS   float64
	Error         string
	ErrorType     string
}

// TableInfo is one entry of ListTables.
type TableInfo struct {
	GraphID   string
	TableName string
	RowCount  int64
}

// Config controls a Manager's pooling policy.
type Config struct {
	Pool stagingpool.Config
}

// Manager owns staging-table lifecycle operations for one node.
type Manager struct {
	cfg    Config
	pool   *stagingpool.Pool
	logger *logging.Logger
	metric *metrics.Metrics
}

// New constructs a Manager, wrapping open as the pool's connection factory.
func New(cfg Config, open OpenFunc, logger *logging.Logger, metric *metrics.Metrics) *Manager {
	poolOpen := func(ctx context.Context, graphID string, creds stagingpool.ObjectStoreCredentials) (stagingpool.Engine, error) {
		return open(ctx, graphID, creds)
	}
	return &Manager{
		cfg:    cfg,
		pool:   stagingpool.New(cfg.Pool, poolOpen, logger, metric),
		logger: logger,
		metric: metric,
	}
}

// Pool exposes the underlying connection pool for direct query execution.
func (m *Manager) Pool() *stagingpool.Pool { return m.pool }

func (m *Manager) acquireEngine(ctx context.Context, graphID string) (*stagingpool.Acquired, Engine, error) {
	acquired, err := m.pool.Acquire(ctx, graphID)
	if err != nil {
		return nil, nil, err
	}
	engine, ok := acquired.Conn.Engine.(Engine)
	if !ok {
		acquired.Release()
		return nil, nil, errors.ConnectionFailure("acquire", fmt.Errorf("pooled engine does not implement the staging query contract"))
	}
	return acquired, engine, nil
}

// Checkpoint flushes graphID's staging WAL so a fresh session opened
// elsewhere (notably the graph engine's attach extension) can see
// everything committed so far. Ingestion retries this around transient
// lock contention before every attach (§4.6 step 2).
func (m *Manager) Checkpoint(ctx context.Context, graphID string) error {
	graphID, err := pathvalidate.ValidateGraphID(graphID)
	if err != nil {
		return err
	}

	acquired, engine, err := m.acquireEngine(ctx, graphID)
	if err != nil {
		return err
	}
	defer acquired.Release()

	if err := engine.Exec(ctx, "CHECKPOINT"); err != nil {
		return errors.QueryFailure("checkpoint staging database", http.StatusInternalServerError, err)
	}
	return nil
}

// ExecStaging runs an arbitrary statement against graphID's staging
// database outside the table-lifecycle operations above — used by the
// ingestion pipeline to build and drop its temporary materialization
// tables (§4.6 step 3).
func (m *Manager) ExecStaging(ctx context.Context, graphID, query string, args ...any) error {
	graphID, err := pathvalidate.ValidateGraphID(graphID)
	if err != nil {
		return err
	}

	acquired, engine, err := m.acquireEngine(ctx, graphID)
	if err != nil {
		return err
	}
	defer acquired.Release()

	if err := engine.Exec(ctx, query, args...); err != nil {
		return errors.QueryFailure("execute staging statement", http.StatusBadRequest, err)
	}
	return nil
}

// CreateTable probes the source's schema, classifies it as node/edge/
// passthrough, and materializes it as a deduplicated table (§4.5, §3.3).
func (m *Manager) CreateTable(ctx context.Context, req CreateTableRequest) (*CreateTableResult, error) {
	start := time.Now()

	graphID, err := pathvalidate.ValidateGraphID(req.GraphID)
	if err != nil {
		return nil, err
	}
	tableName, err := pathvalidate.ValidateTableName(req.TableName)
	if err != nil {
		return nil, err
	}
	if len(req.Source.Files) == 0 && req.Source.Pattern == "" {
		return nil, errors.InvalidArgument("source", "must provide either a file list or a pattern")
	}

	acquired, engine, err := m.acquireEngine(ctx, graphID)
	if err != nil {
		return nil, err
	}
	defer acquired.Release()

	probeExpr, probeArgs := req.Source.readParquetExpr()
	probeColumns, _, err := engine.Query(ctx, fmt.Sprintf("SELECT * FROM %s LIMIT 0", probeExpr), probeArgs...)
	if err != nil {
		return nil, errors.QueryFailure("probe source schema", http.StatusBadRequest, err)
	}

	createSQL, createArgs, kind := buildCreateTableSQL(tableName, probeColumns, req.Source)
	if err := engine.Exec(ctx, createSQL, createArgs...); err != nil {
		if m.metric != nil {
			m.metric.RecordIngest("stagingdb", graphID, tableName, "create_table", 0, time.Since(start), err)
		}
		return nil, errors.QueryFailure("create staging table", http.StatusBadRequest, err)
	}

	elapsed := time.Since(start)
	if m.logger != nil {
		m.logger.LogIngestion(ctx, graphID, tableName, "create_table", elapsed, nil)
	}
	if m.metric != nil {
		m.metric.RecordIngest("stagingdb", graphID, tableName, "create_table", 0, elapsed, nil)
	}
	return &CreateTableResult{
		TableName: tableName,
		Kind:      kind,
		ElapsedMS: float64(elapsed.Microseconds()) / 1000.0,
	}, nil
}

// QueryTable executes sql against graphID's staging database and fetches
// every row. Failures surface as a 400 carrying the engine's own message
// (§4.5: "Failures surface as BadRequest with the engine's message").
func (m *Manager) QueryTable(ctx context.Context, req QueryRequest) (*QueryResult, error) {
	start := time.Now()

	graphID, err := pathvalidate.ValidateGraphID(req.GraphID)
	if err != nil {
		return nil, err
	}

	acquired, engine, err := m.acquireEngine(ctx, graphID)
	if err != nil {
		return nil, err
	}
	defer acquired.Release()

	columns, rows, queryErr := engine.Query(ctx, req.SQL, req.Parameters...)
	elapsed := time.Since(start)
	if m.metric != nil {
		status := "success"
		if queryErr != nil {
			status = "error"
		}
		m.metric.RecordDatabaseQuery("stagingdb", "query_table", status, elapsed)
	}
	if queryErr != nil {
		return nil, errors.QueryFailure("query staging table", http.StatusBadRequest, queryErr)
	}
	return &QueryResult{
		Columns:     columns,
		Rows:        rows,
		RowCount:    len(rows),
		ExecutionMS: float64(elapsed.Microseconds()) / 1000.0,
	}, nil
}

// QueryTableStreaming executes sql without fetching all rows up front,
// yielding chunkSize-row chunks over the returned channel. The channel is
// always closed by the producer; a chunk with Error set is always the last
// one sent. The sequence is finite and not restartable (§4.5).
func (m *Manager) QueryTableStreaming(ctx context.Context, req QueryRequest, chunkSize int) <-chan Chunk {
	out := make(chan Chunk)
	if chunkSize <= 0 {
		chunkSize = 1000
	}

	go func() {
		defer close(out)
		start := time.Now()

		graphID, err := pathvalidate.ValidateGraphID(req.GraphID)
		if err != nil {
			out <- errorChunk(err, "invalid_argument")
			return
		}

		acquired, engine, err := m.acquireEngine(ctx, graphID)
		if err != nil {
			out <- errorChunk(err, "connection_failure")
			return
		}
		defer acquired.Release()

		cursor, err := engine.QueryStreaming(ctx, req.SQL, req.Parameters...)
		if err != nil {
			out <- errorChunk(err, "query_failure")
			return
		}
		defer cursor.Close()

		columns := cursor.Columns()
		totalSent := 0
		for chunkIndex := 0; ; chunkIndex++ {
			rows, done, err := cursor.FetchMany(ctx, chunkSize)
			if err != nil {
				out <- errorChunk(err, "query_failure")
				return
			}
			totalSent += len(rows)
			chunk := Chunk{
				Rows:          rows,
				ChunkIndex:    chunkIndex,
				IsLastChunk:   done,
				RowCount:      len(rows),
				TotalRowsSent: totalSent,
				ExecutionMS:   float64(time.Since(start).Microseconds()) / 1000.0,
			}
			if chunkIndex == 0 {
				chunk.Columns = columns
			}
			out <- chunk
			if done {
				return
			}
		}
	}()

	return out
}

func errorChunk(err error, errorType string) Chunk {
	return Chunk{Error: err.Error(), ErrorType: errorType, IsLastChunk: true}
}

// ListTables enumerates every table in graphID's staging database along
// with its row count, skipping (and logging) any table whose count query
// fails rather than aborting the whole listing (§4.5).
func (m *Manager) ListTables(ctx context.Context, graphID string) ([]TableInfo, error) {
	graphID, err := pathvalidate.ValidateGraphID(graphID)
	if err != nil {
		return nil, err
	}

	acquired, engine, err := m.acquireEngine(ctx, graphID)
	if err != nil {
		return nil, err
	}
	defer acquired.Release()

	_, rows, err := engine.Query(ctx, `SELECT table_name FROM information_schema.tables WHERE table_schema = 'main'`)
	if err != nil {
		return nil, errors.QueryFailure("list staging tables", http.StatusInternalServerError, err)
	}

	out := make([]TableInfo, 0, len(rows))
	for _, row := range rows {
		if len(row) == 0 {
			continue
		}
		name, _ := row[0].(string)
		if name == "" {
			continue
		}
		count, err := m.countRows(ctx, engine, name)
		if err != nil {
			if m.logger != nil {
				m.logger.Warn(ctx, "failed to count staging table rows", map[string]interface{}{
					"graph_id": graphID, "table_name": name, "error": err.Error(),
				})
			}
			continue
		}
		out = append(out, TableInfo{GraphID: graphID, TableName: name, RowCount: count})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TableName < out[j].TableName })
	return out, nil
}

func (m *Manager) countRows(ctx context.Context, engine Engine, tableName string) (int64, error) {
	_, rows, err := engine.Query(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", quoteIdent(tableName)))
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 || len(rows[0]) == 0 {
		return 0, nil
	}
	switch v := rows[0][0].(type) {
	case int64:
		return v, nil
	case int32:
		return int64(v), nil
	case int:
		return int64(v), nil
	case float64:
		return int64(v), nil
	default:
		return 0, fmt.Errorf("unexpected count value type %T", v)
	}
}

// DeleteTable drops T from graphID's staging database. Dropping a table
// that does not exist is not an error (§4.5 names no NotFound case here,
// unlike graph database deletion).
func (m *Manager) DeleteTable(ctx context.Context, graphID, tableName string) error {
	graphID, err := pathvalidate.ValidateGraphID(graphID)
	if err != nil {
		return err
	}
	tableName, err = pathvalidate.ValidateTableName(tableName)
	if err != nil {
		return err
	}

	acquired, engine, err := m.acquireEngine(ctx, graphID)
	if err != nil {
		return err
	}
	defer acquired.Release()

	if err := engine.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", quoteIdent(tableName))); err != nil {
		return errors.QueryFailure("delete staging table", http.StatusInternalServerError, err)
	}
	if m.logger != nil {
		m.logger.Info(ctx, "staging table deleted", map[string]interface{}{"graph_id": graphID, "table_name": tableName})
	}
	return nil
}

// RefreshTable rebuilds T from the current registry of completed files.
// Unlike CreateTable, an explicit refresh recreates T as a view over the
// file list rather than a materialized copy: refresh is driven by the file
// registry itself, already tracks membership, and runs inside the same
// session that issued it, so the cross-session credential lifetime that
// rules out views for CreateTable does not apply here.
func (m *Manager) RefreshTable(ctx context.Context, graphID, tableName string, files []string) error {
	graphID, err := pathvalidate.ValidateGraphID(graphID)
	if err != nil {
		return err
	}
	tableName, err = pathvalidate.ValidateTableName(tableName)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return errors.InvalidArgument("files", "must not be empty")
	}

	acquired, engine, err := m.acquireEngine(ctx, graphID)
	if err != nil {
		return err
	}
	defer acquired.Release()

	if err := engine.Exec(ctx, fmt.Sprintf("DROP VIEW IF EXISTS %s", quoteIdent(tableName))); err != nil {
		return errors.QueryFailure("drop existing staging view", http.StatusInternalServerError, err)
	}
	if err := engine.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", quoteIdent(tableName))); err != nil {
		return errors.QueryFailure("drop existing staging table", http.StatusInternalServerError, err)
	}

	expr, args := Source{Files: files}.readParquetExpr()
	createSQL := fmt.Sprintf("CREATE VIEW %s AS SELECT * FROM %s", quoteIdent(tableName), expr)
	if err := engine.Exec(ctx, createSQL, args...); err != nil {
		return errors.QueryFailure("refresh staging table", http.StatusBadRequest, err)
	}

	if m.logger != nil {
		m.logger.LogIngestion(ctx, graphID, tableName, "refresh_table", 0, nil)
	}
	return nil
}
