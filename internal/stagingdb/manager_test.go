package stagingdb

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/robosystems/graphcore/internal/stagingpool"
)

type fakeQueryResult struct {
	columns []string
	rows    [][]any
}

type fakeEngine struct {
	probeColumns []string
	execs        []string
	execArgs     [][]any
	queryResults map[string]fakeQueryResult
	failExec     map[string]bool
	failStream   bool
}

func (f *fakeEngine) Exec(ctx context.Context, query string, args ...any) error {
	f.execs = append(f.execs, query)
	f.execArgs = append(f.execArgs, args)
	if f.failExec != nil && f.failExec[query] {
		return errors.New("engine rejected statement")
	}
	return nil
}

func (f *fakeEngine) Query(ctx context.Context, query string, args ...any) ([]string, [][]any, error) {
	if strings.Contains(query, "LIMIT 0") {
		return f.probeColumns, nil, nil
	}
	if res, ok := f.queryResults[query]; ok {
		return res.columns, res.rows, nil
	}
	return nil, nil, nil
}

func (f *fakeEngine) QueryStreaming(ctx context.Context, query string, args ...any) (RowCursor, error) {
	if f.failStream {
		return nil, errors.New("stream open failed")
	}
	res := f.queryResults[query]
	return &fakeCursor{columns: res.columns, rows: res.rows}, nil
}

func (f *fakeEngine) Probe(ctx context.Context) error { return nil }
func (f *fakeEngine) Close() error                    { return nil }

type fakeCursor struct {
	columns []string
	rows    [][]any
	offset  int
}

func (c *fakeCursor) Columns() []string { return c.columns }

func (c *fakeCursor) FetchMany(ctx context.Context, n int) ([][]any, bool, error) {
	if c.offset >= len(c.rows) {
		return nil, true, nil
	}
	end := c.offset + n
	if end > len(c.rows) {
		end = len(c.rows)
	}
	chunk := c.rows[c.offset:end]
	c.offset = end
	return chunk, c.offset >= len(c.rows), nil
}

func (c *fakeCursor) Close() error { return nil }

func newTestManager(t *testing.T, engine *fakeEngine) *Manager {
	t.Helper()
	return New(Config{}, func(ctx context.Context, graphID string, creds stagingpool.ObjectStoreCredentials) (Engine, error) {
		return engine, nil
	}, nil, nil)
}

func TestCreateTableNodeDedup(t *testing.T) {
	engine := &fakeEngine{probeColumns: []string{"identifier", "name"}}
	m := newTestManager(t, engine)

	result, err := m.CreateTable(context.Background(), CreateTableRequest{
		GraphID:   "kg1",
		TableName: "entities",
		Source:    Source{Files: []string{"s3://bucket/a.parquet"}},
	})
	if err != nil {
		t.Fatalf("CreateTable() error = %v", err)
	}
	if result.Kind != KindNode {
		t.Errorf("Kind = %v, want node", result.Kind)
	}
	last := engine.execs[len(engine.execs)-1]
	if !strings.Contains(last, `PARTITION BY identifier ORDER BY identifier`) {
		t.Errorf("expected identifier dedup window, got %s", last)
	}
	if !strings.Contains(last, `'s3://bucket/a.parquet'`) {
		t.Errorf("expected inlined file list, got %s", last)
	}
}

func TestCreateTableEdgeDedupRenamesColumns(t *testing.T) {
	engine := &fakeEngine{probeColumns: []string{"from", "to", "weight"}}
	m := newTestManager(t, engine)

	result, err := m.CreateTable(context.Background(), CreateTableRequest{
		GraphID:   "kg1",
		TableName: "relationships",
		Source:    Source{Files: []string{"s3://bucket/b.parquet"}},
	})
	if err != nil {
		t.Fatalf("CreateTable() error = %v", err)
	}
	if result.Kind != KindEdge {
		t.Errorf("Kind = %v, want edge", result.Kind)
	}
	last := engine.execs[len(engine.execs)-1]
	if !strings.Contains(last, `"from" AS src, "to" AS dst`) {
		t.Errorf("expected src/dst rename ahead of other columns, got %s", last)
	}
	if !strings.Contains(last, `PARTITION BY "from", "to"`) {
		t.Errorf("expected (from,to) dedup window, got %s", last)
	}
}

func TestCreateTablePassthroughNoDedup(t *testing.T) {
	engine := &fakeEngine{probeColumns: []string{"col_a", "col_b"}}
	m := newTestManager(t, engine)

	result, err := m.CreateTable(context.Background(), CreateTableRequest{
		GraphID:   "kg1",
		TableName: "raw",
		Source:    Source{Pattern: "s3://bucket/*.parquet"},
	})
	if err != nil {
		t.Fatalf("CreateTable() error = %v", err)
	}
	if result.Kind != KindPassthrough {
		t.Errorf("Kind = %v, want passthrough", result.Kind)
	}
	last := engine.execs[len(engine.execs)-1]
	if strings.Contains(last, "ROW_NUMBER") {
		t.Errorf("expected no dedup window for passthrough, got %s", last)
	}
	lastArgs := engine.execArgs[len(engine.execArgs)-1]
	if len(lastArgs) != 1 || lastArgs[0] != "s3://bucket/*.parquet" {
		t.Errorf("expected pattern bound as single parameter, got %v", lastArgs)
	}
}

func TestCreateTableRejectsBadTableNameWithoutTouchingEngine(t *testing.T) {
	engine := &fakeEngine{probeColumns: []string{"identifier"}}
	m := newTestManager(t, engine)

	_, err := m.CreateTable(context.Background(), CreateTableRequest{
		GraphID:   "kg1",
		TableName: "bad table!",
		Source:    Source{Pattern: "s3://bucket/*.parquet"},
	})
	if err == nil {
		t.Fatal("expected error for invalid table name")
	}
	if len(engine.execs) != 0 {
		t.Errorf("expected no DDL issued, got %v", engine.execs)
	}
}

func TestCreateTableRejectsEmptySource(t *testing.T) {
	engine := &fakeEngine{}
	m := newTestManager(t, engine)

	_, err := m.CreateTable(context.Background(), CreateTableRequest{
		GraphID:   "kg1",
		TableName: "t",
	})
	if err == nil {
		t.Fatal("expected error for empty source")
	}
}

func TestListTablesAggregatesRowCounts(t *testing.T) {
	engine := &fakeEngine{
		queryResults: map[string]fakeQueryResult{
			`SELECT table_name FROM information_schema.tables WHERE table_schema = 'main'`: {
				rows: [][]any{{"entities"}, {"relationships"}},
			},
			`SELECT COUNT(*) FROM "entities"`:      {rows: [][]any{{int64(42)}}},
			`SELECT COUNT(*) FROM "relationships"`: {rows: [][]any{{int64(7)}}},
		},
	}
	m := newTestManager(t, engine)

	tables, err := m.ListTables(context.Background(), "kg1")
	if err != nil {
		t.Fatalf("ListTables() error = %v", err)
	}
	if len(tables) != 2 {
		t.Fatalf("ListTables() = %v, want 2 entries", tables)
	}
	if tables[0].TableName != "entities" || tables[0].RowCount != 42 {
		t.Errorf("unexpected first table: %+v", tables[0])
	}
	if tables[1].TableName != "relationships" || tables[1].RowCount != 7 {
		t.Errorf("unexpected second table: %+v", tables[1])
	}
}

func TestDeleteTableIssuesDropIfExists(t *testing.T) {
	engine := &fakeEngine{}
	m := newTestManager(t, engine)

	if err := m.DeleteTable(context.Background(), "kg1", "entities"); err != nil {
		t.Fatalf("DeleteTable() error = %v", err)
	}
	if len(engine.execs) != 1 || engine.execs[0] != `DROP TABLE IF EXISTS "entities"` {
		t.Errorf("unexpected execs: %v", engine.execs)
	}
}

func TestQueryTableStreamingChunksAndTerminates(t *testing.T) {
	engine := &fakeEngine{
		queryResults: map[string]fakeQueryResult{
			"SELECT * FROM entities": {
				columns: []string{"identifier", "name"},
				rows:    [][]any{{"1", "a"}, {"2", "b"}, {"3", "c"}},
			},
		},
	}
	m := newTestManager(t, engine)

	chunks := collectChunks(m.QueryTableStreaming(context.Background(), QueryRequest{
		GraphID: "kg1",
		SQL:     "SELECT * FROM entities",
	}, 2))

	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	if len(chunks[0].Columns) != 2 {
		t.Errorf("expected columns on first chunk, got %v", chunks[0].Columns)
	}
	if chunks[0].IsLastChunk {
		t.Error("first chunk should not be last")
	}
	if !chunks[1].IsLastChunk {
		t.Error("second chunk should be last")
	}
	if chunks[1].TotalRowsSent != 3 {
		t.Errorf("TotalRowsSent = %d, want 3", chunks[1].TotalRowsSent)
	}
}

func TestQueryTableStreamingSurfacesErrorAsTerminalChunk(t *testing.T) {
	engine := &fakeEngine{failStream: true}
	m := newTestManager(t, engine)

	chunks := collectChunks(m.QueryTableStreaming(context.Background(), QueryRequest{
		GraphID: "kg1",
		SQL:     "SELECT * FROM broken",
	}, 10))

	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1 terminal error chunk", len(chunks))
	}
	if chunks[0].Error == "" || !chunks[0].IsLastChunk {
		t.Errorf("expected terminal error chunk, got %+v", chunks[0])
	}
}

func TestRefreshTableRecreatesAsView(t *testing.T) {
	engine := &fakeEngine{}
	m := newTestManager(t, engine)

	err := m.RefreshTable(context.Background(), "kg1", "entities", []string{"s3://bucket/new.parquet"})
	if err != nil {
		t.Fatalf("RefreshTable() error = %v", err)
	}
	if len(engine.execs) != 3 {
		t.Fatalf("expected drop view + drop table + create view, got %v", engine.execs)
	}
	if engine.execs[0] != `DROP VIEW IF EXISTS "entities"` {
		t.Errorf("unexpected first statement: %s", engine.execs[0])
	}
	if engine.execs[1] != `DROP TABLE IF EXISTS "entities"` {
		t.Errorf("unexpected second statement: %s", engine.execs[1])
	}
	last := engine.execs[2]
	if !strings.HasPrefix(last, "CREATE VIEW") {
		t.Errorf("expected a view-based refresh, got %s", last)
	}
	if !strings.Contains(last, "'s3://bucket/new.parquet'") {
		t.Errorf("expected inlined file list, got %s", last)
	}
}

func TestRefreshTableRejectsEmptyFileList(t *testing.T) {
	m := newTestManager(t, &fakeEngine{})
	if err := m.RefreshTable(context.Background(), "kg1", "entities", nil); err == nil {
		t.Fatal("expected error for empty file list")
	}
}

func collectChunks(in <-chan Chunk) []Chunk {
	var out []Chunk
	for c := range in {
		out = append(out, c)
	}
	return out
}
