package repository

import (
	"context"
	"os"
	"testing"

	"github.com/robosystems/graphcore/internal/graphdb"
)

type fakeQueryEngine struct {
	rows    map[string][][]any
	columns map[string][]string
}

func (f *fakeQueryEngine) Execute(ctx context.Context, statement string) error { return nil }
func (f *fakeQueryEngine) ExecuteCapturing(ctx context.Context, statement string) (string, error) {
	return "", nil
}
func (f *fakeQueryEngine) Probe(ctx context.Context) error { return nil }
func (f *fakeQueryEngine) Close() error                    { return nil }

func (f *fakeQueryEngine) Query(ctx context.Context, cypher string, params map[string]any) ([]string, [][]any, error) {
	return f.columns[cypher], f.rows[cypher], nil
}

func newTestLocal(t *testing.T) (*Local, *fakeQueryEngine) {
	t.Helper()
	engine := &fakeQueryEngine{
		rows:    map[string][][]any{},
		columns: map[string][]string{},
	}
	graphs := graphdb.New(graphdb.Config{
		BasePath:        t.TempDir(),
		StagingBasePath: t.TempDir(),
		MaxDatabases:    2,
		BufferPoolBytes: 1024,
	}, func(ctx context.Context, path string, bp, ct int64) (graphdb.Engine, error) {
		if err := os.WriteFile(path, []byte{}, 0o644); err != nil {
			return nil, err
		}
		return engine, nil
	}, nil, nil)

	return NewLocal(graphs, "kg_demo", false), engine
}

func TestLocalExecuteQueryMapsColumnsToRows(t *testing.T) {
	local, engine := newTestLocal(t)
	engine.columns["MATCH (n) RETURN n"] = []string{"id", "name"}
	engine.rows["MATCH (n) RETURN n"] = [][]any{{1, "a"}, {2, "b"}}

	rows, err := local.ExecuteQuery(context.Background(), "MATCH (n) RETURN n", nil)
	if err != nil {
		t.Fatalf("ExecuteQuery() error = %v", err)
	}
	if len(rows) != 2 || rows[0]["name"] != "a" || rows[1]["id"] != 2 {
		t.Fatalf("unexpected rows: %#v", rows)
	}
}

func TestLocalExecuteSingleReturnsFirstRow(t *testing.T) {
	local, engine := newTestLocal(t)
	engine.columns["q"] = []string{"count"}
	engine.rows["q"] = [][]any{{5}}

	row, found, err := local.ExecuteSingle(context.Background(), "q", nil)
	if err != nil || !found {
		t.Fatalf("ExecuteSingle() = %v, %v, %v", row, found, err)
	}
	if row["count"] != 5 {
		t.Fatalf("expected count=5, got %#v", row)
	}
}

func TestLocalExecuteSingleNoRowsNotFound(t *testing.T) {
	local, _ := newTestLocal(t)
	_, found, err := local.ExecuteSingle(context.Background(), "MATCH (n:Missing) RETURN n", nil)
	if err != nil {
		t.Fatalf("ExecuteSingle() error = %v", err)
	}
	if found {
		t.Fatal("expected found=false for empty result")
	}
}

func TestLocalCountNodesBuildsFilterClause(t *testing.T) {
	local, engine := newTestLocal(t)
	cypher := "MATCH (n:Entity) WHERE n.status = $status RETURN count(n) AS count"
	engine.columns[cypher] = []string{"count"}
	engine.rows[cypher] = [][]any{{3}}

	count, err := local.CountNodes(context.Background(), "Entity", map[string]any{"status": "active"})
	if err != nil {
		t.Fatalf("CountNodes() error = %v", err)
	}
	if count != 3 {
		t.Fatalf("CountNodes() = %d, want 3", count)
	}
}

func TestLocalNodeExistsTrueAndFalse(t *testing.T) {
	local, engine := newTestLocal(t)
	cypher := "MATCH (n:Entity) RETURN n LIMIT 1"
	engine.columns[cypher] = []string{"n"}
	engine.rows[cypher] = [][]any{{"present"}}

	exists, err := local.NodeExists(context.Background(), "Entity", nil)
	if err != nil || !exists {
		t.Fatalf("NodeExists() = %v, %v, want true", exists, err)
	}

	missing := "MATCH (n:Ghost) RETURN n LIMIT 1"
	exists, err = local.NodeExists(context.Background(), "Ghost", nil)
	if err != nil {
		t.Fatalf("NodeExists() error = %v", err)
	}
	if exists {
		t.Fatalf("NodeExists() for %q = true, want false", missing)
	}
}

func TestLocalExecuteTransactionRunsSequentially(t *testing.T) {
	local, engine := newTestLocal(t)
	engine.columns["a"] = []string{"x"}
	engine.rows["a"] = [][]any{{1}}
	engine.columns["b"] = []string{"y"}
	engine.rows["b"] = [][]any{{2}}

	results, err := local.ExecuteTransaction(context.Background(), []Operation{
		{Cypher: "a"}, {Cypher: "b"},
	})
	if err != nil {
		t.Fatalf("ExecuteTransaction() error = %v", err)
	}
	if len(results) != 2 || results[0][0]["x"] != 1 || results[1][0]["y"] != 2 {
		t.Fatalf("unexpected transaction results: %#v", results)
	}
}

func TestLocalKindAndMetadata(t *testing.T) {
	local, _ := newTestLocal(t)
	if local.Kind() != KindLocal {
		t.Fatalf("Kind() = %v, want %v", local.Kind(), KindLocal)
	}
	if local.DatabaseName() != "kg_demo" {
		t.Fatalf("DatabaseName() = %v", local.DatabaseName())
	}
	if local.ReadOnly() {
		t.Fatal("ReadOnly() should be false")
	}
}
