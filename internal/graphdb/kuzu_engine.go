package graphdb

import (
	"context"
	"fmt"

	kuzu "github.com/kuzudb/go-kuzu"
)

// KuzuEngine adapts an embedded Kuzu database+connection pair to Engine and
// QueryEngine. This is the production OpenFunc target (§3.2 — "single-file,
// embedded, Cypher-queryable").
type KuzuEngine struct {
	db   *kuzu.Database
	conn *kuzu.Connection
}

// OpenKuzuEngine opens (or creates) the graph database file at path with
// the given buffer pool size, matching graphdb.OpenFunc's signature.
// checkpointThresholdBytes maps to Kuzu's auto-checkpoint threshold, the
// WAL-size point at which the engine folds its write-ahead log back into
// the main file.
func OpenKuzuEngine(ctx context.Context, path string, bufferPoolBytes, checkpointThresholdBytes int64) (Engine, error) {
	cfg := kuzu.DefaultSystemConfig()
	if bufferPoolBytes > 0 {
		cfg.BufferPoolSize = uint64(bufferPoolBytes)
	}
	if checkpointThresholdBytes > 0 {
		cfg.CheckpointThreshold = uint64(checkpointThresholdBytes)
	}

	db, err := kuzu.OpenDatabase(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("open kuzu database %s: %w", path, err)
	}
	conn, err := kuzu.OpenConnection(db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open kuzu connection %s: %w", path, err)
	}
	return &KuzuEngine{db: db, conn: conn}, nil
}

func (e *KuzuEngine) Execute(ctx context.Context, statement string) error {
	result, err := e.conn.Query(statement)
	if err != nil {
		return err
	}
	defer result.Close()
	return nil
}

func (e *KuzuEngine) ExecuteCapturing(ctx context.Context, statement string) (string, error) {
	result, err := e.conn.Query(statement)
	if err != nil {
		return "", err
	}
	defer result.Close()

	if !result.HasNext() {
		return "", nil
	}
	row, err := result.GetNext()
	if err != nil {
		return "", err
	}
	if len(row) == 0 {
		return "", nil
	}
	return fmt.Sprintf("%v", row[0]), nil
}

func (e *KuzuEngine) Query(ctx context.Context, cypher string, params map[string]any) ([]string, [][]any, error) {
	var result *kuzu.QueryResult
	var err error
	if len(params) == 0 {
		result, err = e.conn.Query(cypher)
	} else {
		prepared, prepErr := e.conn.Prepare(cypher)
		if prepErr != nil {
			return nil, nil, prepErr
		}
		result, err = e.conn.Execute(prepared, params)
	}
	if err != nil {
		return nil, nil, err
	}
	defer result.Close()

	columns := result.GetColumnNames()
	rows := make([][]any, 0)
	for result.HasNext() {
		row, err := result.GetNext()
		if err != nil {
			return columns, rows, err
		}
		rows = append(rows, row)
	}
	return columns, rows, nil
}

func (e *KuzuEngine) Probe(ctx context.Context) error {
	result, err := e.conn.Query("RETURN 1")
	if err != nil {
		return err
	}
	result.Close()
	return nil
}

func (e *KuzuEngine) Close() error {
	e.conn.Close()
	e.db.Close()
	return nil
}
