package streaming

import (
	"context"

	"github.com/robosystems/graphcore/internal/stagingdb"
)

// StagingTableSource adapts a stagingdb.Manager query against one graph's
// table into the NativeStreamer capability: the staging engine already
// streams cursor-driven chunks (§4.5), so Stream passes them straight
// through rather than materializing the whole result first.
type StagingTableSource struct {
	Manager *stagingdb.Manager
	GraphID string
}

// StreamQuery implements NativeStreamer. Its query argument is SQL (the
// staging engine is SQL, not Cypher); the NativeStreamer/BatchQuerier
// signatures name it cypher because they are shared with the graph engine.
func (s StagingTableSource) StreamQuery(ctx context.Context, sql string, params map[string]any, chunkSize int) (<-chan Chunk, error) {
	args := paramsToArgs(params)
	upstream := s.Manager.QueryTableStreaming(ctx, stagingdb.QueryRequest{
		GraphID:    s.GraphID,
		SQL:        sql,
		Parameters: args,
	}, chunkSize)

	out := make(chan Chunk)
	go func() {
		defer close(out)
		var columns []string
		for c := range upstream {
			if len(c.Columns) > 0 {
				columns = c.Columns
			}
			out <- Chunk{
				Columns:       c.Columns,
				Rows:          zipRows(columns, c.Rows),
				ChunkIndex:    c.ChunkIndex,
				IsLastChunk:   c.IsLastChunk,
				RowCount:      c.RowCount,
				TotalRowsSent: c.TotalRowsSent,
				ExecutionMS:   c.ExecutionMS,
				Error:         c.Error,
			}
		}
	}()
	return out, nil
}

func zipRows(columns []string, rows [][]any) []map[string]any {
	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		m := make(map[string]any, len(columns))
		for i, col := range columns {
			if i < len(row) {
				m[col] = row[i]
			}
		}
		out = append(out, m)
	}
	return out
}

func paramsToArgs(params map[string]any) []any {
	if len(params) == 0 {
		return nil
	}
	args := make([]any, 0, len(params))
	for _, v := range params {
		args = append(args, v)
	}
	return args
}
