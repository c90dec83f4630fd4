// Package streaming adapts query sources into chunked result sequences.
// Sources that expose their own chunking are passed through verbatim
// (normalized, never buffered); everything else is executed in one shot
// and sliced into chunks on the way out (§4.9).
package streaming

import (
	"context"
	"time"
)

// Chunk is one slice of a streamed query result. Columns is only populated
// on the first chunk sent for a given query.
type Chunk struct {
	Columns       []string
	Rows          []map[string]any
	ChunkIndex    int
	IsLastChunk   bool
	RowCount      int
	TotalRowsSent int
	ExecutionMS   float64
	Error         string
}

// DefaultChunkSize is used when the caller requests chunkSize <= 0.
const DefaultChunkSize = 1000

// NativeStreamer is implemented by a query source that already streams its
// own results (e.g. a cursor-driven staging query). Stream passes its
// output through without re-buffering the full result set, only renumbering
// ChunkIndex sequentially and marking the last chunk IsLastChunk; every
// other field, ExecutionMS included, is passed on as the source set it.
type NativeStreamer interface {
	StreamQuery(ctx context.Context, cypher string, params map[string]any, chunkSize int) (<-chan Chunk, error)
}

// BatchQuerier is the fallback capability: a single non-streaming query
// call. Stream runs it once and slices the materialized result.
type BatchQuerier interface {
	ExecuteQuery(ctx context.Context, cypher string, params map[string]any) ([]map[string]any, []string, error)
}

// Stream produces a channel of Chunk for cypher/params against source,
// preferring native streaming when source supports it. The channel is
// always closed by the producer; a chunk with Error set is always the last
// one sent.
func Stream(ctx context.Context, source any, cypher string, params map[string]any, chunkSize int) (<-chan Chunk, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	if native, ok := source.(NativeStreamer); ok {
		upstream, err := native.StreamQuery(ctx, cypher, params, chunkSize)
		if err != nil {
			return nil, err
		}
		return passthrough(upstream), nil
	}

	if batch, ok := source.(BatchQuerier); ok {
		return sliceBatch(ctx, batch, cypher, params, chunkSize), nil
	}

	return nil, errNoStreamingCapability(source)
}

// passthrough normalizes an upstream channel's chunks: sets ChunkIndex
// sequentially from 0 (replacing whatever the source set), and guarantees
// the last chunk observed is marked IsLastChunk even if the source didn't.
func passthrough(upstream <-chan Chunk) <-chan Chunk {
	out := make(chan Chunk)
	go func() {
		defer close(out)
		idx := 0
		var pending *Chunk
		for c := range upstream {
			if pending != nil {
				emit := *pending
				emit.ChunkIndex = idx
				idx++
				out <- emit
			}
			cc := c
			pending = &cc
		}
		if pending != nil {
			pending.ChunkIndex = idx
			pending.IsLastChunk = true
			out <- *pending
		}
	}()
	return out
}

// sliceBatch executes batch once and slices the materialized rows into
// chunkSize-row chunks; only the first chunk carries the column list.
func sliceBatch(ctx context.Context, batch BatchQuerier, cypher string, params map[string]any, chunkSize int) <-chan Chunk {
	out := make(chan Chunk)

	go func() {
		defer close(out)
		start := time.Now()

		rows, columns, err := batch.ExecuteQuery(ctx, cypher, params)
		if err != nil {
			out <- Chunk{Error: err.Error(), IsLastChunk: true, ExecutionMS: msSince(start)}
			return
		}

		total := len(rows)
		if total == 0 {
			out <- Chunk{
				Columns:     columns,
				Rows:        nil,
				ChunkIndex:  0,
				IsLastChunk: true,
				RowCount:    0,
				ExecutionMS: msSince(start),
			}
			return
		}

		sent := 0
		for i := 0; i < total; i += chunkSize {
			end := i + chunkSize
			if end > total {
				end = total
			}
			sent += end - i

			select {
			case <-ctx.Done():
				out <- Chunk{Error: ctx.Err().Error(), IsLastChunk: true, ExecutionMS: msSince(start)}
				return
			case out <- Chunk{
				Columns:       firstChunkColumns(i, columns),
				Rows:          rows[i:end],
				ChunkIndex:    i / chunkSize,
				IsLastChunk:   end >= total,
				RowCount:      end - i,
				TotalRowsSent: sent,
				ExecutionMS:   msSince(start),
			}:
			}
		}
	}()

	return out
}

func firstChunkColumns(offset int, columns []string) []string {
	if offset == 0 {
		return columns
	}
	return nil
}

func msSince(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}

type unsupportedSourceError struct {
	kind string
}

func (e unsupportedSourceError) Error() string {
	return "streaming: source does not support execute_query or execute_query_streaming: " + e.kind
}

func errNoStreamingCapability(source any) error {
	return unsupportedSourceError{kind: typeName(source)}
}

func typeName(v any) string {
	if v == nil {
		return "<nil>"
	}
	type stringer interface{ String() string }
	if s, ok := v.(stringer); ok {
		return s.String()
	}
	return "unknown"
}
