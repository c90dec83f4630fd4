package repository

import (
	"context"

	"github.com/robosystems/graphcore/internal/streaming"
)

// rawQuerier is implemented by both Local and Remote: ExecuteQuery alone
// can't double as streaming.BatchQuerier, since that interface also returns
// the column list and Repository.ExecuteQuery does not.
type rawQuerier interface {
	ExecuteQueryRaw(ctx context.Context, cypher string, params map[string]any) ([]map[string]any, []string, error)
}

type batchAdapter struct {
	raw rawQuerier
}

func (b batchAdapter) ExecuteQuery(ctx context.Context, cypher string, params map[string]any) ([]map[string]any, []string, error) {
	return b.raw.ExecuteQueryRaw(ctx, cypher, params)
}

// AsBatchQuerier adapts a Repository into the streaming package's
// BatchQuerier capability, for callers that want execute_query_streaming
// (§4.9) over a repository that has no native streaming of its own.
func AsBatchQuerier(r Repository) (streaming.BatchQuerier, bool) {
	raw, ok := r.(rawQuerier)
	if !ok {
		return nil, false
	}
	return batchAdapter{raw: raw}, true
}
