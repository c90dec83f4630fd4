package repository

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/robosystems/graphcore/internal/graphdb"
)

// Local is the direct-file variant: it runs Cypher against an in-process
// graphdb.Manager pool acquisition. No operation suspends on network I/O.
type Local struct {
	graphs   *graphdb.Manager
	graphID  string
	readOnly bool
}

// NewLocal wraps graphs for graphID. readOnly selects a read-only pool
// acquisition on every call (§5 — write operations are serialized by the
// engine itself, not by this facade).
func NewLocal(graphs *graphdb.Manager, graphID string, readOnly bool) *Local {
	return &Local{graphs: graphs, graphID: graphID, readOnly: readOnly}
}

func (l *Local) Kind() Kind         { return KindLocal }
func (l *Local) DatabaseName() string { return l.graphID }
func (l *Local) ReadOnly() bool     { return l.readOnly }

func (l *Local) ExecuteQuery(ctx context.Context, cypher string, params map[string]any) ([]map[string]any, error) {
	columns, rows, err := l.graphs.Query(ctx, l.graphID, cypher, params, l.readOnly)
	if err != nil {
		return nil, err
	}
	return rowsToMaps(columns, rows), nil
}

// ExecuteQueryRaw is the BatchQuerier shape the streaming package consumes
// (columns returned alongside rows so the first-chunk-only rule can apply
// without re-querying for the column list).
func (l *Local) ExecuteQueryRaw(ctx context.Context, cypher string, params map[string]any) ([]map[string]any, []string, error) {
	columns, rows, err := l.graphs.Query(ctx, l.graphID, cypher, params, l.readOnly)
	if err != nil {
		return nil, nil, err
	}
	return rowsToMaps(columns, rows), columns, nil
}

func (l *Local) ExecuteSingle(ctx context.Context, cypher string, params map[string]any) (map[string]any, bool, error) {
	rows, err := l.ExecuteQuery(ctx, cypher, params)
	if err != nil {
		return nil, false, err
	}
	if len(rows) == 0 {
		return nil, false, nil
	}
	return rows[0], true, nil
}

// ExecuteTransaction runs every operation against the same pooled
// connection in sequence. The graph engine serializes writes per database
// (§5); there is no separate BEGIN/COMMIT boundary to manage here beyond
// that single-writer guarantee.
func (l *Local) ExecuteTransaction(ctx context.Context, ops []Operation) ([][]map[string]any, error) {
	results := make([][]map[string]any, 0, len(ops))
	for _, op := range ops {
		rows, err := l.ExecuteQuery(ctx, op.Cypher, op.Params)
		if err != nil {
			return results, err
		}
		results = append(results, rows)
	}
	return results, nil
}

func (l *Local) CountNodes(ctx context.Context, label string, filters map[string]any) (int, error) {
	where, params := whereClause("n", filters)
	cypher := fmt.Sprintf("MATCH (n:%s)%s RETURN count(n) AS count", label, where)
	row, found, err := l.ExecuteSingle(ctx, cypher, params)
	if err != nil || !found {
		return 0, err
	}
	return toInt(row["count"]), nil
}

func (l *Local) NodeExists(ctx context.Context, label string, filters map[string]any) (bool, error) {
	where, params := whereClause("n", filters)
	cypher := fmt.Sprintf("MATCH (n:%s)%s RETURN n LIMIT 1", label, where)
	_, found, err := l.ExecuteSingle(ctx, cypher, params)
	return found, err
}

func (l *Local) HealthCheck(ctx context.Context) (HealthStatus, error) {
	_, _, err := l.graphs.Query(ctx, l.graphID, "RETURN 1", nil, true)
	if err != nil {
		return HealthStatus{Healthy: false, Detail: err.Error()}, err
	}
	return HealthStatus{Healthy: true}, nil
}

func (l *Local) Close() error { return nil }

func whereClause(alias string, filters map[string]any) (string, map[string]any) {
	if len(filters) == 0 {
		return "", nil
	}
	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	params := make(map[string]any, len(filters))
	conds := make([]string, 0, len(filters))
	for _, k := range keys {
		conds = append(conds, fmt.Sprintf("%s.%s = $%s", alias, k, k))
		params[k] = filters[k]
	}
	return " WHERE " + strings.Join(conds, " AND "), params
}

func rowsToMaps(columns []string, rows [][]any) []map[string]any {
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

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
