package stagingdb

import (
	"fmt"
	"strings"
)

func quoteIdent(s string) string {
	return `"` + s + `"`
}

func containsCI(cols []string, name string) bool {
	for _, c := range cols {
		if strings.EqualFold(c, name) {
			return true
		}
	}
	return false
}

// TableKind classifies a probed source as node, edge, or passthrough (§3.3).
type TableKind string

const (
	KindNode        TableKind = "node"
	KindEdge        TableKind = "edge"
	KindPassthrough TableKind = "passthrough"
)

// buildCreateTableSQL constructs the CREATE OR REPLACE TABLE statement for
// tableName given the probed source column names. Node tables dedup by
// identifier; edge tables rename from/to to src/dst (in that order, ahead of
// any other properties) and dedup by (from,to); everything else is copied
// verbatim with no dedup (§3.3).
func buildCreateTableSQL(tableName string, probedColumns []string, src Source) (string, []any, TableKind) {
	expr, args := src.readParquetExpr()
	quoted := quoteIdent(tableName)

	switch {
	case containsCI(probedColumns, "identifier"):
		sql := fmt.Sprintf(
			`CREATE OR REPLACE TABLE %s AS SELECT * EXCLUDE (rn) FROM (SELECT *, ROW_NUMBER() OVER (PARTITION BY identifier ORDER BY identifier) AS rn FROM %s) WHERE rn = 1`,
			quoted, expr)
		return sql, args, KindNode

	case containsCI(probedColumns, "from") && containsCI(probedColumns, "to"):
		sql := fmt.Sprintf(
			`CREATE OR REPLACE TABLE %s AS SELECT * EXCLUDE (rn) FROM (SELECT "from" AS src, "to" AS dst, * EXCLUDE ("from", "to"), ROW_NUMBER() OVER (PARTITION BY "from", "to" ORDER BY "from", "to") AS rn FROM %s) WHERE rn = 1`,
			quoted, expr)
		return sql, args, KindEdge

	default:
		sql := fmt.Sprintf(`CREATE OR REPLACE TABLE %s AS SELECT * FROM %s`, quoted, expr)
		return sql, args, KindPassthrough
	}
}
