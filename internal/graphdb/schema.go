package graphdb

import (
	"context"
	"strings"

	"github.com/robosystems/graphcore/infrastructure/logging"
)

// PropertyType is a schema-declared property type, mapped to the graph
// engine's column type table (§4.4 step 3).
type PropertyType string

const (
	TypeString    PropertyType = "STRING"
	TypeInt64     PropertyType = "INT64"
	TypeInt32     PropertyType = "INT32"
	TypeDouble    PropertyType = "DOUBLE"
	TypeFloat     PropertyType = "FLOAT"
	TypeBoolean   PropertyType = "BOOLEAN"
	TypeTimestamp PropertyType = "TIMESTAMP"
	TypeDate      PropertyType = "DATE"
	TypeBlob      PropertyType = "BLOB"
)

// engineType maps a declared PropertyType to the engine's column type,
// defaulting to STRING for anything unrecognized.
func engineType(t PropertyType) string {
	switch strings.ToUpper(string(t)) {
	case string(TypeString), string(TypeInt64), string(TypeInt32), string(TypeDouble),
		string(TypeFloat), string(TypeBoolean), string(TypeTimestamp), string(TypeDate), string(TypeBlob):
		return strings.ToUpper(string(t))
	default:
		return string(TypeString)
	}
}

// Property is one typed column of a node or relationship table.
type Property struct {
	Name         string
	Type         PropertyType
	IsPrimaryKey bool
}

// NodeSchema describes one node table.
type NodeSchema struct {
	Name       string
	Properties []Property
}

// RelationshipSchema describes one edge table. From/To must name node
// tables present in the same catalog or the relationship is skipped.
type RelationshipSchema struct {
	Name       string
	From       string
	To         string
	Properties []Property
}

// Catalog is an ordered set of node and relationship schemas, applied as a
// unit when materializing a new graph database.
type Catalog struct {
	Nodes         []NodeSchema
	Relationships []RelationshipSchema
}

// Merge returns a new catalog combining c with ext, used to build the
// "shared" repository catalogs as base-plus-extension (§4.4).
func (c Catalog) Merge(ext Catalog) Catalog {
	out := Catalog{
		Nodes:         append(append([]NodeSchema{}, c.Nodes...), ext.Nodes...),
		Relationships: append(append([]RelationshipSchema{}, c.Relationships...), ext.Relationships...),
	}
	return out
}

// BaseCatalog is the standard entity-graph catalog applied to every
// schema_type=entity database and to every shared repository by default.
func BaseCatalog() Catalog {
	return Catalog{
		Nodes: []NodeSchema{
			{Name: "Entity", Properties: []Property{
				{Name: "identifier", Type: TypeString, IsPrimaryKey: true},
				{Name: "name", Type: TypeString},
				{Name: "created_at", Type: TypeTimestamp},
			}},
			{Name: "User", Properties: []Property{
				{Name: "identifier", Type: TypeString, IsPrimaryKey: true},
				{Name: "email", Type: TypeString},
			}},
			{Name: "Report", Properties: []Property{
				{Name: "identifier", Type: TypeString, IsPrimaryKey: true},
				{Name: "period_end", Type: TypeDate},
				{Name: "fiscal_year", Type: TypeInt32},
			}},
			{Name: "Element", Properties: []Property{
				{Name: "identifier", Type: TypeString, IsPrimaryKey: true},
				{Name: "label", Type: TypeString},
			}},
		},
		Relationships: []RelationshipSchema{
			{Name: "HAS_USER", From: "Entity", To: "User"},
			{Name: "FILED", From: "Entity", To: "Report"},
			{Name: "REPORTS", From: "Report", To: "Element", Properties: []Property{
				{Name: "value", Type: TypeDouble},
				{Name: "unit", Type: TypeString},
			}},
		},
	}
}

// LedgerExtension adds the ledger-specific node/relationship types layered
// onto BaseCatalog for the "sec" shared repository (§4.4: "SEC = base +
// ledger extension only").
func LedgerExtension() Catalog {
	return Catalog{
		Nodes: []NodeSchema{
			{Name: "Fact", Properties: []Property{
				{Name: "identifier", Type: TypeString, IsPrimaryKey: true},
				{Name: "value", Type: TypeDouble},
				{Name: "decimals", Type: TypeInt32},
			}},
			{Name: "Association", Properties: []Property{
				{Name: "identifier", Type: TypeString, IsPrimaryKey: true},
				{Name: "relationship_type", Type: TypeString},
			}},
		},
		Relationships: []RelationshipSchema{
			{Name: "HAS_FACT", From: "Report", To: "Fact"},
			{Name: "ASSOCIATED_WITH", From: "Fact", To: "Association"},
		},
	}
}

// CatalogForRepository returns the catalog for a named shared repository.
// Unknown or empty repository names fall back to the base catalog.
func CatalogForRepository(repositoryName string) Catalog {
	if repositoryName == "sec" {
		return BaseCatalog().Merge(LedgerExtension())
	}
	return BaseCatalog()
}

// FallbackStatements is the minimal three-statement schema applied when
// catalog application fails outright — enough for the graph to remain
// queryable, not a faithful rendition of the intended schema.
func FallbackStatements() []string {
	return []string{
		`CREATE NODE TABLE IF NOT EXISTS Entity(identifier STRING, name STRING, PRIMARY KEY (identifier))`,
		`CREATE NODE TABLE IF NOT EXISTS User(identifier STRING, name STRING, PRIMARY KEY (identifier))`,
		`CREATE REL TABLE IF NOT EXISTS HAS_USER(FROM Entity TO User)`,
	}
}

func buildNodeDDL(n NodeSchema) (string, bool) {
	if len(n.Properties) == 0 {
		return "", false
	}
	var primaryKey string
	cols := make([]string, 0, len(n.Properties))
	for _, p := range n.Properties {
		cols = append(cols, p.Name+" "+engineType(p.Type))
		if p.IsPrimaryKey {
			primaryKey = p.Name
		}
	}
	if primaryKey == "" {
		return "", false
	}
	return "CREATE NODE TABLE IF NOT EXISTS " + n.Name + " (" + strings.Join(cols, ", ") + ", PRIMARY KEY (" + primaryKey + "))", true
}

func buildRelationshipDDL(r RelationshipSchema, nodeNames map[string]bool) (string, bool) {
	if !nodeNames[r.From] || !nodeNames[r.To] {
		return "", false
	}
	def := "CREATE REL TABLE IF NOT EXISTS " + r.Name + " (FROM " + r.From + " TO " + r.To
	for _, p := range r.Properties {
		def += ", " + p.Name + " " + engineType(p.Type)
	}
	def += ")"
	return def, true
}

// statementExecutor is the minimal capability schema application needs
// from an open graph engine connection.
type statementExecutor interface {
	Execute(ctx context.Context, statement string) error
}

// applyCatalog emits CREATE NODE TABLE / CREATE REL TABLE statements for
// every schema in cat, tolerating "already exists" and logging everything
// else as a warning rather than aborting — matching how the entity and
// shared paths treat per-statement failures (§4.4 step 3). It reports
// whether at least one node table ended up usable (created or already
// present), so the caller can tell a handful of skipped tables apart from a
// wholesale failure that left the database schema-less.
func applyCatalog(ctx context.Context, engine statementExecutor, cat Catalog, logger *logging.Logger) bool {
	nodeNames := make(map[string]bool, len(cat.Nodes))
	for _, n := range cat.Nodes {
		nodeNames[n.Name] = true
	}

	attempted, usable := 0, 0
	for _, n := range cat.Nodes {
		ddl, ok := buildNodeDDL(n)
		if !ok {
			if logger != nil {
				logger.Warn(ctx, "skipping node table with no primary key", map[string]interface{}{"node": n.Name})
			}
			continue
		}
		attempted++
		if err := engine.Execute(ctx, ddl); err != nil && !strings.Contains(strings.ToLower(err.Error()), "already exists") {
			if logger != nil {
				logger.Warn(ctx, "failed to create node table", map[string]interface{}{"node": n.Name, "error": err.Error()})
			}
			continue
		}
		usable++
	}

	for _, r := range cat.Relationships {
		ddl, ok := buildRelationshipDDL(r, nodeNames)
		if !ok {
			continue
		}
		if err := engine.Execute(ctx, ddl); err != nil && !strings.Contains(strings.ToLower(err.Error()), "already exists") {
			if logger != nil {
				logger.Warn(ctx, "failed to create relationship table", map[string]interface{}{"relationship": r.Name, "error": err.Error()})
			}
		}
	}

	return attempted == 0 || usable > 0
}

// applyFallback executes FallbackStatements, aborting at the first real
// error (unlike applyCatalog, there is nowhere further to fall back to).
func applyFallback(ctx context.Context, engine statementExecutor) error {
	for _, stmt := range FallbackStatements() {
		if err := engine.Execute(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// applyCustomDDL splits ddl on ';' and executes each non-empty statement,
// aborting on the first failure (§4.4: "if any fails, abort and surface
// the error" — custom schemas get no fallback).
func applyCustomDDL(ctx context.Context, engine statementExecutor, ddl string) error {
	for _, stmt := range strings.Split(ddl, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if err := engine.Execute(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
