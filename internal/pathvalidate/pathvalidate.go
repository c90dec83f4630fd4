// Package pathvalidate maps tenant-controlled identifiers to on-disk paths,
// rejecting traversal and enforcing the core's charset before any filesystem
// call is made.
package pathvalidate

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/robosystems/graphcore/infrastructure/errors"
)

const (
	// GraphExt is the on-disk suffix for a graph database file.
	GraphExt = ".graph"
	// StagingExt is the on-disk suffix for a staging database file.
	StagingExt = ".staging"

	maxIdentifierLen = 64
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidateGraphID rejects empty identifiers, forbidden characters, and
// charset mismatches. It never touches the filesystem.
func ValidateGraphID(graphID string) (string, error) {
	return validateIdentifier(graphID, "graph_id")
}

// ValidateTableName applies the same charset contract as ValidateGraphID.
// Every staging DDL path must route a table name through this helper before
// interpolating it into a statement.
func ValidateTableName(tableName string) (string, error) {
	return validateIdentifier(tableName, "table_name")
}

func validateIdentifier(s, field string) (string, error) {
	if s == "" {
		return "", errors.InvalidArgument(field, "must not be empty")
	}
	if len(s) > maxIdentifierLen {
		return "", errors.InvalidArgument(field, "exceeds maximum length")
	}
	if strings.ContainsAny(s, "/\\\x00") || strings.Contains(s, "..") {
		return "", errors.InvalidArgument(field, "contains illegal characters")
	}
	if !identifierPattern.MatchString(s) {
		return "", errors.InvalidArgument(field, "must match [A-Za-z0-9_-]+")
	}
	return s, nil
}

// GraphPath composes base/G.graph, resolving symlinks on both sides and
// proving the resolved child stays strictly under the resolved base.
func GraphPath(base, graphID string) (string, error) {
	return resolvedPath(base, graphID, GraphExt)
}

// StagingPath composes base/G.staging under the same containment contract.
func StagingPath(base, graphID string) (string, error) {
	return resolvedPath(base, graphID, StagingExt)
}

func resolvedPath(base, graphID, ext string) (string, error) {
	validated, err := ValidateGraphID(graphID)
	if err != nil {
		return "", err
	}

	resolvedBase, err := resolveExisting(base)
	if err != nil {
		return "", errors.InvalidArgument("graph_id", "base directory could not be resolved")
	}

	candidate := filepath.Join(resolvedBase, validated+ext)
	resolvedCandidate, err := resolveExisting(candidate)
	if err != nil {
		return "", errors.InvalidArgument("graph_id", "path could not be resolved")
	}

	rel, err := filepath.Rel(resolvedBase, resolvedCandidate)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errors.InvalidArgument("graph_id", "resolved path escapes base directory")
	}

	return candidate, nil
}

// resolveExisting resolves symlinks for dir, walking up to the nearest
// existing ancestor when dir itself does not exist yet (e.g. a database file
// that has not been created). This mirrors Path.resolve() semantics for
// not-yet-existing paths while still catching symlink-based escapes on the
// portion of the tree that does exist.
func resolveExisting(dir string) (string, error) {
	dir = filepath.Clean(dir)
	resolved, err := filepath.EvalSymlinks(dir)
	if err == nil {
		return resolved, nil
	}

	parent := filepath.Dir(dir)
	if parent == dir {
		return "", err
	}
	resolvedParent, err := resolveExisting(parent)
	if err != nil {
		return "", err
	}
	return filepath.Join(resolvedParent, filepath.Base(dir)), nil
}
