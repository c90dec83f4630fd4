// Package repository presents one interface over either an in-process
// graph engine or a remote graph-API client, so callers never need to know
// which one they hold (§4.9). The two variants are sealed Go types rather
// than detected at runtime by reflection (REDESIGN FLAG): a caller that
// wants the facade to suspend on network I/O holds a *Remote, and one that
// wants in-process, no-suspension execution holds a *Local — both satisfy
// the same Repository interface.
package repository

import (
	"context"
)

// Kind names which variant backs a Repository.
type Kind string

const (
	KindLocal  Kind = "direct"
	KindRemote Kind = "api"
)

// Operation is one statement of an ExecuteTransaction batch.
type Operation struct {
	Cypher string
	Params map[string]any
}

// HealthStatus is the result of a repository health check.
type HealthStatus struct {
	Healthy bool
	Detail  string
}

// Repository is the uniform surface every caller depends on, regardless of
// which variant backs it.
type Repository interface {
	Kind() Kind
	DatabaseName() string
	ReadOnly() bool

	ExecuteQuery(ctx context.Context, cypher string, params map[string]any) ([]map[string]any, error)
	ExecuteSingle(ctx context.Context, cypher string, params map[string]any) (row map[string]any, found bool, err error)
	ExecuteTransaction(ctx context.Context, ops []Operation) ([][]map[string]any, error)
	CountNodes(ctx context.Context, label string, filters map[string]any) (int, error)
	NodeExists(ctx context.Context, label string, filters map[string]any) (bool, error)
	HealthCheck(ctx context.Context) (HealthStatus, error)
	Close() error
}
