// Local, in-process stand-ins for the external registries §1 names as
// out-of-scope collaborators (the tenant/org model, cloud compute/volume
// bookkeeping). A real deployment backs these with whatever store the
// platform team already runs (Postgres, DynamoDB, ...); this composition
// root only needs something that satisfies the interfaces so the binary is
// runnable standalone.
package main

import (
	"context"
	"sync"

	"github.com/robosystems/graphcore/internal/infra"
	"github.com/robosystems/graphcore/internal/ingest"
)

type memSchemaRegistry struct {
	mu  sync.RWMutex
	ddl map[string]string
}

func newMemSchemaRegistry() *memSchemaRegistry {
	return &memSchemaRegistry{ddl: make(map[string]string)}
}

func (r *memSchemaRegistry) PersistedDDL(ctx context.Context, graphID string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ddl[graphID], nil
}

func (r *memSchemaRegistry) Set(graphID, ddl string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ddl[graphID] = ddl
}

type memFileRegistry struct {
	mu     sync.RWMutex
	tables map[string][]ingest.RegisteredTable
}

func newMemFileRegistry() *memFileRegistry {
	return &memFileRegistry{tables: make(map[string][]ingest.RegisteredTable)}
}

func (r *memFileRegistry) RegisteredTables(ctx context.Context, graphID string) ([]ingest.RegisteredTable, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tables[graphID], nil
}

func (r *memFileRegistry) Register(graphID string, table ingest.RegisteredTable) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tables[graphID] = append(r.tables[graphID], table)
}

type memStatusReporter struct {
	mu     sync.Mutex
	status map[string]string
}

func newMemStatusReporter() *memStatusReporter {
	return &memStatusReporter{status: make(map[string]string)}
}

func (r *memStatusReporter) SetStatus(ctx context.Context, graphID, status string, details map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status[graphID] = status
	return nil
}

// memInfraRegistries satisfies infra.ComputeRegistry/VolumeRegistry/
// GraphRegistry/MetricsSink with empty in-memory state — a single-node
// deployment with no external compute fleet still needs to answer
// "no instances yet" rather than erroring.
type memInfraRegistries struct {
	mu      sync.RWMutex
	compute map[string]infra.ComputeEntry
	volumes map[string]infra.VolumeEntry
	graphs  map[string]infra.GraphEntry
}

func newMemInfraRegistries() *memInfraRegistries {
	return &memInfraRegistries{
		compute: make(map[string]infra.ComputeEntry),
		volumes: make(map[string]infra.VolumeEntry),
		graphs:  make(map[string]infra.GraphEntry),
	}
}

func (r *memInfraRegistries) ListCompute(ctx context.Context, pageSize, maxItems int) ([]infra.ComputeEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]infra.ComputeEntry, 0, len(r.compute))
	for _, e := range r.compute {
		out = append(out, e)
	}
	return out, nil
}

func (r *memInfraRegistries) ListHealthyCompute(ctx context.Context) ([]infra.ComputeEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]infra.ComputeEntry, 0, len(r.compute))
	for _, e := range r.compute {
		if e.Status == "healthy" {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *memInfraRegistries) ValidInstanceIDs(ctx context.Context) (map[string]bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]bool, len(r.compute))
	for id := range r.compute {
		out[id] = true
	}
	return out, nil
}

func (r *memInfraRegistries) UpdateComputeHealth(ctx context.Context, instanceID, status, tier string, capacity int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.compute[instanceID]
	e.InstanceID = instanceID
	e.Status = status
	e.Tier = tier
	e.TotalCapacity = capacity
	r.compute[instanceID] = e
	return nil
}

func (r *memInfraRegistries) DeleteCompute(ctx context.Context, instanceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.compute, instanceID)
	return nil
}

func (r *memInfraRegistries) ListVolumes(ctx context.Context) ([]infra.VolumeEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]infra.VolumeEntry, 0, len(r.volumes))
	for _, v := range r.volumes {
		out = append(out, v)
	}
	return out, nil
}

func (r *memInfraRegistries) VolumesForInstance(ctx context.Context, instanceID string) ([]infra.VolumeEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]infra.VolumeEntry, 0)
	for _, v := range r.volumes {
		if v.InstanceID == instanceID {
			out = append(out, v)
		}
	}
	return out, nil
}

func (r *memInfraRegistries) DetachVolume(ctx context.Context, volumeID string, databases []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	v := r.volumes[volumeID]
	v.InstanceID = ""
	v.Status = "available"
	r.volumes[volumeID] = v
	return nil
}

func (r *memInfraRegistries) UpdateVolumeStatus(ctx context.Context, volumeID, status, instanceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	v := r.volumes[volumeID]
	v.Status = status
	v.InstanceID = instanceID
	r.volumes[volumeID] = v
	return nil
}

func (r *memInfraRegistries) DeleteVolume(ctx context.Context, volumeID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.volumes, volumeID)
	return nil
}

func (r *memInfraRegistries) ListGraphs(ctx context.Context) ([]infra.GraphEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]infra.GraphEntry, 0, len(r.graphs))
	for _, g := range r.graphs {
		out = append(out, g)
	}
	return out, nil
}

func (r *memInfraRegistries) DeleteGraph(ctx context.Context, graphID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.graphs, graphID)
	return nil
}

func (r *memInfraRegistries) CountActiveGraphs(ctx context.Context) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for _, g := range r.graphs {
		if g.Status != "deleted" {
			count++
		}
	}
	return count, nil
}

func (r *memInfraRegistries) PutMetricBatch(ctx context.Context, namespace string, batch []infra.MetricDatum) error {
	return nil
}
