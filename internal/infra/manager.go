// Package infra reconciles the external compute, volume, and graph
// registries against reality: instance health checks, stale-entry cleanup,
// and capacity metrics for the graph cluster.
package infra

import (
	"context"
	"regexp"
	"time"

	"github.com/robosystems/graphcore/infrastructure/cache"
	"github.com/robosystems/graphcore/infrastructure/logging"
	"github.com/robosystems/graphcore/infrastructure/metrics"
)

// validInstanceIDsCacheTTL bounds how long a valid-instance-ID snapshot is
// reused across cleanup passes within one reconciliation cycle, so
// CleanupStaleGraphs and CleanupStaleVolumes running back-to-back don't each
// pay for their own full registry scan.
const validInstanceIDsCacheTTL = 30 * time.Second
const validInstanceIDsCacheKey = "valid-instance-ids"

const (
	staleGraphDays  = 7
	staleVolumeDays = 30

	defaultTierCapacity = 10 // ladybug-standard
	defaultMaxDatabases = 50

	healthCheckPageSize = 100
	healthCheckMaxItems = 10000
	ec2BatchSize        = 1000
	metricsBatchSize    = 20
)

var tierCapacity = map[string]int{
	"ladybug-standard":       10,
	"ladybug-large":          1,
	"ladybug-xlarge":         1,
	"ladybug-shared":         10,
	"neo4j-community-large":  1,
	"neo4j-enterprise-xlarge": 1,
}

var instanceIDPattern = regexp.MustCompile(`^i-[0-9a-f]{8,17}$`)

func isValidInstanceID(id string) bool {
	return instanceIDPattern.MatchString(id)
}

func tierCapacityFor(tier string) int {
	if c, ok := tierCapacity[tier]; ok {
		return c
	}
	return defaultTierCapacity
}

// ComputeEntry is one row of the compute registry.
type ComputeEntry struct {
	InstanceID        string
	Status            string
	Tier              string
	TotalCapacity     int
	AvailableCapacity int
	DatabaseCount     int
	CreatedAt         time.Time
}

// VolumeEntry is one row of the volume registry.
type VolumeEntry struct {
	VolumeID   string
	Status     string
	InstanceID string
	Databases  []string
	CreatedAt  time.Time
}

// GraphEntry is one row of the graph registry.
type GraphEntry struct {
	GraphID    string
	Status     string
	InstanceID string
	DeletedAt  *time.Time
}

// ComputeRegistry is the external registry of compute instances backing the
// graph cluster (a DynamoDB table in the source deployment).
type ComputeRegistry interface {
	ListCompute(ctx context.Context, pageSize, maxItems int) ([]ComputeEntry, error)
	ListHealthyCompute(ctx context.Context) ([]ComputeEntry, error)
	ValidInstanceIDs(ctx context.Context) (map[string]bool, error)
	UpdateComputeHealth(ctx context.Context, instanceID, status, tier string, capacity int) error
	DeleteCompute(ctx context.Context, instanceID string) error
}

// VolumeRegistry is the external registry of attached/available volumes.
type VolumeRegistry interface {
	ListVolumes(ctx context.Context) ([]VolumeEntry, error)
	VolumesForInstance(ctx context.Context, instanceID string) ([]VolumeEntry, error)
	DetachVolume(ctx context.Context, volumeID string, databases []string) error
	UpdateVolumeStatus(ctx context.Context, volumeID, status, instanceID string) error
	DeleteVolume(ctx context.Context, volumeID string) error
}

// GraphRegistry is the external registry of graph-to-instance placement.
type GraphRegistry interface {
	ListGraphs(ctx context.Context) ([]GraphEntry, error)
	DeleteGraph(ctx context.Context, graphID string) error
	CountActiveGraphs(ctx context.Context) (int, error)
}

// MetricDatum is one published measurement, with optional dimensions.
type MetricDatum struct {
	Name       string
	Value      float64
	Unit       string
	Dimensions map[string]string
}

// MetricsSink publishes a batch of metrics to an external collector
// (CloudWatch in the source deployment). Callers are responsible for
// respecting the sink's own batch-size limit; the manager always calls it
// with at most metricsBatchSize data points.
type MetricsSink interface {
	PutMetricBatch(ctx context.Context, namespace string, batch []MetricDatum) error
}

// EC2Client reports the current lifecycle state of a batch of instance IDs,
// keyed by instance ID. Missing entries mean "not found".
type EC2Client interface {
	DescribeInstanceStates(ctx context.Context, instanceIDs []string) (map[string]string, error)
}

// HealthCheckResult summarizes one check_instance_health pass.
type HealthCheckResult struct {
	Timestamp      time.Time
	TotalInstances int
	Healthy        int
	Unhealthy      int
	Terminated     int
	Removed        int
	InvalidIDs     int
	Errors         int
	ErrorMessage   string
}

// CleanupResult summarizes one cleanup pass over a registry.
type CleanupResult struct {
	Timestamp    time.Time
	RemovedCount int
	UpdatedCount int
	Errors       int
	ErrorMessage string
}

// MetricsResult summarizes one collect_metrics pass.
type MetricsResult struct {
	Timestamp        time.Time
	MetricsPublished int
	Errors           int
	ErrorMessage     string
}

// Config configures the manager.
type Config struct {
	Environment string
}

func (c Config) withDefaults() Config {
	if c.Environment == "" {
		c.Environment = "dev"
	}
	return c
}

// Manager reconciles the compute, volume, and graph registries.
type Manager struct {
	cfg      Config
	compute  ComputeRegistry
	volumes  VolumeRegistry
	graphs   GraphRegistry
	ec2      EC2Client
	sink     MetricsSink
	logger   *logging.Logger
	metric   *metrics.Metrics
	idCache  *cache.TTLCache
}

// New constructs a Manager.
func New(cfg Config, compute ComputeRegistry, volumes VolumeRegistry, graphs GraphRegistry, ec2 EC2Client, sink MetricsSink, logger *logging.Logger, metric *metrics.Metrics) *Manager {
	return &Manager{
		cfg:     cfg.withDefaults(),
		compute: compute,
		volumes: volumes,
		graphs:  graphs,
		ec2:     ec2,
		sink:    sink,
		logger:  logger,
		metric:  metric,
		idCache: cache.NewTTLCache(validInstanceIDsCacheTTL),
	}
}

// validInstanceIDs returns the current valid-instance-ID set, reusing a
// recent snapshot within validInstanceIDsCacheTTL instead of rescanning the
// compute registry on every cleanup call.
func (m *Manager) validInstanceIDs(ctx context.Context) (map[string]bool, error) {
	if cached, ok := m.idCache.Get(ctx, validInstanceIDsCacheKey); ok {
		return cached.(map[string]bool), nil
	}
	ids, err := m.compute.ValidInstanceIDs(ctx)
	if err != nil {
		return nil, err
	}
	m.idCache.Set(ctx, validInstanceIDsCacheKey, ids)
	return ids, nil
}

// CheckInstanceHealth reconciles the compute registry against live instance
// state: healthy instances get their registry rows refreshed, transitional
// states are marked unhealthy, and terminated/missing/invalid instances are
// removed after their attached volumes are released.
func (m *Manager) CheckInstanceHealth(ctx context.Context) HealthCheckResult {
	result := HealthCheckResult{Timestamp: now()}

	entries, err := m.compute.ListCompute(ctx, healthCheckPageSize, healthCheckMaxItems)
	if err != nil {
		result.ErrorMessage = err.Error()
		return result
	}
	result.TotalInstances = len(entries)
	if len(entries) == 0 {
		return result
	}

	var validIDs, invalidIDs []string
	for _, e := range entries {
		if isValidInstanceID(e.InstanceID) {
			validIDs = append(validIDs, e.InstanceID)
		} else {
			invalidIDs = append(invalidIDs, e.InstanceID)
			if m.logger != nil {
				m.logger.Warn(ctx, "invalid EC2 instance ID format in registry", map[string]interface{}{"instance_id": e.InstanceID})
			}
		}
	}
	result.InvalidIDs = len(invalidIDs)

	states := make(map[string]string, len(entries))
	for _, id := range invalidIDs {
		states[id] = "invalid_id"
	}

	for i := 0; i < len(validIDs); i += ec2BatchSize {
		end := i + ec2BatchSize
		if end > len(validIDs) {
			end = len(validIDs)
		}
		batch := validIDs[i:end]

		batchStates, err := m.ec2.DescribeInstanceStates(ctx, batch)
		if err != nil {
			// Fall back to one-by-one lookups so a single missing instance
			// in the batch doesn't hide the state of the rest.
			for _, id := range batch {
				single, serr := m.ec2.DescribeInstanceStates(ctx, []string{id})
				if serr != nil || single[id] == "" {
					states[id] = "not_found"
					continue
				}
				states[id] = single[id]
			}
			continue
		}
		for id, state := range batchStates {
			states[id] = state
		}
		for _, id := range batch {
			if _, ok := states[id]; !ok {
				states[id] = "not_found"
			}
		}
	}

	currentTime := now()
	for _, e := range entries {
		state, ok := states[e.InstanceID]
		if !ok {
			state = "not_found"
		}
		tierCap := tierCapacityFor(e.Tier)

		switch state {
		case "running":
			result.Healthy++
			if err := m.compute.UpdateComputeHealth(ctx, e.InstanceID, "healthy", e.Tier, tierCap); err != nil {
				result.Errors++
				if m.logger != nil {
					m.logger.Error(ctx, "failed to update healthy instance", err, map[string]interface{}{"instance_id": e.InstanceID})
				}
			}

		case "terminated", "shutting-down", "not_found", "invalid_id":
			result.Terminated++
			m.releaseVolumesForInstance(ctx, e.InstanceID, currentTime)
			if err := m.compute.DeleteCompute(ctx, e.InstanceID); err != nil {
				result.Errors++
				if m.logger != nil {
					m.logger.Error(ctx, "failed to remove terminated instance", err, map[string]interface{}{"instance_id": e.InstanceID})
				}
				continue
			}
			result.Removed++

		default:
			result.Unhealthy++
			if err := m.compute.UpdateComputeHealth(ctx, e.InstanceID, "unhealthy", e.Tier, tierCap); err != nil {
				result.Errors++
				if m.logger != nil {
					m.logger.Error(ctx, "failed to update unhealthy instance", err, map[string]interface{}{"instance_id": e.InstanceID})
				}
			}
		}
	}

	if m.metric != nil {
		m.metric.SetInfraResources("graphcore", "compute", "healthy", result.Healthy)
		m.metric.SetInfraResources("graphcore", "compute", "unhealthy", result.Unhealthy)
		m.metric.SetInfraResources("graphcore", "compute", "terminated", result.Terminated)
		m.metric.RecordInfraReconcile("graphcore", "success")
	}

	return result
}

// releaseVolumesForInstance flips every volume attached to a terminated
// instance to available/unattached, preserving its recorded dataset list.
func (m *Manager) releaseVolumesForInstance(ctx context.Context, instanceID string, at time.Time) {
	vols, err := m.volumes.VolumesForInstance(ctx, instanceID)
	if err != nil {
		if m.logger != nil {
			m.logger.Warn(ctx, "failed to list volumes for terminated instance", map[string]interface{}{"instance_id": instanceID, "error": err.Error()})
		}
		return
	}
	for _, v := range vols {
		if err := m.volumes.DetachVolume(ctx, v.VolumeID, v.Databases); err != nil {
			if m.logger != nil {
				m.logger.Warn(ctx, "failed to release volume after instance termination", map[string]interface{}{"volume_id": v.VolumeID, "error": err.Error()})
			}
		}
	}
}

// CleanupStaleGraphs removes graph registry entries whose compute no longer
// exists, or that have been marked deleted for more than staleGraphDays.
func (m *Manager) CleanupStaleGraphs(ctx context.Context) CleanupResult {
	result := CleanupResult{Timestamp: now()}

	graphs, err := m.graphs.ListGraphs(ctx)
	if err != nil {
		result.ErrorMessage = err.Error()
		return result
	}
	validInstances, err := m.validInstanceIDs(ctx)
	if err != nil {
		result.ErrorMessage = err.Error()
		return result
	}

	for _, g := range graphs {
		shouldRemove := false

		if g.Status == "deleted" && g.DeletedAt != nil {
			if int(now().Sub(*g.DeletedAt).Hours()/24) > staleGraphDays {
				shouldRemove = true
			}
		}
		if g.InstanceID != "" && !validInstances[g.InstanceID] {
			shouldRemove = true
		}

		if !shouldRemove {
			continue
		}
		if err := m.graphs.DeleteGraph(ctx, g.GraphID); err != nil {
			result.Errors++
			if m.logger != nil {
				m.logger.Error(ctx, "failed to remove stale graph", err, map[string]interface{}{"graph_id": g.GraphID})
			}
			continue
		}
		result.RemovedCount++
	}

	return result
}

// CleanupStaleVolumes flips volumes stuck attaching to a nonexistent
// instance to "failed", and removes unattached volumes older than
// staleVolumeDays.
func (m *Manager) CleanupStaleVolumes(ctx context.Context) CleanupResult {
	result := CleanupResult{Timestamp: now()}

	vols, err := m.volumes.ListVolumes(ctx)
	if err != nil {
		result.ErrorMessage = err.Error()
		return result
	}
	validInstances, err := m.validInstanceIDs(ctx)
	if err != nil {
		result.ErrorMessage = err.Error()
		return result
	}

	for _, v := range vols {
		if v.Status == "attaching" && v.InstanceID != "" && v.InstanceID != "unattached" && !validInstances[v.InstanceID] {
			if err := m.volumes.UpdateVolumeStatus(ctx, v.VolumeID, "failed", "unattached"); err != nil {
				result.Errors++
				if m.logger != nil {
					m.logger.Error(ctx, "failed to mark stuck volume as failed", err, map[string]interface{}{"volume_id": v.VolumeID})
				}
			} else {
				result.UpdatedCount++
			}
		}

		if v.InstanceID == "unattached" && v.Status == "available" && !v.CreatedAt.IsZero() {
			if int(now().Sub(v.CreatedAt).Hours()/24) > staleVolumeDays {
				if err := m.volumes.DeleteVolume(ctx, v.VolumeID); err != nil {
					result.Errors++
					if m.logger != nil {
						m.logger.Error(ctx, "failed to remove stale volume", err, map[string]interface{}{"volume_id": v.VolumeID})
					}
				} else {
					result.RemovedCount++
				}
			}
		}
	}

	return result
}

// CollectMetrics computes per-instance and cluster-wide capacity gauges and
// publishes them to the metrics sink in batches of metricsBatchSize.
func (m *Manager) CollectMetrics(ctx context.Context) MetricsResult {
	result := MetricsResult{Timestamp: now()}

	instances, err := m.compute.ListHealthyCompute(ctx)
	if err != nil {
		result.ErrorMessage = err.Error()
		return result
	}

	var (
		totalCapacity, totalUsed, totalAvailable int
		ageBuckets                               = map[string]int{"new": 0, "stabilizing": 0, "stable": 0}
		tierCounts                                = map[string]int{}
		data                                      []MetricDatum
	)
	for tier := range tierCapacity {
		tierCounts[tier] = 0
	}

	for _, inst := range instances {
		maxDBs := inst.TotalCapacity
		if maxDBs == 0 {
			maxDBs = defaultMaxDatabases
		}
		used := inst.DatabaseCount
		available := inst.AvailableCapacity
		if available == 0 && maxDBs > used {
			available = maxDBs - used
		}

		if _, tracked := tierCounts[inst.Tier]; tracked {
			tierCounts[inst.Tier]++
		}

		ageHours := now().Sub(inst.CreatedAt).Hours()
		switch {
		case ageHours < 0.25:
			ageBuckets["new"]++
		case ageHours < 1:
			ageBuckets["stabilizing"]++
		default:
			ageBuckets["stable"]++
		}

		utilization := 0.0
		if maxDBs > 0 {
			utilization = float64(used) / float64(maxDBs) * 100
		}

		totalCapacity += maxDBs
		totalUsed += used
		totalAvailable += available

		dims := map[string]string{"InstanceId": inst.InstanceID, "ClusterTier": inst.Tier}
		data = append(data,
			MetricDatum{Name: "InstanceDatabaseCount", Value: float64(used), Unit: "Count", Dimensions: dims},
			MetricDatum{Name: "InstanceUtilization", Value: utilization, Unit: "Percent", Dimensions: dims},
			MetricDatum{Name: "InstanceAvailableSlots", Value: float64(available), Unit: "Count", Dimensions: dims},
		)
	}

	totalActive, err := m.graphs.CountActiveGraphs(ctx)
	if err != nil {
		totalActive = totalUsed
	}

	if totalCapacity > 0 {
		data = append(data,
			MetricDatum{Name: "ClusterTotalCapacity", Value: float64(totalCapacity), Unit: "Count"},
			MetricDatum{Name: "ClusterTotalUsed", Value: float64(totalUsed), Unit: "Count"},
			MetricDatum{Name: "ClusterTotalActive", Value: float64(totalActive), Unit: "Count"},
			MetricDatum{Name: "ClusterAvailableCapacityPercent", Value: float64(totalAvailable) / float64(totalCapacity) * 100, Unit: "Percent"},
			MetricDatum{Name: "ClusterUsedCapacityPercent", Value: float64(totalUsed) / float64(totalCapacity) * 100, Unit: "Percent"},
			MetricDatum{Name: "ClusterInstanceCount", Value: float64(len(instances)), Unit: "Count"},
		)
		for age, count := range ageBuckets {
			data = append(data, MetricDatum{Name: "InstancesByAge", Value: float64(count), Unit: "Count", Dimensions: map[string]string{"AgeCategory": age}})
		}
		for tier, count := range tierCounts {
			if count > 0 {
				data = append(data, MetricDatum{Name: "InstancesByTier", Value: float64(count), Unit: "Count", Dimensions: map[string]string{"ClusterTier": tier}})
			}
		}
	}

	namespace := "RoboSystems/Graph/" + m.cfg.Environment
	if m.sink != nil {
		for i := 0; i < len(data); i += metricsBatchSize {
			end := i + metricsBatchSize
			if end > len(data) {
				end = len(data)
			}
			batch := data[i:end]
			if err := m.sink.PutMetricBatch(ctx, namespace, batch); err != nil {
				result.Errors++
				if m.logger != nil {
					m.logger.Error(ctx, "failed to publish metrics batch", err, map[string]interface{}{"namespace": namespace})
				}
				continue
			}
			result.MetricsPublished += len(batch)
		}
	}

	return result
}

// now is a seam for tests; production always uses wall-clock time.
var now = time.Now
