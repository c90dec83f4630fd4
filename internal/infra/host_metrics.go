package infra

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// CollectHostMetrics samples this node's own memory and disk pressure and
// publishes it alongside the registry-derived cluster metrics CollectMetrics
// already reports — the capacity a graph database can actually claim is
// bounded by what the host has free, not just what the registry thinks is
// assigned to it. diskPath is typically the graph/staging base path.
func CollectHostMetrics(ctx context.Context, sink MetricsSink, namespace, diskPath string) error {
	if sink == nil {
		return nil
	}

	var data []MetricDatum

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		data = append(data,
			MetricDatum{Name: "HostMemoryUsedPercent", Value: vm.UsedPercent, Unit: "Percent"},
			MetricDatum{Name: "HostMemoryAvailableBytes", Value: float64(vm.Available), Unit: "Bytes"},
		)
	}

	if du, err := disk.UsageWithContext(ctx, diskPath); err == nil {
		data = append(data,
			MetricDatum{Name: "HostDiskUsedPercent", Value: du.UsedPercent, Unit: "Percent"},
			MetricDatum{Name: "HostDiskFreeBytes", Value: float64(du.Free), Unit: "Bytes"},
		)
	}

	if len(data) == 0 {
		return nil
	}
	if err := sink.PutMetricBatch(ctx, namespace, data); err != nil {
		return fmt.Errorf("publish host metrics: %w", err)
	}
	return nil
}
