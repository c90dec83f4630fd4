// Command graphcore is the composition root for one node of the graph-
// database core: it loads Config, constructs every manager explicitly (no
// package-level globals), and wires the out-of-scope external registries to
// local, in-process stand-ins when no real backing store is configured.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/robosystems/graphcore/infrastructure/logging"
	"github.com/robosystems/graphcore/infrastructure/metrics"
	"github.com/robosystems/graphcore/internal/credit"
	"github.com/robosystems/graphcore/internal/graphdb"
	"github.com/robosystems/graphcore/internal/graphpool"
	"github.com/robosystems/graphcore/internal/infra"
	"github.com/robosystems/graphcore/internal/ingest"
	"github.com/robosystems/graphcore/internal/stagingdb"
	"github.com/robosystems/graphcore/internal/stagingpool"
	"github.com/robosystems/graphcore/pkg/config"
)

const infraReconcileInterval = 5 * time.Minute

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "graphcore:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.New("graphcore", cfg.LogLevel, cfg.LogFormat)
	metric := metrics.New("graphcore")
	ctx := context.Background()

	if err := os.MkdirAll(cfg.GraphBasePath, 0o755); err != nil {
		return fmt.Errorf("prepare graph base path: %w", err)
	}
	if err := os.MkdirAll(cfg.StagingBasePath, 0o755); err != nil {
		return fmt.Errorf("prepare staging base path: %w", err)
	}

	graphs := graphdb.New(graphdb.Config{
		BasePath:        cfg.GraphBasePath,
		StagingBasePath: cfg.StagingBasePath,
		MaxDatabases:    cfg.MaxDatabasesPerNode,
		BufferPoolBytes: int64(cfg.MaxMemoryMB) * 1024 * 1024,
		Pool: graphpool.Config{
			MaxConnectionsPerDB: cfg.ConnectionPoolSize,
			BufferPoolBytes:     int64(cfg.MaxMemoryMB) * 1024 * 1024,
		},
	}, graphdb.OpenKuzuEngine, logger, metric)

	staging := stagingdb.New(stagingdb.Config{
		Pool: stagingpool.Config{},
	}, stagingdb.NewDuckDBOpenFunc(cfg.StagingBasePath), logger, metric)

	ingestMgr := ingest.New(ingest.Config{
		StagingBasePath:     cfg.StagingBasePath,
		StagingEngineDBType: "duckdb",
	}, graphs, staging, newMemSchemaRegistry(), newMemFileRegistry(), newMemStatusReporter(), logger, metric)

	infraRegistries := newMemInfraRegistries()
	ec2Client := newEC2Client(ctx, logger)
	infraMgr := infra.New(infra.Config{
		Environment: string(cfg.Environment),
	}, infraRegistries, infraRegistries, infraRegistries, ec2Client, infraRegistries, logger, metric)

	var creditStore *credit.Store
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		// sqlx.Open wraps the same database/sql handle credit.NewStore and
		// postgres.BaseStore already depend on — it only adds connection
		// setup convenience here, not a second query-execution path.
		sqlxDB, err := sqlx.Open("postgres", dsn)
		if err != nil {
			return fmt.Errorf("open credit database: %w", err)
		}
		defer sqlxDB.Close()
		creditStore = credit.NewStore(sqlxDB.DB, logger, metric)
	}
	_ = creditStore // wired for the credit-pool endpoints a fuller API surface would expose
	_ = ingestMgr   // wired for the ingest/rebuild endpoints a fuller API surface would expose

	metricsNamespace := "RoboSystems/Graph/" + string(cfg.Environment)
	reconcileCtx, cancelReconcile := context.WithCancel(ctx)
	defer cancelReconcile()
	go runInfraReconciliation(reconcileCtx, infraMgr, infraRegistries, metricsNamespace, cfg.GraphBasePath, logger)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           newRouter(graphs, logger),
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		logger.Info(ctx, "graphcore listening", map[string]interface{}{"port": port})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error(ctx, "server error", err, nil)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info(ctx, "graphcore shutting down", nil)
	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 30*time.Second)
	defer shutdownCancel()
	return server.Shutdown(shutdownCtx)
}

// runInfraReconciliation periodically reconciles the compute/volume/graph
// registries, publishes cluster metrics, and samples this node's own host
// memory/disk pressure, until ctx is cancelled.
func runInfraReconciliation(ctx context.Context, mgr *infra.Manager, sink infra.MetricsSink, metricsNamespace, diskPath string, logger *logging.Logger) {
	ticker := time.NewTicker(infraReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mgr.CheckInstanceHealth(ctx)
			mgr.CleanupStaleGraphs(ctx)
			mgr.CleanupStaleVolumes(ctx)
			mgr.CollectMetrics(ctx)
			if err := infra.CollectHostMetrics(ctx, sink, metricsNamespace, diskPath); err != nil && logger != nil {
				logger.Warn(ctx, "failed to collect host metrics", map[string]interface{}{"error": err.Error()})
			}
		}
	}
}

// newEC2Client wires the live AWS EC2 client when ambient AWS credentials
// resolve, and otherwise falls back to a stand-in that reports every
// instance ID as running — correct for a local, single-node deployment
// where the compute registry itself is empty.
func newEC2Client(ctx context.Context, logger *logging.Logger) infra.EC2Client {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		logger.Warn(ctx, "no AWS credentials resolved, using local EC2 stand-in", map[string]interface{}{"error": err.Error()})
		return &localEC2Client{}
	}
	return infra.NewAWSEC2Client(ec2.NewFromConfig(awsCfg))
}

// localEC2Client reports every queried instance ID as running, for
// deployments with no real compute fleet behind them.
type localEC2Client struct{}

func (localEC2Client) DescribeInstanceStates(ctx context.Context, instanceIDs []string) (map[string]string, error) {
	states := make(map[string]string, len(instanceIDs))
	for _, id := range instanceIDs {
		states[id] = "running"
	}
	return states, nil
}
