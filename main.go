package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/urfave/cli/v2"

	"pgraftctl/bootstrap"
	"pgraftctl/noderuntime"
	"pgraftctl/postgres"
	"pgraftctl/status"
	"pgraftctl/store"
)

// flagKeys maps command line flags onto configuration keys. Only flags the
// user actually set override the file and environment.
var flagKeys = map[string]string{
	"cluster":          "cluster_name",
	"verbose":          "verbose",
	"output":           "output",
	"image":            "image",
	"network":          "network",
	"host":             "host_address",
	"docker":           "docker_binary",
	"state-store":      "state_store.backend",
	"state-endpoints":  "state_store.endpoints",
	"metrics-file":     "metrics_file",
	"nodes":            "nodes",
	"cleanup-on-abort": "cleanup_on_abort",
	"init-timeout":     "timeouts.init",
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "pgraftctl",
		Usage: "bootstrap and inspect a local PostgreSQL cluster with pgraft consensus",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "path to a YAML config file"},
			&cli.StringFlag{Name: "cluster", Aliases: []string{"c"}, Usage: "cluster name"},
			&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "enable debug logging"},
			&cli.StringFlag{Name: "image", Usage: "PostgreSQL image with the pgraft extension"},
			&cli.StringFlag{Name: "network", Usage: "container network name"},
			&cli.StringFlag{Name: "host", Usage: "address published ports are reachable on"},
			&cli.StringFlag{Name: "docker", Usage: "docker binary"},
			&cli.StringFlag{Name: "state-store", Usage: "run journal backend: none, etcd or dynamodb"},
			&cli.StringFlag{Name: "state-endpoints", Usage: "comma separated state store endpoints"},
			&cli.StringFlag{Name: "metrics-file", Usage: "write bootstrap metrics to this textfile"},
		},
		Commands: []*cli.Command{
			{
				Name:  "init",
				Usage: "create the cluster and initialize consensus",
				Flags: []cli.Flag{
					nodesFlag(),
					outputFlag(),
					&cli.BoolFlag{Name: "cleanup-on-abort", Usage: "tear the cluster down when interrupted"},
					&cli.DurationFlag{Name: "init-timeout", Usage: "per-node consensus init timeout"},
				},
				Action: runInit,
			},
			{
				Name:  "status",
				Usage: "show nodes, consensus membership and replication",
				Flags: []cli.Flag{
					nodesFlag(),
					outputFlag(),
				},
				Action: runStatus,
			},
			{
				Name:   "destroy",
				Usage:  "remove every instance, the network and local work files",
				Action: runDestroy,
			},
		},
	}
}

func nodesFlag() cli.Flag {
	return &cli.IntFlag{
		Name:    "nodes",
		Aliases: []string{"n"},
		Usage:   "total number of nodes, primary included",
	}
}

func outputFlag() cli.Flag {
	return &cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "table, json or yaml"}
}

func flagOverrides(c *cli.Context) map[string]any {
	overrides := make(map[string]any)
	for flag, key := range flagKeys {
		if c.IsSet(flag) {
			overrides[key] = c.Value(flag)
		}
	}
	return overrides
}

type environment struct {
	cfg     *config
	logger  log.Logger
	runtime *noderuntime.Docker
	db      *postgres.PgxClient
	store   store.Store
}

func setup(c *cli.Context) (*environment, error) {
	cfg, err := loadConfig(c.String("config"), flagOverrides(c))
	if err != nil {
		return nil, err
	}

	logger := setupLogger(os.Stderr, cfg.Verbose)
	logger = log.With(logger, "cluster", cfg.ClusterName)

	// The journal is informational, so an unreachable backend only costs
	// us the record.
	st, err := store.Open(c.Context, cfg.ClusterName, cfg.storeOptions(), logger)
	if err != nil {
		level.Warn(logger).Log("msg", "state store unavailable, continuing without it", "backend", cfg.StateStore.Backend, "err", err)
		st = store.Nop{}
	}

	return &environment{
		cfg:     cfg,
		logger:  logger,
		runtime: noderuntime.NewDocker(cfg.DockerBinary),
		db:      postgres.NewPgxClient(cfg.Timeouts.Connect),
		store:   st,
	}, nil
}

func (e *environment) close() {
	if err := e.store.Close(); err != nil {
		level.Warn(e.logger).Log("msg", "failed to close state store", "err", err)
	}
}

func (e *environment) reporter() *status.Reporter {
	return status.NewReporter(e.cfg.statusConfig(), e.runtime, e.db, e.store, e.logger)
}

func runInit(c *cli.Context) error {
	env, err := setup(c)
	if err != nil {
		return err
	}
	defer env.close()

	topo, err := env.cfg.topology()
	if err != nil {
		return err
	}

	metrics := bootstrap.NewMetrics()
	pipeline := bootstrap.NewPipeline(env.cfg.pipelineConfig(), env.runtime, env.db, env.store, metrics, env.logger)

	start := time.Now()
	state, err := pipeline.Init(c.Context, topo)
	writeMetrics(env, metrics)
	if err != nil {
		return err
	}

	logger := log.With(env.logger, "phase", state.Phase, "took", time.Since(start).Round(time.Millisecond))
	if degraded := state.Degraded(); len(degraded) > 0 {
		level.Warn(logger).Log("msg", "cluster is up with degraded nodes", "degraded", strings.Join(degraded, ","))
	}
	if state.LeaderID == 0 {
		level.Warn(logger).Log("msg", "no consensus leader elected yet, check status later")
	} else {
		level.Info(logger).Log("msg", "cluster bootstrapped", "leader", state.LeaderID)
	}

	return status.Render(os.Stdout, initReport(c.Context, env.reporter(), state), env.cfg.Output)
}

// initReport is the live cluster snapshot with this run's outcome attached,
// so degraded nodes and failed consensus init show up without a state store.
func initReport(ctx context.Context, reporter *status.Reporter, state *bootstrap.ClusterState) status.Report {
	report := reporter.Collect(ctx, state.Topology)
	rec := state.Record()
	report.LastRun = &rec
	return report
}

func writeMetrics(env *environment, metrics *bootstrap.Metrics) {
	if env.cfg.MetricsFile == "" {
		return
	}
	if err := metrics.WriteTextfile(env.cfg.MetricsFile); err != nil {
		level.Warn(env.logger).Log("msg", "failed to write metrics textfile", "path", env.cfg.MetricsFile, "err", err)
	}
}

func runStatus(c *cli.Context) error {
	env, err := setup(c)
	if err != nil {
		return err
	}
	defer env.close()

	topo, err := env.cfg.topology()
	if err != nil {
		return err
	}

	report := env.reporter().Collect(c.Context, topo)
	return status.Render(os.Stdout, report, env.cfg.Output)
}

func runDestroy(c *cli.Context) error {
	env, err := setup(c)
	if err != nil {
		return err
	}
	defer env.close()

	pipeline := bootstrap.NewPipeline(env.cfg.pipelineConfig(), env.runtime, env.db, env.store, nil, env.logger)
	report := pipeline.Destroy(c.Context, env.cfg.ClusterName)

	logger := log.With(env.logger,
		"removed", len(report.Removed),
		"missing", len(report.Missing),
		"network_removed", report.NetworkRemoved,
	)
	if report.Err != nil {
		level.Warn(logger).Log("msg", "teardown incomplete", "err", report.Err)
		return nil
	}
	level.Info(logger).Log("msg", "cluster destroyed")
	return nil
}
