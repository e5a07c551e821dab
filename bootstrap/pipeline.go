// Package bootstrap drives a PostgreSQL + pgraft cluster from nothing to an
// elected consensus leader, and tears it down again.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"

	"pgraftctl/noderuntime"
	"pgraftctl/pgconf"
	"pgraftctl/postgres"
	"pgraftctl/store"
	"pgraftctl/topology"
)

const (
	containerDBPort = 5432
	superuser       = "postgres"
	defaultDatabase = "postgres"

	remoteReplicationConf = "/tmp/pgraft-replication.conf"
	remoteConsensusConf   = "/tmp/pgraft.conf"
)

type Config struct {
	Network string
	Image   string
	ShmSize string

	// Password is the superuser password. HostAddress is where the
	// published database ports are reachable from this process.
	Password    string
	HostAddress string

	ReplicationUser     string
	ReplicationPassword string

	// DataDir is the PostgreSQL data directory inside every node.
	DataDir string

	// WorkDir holds rendered configuration files, one subdirectory per
	// cluster.
	WorkDir string

	Consensus pgconf.Settings

	Ready          noderuntime.WaitOptions
	RestartStagger time.Duration
	InitTimeout    time.Duration
	PollInterval   time.Duration
	PollAttempts   int

	CleanupOnAbort bool
	CleanupTimeout time.Duration
}

type Pipeline struct {
	cfg     Config
	runtime noderuntime.Runtime
	db      postgres.Client
	store   store.Store
	metrics *Metrics
	logger  log.Logger

	now     func() time.Time
	newUUID func() uuid.UUID
	sleep   func(ctx context.Context, d time.Duration) error
}

func NewPipeline(cfg Config, rt noderuntime.Runtime, db postgres.Client, st store.Store, metrics *Metrics, logger log.Logger) *Pipeline {
	if st == nil {
		st = store.Nop{}
	}
	return &Pipeline{
		cfg:     cfg,
		runtime: rt,
		db:      db,
		store:   st,
		metrics: metrics,
		logger:  log.With(logger, "component", "bootstrap"),
		now:     time.Now,
		newUUID: uuid.New,
		sleep:   sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// run carries the per-invocation state through the phases.
type run struct {
	*Pipeline
	topo       *topology.Topology
	state      *ClusterState
	journal    *journal
	logger     log.Logger
	phaseStart time.Time
}

// Init provisions the cluster described by topo. The returned error is
// non-nil only when the run could not continue; per-node failures are
// recorded in the returned state instead. The state is returned in both
// cases.
func (p *Pipeline) Init(ctx context.Context, topo *topology.Topology) (*ClusterState, error) {
	state := newClusterState(p.newUUID(), topo, p.now())
	logger := log.With(p.logger, "cluster", topo.Name, "run_id", state.RunID)

	r := &run{
		Pipeline:   p,
		topo:       topo,
		state:      state,
		journal:    newJournal(p.store, p.newUUID, p.now, logger),
		logger:     logger,
		phaseStart: p.now(),
	}
	r.journal.begin(ctx)
	r.journal.record(ctx, state)

	level.Info(logger).Log("msg", "bootstrapping cluster", "nodes", topo.Size(), "replicas", topo.ReplicaCount())

	err := r.execute(ctx)
	if err == nil {
		return state, nil
	}

	state.fail(err, p.now())
	r.journal.record(ctx, state)
	level.Error(logger).Log("msg", "bootstrap failed, cluster is left in an incomplete state", "phase", state.FailedIn, "err", err)

	if errors.Is(err, ErrInterrupted) {
		if p.cfg.CleanupOnAbort {
			r.cleanupAfterAbort(ctx)
		} else {
			level.Warn(logger).Log("msg", "run destroy to remove the partially created cluster")
		}
	}
	return state, err
}

func (r *run) cleanupAfterAbort(ctx context.Context) {
	timeout := r.cfg.CleanupTimeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	level.Info(r.logger).Log("msg", "removing partially created cluster")
	report := r.Destroy(ctx, r.topo.Name)
	if report.Err != nil {
		level.Warn(r.logger).Log("msg", "cleanup after abort was incomplete", "err", report.Err)
	}
}

type step struct {
	to Phase
	fn func(ctx context.Context) error
}

func (r *run) execute(ctx context.Context) error {
	steps := []step{
		{PhaseNetworkReady, r.prepareNetwork},
		{PhasePrimaryRunning, r.startPrimary},
		{PhasePrimaryReplicationConfigured, r.configureReplicationAccess},
		{PhaseReplicasBasebackedUp, r.backupReplicas},
		{PhaseAllConfigsInjected, r.injectConsensusConfigs},
		{PhaseAllRestarted, r.restartAll},
		{PhaseConsensusExtensionInstalled, r.installExtension},
		{PhaseConsensusInitiated, r.initConsensus},
		{PhaseConverged, r.waitForLeader},
	}

	for _, s := range steps {
		if err := ctx.Err(); err != nil {
			return &PhaseError{Phase: r.state.Phase, Err: fmt.Errorf("%w: %w", ErrInterrupted, err)}
		}

		if err := s.fn(ctx); err != nil {
			return r.fatal(ctx, err)
		}

		// The poller gives up without an error when no leader shows up.
		if s.to == PhaseConverged && r.state.LeaderID == 0 {
			return nil
		}
		r.advance(ctx, s.to)
	}
	return nil
}

func (r *run) fatal(ctx context.Context, err error) error {
	var pe *PhaseError
	if !errors.As(err, &pe) {
		pe = &PhaseError{Phase: r.state.Phase, Err: err}
	}
	if ctx.Err() != nil && !errors.Is(pe.Err, ErrInterrupted) {
		pe.Err = fmt.Errorf("%w: %w", ErrInterrupted, pe.Err)
	}
	return pe
}

func (r *run) nodeError(node topology.NodeSpec, sentinel, err error) error {
	return &PhaseError{Phase: r.state.Phase, Node: node.Name, Err: fmt.Errorf("%w: %w", sentinel, err)}
}

func (r *run) advance(ctx context.Context, phase Phase) {
	now := r.now()
	r.metrics.PhaseReached(phase, now.Sub(r.phaseStart))
	r.phaseStart = now

	r.state.advance(phase, now)
	level.Info(r.logger).Log("msg", "phase reached", "phase", phase)
	r.journal.record(ctx, r.state)
}

func (r *run) degrade(node topology.NodeSpec, err error) {
	r.state.Nodes[node.Name].degrade(err)
	r.metrics.NodeDegraded()
	level.Warn(r.logger).Log("msg", "node degraded, continuing without it", "node", node.Name, "phase", r.state.Phase, "err", err)
}

func (r *run) workDir() string {
	return filepath.Join(r.cfg.WorkDir, r.topo.Name)
}

func (r *run) confPath() string {
	return path.Join(r.cfg.DataDir, "postgresql.conf")
}

func (r *run) hbaPath() string {
	return path.Join(r.cfg.DataDir, "pg_hba.conf")
}

func (p *Pipeline) endpoint(node topology.NodeSpec) postgres.Endpoint {
	return postgres.Endpoint{
		Host:     p.cfg.HostAddress,
		Port:     node.DBPort,
		User:     superuser,
		Password: p.cfg.Password,
		Database: defaultDatabase,
	}
}

func (r *run) runSpec(node topology.NodeSpec) noderuntime.RunSpec {
	return noderuntime.RunSpec{
		Handle:   node.Handle,
		Hostname: node.Handle,
		Image:    r.cfg.Image,
		Network:  r.cfg.Network,
		Ports: []noderuntime.PortMapping{
			{Host: node.DBPort, Container: containerDBPort},
			{Host: node.ConsensusPort, Container: node.ConsensusPort},
			{Host: node.MetricsPort, Container: node.MetricsPort},
		},
		Env: map[string]string{
			"POSTGRES_PASSWORD":         r.cfg.Password,
			"POSTGRES_HOST_AUTH_METHOD": "trust",
		},
		ShmSize: r.cfg.ShmSize,
	}
}

func (r *run) waitReady(ctx context.Context, node topology.NodeSpec) error {
	return noderuntime.WaitExec(ctx, r.runtime, node.Handle, readyCommand(), r.cfg.Ready)
}

func (r *run) exec(ctx context.Context, node topology.NodeSpec, cmd []string) error {
	_, err := noderuntime.ExecOK(ctx, r.runtime, node.Handle, cmd)
	return err
}

// prepareNetwork removes whatever a previous run of this cluster left
// behind and creates a fresh network.
func (r *run) prepareNetwork(ctx context.Context) error {
	for _, handle := range topology.AllHandles(r.topo.Name, topology.HardMaxSize) {
		err := r.runtime.Remove(ctx, handle)
		if err == nil {
			level.Info(r.logger).Log("msg", "removed stale instance", "handle", handle)
			continue
		}
		if !errors.Is(err, noderuntime.ErrNotFound) {
			return fmt.Errorf("%w: removing stale instance %s: %w", ErrRuntimeOperationFailed, handle, err)
		}
	}

	if err := r.runtime.RemoveNetwork(ctx, r.cfg.Network); err != nil && !errors.Is(err, noderuntime.ErrNotFound) {
		return fmt.Errorf("%w: removing stale network %s: %w", ErrRuntimeOperationFailed, r.cfg.Network, err)
	}
	if err := r.runtime.CreateNetwork(ctx, r.cfg.Network); err != nil {
		return fmt.Errorf("%w: creating network %s: %w", ErrRuntimeOperationFailed, r.cfg.Network, err)
	}

	if err := os.MkdirAll(r.workDir(), 0o755); err != nil {
		return fmt.Errorf("failed to create work dir: %w", err)
	}
	return nil
}

func (r *run) startPrimary(ctx context.Context) error {
	primary := r.topo.Primary()

	if _, err := r.runtime.Run(ctx, r.runSpec(primary)); err != nil {
		return r.nodeError(primary, ErrRuntimeOperationFailed, err)
	}
	if err := r.waitReady(ctx, primary); err != nil {
		return r.nodeError(primary, ErrRuntimeOperationFailed, err)
	}

	local := filepath.Join(r.workDir(), "replication.conf")
	if err := os.WriteFile(local, []byte(pgconf.RenderReplication(r.topo)), 0o644); err != nil {
		return fmt.Errorf("failed to write replication config: %w", err)
	}
	if err := r.runtime.CopyIn(ctx, primary.Handle, local, remoteReplicationConf); err != nil {
		return r.nodeError(primary, ErrRuntimeOperationFailed, err)
	}
	if err := r.exec(ctx, primary, pgconf.AppendCommand(remoteReplicationConf, r.confPath())); err != nil {
		return r.nodeError(primary, ErrRuntimeOperationFailed, err)
	}

	if err := r.runtime.Restart(ctx, primary.Handle); err != nil {
		return r.nodeError(primary, ErrRuntimeOperationFailed, err)
	}
	if err := r.waitReady(ctx, primary); err != nil {
		return r.nodeError(primary, ErrRuntimeOperationFailed, err)
	}

	r.state.Nodes[primary.Name].RuntimeUp = true
	level.Info(r.logger).Log("msg", "primary running", "node", primary.Name, "port", primary.DBPort)
	return nil
}

func (r *run) configureReplicationAccess(ctx context.Context) error {
	primary := r.topo.Primary()

	var err error
	for attempt := 1; attempt <= 2; attempt++ {
		if err = r.replicationAccess(ctx, primary); err == nil || ctx.Err() != nil {
			break
		}
		level.Warn(r.logger).Log("msg", "replication access setup failed", "node", primary.Name, "attempt", attempt, "err", err)
	}
	if err != nil {
		return r.nodeError(primary, ErrReplicationSetupFailed, err)
	}

	r.state.Nodes[primary.Name].ReplicationConfigured = true
	level.Info(r.logger).Log("msg", "replication access configured", "node", primary.Name, "role", r.cfg.ReplicationUser)
	return nil
}

func (r *run) replicationAccess(ctx context.Context, primary topology.NodeSpec) error {
	ep := r.endpoint(primary)
	if err := r.db.CreateReplicationRole(ctx, ep, r.cfg.ReplicationUser, r.cfg.ReplicationPassword); err != nil {
		return err
	}
	if err := r.exec(ctx, primary, pgconf.EnsureLineCommand(pgconf.HBAReplicationLine(r.cfg.ReplicationUser), r.hbaPath())); err != nil {
		return err
	}
	return r.db.ReloadConfig(ctx, ep)
}

func (r *run) backupReplicas(ctx context.Context) error {
	for _, node := range r.topo.Replicas() {
		if err := r.provisionReplica(ctx, node); err != nil {
			if ctx.Err() != nil {
				return r.nodeError(node, ErrReplicationSetupFailed, err)
			}
			r.degrade(node, fmt.Errorf("%w: %w", ErrReplicationSetupFailed, err))
			continue
		}

		ns := r.state.Nodes[node.Name]
		ns.RuntimeUp = true
		ns.ReplicationConfigured = true
		level.Info(r.logger).Log("msg", "replica streaming from primary", "node", node.Name, "port", node.DBPort)
	}
	return nil
}

func (r *run) provisionReplica(ctx context.Context, node topology.NodeSpec) error {
	spec := r.runSpec(node)
	spec.Entrypoint = "/bin/bash"
	spec.Command = []string{"-c", "sleep infinity"}

	if _, err := r.runtime.Run(ctx, spec); err != nil {
		return err
	}
	if err := noderuntime.WaitRunning(ctx, r.runtime, node.Handle, r.cfg.Ready); err != nil {
		return err
	}

	if err := r.exec(ctx, node, r.baseBackupCommand(node)); err != nil {
		if ctx.Err() != nil {
			return err
		}
		level.Warn(r.logger).Log("msg", "base backup failed, retrying with an empty data directory", "node", node.Name, "err", err)

		if err := r.exec(ctx, node, clearDirCommand(r.cfg.DataDir)); err != nil {
			return err
		}
		if err := r.db.DropReplicationSlot(ctx, r.endpoint(r.topo.Primary()), slotName(node)); err != nil {
			return err
		}
		if err := r.exec(ctx, node, r.baseBackupCommand(node)); err != nil {
			return fmt.Errorf("base backup: %w", err)
		}
	}

	return r.startReplicaServer(ctx, node)
}

func (r *run) startReplicaServer(ctx context.Context, node topology.NodeSpec) error {
	if err := r.exec(ctx, node, []string{"chmod", "700", r.cfg.DataDir}); err != nil {
		return err
	}
	if err := r.runtime.ExecDetached(ctx, node.Handle, r.serverCommand()); err != nil {
		return err
	}
	return r.waitReady(ctx, node)
}

func (r *run) injectConsensusConfigs(ctx context.Context) error {
	for _, node := range r.state.Healthy() {
		if err := r.injectConsensusConfig(ctx, node); err != nil {
			if node.IsPrimary() || ctx.Err() != nil {
				return r.nodeError(node, ErrRuntimeOperationFailed, err)
			}
			r.degrade(node, fmt.Errorf("%w: %w", ErrRuntimeOperationFailed, err))
			continue
		}

		r.state.Nodes[node.Name].ConsensusConfigured = true
		level.Info(r.logger).Log("msg", "consensus config injected", "node", node.Name)
	}
	return nil
}

// injectConsensusConfig replaces the consensus section of the node's
// postgresql.conf. Replicas inherit the primary's file through the base
// backup, so any existing section is stripped first.
func (r *run) injectConsensusConfig(ctx context.Context, node topology.NodeSpec) error {
	local := filepath.Join(r.workDir(), node.Name+".conf")
	conf := pgconf.RenderConsensus(node, r.topo, r.cfg.Consensus)
	if err := os.WriteFile(local, []byte(conf), 0o644); err != nil {
		return fmt.Errorf("failed to write consensus config: %w", err)
	}

	if err := r.runtime.CopyIn(ctx, node.Handle, local, remoteConsensusConf); err != nil {
		return err
	}
	if err := r.exec(ctx, node, pgconf.StripCommand(r.confPath())); err != nil {
		return err
	}
	return r.exec(ctx, node, pgconf.AppendCommand(remoteConsensusConf, r.confPath()))
}

func (r *run) restartAll(ctx context.Context) error {
	primary := r.topo.Primary()
	if err := r.runtime.Restart(ctx, primary.Handle); err != nil {
		return r.nodeError(primary, ErrRuntimeOperationFailed, err)
	}
	if err := r.waitReady(ctx, primary); err != nil {
		return r.nodeError(primary, ErrRuntimeOperationFailed, err)
	}
	level.Info(r.logger).Log("msg", "node restarted", "node", primary.Name)

	for _, node := range r.state.Healthy() {
		if node.IsPrimary() {
			continue
		}
		if err := r.sleep(ctx, r.cfg.RestartStagger); err != nil {
			return err
		}

		if err := r.restartReplica(ctx, node); err != nil {
			if ctx.Err() != nil {
				return r.nodeError(node, ErrRuntimeOperationFailed, err)
			}
			r.degrade(node, fmt.Errorf("%w: %w", ErrRuntimeOperationFailed, err))
			continue
		}
		level.Info(r.logger).Log("msg", "node restarted", "node", node.Name)
	}
	return nil
}

func (r *run) restartReplica(ctx context.Context, node topology.NodeSpec) error {
	if err := r.runtime.Restart(ctx, node.Handle); err != nil {
		return err
	}
	if err := noderuntime.WaitRunning(ctx, r.runtime, node.Handle, r.cfg.Ready); err != nil {
		return err
	}
	return r.startReplicaServer(ctx, node)
}

func (r *run) installExtension(ctx context.Context) error {
	primary := r.topo.Primary()
	if err := r.db.InstallExtension(ctx, r.endpoint(primary), pgconf.ExtensionName); err != nil {
		return r.nodeError(primary, ErrConsensusInitFailed, err)
	}
	level.Info(r.logger).Log("msg", "extension installed", "node", primary.Name, "extension", pgconf.ExtensionName)

	for _, node := range r.state.Healthy() {
		if err := r.exec(ctx, node, clearDirCommand(r.cfg.Consensus.DataDir)); err != nil {
			if node.IsPrimary() || ctx.Err() != nil {
				return r.nodeError(node, ErrRuntimeOperationFailed, err)
			}
			r.degrade(node, fmt.Errorf("%w: clearing consensus data: %w", ErrRuntimeOperationFailed, err))
		}
	}
	return nil
}

func (r *run) initConsensus(ctx context.Context) error {
	for _, name := range r.state.Degraded() {
		r.state.Nodes[name].Init = InitResult{
			Outcome: InitErr,
			Err:     fmt.Errorf("%w: skipped: node degraded", ErrConsensusInitFailed),
		}
		r.metrics.InitOutcome(name, InitErr)
	}

	initializer := NewInitializer(r.cfg.InitTimeout, func(ctx context.Context, node topology.NodeSpec) error {
		return r.db.InitConsensus(ctx, r.endpoint(node))
	}, r.metrics, r.logger)

	results := initializer.Run(ctx, r.state.Healthy())
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrInterrupted, err)
	}

	ok := 0
	for name, res := range results {
		r.state.Nodes[name].Init = res
		if res.Outcome == InitOk {
			ok++
		}
	}
	if ok < r.topo.Quorum() {
		level.Warn(r.logger).Log("msg", "fewer nodes than a quorum started consensus", "ok", ok, "quorum", r.topo.Quorum())
	}
	return nil
}

func (r *run) waitForLeader(ctx context.Context) error {
	primary := r.endpoint(r.topo.Primary())
	poller := NewPoller(r.cfg.PollInterval, r.cfg.PollAttempts, r.metrics, r.logger)

	leader, err := poller.WaitForLeader(ctx, func(ctx context.Context) (string, error) {
		return r.db.CurrentLeader(ctx, primary)
	})
	if errors.Is(err, ErrConvergenceTimeout) && ctx.Err() == nil {
		level.Warn(r.logger).Log("msg", "cluster did not converge, check status for details", "err", err)
		return nil
	}
	if err != nil {
		return err
	}

	r.state.LeaderID = leader
	r.metrics.LeaderElected(leader)
	return nil
}

// TeardownReport is the aggregate outcome of Destroy. Err joins every
// failure; a nil Err means the cluster is gone.
type TeardownReport struct {
	Removed        []string
	Missing        []string
	NetworkRemoved bool
	Err            error
}

// Destroy removes every instance a cluster with this name could have, its
// network and its local work dir. It attempts every step regardless of
// earlier failures.
func (p *Pipeline) Destroy(ctx context.Context, clusterName string) TeardownReport {
	logger := log.With(p.logger, "cluster", clusterName)

	var report TeardownReport
	var errs []error

	for _, handle := range topology.AllHandles(clusterName, topology.HardMaxSize) {
		err := p.runtime.Remove(ctx, handle)
		switch {
		case err == nil:
			report.Removed = append(report.Removed, handle)
			level.Info(logger).Log("msg", "removed instance", "handle", handle)
		case errors.Is(err, noderuntime.ErrNotFound):
			report.Missing = append(report.Missing, handle)
		default:
			errs = append(errs, fmt.Errorf("remove %s: %w", handle, err))
			level.Warn(logger).Log("msg", "failed to remove instance", "handle", handle, "err", err)
		}
	}

	err := p.runtime.RemoveNetwork(ctx, p.cfg.Network)
	switch {
	case err == nil:
		report.NetworkRemoved = true
		level.Info(logger).Log("msg", "removed network", "network", p.cfg.Network)
	case errors.Is(err, noderuntime.ErrNotFound):
	default:
		errs = append(errs, fmt.Errorf("remove network %s: %w", p.cfg.Network, err))
		level.Warn(logger).Log("msg", "failed to remove network", "network", p.cfg.Network, "err", err)
	}

	if err := os.RemoveAll(filepath.Join(p.cfg.WorkDir, clusterName)); err != nil {
		errs = append(errs, fmt.Errorf("remove work dir: %w", err))
	}

	report.Err = errors.Join(errs...)
	return report
}

func readyCommand() []string {
	return []string{"pg_isready", "-h", "localhost", "-p", fmt.Sprint(containerDBPort), "-U", superuser}
}

func (r *run) serverCommand() []string {
	return []string{"su", "-c", "postgres -D " + r.cfg.DataDir, superuser}
}

func slotName(node topology.NodeSpec) string {
	return node.Name + "_slot"
}

func (r *run) baseBackupCommand(node topology.NodeSpec) []string {
	script := fmt.Sprintf(
		"PGPASSWORD=%s pg_basebackup -h %s -U %s -D %s -P -v -R -X stream -C -S %s",
		pgconf.ShellQuote(r.cfg.ReplicationPassword), r.topo.Primary().Handle, r.cfg.ReplicationUser, r.cfg.DataDir, slotName(node),
	)
	return []string{"su", "-c", script, superuser}
}

func clearDirCommand(dir string) []string {
	return []string{"sh", "-c", "rm -rf " + dir + "/*"}
}
