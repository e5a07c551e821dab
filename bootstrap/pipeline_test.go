package bootstrap

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func historyPhases(state *ClusterState) []Phase {
	var phases []Phase
	for _, h := range state.History {
		phases = append(phases, h.Phase)
	}
	return phases
}

func isBaseBackup(cmd []string) bool {
	return len(cmd) > 2 && strings.Contains(cmd[2], "pg_basebackup")
}

func TestInit_ThreeNodesConverge(t *testing.T) {
	events := &eventLog{}
	topo := testTopology(t, 2)
	rt := newFakeRuntime(events)
	db := newFakeDB(events, topo, "-1", "0", "2")

	p := newTestPipeline(testConfig(t), rt, db, nil)
	state, err := p.Init(context.Background(), topo)
	require.NoError(t, err)

	assert.Equal(t, PhaseConverged, state.Phase)
	assert.Contains(t, []int64{1, 2, 3}, state.LeaderID)
	assert.Empty(t, state.Degraded())
	assert.Equal(t, []Phase{
		PhaseIdle,
		PhaseNetworkReady,
		PhasePrimaryRunning,
		PhasePrimaryReplicationConfigured,
		PhaseReplicasBasebackedUp,
		PhaseAllConfigsInjected,
		PhaseAllRestarted,
		PhaseConsensusExtensionInstalled,
		PhaseConsensusInitiated,
		PhaseConverged,
	}, historyPhases(state))

	for _, node := range topo.Nodes {
		ns := state.Nodes[node.Name]
		assert.True(t, ns.RuntimeUp, node.Name)
		assert.True(t, ns.ReplicationConfigured, node.Name)
		assert.True(t, ns.ConsensusConfigured, node.Name)
		assert.Equal(t, InitOk, ns.Init.Outcome, node.Name)
	}

	// Early exit on the first valid leader id.
	assert.Equal(t, 3, db.queries)
	assert.Equal(t, 1, events.count("db extension primary pgraft"))
	assert.Equal(t, 1, events.count("exec pgraft-replica1 su -c PGPASSWORD='replicator' pg_basebackup -h pgraft-primary -U replicator -D /var/lib/postgresql/data -P -v -R -X stream -C -S replica1_slot postgres"))
}

func TestInit_Ordering(t *testing.T) {
	events := &eventLog{}
	topo := testTopology(t, 2)
	rt := newFakeRuntime(events)
	db := newFakeDB(events, topo, "1")

	p := newTestPipeline(testConfig(t), rt, db, nil)
	_, err := p.Init(context.Background(), topo)
	require.NoError(t, err)

	t.Run("base backup after primary replication is configured", func(t *testing.T) {
		reload := events.last("db reload primary")
		hba := events.last("host replication replicator all trust")
		backup := events.first("pg_basebackup")
		require.NotEqual(t, -1, reload)
		require.NotEqual(t, -1, backup)
		assert.Less(t, reload, backup)
		assert.Less(t, hba, backup)
	})

	t.Run("consensus init after every node restarted with its config", func(t *testing.T) {
		firstInit := events.first("db init")
		require.NotEqual(t, -1, firstInit)

		for _, node := range topo.Nodes {
			appended := events.last("exec " + node.Handle + " sh -c cat /tmp/pgraft.conf >> /var/lib/postgresql/data/postgresql.conf")
			stripped := events.last("exec " + node.Handle + " sh -c sed -i")
			restarted := events.last("restart " + node.Handle)
			require.NotEqual(t, -1, appended, node.Name)
			assert.Less(t, stripped, appended, node.Name)
			assert.Less(t, appended, restarted, node.Name)
			assert.Less(t, restarted, firstInit, node.Name)
		}
		assert.Less(t, events.first("db extension"), firstInit)
	})

	t.Run("primary restarts before replicas", func(t *testing.T) {
		primary := events.last("restart pgraft-primary")
		for _, node := range topo.Replicas() {
			assert.Less(t, primary, events.last("restart "+node.Handle))
		}
	})

	t.Run("every init finishes before the first leader query", func(t *testing.T) {
		assert.Equal(t, 3, events.count("db init"))
		assert.Less(t, events.last("db init"), events.first("db leader"))
	})
}

func TestInit_ReplicaBaseBackupFails(t *testing.T) {
	events := &eventLog{}
	topo := testTopology(t, 2)
	rt := newFakeRuntime(events)
	rt.failExec = func(handle string, cmd []string) bool {
		return handle == "pgraft-replica1" && isBaseBackup(cmd)
	}
	db := newFakeDB(events, topo, "0", "1")

	p := newTestPipeline(testConfig(t), rt, db, nil)
	state, err := p.Init(context.Background(), topo)
	require.NoError(t, err)

	assert.Equal(t, PhaseConverged, state.Phase)
	assert.Equal(t, int64(1), state.LeaderID)
	assert.Equal(t, []string{"replica1"}, state.Degraded())

	replica1 := state.Nodes["replica1"]
	assert.ErrorIs(t, replica1.Err, ErrReplicationSetupFailed)
	assert.Equal(t, InitErr, replica1.Init.Outcome)
	assert.ErrorContains(t, replica1.Init.Err, "skipped: node degraded")

	// Retried once after clearing the data dir and dropping the slot.
	assert.Equal(t, 2, events.count("exec pgraft-replica1 su -c PGPASSWORD"))
	assert.Equal(t, 1, events.count("exec pgraft-replica1 sh -c rm -rf /var/lib/postgresql/data/*"))
	assert.Equal(t, 1, events.count("db drop-slot primary replica1_slot"))

	// Degraded nodes are skipped by every later phase.
	assert.Equal(t, 0, events.count("copy pgraft-replica1"))
	assert.Equal(t, 0, events.count("restart pgraft-replica1"))
	assert.Equal(t, 0, events.count("db init replica1"))

	assert.Equal(t, InitOk, state.Nodes["primary"].Init.Outcome)
	assert.Equal(t, InitOk, state.Nodes["replica2"].Init.Outcome)
}

func TestInit_BaseBackupRetrySucceeds(t *testing.T) {
	events := &eventLog{}
	topo := testTopology(t, 1)
	rt := newFakeRuntime(events)
	attempts := 0
	rt.failExec = func(handle string, cmd []string) bool {
		if !isBaseBackup(cmd) {
			return false
		}
		attempts++
		return attempts == 1
	}
	db := newFakeDB(events, topo, "2")

	p := newTestPipeline(testConfig(t), rt, db, nil)
	state, err := p.Init(context.Background(), topo)
	require.NoError(t, err)

	assert.Equal(t, PhaseConverged, state.Phase)
	assert.Empty(t, state.Degraded())
	assert.Equal(t, 2, attempts)
}

func TestInit_BaseBackupQuotesPassword(t *testing.T) {
	events := &eventLog{}
	topo := testTopology(t, 1)

	cfg := testConfig(t)
	cfg.ReplicationPassword = "s3 cr;et'x"

	p := newTestPipeline(cfg, newFakeRuntime(events), newFakeDB(events, topo, "1"), nil)
	_, err := p.Init(context.Background(), topo)
	require.NoError(t, err)

	assert.Equal(t, 1, events.count(`exec pgraft-replica1 su -c PGPASSWORD='s3 cr;et'\''x' pg_basebackup -h pgraft-primary`))
}

func TestInit_PrimaryFailureIsFatal(t *testing.T) {
	events := &eventLog{}
	topo := testTopology(t, 2)
	rt := newFakeRuntime(events)
	rt.failRun["pgraft-primary"] = errors.New("image not found")
	db := newFakeDB(events, topo)

	p := newTestPipeline(testConfig(t), rt, db, nil)
	state, err := p.Init(context.Background(), topo)
	require.Error(t, err)

	assert.ErrorIs(t, err, ErrRuntimeOperationFailed)
	assert.NotErrorIs(t, err, ErrInterrupted)

	var pe *PhaseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, PhaseNetworkReady, pe.Phase)
	assert.Equal(t, "primary", pe.Node)

	assert.Equal(t, PhaseFailed, state.Phase)
	assert.Equal(t, PhaseNetworkReady, state.FailedIn)
	assert.Equal(t, -1, events.first("run pgraft-replica"))

	// Nothing is cleaned up without an interrupt.
	assert.Equal(t, 0, events.count("network-remove"))
}

func TestInit_ReplicationAccessRetriedOnce(t *testing.T) {
	t.Run("second attempt succeeds", func(t *testing.T) {
		events := &eventLog{}
		topo := testTopology(t, 1)
		db := newFakeDB(events, topo, "1")
		db.failRole = 1

		p := newTestPipeline(testConfig(t), newFakeRuntime(events), db, nil)
		state, err := p.Init(context.Background(), topo)
		require.NoError(t, err)
		assert.Equal(t, PhaseConverged, state.Phase)
	})

	t.Run("both attempts fail", func(t *testing.T) {
		events := &eventLog{}
		topo := testTopology(t, 1)
		db := newFakeDB(events, topo, "1")
		db.failRole = 2

		p := newTestPipeline(testConfig(t), newFakeRuntime(events), db, nil)
		state, err := p.Init(context.Background(), topo)
		assert.ErrorIs(t, err, ErrReplicationSetupFailed)
		assert.Equal(t, PhasePrimaryRunning, state.FailedIn)
		assert.Equal(t, -1, events.first("pg_basebackup"))
	})
}

func TestInit_InitTimeoutStillPolls(t *testing.T) {
	events := &eventLog{}
	topo := testTopology(t, 2)
	db := newFakeDB(events, topo, "3")
	db.initBlock["replica2"] = true

	cfg := testConfig(t)
	cfg.InitTimeout = 20 * time.Millisecond

	p := newTestPipeline(cfg, newFakeRuntime(events), db, nil)
	state, err := p.Init(context.Background(), topo)
	require.NoError(t, err)

	assert.Equal(t, PhaseConverged, state.Phase)
	assert.Equal(t, InitTimedOut, state.Nodes["replica2"].Init.Outcome)
	assert.ErrorIs(t, state.Nodes["replica2"].Init.Err, ErrConsensusInitTimedOut)
	assert.Equal(t, InitOk, state.Nodes["primary"].Init.Outcome)
}

func TestInit_NoLeaderIsNotFatal(t *testing.T) {
	events := &eventLog{}
	topo := testTopology(t, 2)
	db := newFakeDB(events, topo)

	p := newTestPipeline(testConfig(t), newFakeRuntime(events), db, nil)
	state, err := p.Init(context.Background(), topo)
	require.NoError(t, err)

	assert.Equal(t, PhaseConsensusInitiated, state.Phase)
	assert.Zero(t, state.LeaderID)
	assert.Equal(t, 5, db.queries)
}

func TestInit_InterruptCleansUp(t *testing.T) {
	events := &eventLog{}
	topo := testTopology(t, 2)
	rt := newFakeRuntime(events)
	db := newFakeDB(events, topo)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rt.onExec = func(handle string, cmd []string) {
		if isBaseBackup(cmd) {
			cancel()
		}
	}

	cfg := testConfig(t)
	cfg.CleanupOnAbort = true

	p := newTestPipeline(cfg, rt, db, nil)
	state, err := p.Init(ctx, topo)
	require.Error(t, err)

	assert.ErrorIs(t, err, ErrInterrupted)
	assert.Equal(t, PhaseFailed, state.Phase)
	assert.Equal(t, PhasePrimaryReplicationConfigured, state.FailedIn)

	assert.Empty(t, state.Degraded())
	assert.Equal(t, -1, events.first("run pgraft-replica2"))

	assert.Equal(t, 1, events.count("remove pgraft-primary"))
	assert.Equal(t, 1, events.count("remove pgraft-replica1"))
	assert.Equal(t, 1, events.count("network-remove pgraft-network"))
	assert.NoDirExists(t, filepath.Join(cfg.WorkDir, "pgraft"))
}

func TestInit_InterruptDuringLastLeaderPoll(t *testing.T) {
	events := &eventLog{}
	topo := testTopology(t, 2)
	db := newFakeDB(events, topo)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	db.onLeader = cancel

	cfg := testConfig(t)
	cfg.PollAttempts = 1

	p := newTestPipeline(cfg, newFakeRuntime(events), db, nil)
	state, err := p.Init(ctx, topo)
	require.Error(t, err)

	assert.ErrorIs(t, err, ErrInterrupted)
	assert.NotErrorIs(t, err, ErrConvergenceTimeout)
	assert.Equal(t, PhaseFailed, state.Phase)
	assert.Equal(t, PhaseConsensusInitiated, state.FailedIn)
	assert.Equal(t, 1, db.queries)
}

func TestInit_StaleInstancesRemovedFirst(t *testing.T) {
	events := &eventLog{}
	topo := testTopology(t, 1)
	rt := newFakeRuntime(events)
	rt.instances["pgraft-replica4"] = true
	rt.networks["pgraft-network"] = true
	db := newFakeDB(events, topo, "1")

	p := newTestPipeline(testConfig(t), rt, db, nil)
	_, err := p.Init(context.Background(), topo)
	require.NoError(t, err)

	all := events.all()
	require.GreaterOrEqual(t, len(all), 3)
	assert.Equal(t, []string{
		"remove pgraft-replica4",
		"network-remove pgraft-network",
		"network-create pgraft-network",
	}, all[:3])
}

func TestInit_WritesRenderedConfigs(t *testing.T) {
	events := &eventLog{}
	topo := testTopology(t, 1)
	cfg := testConfig(t)

	p := newTestPipeline(cfg, newFakeRuntime(events), newFakeDB(events, topo, "1"), nil)
	_, err := p.Init(context.Background(), topo)
	require.NoError(t, err)

	conf, err := os.ReadFile(filepath.Join(cfg.WorkDir, "pgraft", "replica1.conf"))
	require.NoError(t, err)
	assert.Contains(t, string(conf), "pgraft.name = 'replica1'")

	repl, err := os.ReadFile(filepath.Join(cfg.WorkDir, "pgraft", "replication.conf"))
	require.NoError(t, err)
	assert.Contains(t, string(repl), "max_wal_senders = 2")
}

func TestDestroy_PartialFailure(t *testing.T) {
	events := &eventLog{}
	rt := newFakeRuntime(events)
	for _, h := range []string{"pgraft-primary", "pgraft-replica1", "pgraft-replica2"} {
		rt.instances[h] = true
	}
	rt.networks["pgraft-network"] = true
	rt.failRemove["pgraft-replica1"] = errors.New("removal of container pgraft-replica1 is already in progress")

	cfg := testConfig(t)
	workDir := filepath.Join(cfg.WorkDir, "pgraft")
	require.NoError(t, os.MkdirAll(workDir, 0o755))

	p := newTestPipeline(cfg, rt, nil, nil)
	report := p.Destroy(context.Background(), "pgraft")

	assert.Equal(t, []string{"pgraft-primary", "pgraft-replica2"}, report.Removed)
	assert.True(t, report.NetworkRemoved)
	require.Error(t, report.Err)
	assert.ErrorContains(t, report.Err, "pgraft-replica1")
	assert.True(t, slices.Contains(report.Missing, "pgraft-replica8"))
	assert.NoDirExists(t, workDir)

	// Removal stopped at nothing: the network went after the failing node.
	assert.Less(t, events.first("remove pgraft-replica2"), events.first("network-remove"))
}

func TestDestroy_NothingThere(t *testing.T) {
	p := newTestPipeline(testConfig(t), newFakeRuntime(&eventLog{}), nil, nil)
	report := p.Destroy(context.Background(), "pgraft")

	assert.NoError(t, report.Err)
	assert.Empty(t, report.Removed)
	assert.False(t, report.NetworkRemoved)
}
