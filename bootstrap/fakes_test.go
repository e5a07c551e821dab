package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"pgraftctl/noderuntime"
	"pgraftctl/pgconf"
	"pgraftctl/postgres"
	"pgraftctl/topology"
)

// eventLog is shared by the fake runtime and the fake database so tests can
// assert on the global order of side effects.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, fmt.Sprintf(format, args...))
}

func (l *eventLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

// first returns the index of the first event containing substr, or -1.
func (l *eventLog) first(substr string) int {
	for i, e := range l.all() {
		if strings.Contains(e, substr) {
			return i
		}
	}
	return -1
}

// last returns the index of the last event containing substr, or -1.
func (l *eventLog) last(substr string) int {
	events := l.all()
	for i := len(events) - 1; i >= 0; i-- {
		if strings.Contains(events[i], substr) {
			return i
		}
	}
	return -1
}

func (l *eventLog) count(substr string) int {
	n := 0
	for _, e := range l.all() {
		if strings.Contains(e, substr) {
			n++
		}
	}
	return n
}

type fakeRuntime struct {
	log *eventLog

	mu        sync.Mutex
	instances map[string]bool
	networks  map[string]bool

	// failExec makes Exec report exit code 1 when it returns true.
	failExec func(handle string, cmd []string) bool
	// failRun and failRemove return an error for the given handle.
	failRun    map[string]error
	failRemove map[string]error
	// onExec is called before every Exec.
	onExec func(handle string, cmd []string)
}

var _ noderuntime.Runtime = (*fakeRuntime)(nil)

func newFakeRuntime(l *eventLog) *fakeRuntime {
	return &fakeRuntime{
		log:        l,
		instances:  make(map[string]bool),
		networks:   make(map[string]bool),
		failRun:    make(map[string]error),
		failRemove: make(map[string]error),
	}
}

func (f *fakeRuntime) CreateNetwork(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log.add("network-create %s", name)
	f.networks[name] = true
	return nil
}

func (f *fakeRuntime) RemoveNetwork(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.networks[name] {
		return noderuntime.ErrNotFound
	}
	f.log.add("network-remove %s", name)
	delete(f.networks, name)
	return nil
}

func (f *fakeRuntime) Run(ctx context.Context, spec noderuntime.RunSpec) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failRun[spec.Handle]; err != nil {
		return "", err
	}
	f.log.add("run %s", spec.Handle)
	f.instances[spec.Handle] = true
	return spec.Handle, nil
}

func (f *fakeRuntime) Start(_ context.Context, handle string) error {
	f.log.add("start %s", handle)
	return nil
}

func (f *fakeRuntime) Stop(_ context.Context, handle string) error {
	f.log.add("stop %s", handle)
	return nil
}

func (f *fakeRuntime) Restart(ctx context.Context, handle string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.log.add("restart %s", handle)
	return nil
}

func (f *fakeRuntime) Remove(_ context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failRemove[handle]; err != nil {
		return err
	}
	if !f.instances[handle] {
		return noderuntime.ErrNotFound
	}
	f.log.add("remove %s", handle)
	delete(f.instances, handle)
	return nil
}

func (f *fakeRuntime) Exec(ctx context.Context, handle string, cmd []string) (noderuntime.ExecResult, error) {
	if f.onExec != nil {
		f.onExec(handle, cmd)
	}
	if err := ctx.Err(); err != nil {
		return noderuntime.ExecResult{}, err
	}
	f.log.add("exec %s %s", handle, strings.Join(cmd, " "))
	if f.failExec != nil && f.failExec(handle, cmd) {
		return noderuntime.ExecResult{ExitCode: 1, Stderr: "boom"}, nil
	}
	return noderuntime.ExecResult{}, nil
}

func (f *fakeRuntime) ExecDetached(_ context.Context, handle string, cmd []string) error {
	f.log.add("exec-detached %s %s", handle, strings.Join(cmd, " "))
	return nil
}

func (f *fakeRuntime) CopyIn(_ context.Context, handle, localPath, remotePath string) error {
	f.log.add("copy %s %s", handle, remotePath)
	return nil
}

func (f *fakeRuntime) IsRunning(_ context.Context, handle string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.instances[handle], nil
}

type fakeDB struct {
	log   *eventLog
	nodes map[int]string

	mu      sync.Mutex
	leaders []string
	queries int

	// initBlock makes InitConsensus on the named node block until its
	// context is done.
	initBlock map[string]bool
	initErr   map[string]error
	failRole  int

	// onLeader runs before every leader query.
	onLeader func()
}

var _ postgres.Client = (*fakeDB)(nil)

func newFakeDB(l *eventLog, topo *topology.Topology, leaders ...string) *fakeDB {
	nodes := make(map[int]string)
	for _, n := range topo.Nodes {
		nodes[n.DBPort] = n.Name
	}
	return &fakeDB{
		log:       l,
		nodes:     nodes,
		leaders:   leaders,
		initBlock: make(map[string]bool),
		initErr:   make(map[string]error),
	}
}

func (f *fakeDB) name(ep postgres.Endpoint) string {
	return f.nodes[ep.Port]
}

func (f *fakeDB) Ping(_ context.Context, ep postgres.Endpoint) error {
	return nil
}

func (f *fakeDB) CreateReplicationRole(_ context.Context, ep postgres.Endpoint, role, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failRole > 0 {
		f.failRole--
		return errors.New("connection refused")
	}
	f.log.add("db role %s %s", f.name(ep), role)
	return nil
}

func (f *fakeDB) ReloadConfig(_ context.Context, ep postgres.Endpoint) error {
	f.log.add("db reload %s", f.name(ep))
	return nil
}

func (f *fakeDB) DropReplicationSlot(_ context.Context, ep postgres.Endpoint, slot string) error {
	f.log.add("db drop-slot %s %s", f.name(ep), slot)
	return nil
}

func (f *fakeDB) InstallExtension(_ context.Context, ep postgres.Endpoint, name string) error {
	f.log.add("db extension %s %s", f.name(ep), name)
	return nil
}

func (f *fakeDB) InitConsensus(ctx context.Context, ep postgres.Endpoint) error {
	name := f.name(ep)
	if f.initBlock[name] {
		<-ctx.Done()
		return ctx.Err()
	}
	if err := f.initErr[name]; err != nil {
		return err
	}
	f.log.add("db init %s", name)
	return nil
}

func (f *fakeDB) CurrentLeader(_ context.Context, ep postgres.Endpoint) (string, error) {
	if f.onLeader != nil {
		f.onLeader()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log.add("db leader %s", f.name(ep))
	f.queries++
	if len(f.leaders) == 0 {
		return "0", nil
	}
	leader := f.leaders[0]
	if len(f.leaders) > 1 {
		f.leaders = f.leaders[1:]
	}
	return leader, nil
}

func (f *fakeDB) Members(context.Context, postgres.Endpoint) ([]postgres.Member, error) {
	return nil, nil
}

func (f *fakeDB) Replicas(context.Context, postgres.Endpoint) ([]postgres.PgStatReplica, error) {
	return nil, nil
}

func (f *fakeDB) WalReceiver(context.Context, postgres.Endpoint) (*postgres.PgStatWalReceiver, error) {
	return nil, nil
}

func testConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		Network:             "pgraft-network",
		Image:               "postgres-pgraft:17",
		ShmSize:             "256mb",
		Password:            "postgres",
		HostAddress:         "127.0.0.1",
		ReplicationUser:     "replicator",
		ReplicationPassword: "replicator",
		DataDir:             "/var/lib/postgresql/data",
		WorkDir:             t.TempDir(),
		Consensus:           pgconf.DefaultSettings(),
		Ready:               noderuntime.WaitOptions{Timeout: time.Second, Interval: time.Millisecond},
		InitTimeout:         time.Second,
		PollInterval:        time.Millisecond,
		PollAttempts:        5,
		CleanupTimeout:      time.Second,
	}
}

func testTopology(t *testing.T, replicas int) *topology.Topology {
	t.Helper()
	topo, err := topology.Build("pgraft", replicas, topology.DefaultOptions())
	require.NoError(t, err)
	return topo
}

func newTestPipeline(cfg Config, rt noderuntime.Runtime, db postgres.Client, metrics *Metrics) *Pipeline {
	p := NewPipeline(cfg, rt, db, nil, metrics, log.NewNopLogger())

	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	p.newUUID = func() uuid.UUID {
		return uuid.MustParse("6f1c0a52-3d7e-4a8b-9c2d-1e5f7a9b0c3d")
	}
	return p
}
