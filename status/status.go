// Package status collects a read-only snapshot of a running cluster.
package status

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/sync/errgroup"

	"pgraftctl/noderuntime"
	"pgraftctl/postgres"
	"pgraftctl/store"
	"pgraftctl/topology"
)

type NodeState string

const (
	NodeRunning NodeState = "running"
	NodeStopped NodeState = "stopped"
	NodeUnknown NodeState = "unknown"
)

type NodeStatus struct {
	Name          string        `json:"name" yaml:"name"`
	Role          topology.Role `json:"role" yaml:"role"`
	Handle        string        `json:"handle" yaml:"handle"`
	DBPort        int           `json:"db_port" yaml:"db_port"`
	ConsensusPort int           `json:"consensus_port" yaml:"consensus_port"`
	State         NodeState     `json:"state" yaml:"state"`
	Reachable     bool          `json:"reachable" yaml:"reachable"`
	ConnInfo      string        `json:"conn_info" yaml:"conn_info"`

	WalReceiver *postgres.PgStatWalReceiver `json:"wal_receiver,omitempty" yaml:"wal_receiver,omitempty"`
}

// Report never fails as a whole: anything that could not be read is listed
// in Errors and the rest is still filled in.
type Report struct {
	Cluster     string                   `json:"cluster" yaml:"cluster"`
	Nodes       []NodeStatus             `json:"nodes" yaml:"nodes"`
	LeaderID    int64                    `json:"leader_id" yaml:"leader_id"`
	Members     []postgres.Member        `json:"members" yaml:"members"`
	Replication []postgres.PgStatReplica `json:"replication" yaml:"replication"`
	LastRun     *store.RunRecord         `json:"last_run,omitempty" yaml:"last_run,omitempty"`
	Errors      []string                 `json:"errors,omitempty" yaml:"errors,omitempty"`
}

func (r Report) Running() int {
	n := 0
	for _, node := range r.Nodes {
		if node.State == NodeRunning {
			n++
		}
	}
	return n
}

type Config struct {
	HostAddress string
	User        string
	Password    string
	Database    string
}

type Reporter struct {
	cfg     Config
	runtime noderuntime.Runtime
	db      postgres.Client
	store   store.Store
	logger  log.Logger
}

func NewReporter(cfg Config, rt noderuntime.Runtime, db postgres.Client, st store.Store, logger log.Logger) *Reporter {
	if st == nil {
		st = store.Nop{}
	}
	return &Reporter{
		cfg:     cfg,
		runtime: rt,
		db:      db,
		store:   st,
		logger:  log.With(logger, "component", "status"),
	}
}

func (r *Reporter) endpoint(node topology.NodeSpec) postgres.Endpoint {
	return postgres.Endpoint{
		Host:     r.cfg.HostAddress,
		Port:     node.DBPort,
		User:     r.cfg.User,
		Password: r.cfg.Password,
		Database: r.cfg.Database,
	}
}

// ConnInfo is the connection URL a client on this host would use.
func (r *Reporter) ConnInfo(node topology.NodeSpec) string {
	return r.endpoint(node).DSN()
}

// Collect reads everything concurrently. Per-node and primary-wide reads
// are independent, so one unreachable node does not hide the others.
func (r *Reporter) Collect(ctx context.Context, topo *topology.Topology) Report {
	report := Report{
		Cluster: topo.Name,
		Nodes:   make([]NodeStatus, len(topo.Nodes)),
	}

	var mu sync.Mutex
	var errs []string
	addErr := func(format string, args ...any) {
		mu.Lock()
		defer mu.Unlock()
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	var g errgroup.Group
	for i, node := range topo.Nodes {
		g.Go(func() error {
			report.Nodes[i] = r.collectNode(ctx, node, addErr)
			return nil
		})
	}

	primary := r.endpoint(topo.Primary())
	g.Go(func() error {
		members, err := r.db.Members(ctx, primary)
		if err != nil {
			addErr("members: %v", err)
			return nil
		}
		report.Members = members
		return nil
	})
	g.Go(func() error {
		raw, err := r.db.CurrentLeader(ctx, primary)
		if err != nil {
			addErr("leader: %v", err)
			return nil
		}
		if id, ok := postgres.ParseLeaderID(raw); ok {
			report.LeaderID = id
		}
		return nil
	})
	g.Go(func() error {
		replicas, err := r.db.Replicas(ctx, primary)
		if err != nil {
			addErr("replication: %v", err)
			return nil
		}
		report.Replication = replicas
		return nil
	})
	g.Go(func() error {
		rec, err := r.store.FetchRunRecord(ctx)
		if err != nil {
			addErr("last run: %v", err)
			return nil
		}
		report.LastRun = rec
		return nil
	})

	_ = g.Wait()

	slices.Sort(errs)
	report.Errors = errs
	for _, e := range errs {
		level.Debug(r.logger).Log("msg", "status read failed", "err", e)
	}
	return report
}

func (r *Reporter) collectNode(ctx context.Context, node topology.NodeSpec, addErr func(string, ...any)) NodeStatus {
	st := NodeStatus{
		Name:          node.Name,
		Role:          node.Role,
		Handle:        node.Handle,
		DBPort:        node.DBPort,
		ConsensusPort: node.ConsensusPort,
		State:         NodeStopped,
		ConnInfo:      r.ConnInfo(node),
	}

	running, err := r.runtime.IsRunning(ctx, node.Handle)
	if err != nil {
		st.State = NodeUnknown
		addErr("%s: runtime: %v", node.Name, err)
		return st
	}
	if !running {
		return st
	}
	st.State = NodeRunning

	ep := r.endpoint(node)
	if err := r.db.Ping(ctx, ep); err != nil {
		addErr("%s: database: %v", node.Name, err)
		return st
	}
	st.Reachable = true

	if !node.IsPrimary() {
		receiver, err := r.db.WalReceiver(ctx, ep)
		if err != nil {
			addErr("%s: wal receiver: %v", node.Name, err)
			return st
		}
		st.WalReceiver = receiver
	}
	return st
}
