package topology

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidTopology is returned when a requested cluster shape cannot be
// built. It is always returned before any side effect happens.
var ErrInvalidTopology = errors.New("invalid topology")

// HardMaxSize bounds Options.MaxSize so the default port bases (which are
// 1000+ apart) can never overlap.
const HardMaxSize = 9

// DefaultMaxSize is the default bound on the number of nodes in a cluster.
const DefaultMaxSize = 5

type Role string

const (
	RolePrimary Role = "primary"
	RoleReplica Role = "replica"
)

// NodeSpec describes one cluster member. It is built once by Build and is
// never mutated afterwards.
type NodeSpec struct {
	// Name is unique within the cluster, e.g. "primary" or "replica2".
	Name string `json:"name" yaml:"name"`
	Role Role   `json:"role" yaml:"role"`

	// ID is the consensus member id. It is the ordinal position plus one,
	// so the primary is always 1.
	ID int64 `json:"id" yaml:"id"`

	DBPort        int `json:"db_port" yaml:"db_port"`
	ConsensusPort int `json:"consensus_port" yaml:"consensus_port"`
	MetricsPort   int `json:"metrics_port" yaml:"metrics_port"`

	// Handle is the runtime (container) name, derived from the cluster
	// name and the node name.
	Handle string `json:"handle" yaml:"handle"`
}

func (n NodeSpec) IsPrimary() bool {
	return n.Role == RolePrimary
}

// Options controls port assignment and the size bound.
type Options struct {
	MaxSize           int
	BaseDBPort        int
	BaseConsensusPort int
	BaseMetricsPort   int
}

// DefaultOptions is the conventional local port layout.
func DefaultOptions() Options {
	return Options{
		MaxSize:           DefaultMaxSize,
		BaseDBPort:        7001,
		BaseConsensusPort: 8001,
		BaseMetricsPort:   9191,
	}
}

// Topology is the ordered set of nodes of one cluster: primary first,
// replicas in ordinal order.
type Topology struct {
	Name  string     `json:"name" yaml:"name"`
	Nodes []NodeSpec `json:"nodes" yaml:"nodes"`
}

// Build constructs the topology of a cluster with one primary and the given
// number of replicas.
func Build(name string, replicas int, opts Options) (*Topology, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: cluster name must not be empty", ErrInvalidTopology)
	}
	if replicas < 0 {
		return nil, fmt.Errorf("%w: replica count must be >= 0, got %d", ErrInvalidTopology, replicas)
	}
	if opts.MaxSize < 1 || opts.MaxSize > HardMaxSize {
		return nil, fmt.Errorf("%w: max size must be between 1 and %d, got %d", ErrInvalidTopology, HardMaxSize, opts.MaxSize)
	}
	size := 1 + replicas
	if size > opts.MaxSize {
		return nil, fmt.Errorf("%w: cluster size %d exceeds maximum of %d", ErrInvalidTopology, size, opts.MaxSize)
	}

	topo := &Topology{Name: name, Nodes: make([]NodeSpec, 0, size)}
	for i := 0; i < size; i++ {
		topo.Nodes = append(topo.Nodes, nodeAt(name, i, opts))
	}

	if err := topo.checkPorts(); err != nil {
		return nil, err
	}

	return topo, nil
}

func nodeAt(clusterName string, ordinal int, opts Options) NodeSpec {
	nodeName := NodeName(ordinal)
	role := RoleReplica
	if ordinal == 0 {
		role = RolePrimary
	}
	return NodeSpec{
		Name:          nodeName,
		Role:          role,
		ID:            int64(ordinal + 1),
		DBPort:        opts.BaseDBPort + ordinal,
		ConsensusPort: opts.BaseConsensusPort + ordinal,
		MetricsPort:   opts.BaseMetricsPort + ordinal,
		Handle:        Handle(clusterName, nodeName),
	}
}

// NodeName returns the name of the node at the given ordinal position.
func NodeName(ordinal int) string {
	if ordinal == 0 {
		return "primary"
	}
	return fmt.Sprintf("replica%d", ordinal)
}

// Handle derives the runtime handle of a node.
func Handle(clusterName, nodeName string) string {
	return clusterName + "-" + nodeName
}

// AllHandles returns the handle of every node a cluster with this name could
// possibly have, regardless of the size it was created with.
func AllHandles(clusterName string, maxSize int) []string {
	handles := make([]string, 0, maxSize)
	for i := 0; i < maxSize; i++ {
		handles = append(handles, Handle(clusterName, NodeName(i)))
	}
	return handles
}

func (t *Topology) checkPorts() error {
	seen := make(map[int]string)
	for _, n := range t.Nodes {
		for _, p := range []int{n.DBPort, n.ConsensusPort, n.MetricsPort} {
			if p <= 0 || p > 65535 {
				return fmt.Errorf("%w: node %s has out-of-range port %d", ErrInvalidTopology, n.Name, p)
			}
			if other, ok := seen[p]; ok {
				return fmt.Errorf("%w: port %d assigned to both %s and %s", ErrInvalidTopology, p, other, n.Name)
			}
			seen[p] = n.Name
		}
	}
	return nil
}

func (t *Topology) Size() int {
	return len(t.Nodes)
}

func (t *Topology) ReplicaCount() int {
	return len(t.Nodes) - 1
}

func (t *Topology) Primary() NodeSpec {
	return t.Nodes[0]
}

func (t *Topology) Replicas() []NodeSpec {
	return t.Nodes[1:]
}

func (t *Topology) Node(name string) (NodeSpec, bool) {
	for _, n := range t.Nodes {
		if n.Name == name {
			return n, true
		}
	}
	return NodeSpec{}, false
}

// Quorum is the number of members needed to elect a leader.
func (t *Topology) Quorum() int {
	return len(t.Nodes)/2 + 1
}

// PeerURL is the consensus endpoint other members use to reach this node.
func (n NodeSpec) PeerURL() string {
	return fmt.Sprintf("http://%s:%d", n.Handle, n.ConsensusPort)
}

// PeerList renders the full membership as "name=url" pairs joined by
// commas. Every node of the topology receives exactly this string.
func (t *Topology) PeerList() string {
	peers := make([]string, 0, len(t.Nodes))
	for _, n := range t.Nodes {
		peers = append(peers, n.Name+"="+n.PeerURL())
	}
	return strings.Join(peers, ",")
}
