// Package store persists the bootstrap journal: the latest run record of a
// cluster, written with compare-and-swap on the record uuid so concurrent
// runs against the same cluster detect each other.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-kit/log"
)

// ErrRecordConflict is returned when the stored record uuid does not match
// the one the writer last saw.
var ErrRecordConflict = errors.New("run record was modified concurrently")

const (
	BackendNone     = "none"
	BackendEtcd     = "etcd"
	BackendDynamoDB = "dynamodb"
)

// RunRecord is the journal entry of one bootstrap run. It is rewritten on
// every phase transition.
type RunRecord struct {
	// RecordUuid changes on every write and is the compare-and-swap token
	// for the next one.
	RecordUuid string `json:"record_uuid" yaml:"record_uuid" dynamodbav:"record_uuid"`

	RunID     string       `json:"run_id" yaml:"run_id" dynamodbav:"run_id"`
	Cluster   string       `json:"cluster" yaml:"cluster" dynamodbav:"cluster"`
	Phase     string       `json:"phase" yaml:"phase" dynamodbav:"phase"`
	Failed    bool         `json:"failed" yaml:"failed" dynamodbav:"failed"`
	Error     string       `json:"error,omitempty" yaml:"error,omitempty" dynamodbav:"error,omitempty"`
	LeaderID  int64        `json:"leader_id,omitempty" yaml:"leader_id,omitempty" dynamodbav:"leader_id"`
	Nodes     []NodeRecord `json:"nodes" yaml:"nodes" dynamodbav:"nodes"`
	StartedAt time.Time    `json:"started_at" yaml:"started_at" dynamodbav:"started_at"`
	UpdatedAt time.Time    `json:"updated_at" yaml:"updated_at" dynamodbav:"updated_at"`
}

type NodeRecord struct {
	Name     string `json:"name" yaml:"name" dynamodbav:"name"`
	Degraded bool   `json:"degraded" yaml:"degraded" dynamodbav:"degraded"`
	Init     string `json:"init" yaml:"init" dynamodbav:"init"`
	Error    string `json:"error,omitempty" yaml:"error,omitempty" dynamodbav:"error,omitempty"`
}

type Store interface {
	// WriteRunRecord replaces the stored record if its uuid equals
	// prevUuid, or if none exists and prevUuid is empty. Otherwise it
	// returns ErrRecordConflict.
	WriteRunRecord(ctx context.Context, prevUuid string, rec RunRecord) error

	// FetchRunRecord returns nil when nothing has been recorded yet.
	FetchRunRecord(ctx context.Context) (*RunRecord, error)

	Close() error
}

// Options selects and configures a backend.
type Options struct {
	Backend     string
	Endpoints   []string
	Table       string
	Region      string
	DialTimeout time.Duration
}

// Open connects to the configured backend. The "none" backend (or an empty
// one) returns a store that discards writes.
func Open(ctx context.Context, cluster string, opts Options, logger log.Logger) (Store, error) {
	switch opts.Backend {
	case "", BackendNone:
		return Nop{}, nil
	case BackendEtcd:
		return OpenEtcd(cluster, opts, logger)
	case BackendDynamoDB:
		return OpenDynamoDB(ctx, cluster, opts, logger)
	default:
		return nil, fmt.Errorf("unknown state store backend %q", opts.Backend)
	}
}

// Nop discards every write.
type Nop struct{}

func (Nop) WriteRunRecord(context.Context, string, RunRecord) error { return nil }

func (Nop) FetchRunRecord(context.Context) (*RunRecord, error) { return nil, nil }

func (Nop) Close() error { return nil }
