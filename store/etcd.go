package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	clientv3 "go.etcd.io/etcd/client/v3"
)

type EtcdStore struct {
	kv          clientv3.KV
	closer      func() error
	clusterName string
	logger      log.Logger
}

// NewEtcdStore wraps an existing etcd KV. Close is a no-op; the caller owns
// the client.
func NewEtcdStore(kv clientv3.KV, clusterName string, logger log.Logger) *EtcdStore {
	return &EtcdStore{
		kv:          kv,
		closer:      func() error { return nil },
		clusterName: clusterName,
		logger:      log.With(logger, "component", "etcd-store"),
	}
}

func OpenEtcd(clusterName string, opts Options, logger log.Logger) (*EtcdStore, error) {
	dialTimeout := opts.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = 5 * time.Second
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   opts.Endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	s := NewEtcdStore(client, clusterName, logger)
	s.closer = client.Close
	return s, nil
}

func (s *EtcdStore) clusterPrefix() string {
	return "/" + s.clusterName
}

func (s *EtcdStore) runRecordUuidKey() string {
	return s.clusterPrefix() + "/bootstrap/record-uuid"
}

func (s *EtcdStore) runRecordKey() string {
	return s.clusterPrefix() + "/bootstrap/record"
}

func (s *EtcdStore) WriteRunRecord(ctx context.Context, prevUuid string, rec RunRecord) error {
	compare := clientv3.Compare(clientv3.CreateRevision(s.runRecordUuidKey()), "=", 0)
	if prevUuid != "" {
		compare = clientv3.Compare(clientv3.Value(s.runRecordUuidKey()), "=", prevUuid)
	}

	recBytes, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal run record: %w", err)
	}

	txnResp, err := s.kv.Txn(ctx).If(
		compare,
	).Then(
		clientv3.OpPut(s.runRecordUuidKey(), rec.RecordUuid),
		clientv3.OpPut(s.runRecordKey(), string(recBytes)),
	).Commit()
	if err != nil {
		return fmt.Errorf("failed to commit run record transaction: %w", err)
	}
	if !txnResp.Succeeded {
		level.Debug(s.logger).Log("msg", "run record compare failed", "prev_uuid", prevUuid)
		return ErrRecordConflict
	}

	return nil
}

func (s *EtcdStore) FetchRunRecord(ctx context.Context) (*RunRecord, error) {
	resp, err := s.kv.Get(ctx, s.runRecordKey())
	if err != nil {
		return nil, fmt.Errorf("failed to get run record from etcd: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return nil, nil
	}

	var rec RunRecord
	if err := json.Unmarshal(resp.Kvs[0].Value, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run record: %w", err)
	}
	return &rec, nil
}

func (s *EtcdStore) Close() error {
	return s.closer()
}
