package store

import (
	"context"
	"sync"
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// memoryKV is a flat in-memory KV that understands the value and
// create-revision comparisons the store issues.
type memoryKV struct {
	clientv3.KV

	mu   sync.Mutex
	data map[string]string
}

func newMemoryKV() *memoryKV {
	return &memoryKV{data: make(map[string]string)}
}

func (m *memoryKV) Get(_ context.Context, key string, _ ...clientv3.OpOption) (*clientv3.GetResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	resp := &clientv3.GetResponse{}
	if v, ok := m.data[key]; ok {
		resp.Kvs = []*mvccpb.KeyValue{{Key: []byte(key), Value: []byte(v)}}
		resp.Count = 1
	}
	return resp, nil
}

func (m *memoryKV) Txn(context.Context) clientv3.Txn {
	return &memoryTxn{kv: m}
}

type memoryTxn struct {
	kv   *memoryKV
	cmps []clientv3.Cmp
	then []clientv3.Op
}

func (t *memoryTxn) If(cs ...clientv3.Cmp) clientv3.Txn {
	t.cmps = append(t.cmps, cs...)
	return t
}

func (t *memoryTxn) Then(ops ...clientv3.Op) clientv3.Txn {
	t.then = append(t.then, ops...)
	return t
}

func (t *memoryTxn) Else(...clientv3.Op) clientv3.Txn {
	return t
}

func (t *memoryTxn) Commit() (*clientv3.TxnResponse, error) {
	t.kv.mu.Lock()
	defer t.kv.mu.Unlock()

	for i := range t.cmps {
		cmp := &t.cmps[i]
		current, exists := t.kv.data[string(cmp.KeyBytes())]
		switch cmp.Target.String() {
		case "CREATE":
			// Only ever compared against 0, i.e. "key does not exist".
			if exists {
				return &clientv3.TxnResponse{Succeeded: false}, nil
			}
		case "VALUE":
			if !exists || current != string(cmp.ValueBytes()) {
				return &clientv3.TxnResponse{Succeeded: false}, nil
			}
		}
	}

	for _, op := range t.then {
		if op.IsPut() {
			t.kv.data[string(op.KeyBytes())] = string(op.ValueBytes())
		}
	}
	return &clientv3.TxnResponse{Succeeded: true}, nil
}

func TestEtcdStore_CompareAndSwap(t *testing.T) {
	ctx := context.Background()
	kv := newMemoryKV()
	s := NewEtcdStore(kv, "pgraft", log.NewNopLogger())

	rec, err := s.FetchRunRecord(ctx)
	require.NoError(t, err)
	assert.Nil(t, rec)

	require.NoError(t, s.WriteRunRecord(ctx, "", testRecord("uuid-1", "NetworkReady")))
	assert.Equal(t, "uuid-1", kv.data["/pgraft/bootstrap/record-uuid"])

	// A second writer that has not seen uuid-1 loses.
	err = s.WriteRunRecord(ctx, "", testRecord("uuid-x", "NetworkReady"))
	assert.ErrorIs(t, err, ErrRecordConflict)

	require.NoError(t, s.WriteRunRecord(ctx, "uuid-1", testRecord("uuid-2", "PrimaryRunning")))

	err = s.WriteRunRecord(ctx, "uuid-1", testRecord("uuid-3", "Converged"))
	assert.ErrorIs(t, err, ErrRecordConflict)

	rec, err = s.FetchRunRecord(ctx)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, testRecord("uuid-2", "PrimaryRunning"), *rec)
	assert.Equal(t, "uuid-2", kv.data["/pgraft/bootstrap/record-uuid"])
	assert.NoError(t, s.Close())
}

func TestEtcdStore_ClustersAreIsolated(t *testing.T) {
	ctx := context.Background()
	kv := newMemoryKV()
	blue := NewEtcdStore(kv, "blue", log.NewNopLogger())
	green := NewEtcdStore(kv, "green", log.NewNopLogger())

	require.NoError(t, blue.WriteRunRecord(ctx, "", testRecord("uuid-1", "Converged")))
	require.NoError(t, green.WriteRunRecord(ctx, "", testRecord("uuid-2", "Idle")))

	rec, err := green.FetchRunRecord(ctx)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "Idle", rec.Phase)
}

func TestEtcdStore_CorruptRecord(t *testing.T) {
	kv := newMemoryKV()
	kv.data["/pgraft/bootstrap/record"] = "{not json"

	_, err := NewEtcdStore(kv, "pgraft", log.NewNopLogger()).FetchRunRecord(context.Background())
	assert.ErrorContains(t, err, "failed to unmarshal run record")
}
