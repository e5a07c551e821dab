package bootstrap

import (
	"context"
	"errors"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"

	"pgraftctl/store"
)

const journalWriteTimeout = 5 * time.Second

// journal mirrors the cluster state into the run record store. Failures are
// logged and never affect the pipeline.
type journal struct {
	store     store.Store
	prevUuid  string
	startedAt time.Time
	newUUID   func() uuid.UUID
	now       func() time.Time
	logger    log.Logger
}

func newJournal(s store.Store, newUUID func() uuid.UUID, now func() time.Time, logger log.Logger) *journal {
	return &journal{
		store:   s,
		newUUID: newUUID,
		now:     now,
		logger:  log.With(logger, "component", "journal"),
	}
}

func (j *journal) begin(ctx context.Context) {
	j.startedAt = j.now()
	j.refresh(ctx)
}

func (j *journal) refresh(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), journalWriteTimeout)
	defer cancel()

	rec, err := j.store.FetchRunRecord(ctx)
	if err != nil {
		level.Warn(j.logger).Log("msg", "failed to fetch previous run record", "err", err)
		return
	}
	if rec != nil {
		j.prevUuid = rec.RecordUuid
	}
}

func (j *journal) record(ctx context.Context, state *ClusterState) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), journalWriteTimeout)
	defer cancel()

	rec := runRecord(state, j.startedAt, j.now())
	rec.RecordUuid = j.newUUID().String()

	err := j.store.WriteRunRecord(ctx, j.prevUuid, rec)
	if errors.Is(err, store.ErrRecordConflict) {
		level.Warn(j.logger).Log("msg", "run record changed underneath us, is another init running against this cluster?", "cluster", state.Topology.Name)
		j.refresh(ctx)
		err = j.store.WriteRunRecord(ctx, j.prevUuid, rec)
	}
	if err != nil {
		level.Warn(j.logger).Log("msg", "failed to write run record", "phase", state.Phase, "err", err)
		return
	}
	j.prevUuid = rec.RecordUuid
}

// Record summarizes the run as it stands: phase, error, leader and every
// node's degradation and consensus init outcome.
func (s *ClusterState) Record() store.RunRecord {
	first, last := s.History[0].At, s.History[len(s.History)-1].At
	return runRecord(s, first, last)
}

func runRecord(state *ClusterState, startedAt, now time.Time) store.RunRecord {
	rec := store.RunRecord{
		RunID:     state.RunID.String(),
		Cluster:   state.Topology.Name,
		Phase:     state.Phase.String(),
		Failed:    state.Phase == PhaseFailed,
		LeaderID:  state.LeaderID,
		StartedAt: startedAt,
		UpdatedAt: now,
	}
	if state.Err != nil {
		rec.Error = state.Err.Error()
	}

	for _, spec := range state.Topology.Nodes {
		node := state.Nodes[spec.Name]
		nr := store.NodeRecord{
			Name:     spec.Name,
			Degraded: node.Degraded,
			Init:     node.Init.Outcome.String(),
		}
		switch {
		case node.Err != nil:
			nr.Error = node.Err.Error()
		case node.Init.Err != nil:
			nr.Error = node.Init.Err.Error()
		}
		rec.Nodes = append(rec.Nodes, nr)
	}
	return rec
}
