package epoxy

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/gasoline/pkg/api"
)

// LearningInput starts the learning workflow of a new replica.
type LearningInput struct {
	Replica     ReplicaConfig `json:"replica"`
	Config      ClusterConfig `json:"config"`
	Coordinator uuid.UUID     `json:"coordinator_workflow_id"`
	// ChunkSize is the number of instances per download. Zero uses
	// DefaultDownloadChunk.
	ChunkSize int `json:"chunk_size,omitempty"`
}

type downloadChunk struct {
	Source ReplicaConfig `json:"source"`
	Target ReplicaConfig `json:"target"`
	After  *Instance     `json:"after,omitempty"`
	Count  int           `json:"count"`
}

type chunkResult struct {
	Last  *Instance `json:"last,omitempty"`
	Count int       `json:"count"`
}

type learnState struct {
	After *Instance `json:"after,omitempty"`
	Total int       `json:"total"`
}

// downloadChunkActivity copies one page of committed instances from a
// peer to the learner as commits.
func downloadChunkActivity(tr Transport) api.Activity[downloadChunk, chunkResult] {
	return api.Activity[downloadChunk, chunkResult]{
		Name:    "epoxy_download_chunk",
		Timeout: time.Minute,
		Fn: func(ctx *api.ActivityCtx, in downloadChunk) (chunkResult, error) {
			reply, err := tr.DownloadInstances(ctx, in.Source, &DownloadRequest{After: in.After, Count: in.Count})
			if err != nil {
				return chunkResult{}, fmt.Errorf("download from replica %d: %w", in.Source.ID, err)
			}
			out := chunkResult{Last: in.After}
			for _, ie := range reply.Instances {
				req := &CommitRequest{
					Header:  Header{From: in.Source.ID},
					Payload: payloadOf(ie.Instance, ie.Entry),
				}
				if err := tr.Commit(ctx, in.Target, req); err != nil {
					return chunkResult{}, fmt.Errorf("commit %s at replica %d: %w", ie.Instance, in.Target.ID, err)
				}
				inst := ie.Instance
				out.Last = &inst
				out.Count++
			}
			return out, nil
		},
	}
}

// LearningWorkflow catches a learning replica up with the committed log
// of every active replica, then asks the coordinator to mark it active.
// Commits that happen meanwhile reach the learner directly because
// learning replicas receive commit broadcasts.
func LearningWorkflow(tr Transport) *api.Workflow[LearningInput, int] {
	download := downloadChunkActivity(tr)

	return api.NewWorkflow(LearningWorkflowName, func(c *api.WorkflowCtx, in LearningInput) (int, error) {
		chunk := in.ChunkSize
		if chunk <= 0 {
			chunk = DefaultDownloadChunk
		}
		total := 0
		for _, peer := range in.Config.Active() {
			if peer.ID == in.Replica.ID {
				continue
			}
			n, err := api.Repeat(c, learnState{}, func(c *api.WorkflowCtx, s *learnState) (api.Loop[int], error) {
				res, err := download.Run(c, downloadChunk{Source: peer, Target: in.Replica, After: s.After, Count: chunk})
				if err != nil {
					return api.Continue[int](), err
				}
				s.After = res.Last
				s.Total += res.Count
				if res.Count < chunk {
					return api.Break(s.Total), nil
				}
				return api.Continue[int](), nil
			})
			if err != nil {
				return total, err
			}
			c.Logger().Info("epoxy_learned_from_peer",
				slog.Uint64("peer", uint64(peer.ID)),
				slog.Int("instances", n),
			)
			total += n
		}

		_, err := c.Signal(SignalReplicaStatusChange, ReplicaStatusChange{ID: in.Replica.ID, Status: ReplicaActive}).
			ToWorkflow(in.Coordinator).
			Send()
		return total, err
	})
}
