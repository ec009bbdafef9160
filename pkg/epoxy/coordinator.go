package epoxy

import (
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/qmuntal/stateless"
	"golang.org/x/sync/errgroup"

	"github.com/petrijr/gasoline/pkg/api"
)

// Workflow and signal names of cluster membership.
const (
	CoordinatorWorkflowName = "epoxy_coordinator"
	LearningWorkflowName    = "epoxy_replica_learning"

	SignalAddReplica          = "epoxy_add_replica"
	SignalRemoveReplica       = "epoxy_remove_replica"
	SignalReplicaStatusChange = "epoxy_replica_status_change"
)

// CoordinatorTags identify the coordinator workflow of a cluster.
func CoordinatorTags() map[string]any {
	return map[string]any{"epoxy": "coordinator"}
}

type CoordinatorInput struct {
	Config ClusterConfig `json:"config"`
}

type AddReplica struct {
	ID  ReplicaID `json:"replica_id"`
	URL string    `json:"url"`
}

type RemoveReplica struct {
	ID ReplicaID `json:"replica_id"`
}

type ReplicaStatusChange struct {
	ID     ReplicaID     `json:"replica_id"`
	Status ReplicaStatus `json:"status"`
}

// transition validates a status change with the membership state machine.
func transition(from, to ReplicaStatus) error {
	sm := stateless.NewStateMachine(from)
	sm.Configure(ReplicaJoining).Permit(ReplicaLearning, ReplicaLearning)
	sm.Configure(ReplicaLearning).Permit(ReplicaActive, ReplicaActive)
	sm.Configure(ReplicaActive)

	if err := sm.Fire(to); err != nil {
		return fmt.Errorf("%w: %s to %s: %v", ErrInvalidTransition, from, to, err)
	}
	if sm.MustState() != to {
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// broadcastConfig sends cfg to every replica it lists.
func broadcastConfig(tr Transport) api.Activity[ClusterConfig, int] {
	return api.Activity[ClusterConfig, int]{
		Name:    "epoxy_broadcast_config",
		Timeout: 30 * time.Second,
		Fn: func(ctx *api.ActivityCtx, cfg ClusterConfig) (int, error) {
			g, gctx := errgroup.WithContext(ctx)
			for _, r := range cfg.Replicas {
				g.Go(func() error {
					if err := tr.UpdateConfig(gctx, r, &cfg); err != nil {
						return fmt.Errorf("update config of replica %d: %w", r.ID, err)
					}
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return 0, err
			}
			ctx.Logger().InfoContext(ctx, "epoxy_config_broadcast",
				slog.Uint64("epoch", cfg.Epoch),
				slog.Int("replicas", len(cfg.Replicas)),
			)
			return len(cfg.Replicas), nil
		},
	}
}

// CoordinatorWorkflow owns the cluster config. It broadcasts the bootstrap
// config, then applies membership signals one at a time, bumping the epoch
// and broadcasting after every change.
func CoordinatorWorkflow(tr Transport) *api.Workflow[CoordinatorInput, ClusterConfig] {
	broadcast := broadcastConfig(tr)

	return api.NewWorkflow(CoordinatorWorkflowName, func(c *api.WorkflowCtx, in CoordinatorInput) (ClusterConfig, error) {
		cfg := in.Config.Clone()
		if cfg.Epoch == 0 {
			cfg.Epoch = 1
		}
		if _, err := broadcast.Run(c, cfg); err != nil {
			return cfg, err
		}

		return api.Repeat(c, cfg, func(c *api.WorkflowCtx, cfg *ClusterConfig) (api.Loop[ClusterConfig], error) {
			sig, err := c.Listen(SignalAddReplica, SignalRemoveReplica, SignalReplicaStatusChange)
			if err != nil {
				return api.Continue[ClusterConfig](), err
			}
			logger := c.Logger().With(slog.String("signal", sig.Name))

			switch sig.Name {
			case SignalAddReplica:
				var add AddReplica
				if err := sig.Decode(&add); err != nil {
					return api.Continue[ClusterConfig](), err
				}
				if _, exists := cfg.Replica(add.ID); exists || add.ID == 0 {
					logger.Warn("epoxy_replica_ignored", slog.Uint64("replica_id", uint64(add.ID)))
					return api.Continue[ClusterConfig](), nil
				}
				cfg.Replicas = append(cfg.Replicas, ReplicaConfig{ID: add.ID, URL: add.URL, Status: ReplicaJoining})
				cfg.Epoch++
				if _, err := broadcast.Run(c, *cfg); err != nil {
					return api.Continue[ClusterConfig](), err
				}
				setStatus(cfg, add.ID, ReplicaLearning)
				cfg.Epoch++
				if _, err := broadcast.Run(c, *cfg); err != nil {
					return api.Continue[ClusterConfig](), err
				}
				self, _ := cfg.Replica(add.ID)
				_, err := c.SubWorkflow(LearningWorkflowName, LearningInput{
					Replica:     self,
					Config:      *cfg,
					Coordinator: c.WorkflowID(),
				}).Tag("replica_id", uint64(add.ID)).Dispatch()
				return api.Continue[ClusterConfig](), err

			case SignalRemoveReplica:
				var rm RemoveReplica
				if err := sig.Decode(&rm); err != nil {
					return api.Continue[ClusterConfig](), err
				}
				if err := checkRemoval(*cfg, rm.ID); err != nil {
					logger.Warn("epoxy_replica_not_removed", slog.Any("error", err))
					return api.Continue[ClusterConfig](), nil
				}
				cfg.Replicas = slices.DeleteFunc(cfg.Replicas, func(r ReplicaConfig) bool { return r.ID == rm.ID })
				cfg.Epoch++
				_, err := broadcast.Run(c, *cfg)
				return api.Continue[ClusterConfig](), err

			default:
				var change ReplicaStatusChange
				if err := sig.Decode(&change); err != nil {
					return api.Continue[ClusterConfig](), err
				}
				cur, ok := cfg.Replica(change.ID)
				if !ok {
					logger.Warn("epoxy_replica_unknown", slog.Uint64("replica_id", uint64(change.ID)))
					return api.Continue[ClusterConfig](), nil
				}
				if err := transition(cur.Status, change.Status); err != nil {
					logger.Warn("epoxy_status_change_ignored", slog.Any("error", err))
					return api.Continue[ClusterConfig](), nil
				}
				setStatus(cfg, change.ID, change.Status)
				cfg.Epoch++
				_, err := broadcast.Run(c, *cfg)
				return api.Continue[ClusterConfig](), err
			}
		})
	})
}

func setStatus(cfg *ClusterConfig, id ReplicaID, status ReplicaStatus) {
	for i := range cfg.Replicas {
		if cfg.Replicas[i].ID == id {
			cfg.Replicas[i].Status = status
		}
	}
}

// checkRemoval refuses to remove the coordinator or to leave fewer than
// MinActiveReplicas active replicas.
func checkRemoval(cfg ClusterConfig, id ReplicaID) error {
	r, ok := cfg.Replica(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownReplica, id)
	}
	if id == cfg.CoordinatorID {
		return fmt.Errorf("replica %d is the coordinator", id)
	}
	if r.Status == ReplicaActive && len(cfg.Active())-1 < MinActiveReplicas {
		return fmt.Errorf("%w: removing %d leaves %d active", ErrClusterTooSmall, id, len(cfg.Active())-1)
	}
	return nil
}

// validateBootstrap checks a config before the coordinator starts.
func validateBootstrap(cfg ClusterConfig) error {
	if len(cfg.Active()) < MinActiveReplicas {
		return fmt.Errorf("%w: bootstrap has %d active replicas", ErrClusterTooSmall, len(cfg.Active()))
	}
	seen := make(map[ReplicaID]bool)
	for _, r := range cfg.Replicas {
		if r.ID == 0 || seen[r.ID] {
			return fmt.Errorf("%w: duplicate or zero id %d", ErrUnknownReplica, r.ID)
		}
		seen[r.ID] = true
	}
	if _, ok := cfg.Replica(cfg.CoordinatorID); !ok {
		return fmt.Errorf("%w: coordinator %d is not a member", ErrUnknownReplica, cfg.CoordinatorID)
	}
	return nil
}
