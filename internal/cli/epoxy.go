package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/petrijr/gasoline/internal/config"
	"github.com/petrijr/gasoline/pkg/api"
	"github.com/petrijr/gasoline/pkg/epoxy"
)

// NewEpoxyCommand groups cluster administration and client commands.
// Membership commands signal the coordinator workflow; set and delete
// talk to the replicas in EPOXY_PEERS.
func NewEpoxyCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "epoxy",
		Short: "Manage the epoxy cluster",
	}
	cmd.AddCommand(
		newEpoxyBootstrapCommand(rootOpts),
		newEpoxyAddReplicaCommand(rootOpts),
		newEpoxyRemoveReplicaCommand(rootOpts),
		newEpoxyProposeCommand(rootOpts, "set <key> <value>", cobra.ExactArgs(2), func(args []string) epoxy.Command {
			return epoxy.Set(args[0], []byte(args[1]))
		}),
		newEpoxyProposeCommand(rootOpts, "delete <key>", cobra.ExactArgs(1), func(args []string) epoxy.Command {
			return epoxy.Delete(args[0])
		}),
	)
	return cmd
}

// withAdmin runs fn with an Admin over the workflow database.
func withAdmin(ctx context.Context, opts *RootOptions, fn func(*config.Config, *epoxy.Admin) error) error {
	cfg, err := opts.LoadConfig()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	db, closeDB, err := opts.database(ctx)
	if err != nil {
		return err
	}
	defer closeDB()
	op := api.NewStandaloneCtx(ctx, api.StandaloneConfig{DB: db, Config: cfg}).OperationCtx
	return fn(cfg, epoxy.NewAdmin(op))
}

// clusterFromPeers builds the bootstrap config: every peer active, the
// local replica coordinating.
func clusterFromPeers(cfg *config.Config) (epoxy.ClusterConfig, error) {
	peers, err := cfg.Peers()
	if err != nil {
		return epoxy.ClusterConfig{}, err
	}
	out := epoxy.ClusterConfig{Epoch: 1, CoordinatorID: epoxy.ReplicaID(cfg.EpoxyReplicaID)}
	ids := make([]uint64, 0, len(peers))
	for id := range peers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		out.Replicas = append(out.Replicas, epoxy.ReplicaConfig{
			ID:     epoxy.ReplicaID(id),
			URL:    peers[id],
			Status: epoxy.ReplicaActive,
		})
	}
	return out, nil
}

func adminError(message string, err error) error {
	switch {
	case errors.Is(err, epoxy.ErrClusterTooSmall),
		errors.Is(err, epoxy.ErrUnknownReplica),
		errors.Is(err, epoxy.ErrInvalidTransition):
		return WrapExitError(ExitCommandError, message, err)
	default:
		return storeError(message, err)
	}
}

func newEpoxyBootstrapCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "bootstrap",
		Short: "Start the coordinator with the replicas in EPOXY_PEERS",
		Long: `Start the coordinator workflow with every replica in EPOXY_PEERS active
and EPOXY_REPLICA_ID as coordinator. Running it again prints the id of
the coordinator that is already running.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd.Context(), opts, func(cfg *config.Config, admin *epoxy.Admin) error {
				cluster, err := clusterFromPeers(cfg)
				if err != nil {
					return WrapExitError(ExitCommandError, "invalid EPOXY_PEERS", err)
				}
				id, err := admin.Bootstrap(cluster)
				if err != nil {
					return adminError("failed to bootstrap", err)
				}
				out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
				if out.Structured() {
					return out.Encode(map[string]any{"workflow_id": id, "config": cluster})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "coordinator %s (%d replicas)\n", id, len(cluster.Replicas))
				return nil
			})
		},
	}
}

func parseReplicaID(s string) (epoxy.ReplicaID, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil || n == 0 {
		return 0, NewExitError(ExitCommandError, fmt.Sprintf("invalid replica id %q", s))
	}
	return epoxy.ReplicaID(n), nil
}

func newEpoxyAddReplicaCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "add-replica <id> <url>",
		Short:         "Join a replica to the cluster",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseReplicaID(args[0])
			if err != nil {
				return err
			}
			return withAdmin(cmd.Context(), opts, func(_ *config.Config, admin *epoxy.Admin) error {
				if err := admin.AddReplica(id, args[1]); err != nil {
					return adminError("failed to add replica", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "replica %d joining\n", id)
				return nil
			})
		},
	}
}

func newEpoxyRemoveReplicaCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "remove-replica <id>",
		Short:         "Remove a replica from the cluster",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseReplicaID(args[0])
			if err != nil {
				return err
			}
			return withAdmin(cmd.Context(), opts, func(_ *config.Config, admin *epoxy.Admin) error {
				if err := admin.RemoveReplica(id); err != nil {
					return adminError("failed to remove replica", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "replica %d removal requested\n", id)
				return nil
			})
		},
	}
}

func newEpoxyProposeCommand(opts *RootOptions, use string, argCheck cobra.PositionalArgs, build func([]string) epoxy.Command) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:           use,
		Short:         "Propose a command to the cluster",
		Args:          argCheck,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.LoadConfig()
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to load config", err)
			}
			cluster, err := clusterFromPeers(cfg)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid EPOXY_PEERS", err)
			}
			if len(cluster.Replicas) == 0 {
				return NewExitError(ExitCommandError, "EPOXY_PEERS is empty")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			client := epoxy.NewClient(epoxy.NewHTTPTransport(&http.Client{Timeout: timeout}), cluster.Replicas...)
			res, err := client.Propose(ctx, build(args))
			if err != nil {
				if errors.Is(err, epoxy.ErrInvalidCommand) {
					return WrapExitError(ExitCommandError, "invalid command", err)
				}
				return WrapExitError(ExitFailure, "proposal failed", err)
			}

			out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
			if out.Structured() {
				return out.Encode(res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "committed %d.%d seq %d (%s path)\n",
				res.Instance.Replica, res.Instance.Slot, res.Seq, res.Path)
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "proposal timeout")
	return cmd
}
