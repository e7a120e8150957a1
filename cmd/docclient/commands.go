package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/couchbase/stellar-docclient/client"
	"github.com/couchbase/stellar-docclient/commands"
	"github.com/couchbase/stellar-docclient/common/doctopology"
	"github.com/couchbase/stellar-docclient/pkg/webapi"
)

var opTimeout time.Duration

func init() {
	for _, cmd := range []*cobra.Command{topologyCmd, getCmd, putCmd, nextIdCmd} {
		cmd.Flags().DurationVar(&opTimeout, "timeout", 30*time.Second, "the timeout of the whole operation")
	}
	watchCmd.Flags().Duration("interval", 10*time.Second, "how often to report the topology")
}

// withApp runs fn against a freshly set up app and tears it down afterwards.
func withApp(fn func(ctx context.Context, a *app) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	a, err := setupApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	return fn(ctx, a)
}

func printJson(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var topologyCmd = &cobra.Command{
	Use:   "topology",
	Short: "Fetches and prints the cluster topology",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			_, err := a.executor.UpdateTopology(ctx)
			if err != nil {
				return err
			}

			return printJson(cmd.OutOrStdout(), doctopology.NewTopologyJson(a.executor.Topology()))
		})
	},
}

var getCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Reads a document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		getDoc, err := commands.NewGetDocumentCommand(args[0])
		if err != nil {
			return err
		}

		return withApp(func(ctx context.Context, a *app) error {
			err := a.executor.Execute(ctx, getDoc, nil)
			if err != nil {
				return err
			}

			if getDoc.Result == nil {
				return fmt.Errorf("document %s does not exist", args[0])
			}

			return printJson(cmd.OutOrStdout(), getDoc.Result)
		})
	},
}

var putCmd = &cobra.Command{
	Use:   "put <id> <file>",
	Short: "Writes a document read from a file, or stdin if file is -",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var body []byte
		var err error
		if args[1] == "-" {
			body, err = io.ReadAll(cmd.InOrStdin())
		} else {
			body, err = os.ReadFile(args[1])
		}
		if err != nil {
			return err
		}

		putDoc, err := commands.NewPutDocumentCommand(args[0], body)
		if err != nil {
			return err
		}

		return withApp(func(ctx context.Context, a *app) error {
			err := a.executor.Execute(ctx, putDoc, nil)
			if err != nil {
				return err
			}

			return printJson(cmd.OutOrStdout(), putDoc.Result)
		})
	},
}

var nextIdCmd = &cobra.Command{
	Use:   "next-id <name>",
	Short: "Increments a cluster wide identity and prints the new value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		nextId, err := commands.NewNextIdentityCommand(args[0])
		if err != nil {
			return err
		}

		return withApp(func(ctx context.Context, a *app) error {
			err := a.executor.Execute(ctx, nextId, nil)
			if err != nil {
				return err
			}

			_, err = fmt.Fprintln(cmd.OutOrStdout(), nextId.Result)
			return err
		})
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Keeps the executor running, serving its status and metrics until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		interval, err := cmd.Flags().GetDuration("interval")
		if err != nil {
			return err
		}

		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		a, err := setupApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		a.logger.Info("starting docclient watch", zap.String("version", buildVersion))

		a.watchConfig()

		if a.config.webAddress != "" {
			webapi.InitializeWebServer(webapi.WebServerOptions{
				Logger:        a.logger.Named("webapi"),
				LogLevel:      &a.logLevel,
				ListenAddress: a.config.webAddress,
				Source:        a.executor,
			})
		}

		return runWatch(ctx, a.logger, a.executor, interval)
	},
}

// runWatch periodically probes the cluster and logs the topology and node
// health as seen by the executor.
func runWatch(ctx context.Context, logger *zap.Logger, executor *client.RequestExecutor, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		stats := &commands.GetStatisticsCommand{}
		err := executor.Execute(ctx, stats, &client.ExecuteOptions{NoCache: true})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn("failed to fetch database statistics", zap.Error(err))
		} else {
			logger.Info("database statistics",
				zap.String("nodeTag", stats.Result.NodeTag),
				zap.Int64("documents", stats.Result.CountOfDocuments),
				zap.Int64("identities", stats.Result.CountOfIdentities))
		}

		topology := executor.Topology()
		statuses := executor.NodeStatuses()
		for _, node := range topology.Nodes {
			status := statuses[node.Key()]
			fields := []zap.Field{
				zap.Int64("etag", topology.Etag),
				zap.String("url", node.Url),
				zap.String("tag", node.ClusterTag),
				zap.Bool("leader", node.IsLeader),
				zap.Int64("failures", status.ConsecutiveFailures),
			}
			if status.LastLatency != nil {
				fields = append(fields, zap.Duration("latency", *status.LastLatency))
			}
			logger.Info("node status", fields...)
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			logger.Info("watch stopped")
			return nil
		}
	}
}
