// Command recsync inspects and drives a device's sync queue from the
// command line.
package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/recsync/recsync"
	"github.com/recsync/recsync/config"
	"github.com/recsync/recsync/local"
	"github.com/recsync/recsync/logging"
	"github.com/recsync/recsync/queue"
	"github.com/recsync/recsync/remote/httpremote"
	"github.com/recsync/recsync/remote/wsremote"
	"github.com/recsync/recsync/storage/sqlite"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "recsync",
	Short: "Offline-first sync engine queue tooling",
	Long: `recsync inspects the durable operation queue of a device running the
sync engine and can drive a drain against the configured remote store.`,
	SilenceUsage: true,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue counts and connectivity",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := setup()
		if err != nil {
			return err
		}

		eng, err := buildEngine(cfg)
		if err != nil {
			return err
		}
		defer eng.Stop()

		conn := eng.CheckConnectivity(cmd.Context())
		status := eng.GetStatus()

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "state:\t%s\n", status.State)
		fmt.Fprintf(w, "pending:\t%d\n", status.Queue.PendingCount)
		fmt.Fprintf(w, "failed:\t%d\n", status.Queue.FailedCount)
		fmt.Fprintf(w, "online:\t%v\n", conn.IsOnline)
		fmt.Fprintf(w, "remote reachable:\t%v\n", conn.IsRemoteReachable)
		if !status.LastSyncAt.IsZero() {
			fmt.Fprintf(w, "last sync:\t%s\n", status.LastSyncAt.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Drain the queue against the remote store now",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := setup()
		if err != nil {
			return err
		}
		if cfg.Remote.URL == "" {
			return fmt.Errorf("remote.url is not configured")
		}

		eng, err := buildEngine(cfg)
		if err != nil {
			return err
		}
		defer eng.Stop()

		conn := eng.CheckConnectivity(cmd.Context())
		if !conn.IsOnline || !conn.IsRemoteReachable {
			return fmt.Errorf("remote store is not reachable")
		}

		before := eng.GetStatus().Queue.PendingCount
		err = logging.Default().LogOperation(cmd.Context(), "drain", "cli", func() error {
			return eng.ForceSync(cmd.Context())
		})
		if err != nil {
			return err
		}
		after := eng.GetStatus().Queue
		fmt.Printf("synced %d operation(s), %d pending, %d failed\n",
			before-after.PendingCount, after.PendingCount, after.FailedCount)
		return nil
	},
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and maintain the durable operation queue",
}

var listFailed bool

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued operations in enqueue order",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := setup()
		if err != nil {
			return err
		}

		q, err := openQueue(cfg)
		if err != nil {
			return err
		}
		defer q.Close()

		ops, err := q.GetPending()
		if listFailed {
			ops, err = q.GetFailed()
		}
		if err != nil {
			return err
		}
		if len(ops) == 0 {
			fmt.Println("queue is empty")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tKIND\tTABLE\tRECORD\tRETRIES\tENQUEUED")
		for _, op := range ops {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
				op.ID, op.Kind, op.Table, op.RecordID(), op.RetryCount,
				op.EnqueuedAt.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

var queueDedupeCmd = &cobra.Command{
	Use:   "dedupe",
	Short: "Collapse redundant operations targeting the same record",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := setup()
		if err != nil {
			return err
		}

		q, err := openQueue(cfg)
		if err != nil {
			return err
		}
		defer q.Close()

		before := q.GetStatus().PendingCount
		if err := q.Deduplicate(); err != nil {
			return err
		}
		after := q.GetStatus().PendingCount
		fmt.Printf("collapsed %d operation(s), %d pending\n", before-after, after)
		return nil
	},
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry-failed",
	Short: "Move dead-letter operations back into the pending set",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := setup()
		if err != nil {
			return err
		}

		q, err := openQueue(cfg)
		if err != nil {
			return err
		}
		defer q.Close()

		n, err := q.RetryFailed()
		if err != nil {
			return err
		}
		fmt.Printf("revived %d operation(s)\n", n)
		return nil
	},
}

func setup() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logging.Init(cfg.Logger())
	return cfg, nil
}

func openQueue(cfg *config.Config) (*queue.Queue, error) {
	engineCfg := cfg.Engine()
	if engineCfg.Queue.Path == "" {
		engineCfg.Queue.Path = "recsync.db"
	}
	store, err := sqlite.New(&engineCfg.Queue)
	if err != nil {
		return nil, err
	}
	q, err := queue.New(store)
	if err != nil {
		store.Close()
		return nil, err
	}
	return q, nil
}

func buildEngine(cfg *config.Config) (*recsync.Engine, error) {
	var store = httpremote.New(cfg.RemoteStore())

	engineCfg := cfg.Engine()
	if len(cfg.Listener.Tables) > 0 && cfg.Listener.URL != "" {
		feed := wsremote.New(cfg.Feed())
		if err := feed.Start(context.Background()); err != nil {
			return nil, err
		}
		return recsync.NewEngine(engineCfg, wsremote.WithFeed(store, feed), local.NewMemoryStore())
	}
	return recsync.NewEngine(engineCfg, store, local.NewMemoryStore())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")

	queueCmd.AddCommand(queueListCmd, queueDedupeCmd, queueRetryCmd)
	queueListCmd.Flags().BoolVar(&listFailed, "failed", false, "list dead-letter operations instead")
	rootCmd.AddCommand(statusCmd, syncCmd, queueCmd)
}
