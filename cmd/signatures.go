package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/Ashfaaq98/intelcore/internal/bus"
)

var (
	tailGroup    string
	tailConsumer string
	tailCount    int
)

var signaturesCmd = &cobra.Command{
	Use:   "signatures",
	Short: "Inspect the Redis signatures stream",
}

var signaturesTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Consume and print signatures from the stream",
	Long: `Read signatures from the signatures stream through a consumer group and print
them as they arrive. Each printed signature is acknowledged for the group, so a
worker group should not be tailed with this command.

Examples:
  intelcore signatures tail --redis redis://localhost:6379
  intelcore signatures tail --group audit --count 10`,
	RunE: runSignaturesTail,
}

var signaturesStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show bus health and signatures stream statistics",
	RunE:  runSignaturesStats,
}

func init() {
	rootCmd.AddCommand(signaturesCmd)
	signaturesCmd.AddCommand(signaturesTailCmd, signaturesStatsCmd)

	signaturesTailCmd.Flags().StringVar(&tailGroup, "group", "intelcore-tail", "Consumer group")
	signaturesTailCmd.Flags().StringVar(&tailConsumer, "consumer", defaultConsumer(), "Consumer name within the group")
	signaturesTailCmd.Flags().IntVar(&tailCount, "count", 0, "Stop after this many signatures (0 tails until interrupted)")
}

func defaultConsumer() string {
	host, err := os.Hostname()
	if err != nil {
		return "intelcore"
	}
	return host
}

func runSignaturesTail(cmd *cobra.Command, args []string) error {
	cfg := GetConfig()
	if cfg.Redis.URL == "" {
		return errors.New("signatures tail needs Redis: set redis.url or pass --redis")
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	b := bus.NewBus(cfg.Redis.URL, logger)
	defer b.Close()
	if _, ok := b.(*bus.NullBus); ok {
		return errors.New("redis is unreachable")
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	out := cmd.OutOrStdout()
	var seen atomic.Int64
	err = b.ReadSignatures(ctx, tailGroup, tailConsumer, func(ctx context.Context, msg bus.SignatureMessage) error {
		printSignature(out, msg)
		if n := seen.Add(1); tailCount > 0 && n >= int64(tailCount) {
			cancel()
		}
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func printSignature(out io.Writer, msg bus.SignatureMessage) {
	fmt.Fprintf(out, "%s  %-10s %-28s job=%d user=%d queue=%s task=%s\n",
		time.Unix(msg.Timestamp, 0).Local().Format("2006-01-02 15:04:05"),
		msg.PluginType, msg.PluginName, msg.JobID, msg.UserID, msg.RoutingKey, msg.TaskID)
}

func runSignaturesStats(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg := GetConfig()

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	b := bus.NewBus(cfg.Redis.URL, logger)
	defer b.Close()

	out := cmd.OutOrStdout()
	health := "ok"
	if err := b.HealthCheck(ctx); err != nil {
		health = err.Error()
	}
	fmt.Fprintf(out, "health: %s\n", health)

	stats, err := b.GetStats(ctx)
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(stats))
	for k := range stats {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(out, "%s: %v\n", k, stats[k])
	}
	return nil
}
