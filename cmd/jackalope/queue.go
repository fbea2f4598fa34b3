package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dokzlo13/jackalope/internal/app"
	"github.com/dokzlo13/jackalope/internal/config"
	"github.com/dokzlo13/jackalope/internal/expiry"
	"github.com/dokzlo13/jackalope/internal/session"
	"github.com/dokzlo13/jackalope/internal/work"
	"github.com/dokzlo13/jackalope/internal/worklist"
)

type configLoader func() (*config.Config, error)

// newQueueCommand builds the `queue` group. These commands open the data
// directory directly and must not run while the daemon holds it.
func newQueueCommand(load configLoader) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect or modify the work queue while the daemon is stopped",
	}

	queueCmd.AddCommand(
		newQueueStatsCommand(load),
		newQueuePurgeCommand(load),
		newQueuePublishCommand(load),
	)
	return queueCmd
}

func withQueue(load configLoader, fn func(*config.Config, *worklist.Queue[work.Item], expiry.Clock) error) error {
	cfg, err := load()
	if err != nil {
		return err
	}
	clock := expiry.NewMonotonic()
	q, err := app.OpenQueue(cfg.Queue, clock)
	if err != nil {
		return err
	}
	if err := fn(cfg, q, clock); err != nil {
		_ = q.Close()
		return err
	}
	return q.Close()
}

func newQueueStatsCommand(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print the number of buffered items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(load, func(cfg *config.Config, q *worklist.Queue[work.Item], _ expiry.Clock) error {
				out := map[string]any{
					"backend":  cfg.Queue.Backend,
					"data_dir": cfg.Queue.DataDir,
					"max_size": cfg.Queue.MaxSize,
					"count":    q.Count(),
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(out)
			})
		},
	}
}

func newQueuePurgeCommand(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Delete every buffered item",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(load, func(_ *config.Config, q *worklist.Queue[work.Item], _ expiry.Clock) error {
				n := q.Count()
				if err := q.RemoveAll(); err != nil {
					return fmt.Errorf("purge failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %d items\n", n)
				return nil
			})
		},
	}
}

func newQueuePublishCommand(load configLoader) *cobra.Command {
	var (
		qos    int
		retain bool
		ttl    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "publish <topic> <payload>",
		Short: "Buffer a publish for the next broker session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if qos < 0 || qos > 2 {
				return fmt.Errorf("invalid --qos %d; use 0|1|2", qos)
			}
			return withQueue(load, func(cfg *config.Config, q *worklist.Queue[work.Item], clock expiry.Clock) error {
				sess := session.New(q, nil, clock, session.Config{DefaultTTL: cfg.Session.DefaultTTL.Duration()})
				return sess.Publish(args[0], []byte(args[1]), session.PublishOptions{
					QoS:    byte(qos),
					Retain: retain,
					TTL:    ttl,
				})
			})
		},
	}

	cmd.Flags().IntVar(&qos, "qos", 1, "QoS level (0, 1 or 2)")
	cmd.Flags().BoolVar(&retain, "retain", false, "Set the retain flag")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Time to live while buffered (0 = session default, negative = never)")
	return cmd
}
