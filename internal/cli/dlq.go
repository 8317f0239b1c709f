package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jogardn/harvest-orders/internal/config"
	"github.com/jogardn/harvest-orders/internal/events"
	"github.com/spf13/cobra"
)

// NewDLQCommand follows the stock event dead letter topic.
func NewDLQCommand(root *RootOptions) *cobra.Command {
	var (
		topic   string
		groupID string
		output  string
	)

	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Follow dead-lettered stock events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(root)
			cfg, err := config.Load(root.EnvFiles...)
			if err != nil {
				return err
			}
			if cfg.KafkaBrokers == "" {
				return errors.New("KAFKA_BROKERS is not set")
			}
			printEntry, err := deadLetterPrinter(cmd.OutOrStdout(), output)
			if err != nil {
				return err
			}

			monitor, err := events.NewDLQMonitor(cfg.KafkaBrokers, groupID, topic, printEntry, logger)
			if err != nil {
				return err
			}
			defer monitor.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return monitor.Start(ctx)
		},
	}

	cmd.Flags().StringVar(&topic, "topic", events.TopicStockChangedDLQ, "dead letter topic")
	cmd.Flags().StringVar(&groupID, "group", "harvest-dlq-monitor", "consumer group id")
	cmd.Flags().StringVarP(&output, "output", "o", "text", "output format (text|json)")
	return cmd
}

func deadLetterPrinter(w io.Writer, format string) (func(events.DeadLetter), error) {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		return func(dl events.DeadLetter) { _ = enc.Encode(dl) }, nil
	case "text":
		return func(dl events.DeadLetter) {
			fmt.Fprintf(w, "\n=== DLQ Message ===\n")
			fmt.Fprintf(w, "Failed: %s\n", dl.FailedAt.Format(time.RFC3339))
			fmt.Fprintf(w, "Source: %s[%d]@%d\n", dl.OriginalTopic, dl.OriginalPartition, dl.OriginalOffset)
			fmt.Fprintf(w, "Key: %s\n", dl.Key)
			fmt.Fprintf(w, "Error: %s\n", dl.Error)
			fmt.Fprintf(w, "Attempts: %d\n", dl.Attempts)
			fmt.Fprintf(w, "===================\n")
		}, nil
	default:
		return nil, fmt.Errorf("unknown output format %q", format)
	}
}
