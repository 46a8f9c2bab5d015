package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/brocku/logistics"
	"github.com/brocku/logistics/config"
	"github.com/brocku/logistics/contracts"
	"github.com/brocku/logistics/routing"
	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "logistics",
		Short: "Route-planning dispatch service",
		Long: `logistics consumes route requests from RabbitMQ, plans driver routes and
replies with the plan. Failed requests are retried with backoff and end up in
a dead-letter queue once their attempts run out.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCommand(), publishCommand(), queuesCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Consume and process dispatch requests until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, logger, err := setup()
			if err != nil {
				return err
			}

			service, err := logistics.New(cfg, logistics.WithLogger(logger))
			if err != nil {
				return err
			}

			logger.Info("starting dispatch service",
				"version", version,
				"queue", cfg.PrimaryQueue,
				"workers", cfg.WorkerPoolSize)

			return service.Run(ctx)
		},
	}
}

func publishCommand() *cobra.Command {
	var (
		messageType   string
		payload       string
		payloadFile   string
		replyTo       string
		correlationID string
		messageID     string
	)

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish one envelope to the primary queue",
		Example: `  logistics publish --payload-file request.json --reply-to logistic-response
  echo '{"depot":"Brock University","features":[]}' | logistics publish --payload-file -`,
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := readPayload(cmd.InOrStdin(), payload, payloadFile)
			if err != nil {
				return err
			}

			var opts []contracts.EnvelopeOption
			if messageID != "" {
				opts = append(opts, contracts.WithEnvelopeID(messageID))
			}
			if replyTo != "" {
				opts = append(opts, contracts.WithReplyTo(replyTo))
			}
			if correlationID != "" {
				opts = append(opts, contracts.WithCorrelationID(correlationID))
			}
			env := contracts.NewEnvelope(messageType, body, opts...)

			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			cfg.HTTPAddr = ""

			service, err := logistics.New(cfg, logistics.WithLogger(logger))
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.ConfirmTimeout+cfg.ReconnectMaxDelay)
			defer cancel()
			defer service.Shutdown(context.Background())

			if err := service.Connect(ctx); err != nil {
				return err
			}
			if err := service.Publish(ctx, env); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "published %s %s to %s\n", env.Type, env.ID, service.Destinations().Primary())
			return nil
		},
	}

	cmd.Flags().StringVarP(&messageType, "type", "t", routing.RouteRequestedType, "Message type")
	cmd.Flags().StringVarP(&payload, "payload", "p", "", "JSON payload")
	cmd.Flags().StringVarP(&payloadFile, "payload-file", "f", "", "Read the JSON payload from a file, - for stdin")
	cmd.Flags().StringVar(&replyTo, "reply-to", "", "Queue the reply is sent to")
	cmd.Flags().StringVar(&correlationID, "correlation-id", "", "Correlation ID, defaults to the message ID on replies")
	cmd.Flags().StringVar(&messageID, "id", "", "Message ID, generated when empty")
	cmd.MarkFlagsMutuallyExclusive("payload", "payload-file")

	return cmd
}

func queuesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "queues",
		Short: "Show the depth of the pipeline queues",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			cfg.HTTPAddr = ""

			service, err := logistics.New(cfg, logistics.WithLogger(logger))
			if err != nil {
				return err
			}
			defer service.Shutdown(context.Background())

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			if err := service.Connect(ctx); err != nil {
				return err
			}

			stats, err := service.InspectQueues(ctx)
			if err != nil {
				return err
			}

			printQueues(cmd.OutOrStdout(), stats)
			return nil
		},
	}
}

// setup loads the configuration and builds the process logger from it
func setup() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(slog.Default())
	if err != nil {
		return nil, nil, err
	}

	level, err := config.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.LogFormat == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	logger := slog.New(handler).With("service", "logistics")
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func readPayload(stdin io.Reader, payload, file string) (json.RawMessage, error) {
	var data []byte
	switch {
	case file == "-":
		b, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read payload from stdin: %w", err)
		}
		data = b
	case file != "":
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read payload: %w", err)
		}
		data = b
	case payload != "":
		data = []byte(payload)
	default:
		return nil, errors.New("one of --payload or --payload-file is required")
	}

	if !sonic.Valid(data) {
		return nil, errors.New("payload is not valid JSON")
	}
	return json.RawMessage(data), nil
}

func printQueues(w io.Writer, stats []logistics.QueueStat) {
	fmt.Fprintf(w, "%-40s %-10s %-10s\n", "Name", "Messages", "Consumers")
	fmt.Fprintln(w, strings.Repeat("-", 62))

	for _, q := range stats {
		fmt.Fprintf(w, "%-40s %-10d %-10d\n", truncate(q.Name, 40), q.Messages, q.Consumers)
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
