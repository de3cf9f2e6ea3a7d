package main

import (
	"context"
	"os"
	"os/signal"
	"time"

	"github.com/overmesh/signald/internal/server"
	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the signaling server",
		Long: `Start the signaling server. Peers connect over WebSocket, knock into a
subnet to receive an overlay address, and exchange offers, answers and
candidates through the broker until they can reach each other directly.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}

	cmd.Flags().String("listen", ":9190", "host:port to listen on")
	cmd.Flags().Duration("ping-interval", 30*time.Second, "liveness ping interval; a client with no pong by the next tick is terminated")
	cmd.Flags().Duration("send-timeout", 10*time.Second, "per-message write budget")

	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	listen, _ := cmd.Flags().GetString("listen")
	pingInterval, _ := cmd.Flags().GetDuration("ping-interval")
	sendTimeout, _ := cmd.Flags().GetDuration("send-timeout")

	logLevel, _ := cmd.Flags().GetString("log-level")
	logger := newLogger(logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	m, err := resolveMetrics(ctx, cmd, logger)
	if err != nil {
		return err
	}

	cfg := server.Config{
		Addr:         listen,
		PingInterval: pingInterval,
		SendTimeout:  sendTimeout,
		Logger:       logger,
		Metrics:      m,
	}

	return server.ListenAndServe(ctx, cfg)
}
