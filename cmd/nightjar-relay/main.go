// Command nightjar-relay runs a standalone rendezvous server for the
// relay transport (§4.3.1). It relays control and application messages
// between peers sharing a workspace topic and answers roster requests.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/kuuji/nightjar/internal/transport/relay"
)

var version = "dev"

var (
	addr          string
	rateLimit     float64
	rateBurst     int
	rateBlockSecs float64
	verbose       bool
)

var rootCmd = &cobra.Command{
	Use:   "nightjar-relay",
	Short: "Rendezvous server for the nightjar mesh relay transport",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the relay server",
	RunE: func(cmd *cobra.Command, args []string) error {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

		hub := relay.NewHub(relay.HubConfig{
			RateLimit:     rate.Limit(rateLimit),
			RateBurst:     rateBurst,
			RateBlockSecs: rateBlockSecs,
			Logger:        logger,
		})

		srv := &http.Server{
			Addr:              addr,
			Handler:           hub,
			ReadHeaderTimeout: 10 * time.Second,
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		go func() {
			<-ctx.Done()
			logger.Info("shutting down")
			hub.Close()
			if err := srv.Close(); err != nil {
				logger.Error("server close", "error", err)
			}
		}()

		logger.Info("relay server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("relay server: %w", err)
		}
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the nightjar-relay version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	serveCmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	serveCmd.Flags().Float64Var(&rateLimit, "rate-limit", 100, "sustained requests per second per connection")
	serveCmd.Flags().IntVar(&rateBurst, "rate-burst", 150, "burst size per connection")
	serveCmd.Flags().Float64Var(&rateBlockSecs, "rate-block-seconds", 5, "seconds to report in retryAfter when a connection is rate limited")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
