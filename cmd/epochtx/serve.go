package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/epochtx/pkg/advancer"
	"github.com/cuemby/epochtx/pkg/config"
	"github.com/cuemby/epochtx/pkg/epoch"
	"github.com/cuemby/epochtx/pkg/log"
	"github.com/cuemby/epochtx/pkg/metrics"
	"github.com/cuemby/epochtx/pkg/persist"
	"github.com/cuemby/epochtx/pkg/reclaim"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the epoch advancer and expose metrics for scraping",
	Long: `serve wires up the epoch coordinator, reclamation tracker and
optional durable heap, starts the background epoch advancer, and serves
Prometheus metrics over HTTP until interrupted.

It does not itself run any transactions; use it alongside a client that
opens recoverable.ThreadContexts against the same process, or run bench
for a self-contained load generator.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Address to serve /metrics on")
}

func runServe(cmd *cobra.Command, args []string) error {
	opts, err := config.Load(configPath(cmd))
	if err != nil {
		return err
	}

	liveness, err := opts.EpochLiveness()
	if err != nil {
		return err
	}
	strategy, err := opts.PersistenceStrategy()
	if err != nil {
		return err
	}
	interval, err := opts.Interval()
	if err != nil {
		return err
	}

	coordinator := epoch.New(liveness)
	tracker := reclaim.New()

	var heap *persist.Heap
	if opts.HeapName != "" {
		heap, err = persist.Open(opts.HeapName, strategy, opts.BufferSize)
		if err != nil {
			return fmt.Errorf("serve: open durable heap: %w", err)
		}
		defer heap.Close()

		state, err := heap.Recover()
		if err != nil {
			return fmt.Errorf("serve: recover durable heap: %w", err)
		}
		log.Logger.Info().Int("live_blocks", len(state.Live)).Uint64("max_epoch", state.MaxEpoch).Msg("recovered heap state")
	}

	adv := advancer.New(coordinator, tracker, heap, interval)
	adv.Start()
	defer adv.Stop()

	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	server := &http.Server{Addr: metricsAddr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("metrics server error: %w", err)
		}
	}()
	log.Logger.Info().Str("addr", metricsAddr).Msg("epochtx serving")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Logger.Info().Msg("shutting down")
	case err := <-errCh:
		log.Logger.Error().Err(err).Msg("serve failed")
		return err
	}

	return server.Close()
}
