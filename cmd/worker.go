package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/edgescope/edgescope/internal/core"
	"github.com/edgescope/edgescope/internal/normalizer"
	"github.com/edgescope/edgescope/internal/probes"
	"github.com/edgescope/edgescope/internal/probes/certscan"
	"github.com/edgescope/edgescope/internal/probes/dnsenum"
	"github.com/edgescope/edgescope/internal/probes/portscan"
	"github.com/edgescope/edgescope/internal/probes/webcrawl"
	"github.com/edgescope/edgescope/internal/ratelimit"
	"github.com/edgescope/edgescope/internal/reconciler"
	"github.com/edgescope/edgescope/internal/scheduler"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the discovery worker pool",
	Long: `Starts the worker pool that claims queued discovery jobs, executes
probes against their targets, and reconciles findings into the asset
inventory. Runs until interrupted; in-flight jobs finish before exit.`,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

// buildRegistry wires every probe implementation. The worker pool uses it to
// execute jobs; jobs submit uses it to validate targets up front.
func buildRegistry() (core.ProbeRegistry, error) {
	limiter := ratelimit.NewLimiter(cfg.RateLimit)

	registry := probes.NewRegistry()
	if err := registry.Register(dnsenum.New(cfg.Probes.DNS, log)); err != nil {
		return nil, fmt.Errorf("failed to register dns probe: %w", err)
	}
	if err := registry.Register(portscan.New(cfg.Probes.PortScan, log)); err != nil {
		return nil, fmt.Errorf("failed to register port scan probe: %w", err)
	}
	if err := registry.Register(webcrawl.New(cfg.Probes.WebCrawl, limiter, log)); err != nil {
		return nil, fmt.Errorf("failed to register web crawl probe: %w", err)
	}
	if err := registry.Register(certscan.New(cfg.Probes.CertScan, limiter, log)); err != nil {
		return nil, fmt.Errorf("failed to register cert scan probe: %w", err)
	}
	return registry, nil
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(GetContext())
	defer cancel()

	registry, err := buildRegistry()
	if err != nil {
		return err
	}

	norm := normalizer.New(log, tel)
	rec := reconciler.New(store, log, tel)
	sched := scheduler.New(cfg.Scheduler, cfg.Probes, store, registry, norm, rec, log, tel)

	if err := sched.Start(ctx); err != nil {
		return err
	}

	color.Green("Worker pool started with %d workers", sched.Workers())
	color.White("Probes: %v", registry.List())
	color.White("Press Ctrl+C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	color.Yellow("\nShutting down, waiting for in-flight jobs...")

	done := make(chan struct{})
	go func() {
		if err := sched.Stop(); err != nil {
			log.Warnw("Worker pool stop returned error", "error", err)
		}
		close(done)
	}()

	select {
	case <-done:
		color.Green("Worker pool stopped")
	case <-time.After(30 * time.Second):
		color.Red("Shutdown timed out, exiting anyway")
	}

	return nil
}
