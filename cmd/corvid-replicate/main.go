// Package main is the corvid-replicate command: a standalone process that
// runs the replication engine against a running corvid storage instance.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/corviddb/corvid/internal/config"
	"github.com/corviddb/corvid/internal/corvidlog"
	"github.com/corviddb/corvid/internal/storageid"
	"github.com/corviddb/corvid/internal/store"
	"github.com/corviddb/corvid/replication"
)

const (
	usage                 = "corvid-replicate"
	short                 = "Run the corvid replication engine"
	long                  = "This command starts the background replication engine for a corvid instance"
	example               = "corvid-replicate --config ./replication.yml"
	defaultConfigFilePath = "./replication.yml"
	configDesc            = "set the path for the replication YAML configuration file"
)

var (
	// Cmd is the root command.
	Cmd = &cobra.Command{
		Use:     usage,
		Short:   short,
		Long:    long,
		Example: example,
		RunE:    executeStart,
	}
	configFilePath string
)

//nolint:gochecknoinits // cobra's standard way to initialize flags
func init() {
	Cmd.Flags().StringVarP(&configFilePath, "config", "c", defaultConfigFilePath, configDesc)
}

func main() {
	if err := Cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func executeStart(cmd *cobra.Command, _ []string) error {
	ctx := context.Background()
	globalCtx, globalCancel := context.WithCancel(ctx)
	defer globalCancel()

	data, err := os.ReadFile(configFilePath)
	if err != nil {
		return fmt.Errorf("failed to read configuration file: %w", err)
	}
	cmd.SilenceUsage = true

	cfg, err := config.Parse(data)
	if err != nil {
		return fmt.Errorf("failed to parse configuration file: %w", err)
	}
	corvidlog.SetLevel(cfg.LogLevel)
	corvidlog.Info("using %v for configuration", configFilePath)

	s, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to open storage instance: %w", err)
	}

	ourURL := s.ServerURL()
	dbid := resolveStorageID(s.ID())

	registry := replication.NewDestinationRegistry()
	failures := replication.NewFailureTracker(s)
	cursors := replication.NewCursorClient(ourURL, dbid, cfg.HTTPTimeout)
	shipper := replication.NewShipper(ourURL, cfg.HTTPTimeout)
	batches := replication.NewBatchBuilder(s)
	worker := replication.NewWorker(s, cursors, shipper, batches, failures, cfg.RetryInterval, cfg.RetryBackoffCoeff)
	notifier := replication.NewSiblingNotifier(s, ourURL, cfg.HTTPTimeout)

	workCtx, ok := s.(store.WorkContext)
	if !ok {
		return fmt.Errorf("storage instance %T does not implement store.WorkContext", s)
	}

	scheduler := replication.NewScheduler(s, workCtx, worker, failures, notifier, cfg.DataDrivenTimeout, cfg.IdleTimeout)
	scheduler.Start(globalCtx)

	diagnostics := replication.NewDiagnosticsCollector(scheduler, failures, registry)
	http.Handle("/metrics", promhttp.Handler())
	http.HandleFunc("/replication/status", diagnosticsHandler(diagnostics, registry, s))

	signalChan := make(chan os.Signal, 10)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for sig := range signalChan {
			corvidlog.Info("initiating graceful shutdown due to %v", sig)
			globalCancel()
			scheduler.Stop()
			shutdown()
		}
	}()

	corvidlog.Info("launching metrics/status listener on %s", cfg.MetricsListenAddr)
	if err := http.ListenAndServe(cfg.MetricsListenAddr, nil); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	return nil
}

func shutdown() {
	corvidlog.Info("exiting...")
	os.Exit(0)
}

// diagnosticsHandler renders the current Diagnostics snapshot as JSON.
func diagnosticsHandler(diag *replication.DiagnosticsCollector, registry *replication.DestinationRegistry, s store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		destinations := registry.Load(s)
		snapshot := diag.Snapshot(destinations)

		w.Header().Set("Content-Type", "application/json")
		if err := writeJSON(w, snapshot); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) error {
	return json.NewEncoder(w).Encode(v)
}

// resolveStorageID validates the storage layer's own instance id as the
// dbid sent to peers on every replication call (spec §6). A storage engine
// that has never minted one yields a fresh one instead of shipping a
// malformed dbid to every destination.
func resolveStorageID(rawID string) string {
	id, err := storageid.Parse(rawID)
	if err != nil {
		id = storageid.New()
		corvidlog.Warn("storage instance id %q is not a valid uuid, generated %q for this run: %v", rawID, id, err)
	}
	return id
}

// openStore is the seam between this command and whatever storage engine
// backs the running corvid instance. The storage engine itself is out of
// scope here (see DESIGN.md); a production build links in the real
// implementation of store.Store in its place.
func openStore(cfg config.ReplicationConfig) (store.Store, error) {
	return nil, fmt.Errorf("no storage backend configured; openStore must be wired to a store.Store implementation")
}
