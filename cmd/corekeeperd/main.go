// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jontk/boinc-corekeeper/internal/bboltstore"
	"github.com/jontk/boinc-corekeeper/internal/core"
	"github.com/jontk/boinc-corekeeper/internal/execproc"
	"github.com/jontk/boinc-corekeeper/internal/httprpc"
	"github.com/jontk/boinc-corekeeper/pkg/logging"
	"github.com/jontk/boinc-corekeeper/pkg/metrics"
	"github.com/jontk/boinc-corekeeper/pkg/pool"
	"github.com/jontk/boinc-corekeeper/pkg/retry"
	"github.com/jontk/boinc-corekeeper/pkg/rpcserver"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	BuildTime = ""
	Commit    = ""

	// Global flags
	dbPath     string
	listenAddr string
	tickEvery  time.Duration
	logFormat  string
	debug      bool
	retryBackoff string

	rootCmd = &cobra.Command{
		Use:     "corekeeperd",
		Short:   "Client-side scheduling and work-fetch core daemon",
		Long:    `corekeeperd owns the timer for the scheduling core's cooperative event loop and exposes a local read-only status surface.`,
		Version: Version,
	}
)

func init() {
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, BuildTime)

	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "corekeeper.db", "path to the bbolt state store (env: COREKEEPER_DB)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log output format: text or json")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	runCmd.Flags().StringVar(&listenAddr, "listen", "127.0.0.1:1043", "local status-surface listen address")
	runCmd.Flags().DurationVar(&tickEvery, "tick", 1*time.Second, "interval between scheduling ticks")
	runCmd.Flags().StringVar(&retryBackoff, "retry-backoff", "exponential", "scheduler RPC retry backoff: exponential, linear, fibonacci, or constant")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(projectsCmd)
}

func newLogger() logging.Logger {
	cfg := logging.DefaultConfig()
	cfg.Version = Version
	if logFormat == "json" {
		cfg.Format = logging.FormatJSON
	}
	if debug {
		cfg.Level = slog.LevelDebug
	}
	return logging.NewLogger(cfg)
}

// newRetryPolicy builds the scheduler RPC retry policy for the --retry-backoff
// flag. "exponential" keeps the transport layer's own ExponentialPolicy;
// the other names wrap a pkg/retry.BackoffStrategy via StrategyPolicy.
func newRetryPolicy(name string) retry.Policy {
	switch name {
	case "linear":
		return retry.NewStrategyPolicy(retry.NewLinearBackoff())
	case "fibonacci":
		return retry.NewStrategyPolicy(retry.NewFibonacciBackoff())
	case "constant":
		return retry.NewStrategyPolicy(retry.NewConstantBackoff(2*time.Second, 5))
	default:
		return retry.NewExponentialPolicy()
	}
}

func openStore() (*bboltstore.Store, error) {
	path := dbPath
	if env := os.Getenv("COREKEEPER_DB"); dbPath == "corekeeper.db" && env != "" {
		path = env
	}
	return bboltstore.Open(path)
}

// runCmd owns the timer: the driver, outside the core, is responsible for
// calling Context.Tick on a schedule  and polling collaborators
// that may not block it.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the scheduling core's cooperative event loop",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger()
		store, err := openStore()
		if err != nil {
			return fmt.Errorf("open state store: %w", err)
		}
		defer store.Close()

		graph := core.NewGraph()
		if data, err := store.Load(cmd.Context()); err == nil && len(data) > 0 {
			var snap core.GraphSnapshot
			if err := json.Unmarshal(data, &snap); err == nil {
				graph = core.ImportGraph(snap)
			}
		}

		clientPool := pool.NewHTTPClientPool(pool.DefaultPoolConfig(), logger)
		retryPolicy := newRetryPolicy(retryBackoff)
		executor := execproc.New(graph, workDirFor, logger)
		rpc := httprpc.New(clientPool, retryPolicy, logger)
		collector := metrics.NewInMemoryCollector()

		coreCtx := core.NewContext(executor, rpc, store, nil, logger, collector, core.DefaultConfig())
		coreCtx.Graph = graph
		coreCtx.Registry = core.NewRegistry(runtime.NumCPU())

		server := rpcserver.New(coreCtx, logger)
		httpServer := &http.Server{Addr: listenAddr, Handler: server}
		go func() {
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("status server failed", "error", err.Error())
			}
		}()

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		ticker := time.NewTicker(tickEvery)
		defer ticker.Stop()

		logger.Info("corekeeperd started", "listen", listenAddr, "tick", tickEvery.String())
		for {
			select {
			case <-ctx.Done():
				logger.Info("shutting down")
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()
				_ = httpServer.Shutdown(shutdownCtx)
				return saveGraph(shutdownCtx, store, coreCtx.Graph)
			case now := <-ticker.C:
				before := now.Add(-tickEvery)
				if err := coreCtx.Tick(ctx); err != nil {
					logger.Error("tick failed", "error", err.Error())
					continue
				}
				server.PublishTick(before)
			}
		}
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print a snapshot of the scheduling core's current state",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return fmt.Errorf("open state store: %w", err)
		}
		defer store.Close()

		data, err := store.Load(cmd.Context())
		if err != nil {
			return fmt.Errorf("load state: %w", err)
		}
		var snap core.GraphSnapshot
		if len(data) > 0 {
			if err := json.Unmarshal(data, &snap); err != nil {
				return fmt.Errorf("decode state: %w", err)
			}
		}
		fmt.Printf("projects: %d\n", len(snap.Projects))
		fmt.Printf("results: %d\n", len(snap.Results))
		for _, p := range snap.Projects {
			fmt.Printf("  %s  rec=%.1f  share=%.2f  suspended=%v\n", p.MasterURL, p.REC, p.ResourceShare, p.Suspended)
		}
		return nil
	},
}

var projectsCmd = &cobra.Command{
	Use:   "projects",
	Short: "Manage attached projects",
}

var attachURL, attachName string
var attachShare float64

var projectsAttachCmd = &cobra.Command{
	Use:   "attach",
	Short: "Attach a project by its master URL",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withGraph(cmd, func(g *core.Graph) error {
			_, err := g.AttachProject(attachURL, attachName, attachShare)
			return err
		})
	},
}

var detachURL string

var projectsDetachCmd = &cobra.Command{
	Use:   "detach",
	Short: "Detach a project by its master URL",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withGraph(cmd, func(g *core.Graph) error {
			p := g.ProjectByURL(detachURL)
			if p == nil {
				return fmt.Errorf("project %s is not attached", detachURL)
			}
			return g.DetachProject(p.Handle)
		})
	},
}

func init() {
	projectsAttachCmd.Flags().StringVar(&attachURL, "url", "", "project master URL")
	projectsAttachCmd.Flags().StringVar(&attachName, "name", "", "project display name")
	projectsAttachCmd.Flags().Float64Var(&attachShare, "share", 100, "resource share")
	_ = projectsAttachCmd.MarkFlagRequired("url")

	projectsDetachCmd.Flags().StringVar(&detachURL, "url", "", "project master URL")
	_ = projectsDetachCmd.MarkFlagRequired("url")

	projectsCmd.AddCommand(projectsAttachCmd)
	projectsCmd.AddCommand(projectsDetachCmd)
}

// withGraph loads the persisted graph, applies mutate, and saves the
// result back, so project attach/detach work even while corekeeperd
// itself isn't running.
func withGraph(cmd *cobra.Command, mutate func(g *core.Graph) error) error {
	store, err := openStore()
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer store.Close()

	data, err := store.Load(cmd.Context())
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	graph := core.NewGraph()
	if len(data) > 0 {
		var snap core.GraphSnapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			return fmt.Errorf("decode state: %w", err)
		}
		graph = core.ImportGraph(snap)
	}

	if err := mutate(graph); err != nil {
		return err
	}

	return saveGraph(cmd.Context(), store, graph)
}

// saveGraph exports and persists a graph in one step, used both on normal
// shutdown and by the one-shot project attach/detach subcommands.
func saveGraph(ctx context.Context, store *bboltstore.Store, graph *core.Graph) error {
	snap := graph.Export()
	encoded, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	return store.Save(ctx, encoded)
}

// workDirFor derives a result's working directory from its name, one
// subdirectory per result underneath the daemon's slot directory.
func workDirFor(r *core.Result) string {
	return "slots/" + r.Name
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
