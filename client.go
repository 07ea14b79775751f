// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package corekeeper

import (
	"context"
	"time"

	"github.com/jontk/boinc-corekeeper/internal/core"
	"github.com/jontk/boinc-corekeeper/pkg/logging"
	"github.com/jontk/boinc-corekeeper/pkg/metrics"
)

// Core is the single cooperative scheduling loop described in package
// doc.go. It wraps internal/core.Context so callers outside this module
// drive the scheduler through a stable, versioned surface.
type Core struct {
	ctx *core.Context
}

// New builds a Core from the given options. An Executor or ProjectRpc
// left unset means Tick skips the corresponding phase, matching
// internal/core.NewContext's behavior, so a pure accounting/reporting
// tool can construct a Core with neither.
func New(opts ...Option) *Core {
	cfg := &buildConfig{
		coreConfig: core.DefaultConfig(),
	}
	for _, opt := range opts {
		opt(cfg)
	}
	ctx := core.NewContext(cfg.executor, cfg.rpc, cfg.store, cfg.clock, cfg.logger, cfg.metrics, cfg.coreConfig)
	if cfg.cpuInstances > 0 {
		ctx.Registry = core.NewRegistry(cfg.cpuInstances)
	}
	if cfg.probe != nil {
		ctx.Registry.ProbeCoprocessors(cfg.probe, cfg.excludeList)
	}
	if cfg.prefs != nil {
		ctx.Prefs = *cfg.prefs
	}
	return &Core{ctx: ctx}
}

// Tick runs exactly one cycle of the scheduling loop : clock
// update, REC decay, executor fold-in, file GC, RR-Sim, scheduling, then
// work fetch with at most one RPC per project (projects chosen for
// different resources are each contacted in the same tick).
func (c *Core) Tick(ctx context.Context) error {
	return c.ctx.Tick(ctx)
}

// Graph returns the live entity graph, for attaching
// projects, inspecting results, and driving GUI/CLI reporting.
func (c *Core) Graph() *core.Graph { return c.ctx.Graph }

// Registry returns the resource registry.
func (c *Core) Registry() *core.Registry { return c.ctx.Registry }

// Events returns every outbound Notice/StateChanged/ScheduleChanged/
// NewVersionAvailable event accumulated so far.
func (c *Core) Events() []Event { return c.ctx.Events().All() }

// EventsSince returns events emitted strictly after t.
func (c *Core) EventsSince(t time.Time) []Event { return c.ctx.Events().Since(t) }

// Snapshot exports the full graph and preference state for persistence.
func (c *Core) Snapshot() core.GraphSnapshot { return c.ctx.Snapshot() }

// Restore replaces the live graph and preferences with a previously
// exported snapshot, e.g. one read back from a StateStore at startup.
func (c *Core) Restore(s core.GraphSnapshot) { c.ctx.Restore(s) }

// buildConfig accumulates Option values before New constructs the
// underlying core.Context; it is intentionally unexported so the option
// functions stay the only way to populate it.
type buildConfig struct {
	executor     core.Executor
	rpc          core.ProjectRpc
	store        core.StateStore
	clock        core.Clock
	logger       logging.Logger
	metrics      metrics.Collector
	probe        core.ResourceProbe
	excludeList  map[core.ResourceKind]map[int]bool
	prefs        *core.GlobalPrefs
	cpuInstances int
	coreConfig   core.Config
}

// Option configures a Core before construction.
type Option func(*buildConfig)

// WithExecutor sets the Executor collaborator that runs, suspends,
// resumes, and aborts tasks.
func WithExecutor(e Executor) Option {
	return func(c *buildConfig) { c.executor = e }
}

// WithRpc sets the ProjectRpc collaborator that performs scheduler RPCs.
func WithRpc(r ProjectRpc) Option {
	return func(c *buildConfig) { c.rpc = r }
}

// WithStore sets the StateStore collaborator used for persistence.
func WithStore(s StateStore) Option {
	return func(c *buildConfig) { c.store = s }
}

// WithClock overrides the wall clock, for deterministic tests.
func WithClock(clock Clock) Option {
	return func(c *buildConfig) { c.clock = clock }
}

// WithLogger sets the structured logger every component uses.
func WithLogger(l logging.Logger) Option {
	return func(c *buildConfig) { c.logger = l }
}

// WithMetrics sets the metrics collector every component uses.
func WithMetrics(m metrics.Collector) Option {
	return func(c *buildConfig) { c.metrics = m }
}

// WithResourceProbe runs the given ResourceProbe once per vendor at
// construction time to populate the coprocessor resource slots, honoring
// a per-vendor per-index exclusion list.
func WithResourceProbe(probe ResourceProbe, excludeList map[ResourceKind]map[int]bool) Option {
	return func(c *buildConfig) {
		c.probe = probe
		c.excludeList = excludeList
	}
}

// WithCPUInstances overrides the CPU resource's instance count (default:
// one instance, from the registry core.NewContext builds; n <= 0 keeps
// that default).
func WithCPUInstances(n int) Option {
	return func(c *buildConfig) { c.cpuInstances = n }
}

// WithGlobalPrefs overrides the default host preference set.
func WithGlobalPrefs(p GlobalPrefs) Option {
	return func(c *buildConfig) { c.prefs = &p }
}

// WithSimWindow overrides the RR-Sim look-ahead window.
func WithSimWindow(d time.Duration) Option {
	return func(c *buildConfig) { c.coreConfig.SimWindow = d }
}

// WithWorkBuffer overrides the work-fetch buffer bounds.
func WithWorkBuffer(buf core.WorkBufferConfig) Option {
	return func(c *buildConfig) { c.coreConfig.WorkBuffer = buf }
}
