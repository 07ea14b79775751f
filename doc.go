// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

/*
Package corekeeper is the client-side scheduling and work-fetch core of a
volunteer distributed-computing client.

It decides, on a single host, which server projects to contact and how
much work to request from each, which downloaded tasks to run on which
local processing resource (CPU cores and GPU instances of distinct
vendors), and how to keep those resources saturated without exceeding
deadlines or user-imposed caps.

# Overview

The core is driven by a single cooperative event loop: on every tick it
decays each project's recent estimated credit, folds in executor status,
runs a deterministic round-robin look-ahead simulation to predict missed
deadlines and idle capacity, adjusts the running set of tasks, and issues
at most one work-fetch RPC per project. None of it blocks: the network transport
(ProjectRpc), task execution (Executor), resource detection
(ResourceProbe), and on-disk persistence (StateStore) are all injected
collaborators polled once per tick.

# Basic usage

	import (
		"context"

		"github.com/jontk/boinc-corekeeper"
		"github.com/jontk/boinc-corekeeper/internal/bboltstore"
		"github.com/jontk/boinc-corekeeper/internal/execproc"
		"github.com/jontk/boinc-corekeeper/internal/httprpc"
	)

	func main() {
		ctx := context.Background()

		store, _ := bboltstore.Open("corekeeper.db")
		defer store.Close()

		exec := execproc.New(nil, nil, nil)
		core := corekeeper.New(
			corekeeper.WithExecutor(exec),
			corekeeper.WithRpc(httprpc.New(nil, nil, nil)),
			corekeeper.WithStore(store),
		)
		// The executor resolves workunits through the core's own graph.
		exec.Graph = core.Graph()

		for {
			if err := core.Tick(ctx); err != nil {
				break
			}
		}
	}

The scheduling/work-fetch logic itself lives in the internal core package;
this package is a thin, stable entry point so the internal package can
keep evolving without breaking callers.
*/
package corekeeper
