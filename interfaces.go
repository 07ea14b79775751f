// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// This file re-exports the collaborator interfaces and core entity types
// from internal/core so that a caller of this package never needs to (and
// in fact cannot) import an internal path directly. Concrete core logic
// lives in internal/core.
package corekeeper

import (
	"github.com/jontk/boinc-corekeeper/internal/core"
)

// Collaborator interfaces.

// ProjectRpc performs a project's scheduler RPC.
type ProjectRpc = core.ProjectRpc

// Executor starts, stops, suspends, and reports progress of tasks.
type Executor = core.Executor

// StateStore persists the graph and accounting state across restarts.
type StateStore = core.StateStore

// ResourceProbe enumerates processing resources of one vendor.
type ResourceProbe = core.ResourceProbe

// Clock abstracts wall-clock time for deterministic tests.
type Clock = core.Clock

// Wire types exchanged with collaborators.

// WorkRequest is what the work-fetch planner sends a project's scheduler.
type WorkRequest = core.WorkRequest

// WorkReply is a project scheduler's response.
type WorkReply = core.WorkReply

// ExecutorStatus is one task's progress as last observed by the executor.
type ExecutorStatus = core.ExecutorStatus

// Event is one outbound notification.
type Event = core.Event

// Entity graph types.

// Project is one attached project.
type Project = core.Project

// Result is a per-host instance of a workunit.
type Result = core.Result

// GlobalPrefs is the host-wide resource usage preference set.
type GlobalPrefs = core.GlobalPrefs

// ResourceKind identifies the vendor/class of a processing resource.
type ResourceKind = core.ResourceKind

const (
	ResourceCPU    = core.ResourceCPU
	ResourceNVIDIA = core.ResourceNVIDIA
	ResourceAMD    = core.ResourceAMD
	ResourceIntel  = core.ResourceIntel
	ResourceOther  = core.ResourceOther
)
