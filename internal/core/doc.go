// Package core implements the client-side scheduling and work-fetch
// engine: the resource registry, the project/result/app entity graph, the
// recent-estimated-credit accountant, the round-robin look-ahead
// simulator, the CPU+GPU scheduler, and the work-fetch planner.
//
// Every operation here is invoked from a single cooperative event loop
// (Context.Tick). Nothing in this package blocks: collaborators
// (ProjectRPC, Executor, ResourceProbe, StateStore) are injected
// interfaces polled once per tick. There are no package-level globals;
// every exported type that holds state is reachable only through a
// Context passed in explicitly by the caller.
package core
