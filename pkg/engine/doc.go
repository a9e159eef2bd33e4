// Package engine provides the command scheduling engine.
//
// An Engine polls a core.Store for eligible commands and runs each one on
// its own goroutine. Dispatch is bounded by:
//   - MaxThreads: the global cap on commands running at once
//   - ParallelTag/ParallelMax: per-partition ceilings declared by commands
//   - paused tags, batches and work types
//   - optional per-tag rate limits and timed bans
//
// Failed commands are requeued with a delay until their retry budget is
// spent. Every state transition is published on an events.Bus.
//
// Most users should import the root package github.com/jdziat/command-queue
// which re-exports the engine constructor and options.
package engine
