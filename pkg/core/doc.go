// Package core provides the fundamental types and interfaces for the command queue.
//
// This package contains:
//   - Command, the execution contract with its declared scheduling metadata
//   - Request, a command plus its runtime state (batch, status, retries)
//   - Store, the persistence contract and the CommandRecord GORM model
//   - Event types for the observation channel
//   - Error types for command processing
//
// Most users should import the root package github.com/jdziat/command-queue
// instead of this package directly.
package core
