// Package security provides validation, sanitization, and limits for the command queue.
//
// This package includes:
//   - Input validation for command type names, identities and batch labels
//   - Error message sanitization before failures are persisted
//   - Clamping functions to enforce safe limits on retries and thread counts
//   - Security-related constants defining maximum sizes and counts
//
// Most users should import the root package github.com/jdziat/command-queue
// which re-exports the commonly used pieces.
package security
