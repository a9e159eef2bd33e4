// Package storage provides the durable command store.
//
// This package includes:
//   - GormStorage: a GORM-based core.Store keyed by command identity
//   - OpenSQLite and ConfigurePool for the single-process SQLite setup
//
// The Store interface is defined in pkg/core and must be implemented
// by any custom storage backend.
package storage
