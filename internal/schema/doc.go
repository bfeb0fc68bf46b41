// Package schema defines the persistent and transient data model of the sync engine.
//
// # Overview
//
// Four record shapes describe a synchronization:
//
//   - SyncConfiguration: operator-supplied policy for one entity type
//     (priority, direction, conflict strategy, batch size, retry policy).
//   - SyncMetadata: durable per-(entity, id) state. It remembers the content
//     hash at the last successful sync, the retry bookkeeping, and any
//     unresolved conflict.
//   - SyncLog: one audit row per session with summary counters.
//   - ChangeRecord: a transient candidate produced by the change tracker and
//     consumed inside a single session. It is never stored.
//
// Enumerations are string types so that their database and YAML
// representation is the same as their Go constant value:
//
//	cfg := schema.DefaultSyncConfiguration("products")
//	cfg.ConflictResolution = schema.StrategyManual
//	if err := cfg.Validate(); err != nil {
//	    return err
//	}
//
// # Ownership
//
// SyncConfiguration is read-only at run time. SyncMetadata and SyncLog are
// written only by the orchestrator (internal/engine) through internal/syncstate.
package schema
