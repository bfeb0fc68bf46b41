// Package syncstate persists per-record sync metadata and per-session sync
// logs in the local database.
//
// Metadata status changes follow a fixed lifecycle:
//
//	pending|completed|conflict --start--> in_progress
//	in_progress --complete--> completed
//	in_progress --fail--> failed
//	in_progress --conflict--> conflict
//	failed --retry--> pending
//	in_progress --reset--> pending
//
// Metadata rows are never deleted. Sync log rows are written once when a
// session starts and once when it finishes; a finished row is immutable.
package syncstate
