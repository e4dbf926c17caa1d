// Package bulkload drives bulk loads from the leading meta server.
//
// # Overview
//
// A Controller owns the bulk-load status of every app being loaded. For each
// partition of such an app it runs a driver goroutine that keeps sending the
// request matching the app's status to the partition's primary, and turns
// the replies into partition status changes. The controller folds partition
// statuses into app transitions.
//
//	StartBulkLoad ──► Controller ──► driver 1.0 ──► primary of 1.0
//	                      │     ├──► driver 1.1 ──► primary of 1.1
//	                      │     └──► driver 1.2 ──► primary of 1.2
//	                      │
//	                      ▼
//	            coordination store
//	     <cluster_root>/bulk_load/<app_id>/<partition_idx>
//
// # App State Machine
//
//	not_start ──► downloading ──► downloaded ──► ingesting ──► succeed
//	                 │  ▲              │              │
//	                 │  │ restart      │              │
//	                 ▼  │              ▼              ▼
//	     pausing ──► paused          failed        failed
//
// Pause is accepted from downloading, downloaded and ingesting; cancel and
// force_cancel from any non-terminal status. The full table is in
// Transition and is checked exhaustively by the tests.
//
// # Persistence
//
// A status change is written to the coordination store before it is
// applied in memory, and only one write per record is in flight at a time.
// The app record is written by the controller, each partition record by its
// driver. Failed writes are re-issued unchanged until they succeed or the
// controller loses leadership.
//
// # Finishing
//
// Once an app is succeed, failed or canceled, drivers send that status to
// their primaries until each replica group reports it has cleaned up. The
// controller then deletes the app's subtree and clears the app's bulk
// loading flag. force_cancel, and apps dropped from the app table, skip the
// handshake.
//
// # Leadership
//
// OnLeadershipAcquired scans the store and resumes every recorded app.
// OnLeadershipLost bumps the epoch and stops every driver; a reply that
// arrives for an older epoch is dropped.
package bulkload
