// Package cluster holds the types shared by the meta server and the replica
// nodes: node and partition identity, the bulk-load status enum, and the
// HTTP/JSON messages exchanged while a bulk load runs.
//
// # Overview
//
// A bulk load moves externally prepared data files into every replica of
// every partition of an app. The meta server drives the load; each
// partition's primary executes it for its whole replica group and reports
// back in the reply to the next request.
//
//	              ┌──────────────────┐
//	              │   Meta server    │
//	              │                  │
//	              │ - App registry   │
//	              │ - Bulk load ctl  │
//	              └────────┬─────────┘
//	                       │ BulkLoadRequest / IngestionRequest
//	      ┌────────────────┼────────────────┐
//	      │                │                │
//	┌─────▼─────┐    ┌─────▼─────┐    ┌─────▼─────┐
//	│  Primary  │    │  Primary  │    │  Primary  │
//	│  of 1.0   │    │  of 1.1   │    │  of 1.2   │
//	└───────────┘    └───────────┘    └───────────┘
//
// # Core Types
//
// PartitionID: "<app_id>.<partition_index>", the unit the meta server drives.
//
// PartitionConfig: the current primary, secondaries and ballot of a
// partition. The ballot changes whenever the primary changes, and replicas
// reject requests carrying a stale ballot.
//
// BulkLoadStatus: the closed status set shared by apps, partitions and
// replicas. It marshals as its lower-case name ("downloading", "paused"...)
// so records in the coordination store stay readable.
//
// # Communication Protocol
//
// Bulk load request (POST /bulkload/request):
//   - Sent by the meta server to a partition's primary
//   - Stage carries the status the app is currently in
//   - The reply carries per-replica states for the whole group
//
// Ingestion (POST /bulkload/ingest):
//   - Sent once per partition when the app enters ingesting
//   - Replicas handle it idempotently, so a resend after a timeout is safe
//
// Node registration (POST /register):
//   - Replica nodes announce themselves to the meta server
//   - The meta server places partitions on registered nodes
//
// # Retries
//
// Client wraps hashicorp/go-retryablehttp. Transport errors and 5xx replies
// are retried a bounded number of times inside one call. The bulk load
// controller layers its own retry policy on top, so a call that still fails
// is simply resent on the next interval.
package cluster
