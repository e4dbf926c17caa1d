// Package replica implements the node side of a bulk load: the primary of
// each partition downloads the partition's files for its whole replica
// group, verifies them, ingests them and finally removes them.
//
// # Overview
//
// The meta server drives every partition by sending its primary the app's
// current stage over and over. The primary answers each request with the
// state of every replica of the group, so the meta server never talks to
// secondaries.
//
// # Architecture
//
//	        meta server
//	             │  BulkLoadRequest{stage}
//	             ▼
//	┌──────────────────────────────────────┐
//	│              EXECUTOR                │
//	├──────────────────────────────────────┤
//	│                                      │
//	│  partition (one per pid)             │
//	│   - ballot and replica set           │
//	│   - per replica: bytes, error,       │
//	│     ingestion status                 │
//	│                                      │
//	│  download ──► provider ──► data dir  │
//	│     (one goroutine per replica)      │
//	│                                      │
//	│  ingest ──► Engine                   │
//	│                                      │
//	└──────────────────────────────────────┘
//
// # Stages
//
// downloading: start the download unless it is running or done. A file
// whose size or md5 does not match its metadata fails the replica with
// ErrCorruption; any other I/O failure is ErrFileOperationFailed. An error
// is reported once, after which the next request starts over.
//
// ingesting: report whether every replica has been ingested. Ingestion
// itself is started by a separate IngestionRequest.
//
// pausing, paused: stop the download and report the group paused. Files
// already verified are kept and not fetched again on restart.
//
// succeed, failed, canceled: stop everything and remove the partition's
// local files, then report the group cleaned up.
package replica
