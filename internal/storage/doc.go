// Package storage persists the models of a run: named blobs behind the Store
// interface and the checkpoint format written on top of it.
//
// # Overview
//
// The coordinator writes two checkpoints into its model directory:
//
//   - best.ckpt holds the parameters that produced the best validation
//     metric so far.
//   - recovery.ckpt holds everything needed to resume: parameters, optimizer
//     velocity and the round state, including the schedule position and the
//     best snapshot.
//
// Workers reuse the same Store abstraction for their partition cache, backed
// by an LRUStore so a long run keeps a bounded number of partitions.
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│   Coordinator / partition.Cache     │
//	└─────────────────────────────────────┘
//	                 │
//	                 ▼
//	┌─────────────────────────────────────┐
//	│   Checkpoints                       │
//	│   cbor encoding + zstd compression  │
//	└─────────────────────────────────────┘
//	                 │
//	                 ▼
//	┌─────────────────────────────────────┐
//	│        Store interface              │
//	└─────────────────────────────────────┘
//	         │                   │                   │
//	         ▼                   ▼                   ▼
//	┌────────────────┐  ┌────────────────┐  ┌────────────────┐
//	│  MemoryStore   │  │   FileStore    │  │    LRUStore    │
//	│  (tests, sim)  │  │  (model_dir)   │  │ (worker cache) │
//	└────────────────┘  └────────────────┘  └────────────────┘
//
// # Implementations
//
// MemoryStore keeps values in a map guarded by a sync.RWMutex and hands out
// copies, so callers can never alias stored bytes. It keeps a running byte
// total instead of summing on every Stats call.
//
// LRUStore has a byte budget and evicts the least recently used values
// (hashicorp/golang-lru simplelru under its own mutex). Stats reports the
// evictions.
//
// FileStore maps every key to one file in its directory. Put writes a
// temporary file, syncs it and renames it over the target, so a crash leaves
// either the old or the new checkpoint and never a torn one. Keys containing
// path separators are rejected.
//
// # Error Handling
//
// A missing key fails with ErrCheckpointNotFound, which the coordinator
// treats as "start fresh" when resuming. Checkpoints reports encoding,
// decoding and I/O failures as ErrCheckpoint naming the key.
//
// # Usage Example
//
//	store, err := storage.NewFileStore(cfg.Server.ModelDir)
//	if err != nil {
//	    return err
//	}
//	checkpoints := storage.NewCheckpoints(store)
//	ckpt, err := checkpoints.Load(storage.RecoveryKey)
//	if ferrors.ErrCheckpointNotFound.Equal(err) {
//	    // nothing to resume
//	}
//
// # Metrics
//
// The size of the last written checkpoint is exported per key.
package storage
