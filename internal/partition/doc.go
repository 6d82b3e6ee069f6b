// Package partition provides access to the local data of federated clients.
//
// # Overview
//
// Every client in the registry owns one partition of the dataset: the
// examples it trains on. Workers never see the whole dataset; for each
// assigned client they ask a Loader for that client's partition.
//
// # Core Components
//
// Loader: the interface workers depend on
//   - Load(ctx, clientID) returns the client's model.Dataset
//   - Unknown clients fail with ErrClientNotFound
//   - Malformed partitions fail with ErrDataFormat
//
// ManifestLoader: reads the user_data section of the run manifest
//   - The manifest is parsed once, on the first Load
//   - Safe for concurrent use by the training goroutines of a worker
//
// Cache: keeps encoded partitions in a storage.Store
//   - A client sampled in several rounds is loaded once per worker while
//     it stays within the LRU byte budget (DefaultCacheBytes)
//   - Every Load returns a private copy, so training cannot corrupt the cache
//   - Stats exposes load, hit and miss counters
//
// Synthesize: generates linear-regression manifests for simulations and
// tests. Each client's data depends only on the seed and its id.
//
// # Usage Example
//
//	loader := partition.NewCache(partition.NewManifestLoader("data/manifest.json"))
//	data, err := loader.Load(ctx, "client-0007")
//	if err != nil {
//	    return err
//	}
package partition
