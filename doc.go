// Package waymark provides a local-first synchronization engine for
// personal records embedded in client applications.
//
// Waymark keeps bookmarked places, stories, lists and categories usable
// offline in a local SQLite store and converges them with a shared remote
// store whenever connectivity returns, without losing data.
//
// # Basic Usage
//
// Open a local store and start an engine for one owner:
//
//	store, err := waymark.NewStore(waymark.DefaultStoreConfig("records.db"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer store.Close()
//
//	monitor := waymark.NewConnectivityMonitor(waymark.StateOnline)
//	remote, err := waymark.NewWSChannel(ctx, waymark.DefaultWSChannelConfig("wss://sync.example.com/v1/stream"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	engine := waymark.NewSyncEngine(waymark.DefaultEngineConfig(),
//	    "owner-1", waymark.NewDeviceID(), store, remote, monitor, nil)
//	if err := engine.Start(); err != nil {
//	    log.Fatal(err)
//	}
//	defer engine.Stop()
//
// Mutate records locally; the engine uploads them when online and keeps
// them flagged pending while offline:
//
//	err := engine.Put(ctx, waymark.Record{
//	    OwnerID:  "owner-1",
//	    RecordID: "feature-42",
//	    Kind:     waymark.KindFeature,
//	    Payload:  waymark.Payload{Title: "Lighthouse", Latitude: 57.7, Longitude: 11.9},
//	})
//
// # Features
//
// Local store:
//   - SQLite-backed record store with owner and modification-time indexes
//   - Persisted pending-upload queue that survives restarts
//   - Optional encryption at rest (AES-256-GCM)
//   - Monotonic change signal for UI invalidation
//
// Synchronization:
//   - Per-owner actor serializing remote events, mutations and transitions
//   - Three-way reconciliation with explicit conflict records
//   - Commutative, idempotent field-level merge policy
//   - Bounded-parallel pushes with single-writer-per-record ordering
//   - Exponential backoff with retry cap and circuit breaker
//   - Offline/online lifecycle with full force-flush on reconnect
//
// Transport and backup:
//   - WebSocket remote channel with snappy-compressed frames
//   - In-memory remote channel for tests and embedding
//   - S3 snapshot export and restore of an owner's records
package waymark
