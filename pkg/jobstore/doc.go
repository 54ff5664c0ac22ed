// Package jobstore records submitted export jobs in Redis so an interrupted
// export can be resumed from its job ID.
//
// # Basic Usage
//
//	redisClient := redis.NewClient(&redis.Options{
//		Addr: "localhost:6379",
//	})
//
//	store := jobstore.NewStore(redisClient)
//
//	exporter := export.New(handler, clientID, export.WithRecorder(store))
//
//	// Later, in another process
//	rec, err := store.Get(ctx, clientID, jobID)
//	if errors.Is(err, jobstore.ErrNotFound) {
//		// Unknown or expired job
//	}
//
// # Keys
//
// Records live under rs:export:<clientID>:<jobID> and expire after the
// store TTL (7 days by default). Every Save refreshes the TTL.
//
// # Metrics
//
//   - rs_jobstore_operations_total{operation} - Store operations
//   - rs_jobstore_errors_total{operation} - Failed store operations
package jobstore
