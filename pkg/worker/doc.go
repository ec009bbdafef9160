// Package worker provides the process that drives gasoline workflows
// forward.
//
// A worker leases due workflows of the names registered with it, runs
// each one on its own goroutine through the executor and commits the
// result. Any number of workers can share a database; leases make sure a
// workflow runs on at most one of them at a time.
//
// # Worker Responsibilities
//
// A worker is responsible for:
//
//   - Pulling workflows whose wake condition holds, every poll interval or
//     as soon as a message arrives on the wake subject
//   - Bounding the number of concurrently running workflows
//   - Pinging its worker row so its leases stay valid
//   - Releasing the leases of workers that stopped pinging
//   - Waiting for running workflows on shutdown
//
// # Configuration
//
// Config carries the executor configuration (database, bus, registry,
// retry policy, observers) plus the worker's own knobs:
//
//   - Concurrency (default 512)
//   - PollInterval (default 2s)
//   - GCInterval (default 15s)
//   - ShutdownTimeout (default 30s)
//
// The ping interval is a third of the database's lease TTL.
//
// # Shutdown
//
// Cancelling the context passed to Start stops pulling. Running workflows
// get ShutdownTimeout to finish and commit; after that their contexts are
// cancelled and nothing they did is committed. Their leases expire and
// another worker replays them from the last commit.
package worker
