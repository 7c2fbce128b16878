/*
Package storage is the persistence layer and the heart of the server.

Everything lives in one SQLite database: molecules and keyword sets
deduplicated by canonical hash, polymorphic computation records with
their compute history and outputs, the task queue managers claim from,
the service queue the engine iterates, the manager registry, and the
periodic stats log.

All cross-request coordination is database-mediated. Writes run in
BEGIN IMMEDIATE transactions on a dedicated connection; batch
operations recover per item with savepoints, so one bad input never
fails a whole batch. Completion notifications are collected during a
transaction and fired only after commit.

The three engines:

  - the claim engine hands queued tasks to active managers, honoring
    tag order, program containment and priority,
  - the return engine applies batches of results with per-task
    ownership checks and savepoint recovery,
  - the service support (service_iterate.go) exposes the typed
    transaction helpers the service engine in pkg/services drives.
*/
package storage
