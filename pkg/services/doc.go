/*
Package services drives multi-step computation services.

A service record (torsiondrive, gridoptimization, reaction, manybody,
NEB) is advanced by its Advancer: each iteration consumes the results
of finished child records and either spawns the next wave of children
or stores final results. Children are ordinary records submitted
through the deduplicating storage paths, so a re-spawned identical
child resolves to the existing record.

The Engine iterates every service whose dependencies have settled in
one transaction, each service inside its own savepoint. An iteration
error fails that one service with an explanatory error output; the
rest of the pass continues.

Service state is JSON, reassigned whole on every iteration, so a
service survives server restarts at any point between iterations.
*/
package services
