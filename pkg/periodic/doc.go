/*
Package periodic runs the server's recurring maintenance jobs.

Three independent tickers drive the work:

  - server stats snapshots into the stats log
  - the stale-manager sweep, which deactivates managers that missed
    five heartbeat intervals and returns their claimed tasks to the
    queue
  - the service iteration pass, which advances every multi-step
    service whose dependencies have settled

Each job has its own ticker so a long service pass cannot delay orphan
recovery. Jobs log failures and keep running; a broken database makes
every pass fail loudly rather than stopping the loops.

Usage:

	runner := periodic.NewRunner(store, engine, periodic.DefaultOptions())
	runner.Start()
	defer runner.Stop()
*/
package periodic
