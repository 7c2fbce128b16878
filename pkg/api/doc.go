/*
Package api is the HTTP front of the server.

Two surfaces share one chi router:

  - /compute/v1 is the manager wire protocol: activate, heartbeat,
    claim and return. Errors crossing this boundary carry a shutdown
    flag telling the manager whether it still owns server-side state.
  - /api/v1 is the client surface: submissions, bulk gets with
    projections, status transitions, queries over managers and server
    stats, and a blocking wait for record completion.

Batch endpoints enforce the configured API limits; a request over a
limit fails whole with HTTP 400 rather than being truncated.

/health and /metrics are served at the root.
*/
package api
