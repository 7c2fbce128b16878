/*
Package server assembles the application.

A Server owns the store, the completion broker, the service engine and
the periodic runner, wired from one Config. Request handlers in
pkg/api and the background jobs all share the one Server; there is no
package-global state.

The blocking wait-for-completion lives here because it spans two
components: the broker subscription is taken before record statuses
are read from storage, so a completion racing the read is never lost.
*/
package server
