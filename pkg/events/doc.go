/*
Package events provides the in-process completion broker.

Every transaction that moves a record to a terminal status publishes an
event after commit. Subscribers receive events on buffered channels and
are never blocked on; a subscriber that falls behind misses events and
must re-read record statuses from storage.

The broker backs the blocking wait-for-completion API: a client
subscribes, reads the current statuses, and then waits, so completions
racing the read are not lost.

Usage:

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	ev, err := broker.WaitFor(ctx, sub, map[int64]bool{recordID: true})
*/
package events
