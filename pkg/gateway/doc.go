/*
Package gateway exposes the event bus to websocket clients.

A client authenticates with a token on the upgrade request, then joins
per-instance topics with subscribe-server commands. Console lines,
status transitions, resource samples, and proxy backend statuses for
the subscribed instances are pushed as JSON frames. Slow clients fall
behind on the bus's bounded per-subscriber queue and silently lose the
oldest events rather than stalling publishers.
*/
package gateway
