/*
Package events provides the topic-keyed fan-out bus that connects the
supervisor, sampler, probe, notifier, and websocket gateway.

Topics follow fixed shapes:

	server.<id>.console   console output lines
	server.<id>.status    lifecycle transitions (with exit code on crash)
	server.<id>.resource  per-process CPU/memory/TPS samples
	proxy.<id>.status     probed backend liveness sets
	system.stats          host-wide telemetry

Subscribers register dot-separated patterns where a "*" segment matches
any single segment (for example "server.*.status"). The bus never buffers
beyond each subscriber's bounded queue: a slow consumer loses the oldest
queued events first. Delivery order is FIFO per topic because a single
goroutine performs all broadcasts; ordering across topics is undefined.
*/
package events
