/*
Package notifier delivers best-effort outbound webhooks for lifecycle
and player events.

Subscriptions are persisted in webhooks.json and matched against events
observed on the bus: status transitions (start, stop, crash), player
joins and leaves scanned from stdout, and backup completions. Each
matching subscription gets a dialect-appropriate POST, either a Discord
embed or a generic JSON envelope, with a five second timeout. Delivery
failures are logged and dropped; the notifier never blocks or fails the
operation that produced the event.
*/
package notifier
