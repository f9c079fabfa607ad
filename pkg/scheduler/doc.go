/*
Package scheduler runs cron-driven maintenance tasks against managed
instances.

Tasks are persisted in tasks.json and scheduled in a configurable
timezone (Berlin by default). A task whose cron expression fails to
parse is kept in the table but forced to disabled rather than rejected,
so a bad row never blocks the rest of the table from loading.

At most one execution per task may be in flight: a tick that finds the
previous run still going is skipped and logged as a miss. Every run,
successful or not, is recorded in a fixed-size in-memory ring of
execution records, newest first. The ring is not persisted.
*/
package scheduler
