/*
Package supervisor owns the runtime process table: it spawns, stops,
restarts, and reaps the JVM child processes behind managed instances.

# Architecture

	┌───────────────────── SUPERVISOR ─────────────────────┐
	│                                                        │
	│  ┌──────────────┐    per instance    ┌─────────────┐  │
	│  │ process table│◄───────────────────│  handle      │  │
	│  │ id → handle  │                    │  cmd, pid    │  │
	│  └──────┬───────┘                    │  stdin pipe  │  │
	│         │                            │  stdout ring │  │
	│  transition lock (one lifecycle      └──────┬──────┘  │
	│  change in flight per instance)             │          │
	│                                             ▼          │
	│   line scanner: console fan-out, TPS regex, player     │
	│   join/leave regex → event bus + resource tracker      │
	│                                             │          │
	│   exit reaper: status → stopped, handle dropped,       │
	│   sampler untracked, stop/crash event emitted          │
	└────────────────────────────────────────────────────────┘

Lifecycle transitions for one instance are serialized: a second caller
arriving while a transition is in flight receives ErrInProgress. The
proxy→backend cascade is delegated through the Cascader port so the
topology coordinator can fan lifecycle changes out without a package
cycle.
*/
package supervisor
