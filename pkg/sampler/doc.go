/*
Package sampler tracks per-process resource usage for running instances
and serves on-demand host-wide statistics.

For every tracked PID a 2-second loop samples CPU percentage (may exceed
100 on multi-core hosts; reported as-is next to the core count) and RSS,
combines them with the most recently observed TPS, and emits the sample
on the instance's resource topic. TPS itself arrives out-of-band: the
supervisor's stdout scanner feeds parsed values in through SetTPS, and
20.0 is assumed until a server reports otherwise.

Untrack is idempotent and is invoked on every observed process exit.
*/
package sampler
