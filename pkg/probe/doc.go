/*
Package probe watches running proxies and polls their backend edges for
liveness.

A per-proxy loop wakes every 30 seconds (with an immediate first tick),
re-reads the proxy's backend config from disk, and performs a bounded
TCP connect plus a minimal Minecraft handshake and status request
against each edge. Results are cached per proxy and published on the
proxy.<id>.status topic. Loops are started and stopped by the proxy's
own lifecycle transitions observed on the event bus.

On-demand player queries go through the proxy's RCON channel using the
glist command rather than the probe cache.
*/
package probe
