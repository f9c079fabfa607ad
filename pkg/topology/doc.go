/*
Package topology coordinates proxy↔backend composition: it derives
backend edges from proxy config on disk, mutates them under a per-proxy
lock, cascades lifecycle changes from a proxy to its backends, and keeps
velocity forwarding secrets synchronized with adopted backends.

Backend edges are weak references: the coordinator re-reads the proxy
config on every query and never assumes a backend row still exists when
acting on an edge. Cascaded stops pass skipBackends to each backend stop
so a proxy stop can never recurse.
*/
package topology
