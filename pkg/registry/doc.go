/*
Package registry owns the durable catalog of managed instances.

The catalog is a single JSON file (servers.json) under the data root.
Every mutation saves synchronously before returning; a failed save rolls
the in-memory change back, so the file never trails the process by more
than the write in flight. On load all persisted statuses are normalized
to stopped (status is derived state, the process table is gone) and
one-shot migrations apply, currently defaulting a missing bind host to
0.0.0.0.

Access control is ownership-based: admins see every row, other
principals only rows whose owner matches.
*/
package registry
