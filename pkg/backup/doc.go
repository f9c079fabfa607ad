/*
Package backup archives and restores instance workspaces.

Snapshots are zip archives written with maximum deflate compression to
<backups>/<instanceId>/<name>-<epoch>.zip, skipping logs, crash
reports, and debug output. Restore extracts into a staging directory
next to the workspace and only replaces the workspace's top-level
entries once extraction has fully succeeded; a failed restore removes
the staging directory and leaves the workspace untouched.
*/
package backup
