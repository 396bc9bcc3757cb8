/*
Package storage persists manager state in an embedded BoltDB database.

Two record families are stored: operation records (with a newest-first time
index for the recent-operations view) and per-target health history rows.
Values are JSON-encoded; keys use an inverted-timestamp scheme so bolt
cursors naturally iterate newest first.

CleanupStuck is the crash-recovery contract: at process start, any record
still claiming started/running past the cutoff is force-failed, because no
in-process work can have survived the restart.
*/
package storage
