/*
Package monitor implements the fleet health monitor.

Each cycle it fans out one concurrent RPC probe per enabled node, skipping
targets in maintenance. Liveness follows the block-progression law: a node
is healthy while its height advances (or it reports catching up); a node
stalled past the grace period has its height frozen as a baseline and stays
unhealthy until an observation strictly exceeds it.

Persistent failures escalate through the alerts package's progressive
schedule. Unhealthy nodes with auto-restore enabled get exactly one
trigger-word evaluation per unhealthy episode, gated by a two-hour cooldown
between restore attempts. A separate pass scans node logs for configured
patterns on healthy nodes.
*/
package monitor
