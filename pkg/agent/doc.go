/*
Package agent implements the per-host agent tier.

The agent exposes an authenticated HTTP API that executes local shell,
service-control, and data-movement operations on behalf of the manager.
Long-running operations (snapshot create/restore, pruning, state sync)
respond immediately with a job id and run asynchronously; the manager polls
the job status endpoint until it observes a terminal state. A per-target
operation map refuses concurrent operations on the same service, and all
command execution is funneled through a single Runner seam.
*/
package agent
