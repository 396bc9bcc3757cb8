/*
Package manager wires the control-plane components together.

It owns the persistent store, the per-target lock tracker, the alert
service, the operation executor, the health monitor, the cron scheduler,
and a pool of agent clients. Node and relayer service methods build the
work closures that drive remote agents through the long-operation protocol,
and the scheduler fires into those same methods with is-scheduled set.
*/
package manager
