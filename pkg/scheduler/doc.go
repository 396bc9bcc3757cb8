/*
Package scheduler drives the periodic maintenance jobs.

Schedules are six-field cron expressions with seconds precision, always
interpreted in UTC. Registration validates arity before handing the spec to
the cron library, and a deployment that registers nothing pays no scheduler
cost: the run loop is never started.
*/
package scheduler
