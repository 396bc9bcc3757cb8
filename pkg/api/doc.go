/*
Package api exposes the manager's HTTP surface: liveness and readiness
probes, Prometheus metrics, read views over operation and health history,
open maintenance windows, ad-hoc operation trigger and cancel, and a
newline-delimited JSON event stream.
*/
package api
