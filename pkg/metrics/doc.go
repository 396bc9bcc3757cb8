/*
Package metrics defines the Prometheus collectors exported by both tiers
and the /metrics HTTP handler.
*/
package metrics
