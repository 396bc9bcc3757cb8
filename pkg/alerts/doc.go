/*
Package alerts dispatches webhook alerts with an info/warning/critical
severity taxonomy and holds the progressive escalation state used by the
health monitor. Webhook failures never propagate to callers.
*/
package alerts
