/*
Package events provides a small in-process broker fanning manager events
(operation lifecycle, health transitions, maintenance windows) out to
subscribers such as the API event stream and the metrics collector.
*/
package events
