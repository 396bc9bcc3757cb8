/*
Package types contains the shared data model for the nodes manager: operation
records, maintenance windows, health statuses, agent wire shapes, and events.

Both tiers import this package; it has no dependencies beyond the standard
library so it can sit at the bottom of the import graph.
*/
package types
