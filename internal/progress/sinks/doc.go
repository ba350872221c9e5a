// Package sinks implements concrete progress consumers: structured logging,
// Prometheus collectors and the durable event ledger. Each sink satisfies
// progress.Sink and is safe for repeated Consume/Close cycles.
package sinks
