// Package audit emits one event per recipient group outcome to a set of
// sinks: the structured log, an HTTP webhook and a Kafka topic. Sink errors
// are counted and logged but never affect the dispatch run.
package audit
