// Package record reads the tabular dataset that drives a dispatch run and
// exposes every row as an immutable, ordered field/value Record.
package record
