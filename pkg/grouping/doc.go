// Package grouping partitions dataset records by recipient identity while
// preserving source order.
package grouping
